package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for mpvctl.
//
// Defaults reproduce the stock three-player Pi build (sockets /tmp/mpv-1..3,
// three encoders, SSD1306 at 0x3C), so an empty file is a working config.
type Config struct {
	// Player instances, one line each on the display
	Instances []InstanceConfig `yaml:"instances"`

	// Rotary encoders, each bound to one player socket
	Encoders []EncoderConfig `yaml:"encoders"`

	GPIO    GPIOConfig       `yaml:"gpio"`
	Display DisplayConfig    `yaml:"display"`
	Reader  ReaderFileConfig `yaml:"reader"`

	// Bound on one Command Sender round trip
	CommandTimeoutMS int `yaml:"command_timeout_ms"`

	// Optional surfaces
	IPC  IPCConfig  `yaml:"ipc"`
	HTTP HTTPConfig `yaml:"http"`
	MQTT MQTTConfig `yaml:"mqtt"`

	Logging LoggingConfig `yaml:"logging"`
}

type InstanceConfig struct {
	ID     int    `yaml:"id"`
	Socket string `yaml:"socket"`
}

type EncoderConfig struct {
	Name   string `yaml:"name"`
	Socket string `yaml:"socket"`

	// GPIO line offsets on gpio.chip
	CLK int `yaml:"clk"`
	DT  int `yaml:"dt"`
	SW  int `yaml:"sw"`

	// Volume percent per clock edge
	Step             int            `yaml:"step"`
	ButtonDebounceMS int            `yaml:"button_debounce_ms"`
	Velocity         VelocityConfig `yaml:"velocity"`
}

// VelocityConfig scales fast spins. Multiplier 1 (the default) turns it off.
type VelocityConfig struct {
	WindowMS   int `yaml:"window_ms"`
	Threshold  int `yaml:"threshold"`
	Multiplier int `yaml:"multiplier"`
}

type GPIOConfig struct {
	Chip string `yaml:"chip"`
}

type DisplayConfig struct {
	Driver   string `yaml:"driver"` // "ssd1306" or "none"
	I2CBus   string `yaml:"i2c_bus"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	Rotated  bool   `yaml:"rotated"`
	Contrast int    `yaml:"contrast"`
	MaxFPS   int    `yaml:"max_fps"`

	// Empty FontPath uses the built-in 7x13 bitmap face.
	FontPath   string  `yaml:"font_path"`
	FontSize   float64 `yaml:"font_size"`
	LineHeight int     `yaml:"line_height,omitempty"` // 0: derived from the font
}

// ReaderFileConfig is the YAML form of ReaderConfig.
type ReaderFileConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	RetryBackoffMS int `yaml:"retry_backoff_ms"`
	ReadTimeoutMS  int `yaml:"read_timeout_ms"`
}

type IPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	MDNS    bool   `yaml:"mdns"`
}

type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username,omitempty"`
	PasswordFile string `yaml:"password_file,omitempty"`
	TopicPrefix  string `yaml:"topic_prefix"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	displayDriverSSD1306 = "ssd1306"
	displayDriverNone    = "none"
)

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	encoder := func(name, socket string, clk, dt, sw int) EncoderConfig {
		return EncoderConfig{
			Name:             name,
			Socket:           socket,
			CLK:              clk,
			DT:               dt,
			SW:               sw,
			Step:             defaultEncoderStep,
			ButtonDebounceMS: defaultButtonDebounceMS,
			Velocity: VelocityConfig{
				WindowMS:   defaultVelocityWindowMS,
				Threshold:  defaultVelocityThreshold,
				Multiplier: defaultVelocityMult,
			},
		}
	}

	return Config{
		Instances: []InstanceConfig{
			{ID: 1, Socket: "/tmp/mpv-1"},
			{ID: 2, Socket: "/tmp/mpv-2"},
			{ID: 3, Socket: "/tmp/mpv-3"},
		},
		Encoders: []EncoderConfig{
			encoder("enc1", "/tmp/mpv-1", 24, 23, 25),
			encoder("enc2", "/tmp/mpv-2", 27, 17, 22),
			encoder("enc3", "/tmp/mpv-3", 26, 6, 16),
		},
		GPIO: GPIOConfig{
			Chip: defaultGPIOChip,
		},
		Display: DisplayConfig{
			Driver:   displayDriverSSD1306,
			I2CBus:   "",
			Width:    defaultDisplayW,
			Height:   defaultDisplayH,
			Contrast: defaultContrast,
			MaxFPS:   defaultMaxFPS,
			FontSize: defaultFontSize,
		},
		Reader: ReaderFileConfig{
			PollIntervalMS: defaultPollIntervalMS,
			RetryBackoffMS: defaultRetryBackoffMS,
			ReadTimeoutMS:  defaultReadTimeoutMS,
		},
		CommandTimeoutMS: defaultCommandTimeoutMS,
		IPC: IPCConfig{
			Enabled:    true,
			SocketPath: "/tmp/mpvctl.sock",
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Listen:  ":3001",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "mpvctl",
			TopicPrefix: "mpvctl",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
// A list given in the file (instances, encoders) replaces the default list.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		// An empty file is a valid "all defaults" config.
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace and comments may follow the document. Decode into a
	// node so KnownFields cannot turn a second document into an error.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return Config{}, fmt.Errorf("decode config yaml: trailing data: %w", err)
		}
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	cfg.fillEncoderDefaults()
	return cfg, nil
}

// fillEncoderDefaults fills zero tuning values of encoders given in a file.
// yaml.v3 decodes list items into fresh zero values, not into the defaults.
func (c *Config) fillEncoderDefaults() {
	for i := range c.Encoders {
		e := &c.Encoders[i]
		if e.Step == 0 {
			e.Step = defaultEncoderStep
		}
		if e.ButtonDebounceMS == 0 {
			e.ButtonDebounceMS = defaultButtonDebounceMS
		}
		if e.Velocity.WindowMS == 0 {
			e.Velocity.WindowMS = defaultVelocityWindowMS
		}
		if e.Velocity.Threshold == 0 {
			e.Velocity.Threshold = defaultVelocityThreshold
		}
		if e.Velocity.Multiplier == 0 {
			e.Velocity.Multiplier = defaultVelocityMult
		}
	}
}

// FlagOverrides holds CLI overrides applied on top of a loaded config.
// Each override is only applied if its pointer is non-nil; main.go sets
// the pointer only when the flag was given.
type FlagOverrides struct {
	DisplayDriver *string
	I2CBus        *string
	Contrast      *int
	MaxFPS        *int
	FontPath      *string
	FontSize      *float64

	GPIOChip        *string
	DisableEncoders *bool

	IPCSocketPath *string
	HTTPListen    *string
	MQTTBroker    *string

	LogLevel *string
}

// Apply merges the overrides into cfg. If the pointer is non-nil, the value
// is applied (even if it is a zero value).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.DisplayDriver != nil {
		cfg.Display.Driver = *o.DisplayDriver
	}
	if o.I2CBus != nil {
		cfg.Display.I2CBus = *o.I2CBus
	}
	if o.Contrast != nil {
		cfg.Display.Contrast = *o.Contrast
	}
	if o.MaxFPS != nil {
		cfg.Display.MaxFPS = *o.MaxFPS
	}
	if o.FontPath != nil {
		cfg.Display.FontPath = *o.FontPath
	}
	if o.FontSize != nil {
		cfg.Display.FontSize = *o.FontSize
	}

	if o.GPIOChip != nil {
		cfg.GPIO.Chip = *o.GPIOChip
	}
	if o.DisableEncoders != nil && *o.DisableEncoders {
		cfg.Encoders = nil
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
		cfg.IPC.Enabled = *o.IPCSocketPath != ""
	}
	if o.HTTPListen != nil {
		cfg.HTTP.Listen = *o.HTTPListen
		cfg.HTTP.Enabled = *o.HTTPListen != ""
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
		cfg.MQTT.Enabled = *o.MQTTBroker != ""
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Instances
	if len(c.Instances) == 0 {
		return errors.New("instances must not be empty")
	}
	seen := make(map[int]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if inst.ID < 1 {
			return fmt.Errorf("instances[%d].id must be >= 1", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("instances[%d].id %d is duplicated", i, inst.ID)
		}
		seen[inst.ID] = true
		if inst.Socket == "" {
			return fmt.Errorf("instances[%d].socket is empty", i)
		}
	}

	// Encoders
	for i, e := range c.Encoders {
		if e.Socket == "" {
			return fmt.Errorf("encoders[%d].socket is empty", i)
		}
		if e.CLK < 0 || e.DT < 0 || e.SW < 0 {
			return fmt.Errorf("encoders[%d]: gpio offsets must be >= 0", i)
		}
		if e.CLK == e.DT || e.CLK == e.SW || e.DT == e.SW {
			return fmt.Errorf("encoders[%d]: clk, dt and sw must be distinct lines", i)
		}
		if e.Step <= 0 {
			return fmt.Errorf("encoders[%d].step must be > 0", i)
		}
		if e.ButtonDebounceMS < 0 {
			return fmt.Errorf("encoders[%d].button_debounce_ms must be >= 0", i)
		}
		if e.Velocity.WindowMS < 0 || e.Velocity.Threshold < 0 || e.Velocity.Multiplier < 0 {
			return fmt.Errorf("encoders[%d].velocity values must be >= 0", i)
		}
	}
	if len(c.Encoders) > 0 && c.GPIO.Chip == "" {
		return errors.New("gpio.chip must not be empty when encoders are configured")
	}

	// Display
	switch c.Display.Driver {
	case displayDriverSSD1306, displayDriverNone:
	default:
		return fmt.Errorf("display.driver must be %q or %q", displayDriverSSD1306, displayDriverNone)
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		return errors.New("display.width and display.height must be > 0")
	}
	if c.Display.Contrast < 0 || c.Display.Contrast > 255 {
		return errors.New("display.contrast must be between 0 and 255")
	}
	if c.Display.MaxFPS <= 0 || c.Display.MaxFPS > 1000 {
		return errors.New("display.max_fps must be between 1 and 1000")
	}
	if c.Display.FontPath != "" && c.Display.FontSize <= 0 {
		return errors.New("display.font_size must be > 0 when display.font_path is set")
	}
	if c.Display.LineHeight < 0 {
		return errors.New("display.line_height must be >= 0")
	}

	// Reader
	if c.Reader.PollIntervalMS <= 0 {
		return errors.New("reader.poll_interval_ms must be > 0")
	}
	if c.Reader.RetryBackoffMS <= 0 {
		return errors.New("reader.retry_backoff_ms must be > 0")
	}
	if c.Reader.ReadTimeoutMS <= 0 || c.Reader.ReadTimeoutMS > 1000 {
		return errors.New("reader.read_timeout_ms must be between 1 and 1000")
	}
	if c.CommandTimeoutMS <= 0 {
		return errors.New("command_timeout_ms must be > 0")
	}

	// Surfaces
	if c.IPC.Enabled && c.IPC.SocketPath == "" {
		return errors.New("ipc.enabled is true but ipc.socket_path is empty")
	}
	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		return errors.New("http.enabled is true but http.listen is empty")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if c.MQTT.TopicPrefix == "" {
			return errors.New("mqtt.enabled is true but mqtt.topic_prefix is empty")
		}
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// InstanceIDs returns the configured ids in file order.
func (c *Config) InstanceIDs() []int {
	ids := make([]int, len(c.Instances))
	for i, inst := range c.Instances {
		ids[i] = inst.ID
	}
	return ids
}

// SocketFor returns the socket path of instance id.
func (c *Config) SocketFor(id int) (string, error) {
	for _, inst := range c.Instances {
		if inst.ID == id {
			return inst.Socket, nil
		}
	}
	return "", errUnknownInstance{id: id}
}

// ToReaderConfig converts the file config into the reader timing knobs.
func (c *Config) ToReaderConfig() ReaderConfig {
	return ReaderConfig{
		PollInterval: time.Duration(c.Reader.PollIntervalMS) * time.Millisecond,
		RetryBackoff: time.Duration(c.Reader.RetryBackoffMS) * time.Millisecond,
		ReadTimeout:  time.Duration(c.Reader.ReadTimeoutMS) * time.Millisecond,
	}
}

// CommandTimeout returns the Command Sender round trip bound.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
