package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "mpvctl",
		Short: "mpvctl links mpv players to an OLED display and rotary encoders",
		Long: `mpvctl watches the volume and mute state of several mpv instances over
their JSON IPC sockets, shows them on an I2C OLED and turns rotary encoder
input into volume and mute commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// configFlags are shared by every subcommand that needs the config.
type configFlags struct {
	path     string
	logLevel string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "YAML config file (defaults are used when empty)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level: error, warn, info, debug")
}

// load builds the effective config: defaults, then file, then overrides.
func (f *configFlags) load(cmd *cobra.Command, o FlagOverrides) (Config, error) {
	cfg := DefaultConfig()
	if f.path != "" {
		var err error
		cfg, err = LoadConfigFile(f.path)
		if err != nil {
			return Config{}, err
		}
	}
	if cmd.Flags().Changed("log-level") {
		o.LogLevel = &f.logLevel
	}
	o.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var (
		cf         configFlags
		driver     string
		i2cBus     string
		contrast   int
		maxFPS     int
		fontPath   string
		fontSize   float64
		gpioChip   string
		noEncoders bool
		ipcSocket  string
		httpListen string
		mqttBroker string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			var o FlagOverrides
			set := func(name string) bool { return cmd.Flags().Changed(name) }
			if set("display-driver") {
				o.DisplayDriver = &driver
			}
			if set("i2c-bus") {
				o.I2CBus = &i2cBus
			}
			if set("contrast") {
				o.Contrast = &contrast
			}
			if set("max-fps") {
				o.MaxFPS = &maxFPS
			}
			if set("font") {
				o.FontPath = &fontPath
			}
			if set("font-size") {
				o.FontSize = &fontSize
			}
			if set("gpio-chip") {
				o.GPIOChip = &gpioChip
			}
			if set("no-encoders") {
				o.DisableEncoders = &noEncoders
			}
			if set("ipc-socket") {
				o.IPCSocketPath = &ipcSocket
			}
			if set("http") {
				o.HTTPListen = &httpListen
			}
			if set("mqtt") {
				o.MQTTBroker = &mqttBroker
			}

			cfg, err := cf.load(cmd, o)
			if err != nil {
				return err
			}

			level, err := parseLogLevel(cfg.Logging.Level)
			if err != nil {
				return err
			}
			logger := setupLogger(level)
			logger.Info("starting mpvctl", "version", version)
			logger.Debug("configuration",
				"instances", cfg.Instances,
				"encoders", len(cfg.Encoders),
				"display_driver", cfg.Display.Driver,
				"max_fps", cfg.Display.MaxFPS,
				"ipc", cfg.IPC.Enabled,
				"http", cfg.HTTP.Enabled,
				"mqtt", cfg.MQTT.Enabled,
				"log_level", level)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runController(ctx, cfg, logger); err != nil {
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}

	cf.register(cmd)
	cmd.Flags().StringVar(&driver, "display-driver", displayDriverSSD1306, "Display driver: ssd1306 or none")
	cmd.Flags().StringVar(&i2cBus, "i2c-bus", "", "I2C bus name (empty selects the first bus)")
	cmd.Flags().IntVar(&contrast, "contrast", defaultContrast, "OLED contrast 0-255")
	cmd.Flags().IntVar(&maxFPS, "max-fps", defaultMaxFPS, "Maximum display refresh rate")
	cmd.Flags().StringVar(&fontPath, "font", "", "TTF/OTF font file (built-in bitmap font when empty)")
	cmd.Flags().Float64Var(&fontSize, "font-size", defaultFontSize, "Font size in pixels")
	cmd.Flags().StringVar(&gpioChip, "gpio-chip", defaultGPIOChip, "GPIO character device for the encoders")
	cmd.Flags().BoolVar(&noEncoders, "no-encoders", false, "Do not request GPIO lines (display only)")
	cmd.Flags().StringVar(&ipcSocket, "ipc-socket", "", "Control socket path (empty disables)")
	cmd.Flags().StringVar(&httpListen, "http", "", "HTTP state server listen address, e.g. :3001 (empty disables)")
	cmd.Flags().StringVar(&mqttBroker, "mqtt", "", "MQTT broker URL, e.g. tcp://broker:1883 (empty disables)")
	return cmd
}

// sendCmd drives a player by hand. By default it goes through a running
// controller's control socket; --direct talks to the mpv socket itself.
func sendCmd() *cobra.Command {
	var (
		cf        configFlags
		ipcSocket string
		direct    bool
	)

	cmd := &cobra.Command{
		Use:   "send (volume <instance> <delta> | mute <instance>)",
		Short: "Send a volume step or mute toggle to one instance",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseSendArgs(args)
			if err != nil {
				return err
			}

			var o FlagOverrides
			if cmd.Flags().Changed("ipc-socket") {
				o.IPCSocketPath = &ipcSocket
			}
			cfg, err := cf.load(cmd, o)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if direct {
				level, err := parseLogLevel(cfg.Logging.Level)
				if err != nil {
					return err
				}
				sender := NewSender(cfg.CommandTimeout(), setupLogger(level))
				return NewDispatcher(cfg.Instances, sender).Dispatch(ctx, req)
			}
			if cfg.IPC.SocketPath == "" {
				return fmt.Errorf("no control socket configured; use --direct")
			}
			return SendIPCRequest(ctx, cfg.IPC.SocketPath, req, 2*time.Second)
		},
	}

	cf.register(cmd)
	cmd.Flags().StringVar(&ipcSocket, "ipc-socket", "", "Control socket of the running controller")
	cmd.Flags().BoolVar(&direct, "direct", false, "Talk to the mpv socket directly instead of the controller")
	return cmd
}

func parseSendArgs(args []string) (Request, error) {
	id, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("instance must be an integer: %q", args[1])
	}

	switch args[0] {
	case "volume":
		if len(args) != 3 {
			return nil, fmt.Errorf("usage: send volume <instance> <delta>")
		}
		delta, err := strconv.Atoi(args[2])
		if err != nil || delta == 0 {
			return nil, fmt.Errorf("delta must be a non-zero integer: %q", args[2])
		}
		return VolumeStepRequest{Instance: id, Delta: delta}, nil
	case "mute":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: send mute <instance>")
		}
		return ToggleMuteRequest{Instance: id}, nil
	default:
		return nil, fmt.Errorf("unknown action %q (want volume or mute)", args[0])
	}
}

// checkCmd validates the config and reports which player sockets exist.
func checkCmd() *cobra.Command {
	var cf configFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and report player socket status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cf.load(cmd, FlagOverrides{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "config: ok")
			for _, inst := range cfg.Instances {
				status := "missing"
				if socketExists(inst.Socket) {
					status = "present"
				}
				fmt.Fprintf(out, "instance %d: %s (%s)\n", inst.ID, inst.Socket, status)
			}
			for _, ec := range cfg.Encoders {
				fmt.Fprintf(out, "encoder %s: %s clk=%d dt=%d sw=%d -> %s\n",
					ec.Name, cfg.GPIO.Chip, ec.CLK, ec.DT, ec.SW, ec.Socket)
			}
			fmt.Fprintf(out, "display: %s %dx%d contrast=%d\n",
				cfg.Display.Driver, cfg.Display.Width, cfg.Display.Height, cfg.Display.Contrast)
			return nil
		},
	}

	cf.register(cmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mpvctl %s\n", version)
		},
	}
}
