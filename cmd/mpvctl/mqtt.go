package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ============================================================================
// MQTT Bridge
// ============================================================================
// Topics, relative to mqtt.topic_prefix:
//
//	status                 "online" / "offline" (retained, LWT)
//	<id>/state             InstanceView JSON (retained, on change)
//	<id>/volume/step       command, payload: signed integer percent
//	<id>/mute/toggle       command, payload ignored
// ============================================================================

const (
	mqttQoS            = 1
	mqttDisconnectWait = 250 // ms
	mqttPublishWait    = 2 * time.Second
)

// MQTTBridge publishes instance state and accepts commands.
type MQTTBridge struct {
	cfg        MQTTConfig
	store      *Store
	dispatcher *Dispatcher
	timeout    time.Duration
	logger     *slog.Logger
}

func NewMQTTBridge(cfg MQTTConfig, store *Store, dispatcher *Dispatcher, commandTimeout time.Duration, logger *slog.Logger) *MQTTBridge {
	return &MQTTBridge{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		timeout:    commandTimeout,
		logger:     logger.With("broker", cfg.Broker),
	}
}

func (b *MQTTBridge) statusTopic() string { return b.cfg.TopicPrefix + "/status" }

func (b *MQTTBridge) stateTopic(id int) string {
	return b.cfg.TopicPrefix + "/" + strconv.Itoa(id) + "/state"
}

// Run connects (retrying in the background) and publishes state changes
// until ctx is canceled.
func (b *MQTTBridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
	}
	if b.cfg.PasswordFile != "" {
		pw, err := os.ReadFile(ExpandPath(b.cfg.PasswordFile))
		if err != nil {
			return fmt.Errorf("read mqtt password file: %w", err)
		}
		opts.SetPassword(strings.TrimSpace(string(pw)))
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	opts.SetWill(b.statusTopic(), "offline", mqttQoS, true)

	opts.OnConnect = func(c mqtt.Client) {
		b.logger.Info("MQTT connected")
		c.Publish(b.statusTopic(), mqttQoS, true, "online")
		b.subscribe(ctx, c)
		// Brokers may have lost retained state; republish everything.
		for _, st := range b.store.Snapshot() {
			b.publishState(c, st)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.logger.Warn("MQTT connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	// With ConnectRetry the token only completes once connected; don't block on it.
	client.Connect()

	last := b.store.Snapshot()
	watchStore(ctx, b.store, stateObserveInterval, func(snap []InstanceState) {
		if !client.IsConnectionOpen() {
			last = nil
			return
		}
		for _, st := range changedInstances(last, snap) {
			b.publishState(client, st)
		}
		last = snap
	})

	if client.IsConnectionOpen() {
		tok := client.Publish(b.statusTopic(), mqttQoS, true, "offline")
		tok.WaitTimeout(mqttPublishWait)
	}
	client.Disconnect(mqttDisconnectWait)
	b.logger.Info("MQTT bridge stopped")
	return nil
}

func (b *MQTTBridge) publishState(c mqtt.Client, st InstanceState) {
	payload, err := json.Marshal(newInstanceView(st))
	if err != nil {
		b.logger.Warn("MQTT marshal state failed", "instance", st.ID, "error", err)
		return
	}
	c.Publish(b.stateTopic(st.ID), mqttQoS, true, payload)
}

func (b *MQTTBridge) subscribe(ctx context.Context, c mqtt.Client) {
	filters := map[string]byte{
		b.cfg.TopicPrefix + "/+/volume/step": mqttQoS,
		b.cfg.TopicPrefix + "/+/mute/toggle": mqttQoS,
	}
	tok := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleCommand(ctx, msg.Topic(), msg.Payload())
	})
	if tok.WaitTimeout(mqttPublishWait) && tok.Error() != nil {
		b.logger.Warn("MQTT subscribe failed", "error", tok.Error())
	}
}

func (b *MQTTBridge) handleCommand(ctx context.Context, topic string, payload []byte) {
	req, err := parseCommandTopic(b.cfg.TopicPrefix, topic, payload)
	if err != nil {
		b.logger.Warn("MQTT ignoring command", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.dispatcher.Dispatch(ctx, req); err != nil {
		b.logger.Warn("MQTT command failed", "topic", topic, "error", err)
		return
	}
	b.logger.Debug("MQTT command executed", "topic", topic)
}

// parseCommandTopic turns a command message into a Request.
func parseCommandTopic(prefix, topic string, payload []byte) (Request, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return nil, fmt.Errorf("topic outside prefix %q", prefix)
	}
	idStr, action, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("missing action")
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return nil, fmt.Errorf("instance id %q: %w", idStr, err)
	}

	switch action {
	case "volume/step":
		delta, err := strconv.Atoi(strings.TrimSpace(string(payload)))
		if err != nil {
			return nil, fmt.Errorf("volume step payload %q: %w", payload, err)
		}
		if delta == 0 {
			return nil, fmt.Errorf("volume step must not be 0")
		}
		return VolumeStepRequest{Instance: id, Delta: delta}, nil
	case "mute/toggle":
		return ToggleMuteRequest{Instance: id}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}
