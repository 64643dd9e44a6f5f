package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Controller
// ============================================================================
//
// Task layout:
//   - one InstanceReader per configured instance (writers to the Store)
//   - one display loop (the single consumer of the change flag)
//   - one Encoder goroutine per encoder, fed by gpiocdev edge handlers
//   - optional IPC, HTTP (+ws, +mDNS) and MQTT surfaces
//
// The Store is created here and handed to exactly the tasks that need it.
// Hardware and listener setup errors abort startup; everything after that
// is retried or logged inside the task that hit it.
// ============================================================================

// edgeQueueSize bounds buffered encoder edges per encoder.
const edgeQueueSize = 64

func runController(ctx context.Context, cfg Config, logger *slog.Logger) error {
	store := NewStore(cfg.InstanceIDs())
	sender := NewSender(cfg.CommandTimeout(), logger)
	dispatcher := NewDispatcher(cfg.Instances, sender)

	renderer, err := openRenderer(cfg.Display, logger)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}
	defer func() {
		if err := renderer.Close(); err != nil {
			logger.Warn("display close failed", "error", err)
		}
	}()

	type encoderTask struct {
		enc   *Encoder
		edges chan PinEdge
	}
	var encoders []encoderTask
	for _, ec := range cfg.Encoders {
		edges := make(chan PinEdge, edgeQueueSize)
		lines, err := openEncoderLines(cfg.GPIO.Chip, ec, edges, logger)
		if err != nil {
			return fmt.Errorf("encoder %s: %w", ec.Name, err)
		}
		defer lines.Close()
		encoders = append(encoders, encoderTask{
			enc:   NewEncoder(ec, lines.dt, sender, logger),
			edges: edges,
		})
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, inst := range cfg.Instances {
		reader := NewInstanceReader(inst.ID, inst.Socket, store, cfg.ToReaderConfig(), logger)
		g.Go(func() error { return reader.Run(ctx) })
	}

	g.Go(func() error {
		return runDisplay(ctx, store, renderer, cfg.Display.MaxFPS, lineHeightFor(cfg.Display), logger)
	})

	for _, t := range encoders {
		t := t
		g.Go(func() error { return t.enc.Run(ctx, t.edges) })
	}

	if cfg.IPC.Enabled {
		g.Go(func() error { return runIPCServer(ctx, cfg.IPC.SocketPath, dispatcher, logger) })
	}

	if cfg.HTTP.Enabled {
		ws := NewStateWSServer(store, logger, HubConfig{})
		g.Go(func() error {
			ws.Hub().Run(ctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(ctx, ws.Hub(), store, logger)
			return nil
		})

		var ready func(net.Addr)
		if cfg.HTTP.MDNS {
			ready = func(addr net.Addr) {
				g.Go(func() error {
					// mDNS is a convenience; never take the controller down for it.
					if err := advertiseHTTP(ctx, addr, len(cfg.Instances), logger); err != nil {
						logger.Warn("mDNS advertisement failed", "error", err)
					}
					return nil
				})
			}
		}
		handler := newRouter(store, dispatcher, ws, logger)
		g.Go(func() error { return runHTTPServer(ctx, cfg.HTTP.Listen, handler, ready, logger) })
	}

	if cfg.MQTT.Enabled {
		bridge := NewMQTTBridge(cfg.MQTT, store, dispatcher, cfg.CommandTimeout(), logger)
		g.Go(func() error { return bridge.Run(ctx) })
	}

	logger.Info("controller running",
		"instances", len(cfg.Instances),
		"encoders", len(encoders),
		"display", cfg.Display.Driver)

	return g.Wait()
}

// openRenderer opens the configured display driver.
func openRenderer(cfg DisplayConfig, logger *slog.Logger) (Renderer, error) {
	switch cfg.Driver {
	case displayDriverNone:
		return logRenderer{logger: logger}, nil
	default:
		r, err := newOLEDRenderer(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("display ready", "driver", cfg.Driver, "bus", cfg.I2CBus, "contrast", cfg.Contrast)
		return r, nil
	}
}
