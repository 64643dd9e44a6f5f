package main

import (
	"context"
	"log/slog"
	"time"
)

// PinEdge is one transition delivered by the edge source: Pin moved to
// Level (0 or 1) at At.
type PinEdge struct {
	Pin   int
	Level int
	At    time.Time
}

// PinReader reads the instantaneous level of an input pin.
type PinReader interface {
	Value() (int, error)
}

// Encoder turns edges of one rotary encoder into volume/mute commands.
//
// Edges arrive on a channel consumed by Run, so all state (last clock
// level, last press time) is owned by that one goroutine.
type Encoder struct {
	cfg      EncoderConfig
	data     PinReader
	sender   PlayerCommander
	velocity *rotaryVelocity
	logger   *slog.Logger

	debounce  time.Duration
	lastClk   int // -1 until the first clock edge
	lastPress time.Time
}

// NewEncoder creates a handler for one encoder. data reads the DT pin.
func NewEncoder(cfg EncoderConfig, data PinReader, sender PlayerCommander, logger *slog.Logger) *Encoder {
	return &Encoder{
		cfg:      cfg,
		data:     data,
		sender:   sender,
		velocity: newRotaryVelocity(cfg.Velocity),
		logger:   logger.With("encoder", cfg.Name, "socket", cfg.Socket),
		debounce: time.Duration(cfg.ButtonDebounceMS) * time.Millisecond,
		lastClk:  -1,
	}
}

// Run handles edges until ctx is canceled or edges is closed.
func (e *Encoder) Run(ctx context.Context, edges <-chan PinEdge) error {
	e.logger.Info("encoder active", "clk", e.cfg.CLK, "dt", e.cfg.DT, "sw", e.cfg.SW)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-edges:
			if !ok {
				return nil
			}
			e.HandleEdge(ctx, ev)
		}
	}
}

// HandleEdge dispatches one edge. Edges on unrelated pins are ignored.
func (e *Encoder) HandleEdge(ctx context.Context, ev PinEdge) {
	switch ev.Pin {
	case e.cfg.CLK:
		e.handleClock(ctx, ev)
	case e.cfg.SW:
		if ev.Level == 0 {
			e.handlePress(ctx, ev)
		}
	}
}

// handleClock decodes rotation from a clock edge and the current DT level:
// DT differing from the new clock level is one step up, equal is one step
// down. This fires on every clock edge, not once per detent.
func (e *Encoder) handleClock(ctx context.Context, ev PinEdge) {
	// Some edge sources redeliver the same level; only real transitions count.
	if ev.Level == e.lastClk {
		return
	}
	e.lastClk = ev.Level

	dt, err := e.data.Value()
	if err != nil {
		e.logger.Warn("read data pin failed", "error", err)
		return
	}

	direction := -1
	if dt != ev.Level {
		direction = 1
	}
	delta := direction * e.cfg.Step * e.velocity.multiplier(direction, ev.At)

	if err := e.sender.ChangeVolume(ctx, e.cfg.Socket, delta); err != nil {
		e.logger.Warn("volume change failed", "delta", delta, "error", err)
		return
	}
	e.logger.Debug("volume changed", "delta", delta)
}

// handlePress toggles mute. A second press inside the debounce interval is
// treated as a redelivery of the same physical press and ignored.
func (e *Encoder) handlePress(ctx context.Context, ev PinEdge) {
	if !e.lastPress.IsZero() && ev.At.Sub(e.lastPress) < e.debounce {
		e.logger.Debug("ignoring repeated button edge")
		return
	}
	e.lastPress = ev.At

	if err := e.sender.ToggleMute(ctx, e.cfg.Socket); err != nil {
		e.logger.Warn("mute toggle failed", "error", err)
		return
	}
	e.logger.Debug("mute toggled")
}
