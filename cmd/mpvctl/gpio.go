package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

const gpioConsumer = "mpvctl"

// encoderLines holds the requested GPIO lines of one encoder.
type encoderLines struct {
	clk *gpiocdev.Line
	dt  *gpiocdev.Line
	sw  *gpiocdev.Line
}

// openEncoderLines requests the CLK, DT and SW lines of one encoder on chip.
// Edges on CLK (both) and SW (falling, kernel-debounced) are posted to edges.
// The DT line is returned for level reads.
func openEncoderLines(chip string, cfg EncoderConfig, edges chan<- PinEdge, logger *slog.Logger) (*encoderLines, error) {
	handler := func(le gpiocdev.LineEvent) {
		ev := PinEdge{
			Pin:   le.Offset,
			Level: levelAfter(le.Type),
			At:    time.Now(),
		}
		// Never block the gpiocdev event goroutine.
		select {
		case edges <- ev:
		default:
			logger.Warn("encoder edge queue full, dropping edge", "encoder", cfg.Name, "pin", le.Offset)
		}
	}

	lines := &encoderLines{}
	var err error

	lines.clk, err = gpiocdev.RequestLine(chip, cfg.CLK,
		gpiocdev.WithConsumer(gpioConsumer),
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("request clk line %d: %w", cfg.CLK, err)
	}

	lines.dt, err = gpiocdev.RequestLine(chip, cfg.DT,
		gpiocdev.WithConsumer(gpioConsumer),
		gpiocdev.AsInput,
		gpiocdev.WithPullDown)
	if err != nil {
		_ = lines.Close()
		return nil, fmt.Errorf("request dt line %d: %w", cfg.DT, err)
	}

	lines.sw, err = gpiocdev.RequestLine(chip, cfg.SW,
		gpiocdev.WithConsumer(gpioConsumer),
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithDebounce(time.Duration(cfg.ButtonDebounceMS)*time.Millisecond),
		gpiocdev.WithEventHandler(handler))
	if err != nil {
		_ = lines.Close()
		return nil, fmt.Errorf("request sw line %d: %w", cfg.SW, err)
	}

	return lines, nil
}

// Close releases every requested line.
func (l *encoderLines) Close() error {
	var errs []error
	for _, line := range []*gpiocdev.Line{l.clk, l.dt, l.sw} {
		if line == nil {
			continue
		}
		if err := line.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// levelAfter maps an edge type to the line level after the transition.
func levelAfter(t gpiocdev.LineEventType) int {
	if t == gpiocdev.LineEventRisingEdge {
		return 1
	}
	return 0
}
