package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
)

// TextLine is one string drawn at pixel position (X, Y), Y being the top
// of the line.
type TextLine struct {
	X, Y int
	Text string
}

// Renderer draws a full frame of text lines in one atomic pass.
type Renderer interface {
	Render(lines []TextLine) error
	Close() error
}

// FormatLine renders one instance as display text, e.g. "2: 42%",
// "1: - 30% -" when muted, "3: - Dead -" when not connected.
func FormatLine(st InstanceState) string {
	if !st.Active {
		return fmt.Sprintf("%d: %s", st.ID, deadLineText)
	}

	left, right := "", ""
	if st.Mute {
		left, right = muteMarkLeft, muteMarkRight
	}

	vol := unknownVolumeTxt
	if st.VolumeValid && !math.IsNaN(st.Volume) && !math.IsInf(st.Volume, 0) {
		vol = formatVolume(st.Volume)
	}
	return fmt.Sprintf("%d: %s%s%%%s", st.ID, left, vol, right)
}

// formatVolume truncates v toward zero. Values beyond int range still
// print their digits.
func formatVolume(v float64) string {
	t := math.Trunc(v)
	if t == 0 {
		t = 0 // drop the sign of -0
	}
	return strconv.FormatFloat(t, 'f', 0, 64)
}

// layoutLines places each instance on its own line at lineHeight*(id-1).
// snap is already in ascending id order.
func layoutLines(snap []InstanceState, lineHeight int) []TextLine {
	lines := make([]TextLine, 0, len(snap))
	for _, st := range snap {
		lines = append(lines, TextLine{
			X:    0,
			Y:    lineHeight * (st.ID - 1),
			Text: FormatLine(st),
		})
	}
	return lines
}

// runDisplay is the display refresh loop.
//
// Each iteration waits up to one frame period for a change. When there was
// one, it takes a snapshot (clearing the flag) and redraws. It then sleeps
// out the rest of the frame, so the loop never runs faster than maxFPS and
// any number of changes inside one frame collapse into a single redraw.
func runDisplay(ctx context.Context, store *Store, r Renderer, maxFPS int, lineHeight int, logger *slog.Logger) error {
	if maxFPS <= 0 {
		maxFPS = defaultMaxFPS
	}
	frame := time.Second / time.Duration(maxFPS)

	logger.Info("display loop starting", "max_fps", maxFPS, "line_height", lineHeight)

	for {
		if ctx.Err() != nil {
			logger.Info("display loop stopping")
			return nil
		}
		start := time.Now()

		if store.WaitForChange(ctx, frame) && ctx.Err() == nil {
			lines := layoutLines(store.TakeSnapshot(), lineHeight)
			if err := r.Render(lines); err != nil {
				logger.Warn("display render failed", "error", err)
			}
		}

		if !sleepCtx(ctx, frame-time.Since(start), nil) {
			logger.Info("display loop stopping")
			return nil
		}
	}
}

// logRenderer is the "none" display driver. It logs each frame at debug
// level, which is handy when running off the Pi.
type logRenderer struct {
	logger *slog.Logger
}

func (l logRenderer) Render(lines []TextLine) error {
	texts := make([]string, len(lines))
	for i, ln := range lines {
		texts[i] = ln.Text
	}
	l.logger.Debug("frame", "lines", texts)
	return nil
}

func (logRenderer) Close() error { return nil }
