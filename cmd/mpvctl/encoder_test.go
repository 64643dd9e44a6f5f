package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePlayer records commands instead of talking to mpv.
type fakePlayer struct {
	mu      sync.Mutex
	deltas  []int
	toggles int
	sockets []string
	err     error
}

func (p *fakePlayer) ToggleMute(_ context.Context, socketPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toggles++
	p.sockets = append(p.sockets, socketPath)
	return p.err
}

func (p *fakePlayer) ChangeVolume(_ context.Context, socketPath string, delta int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, delta)
	p.sockets = append(p.sockets, socketPath)
	return p.err
}

func (p *fakePlayer) snapshot() ([]int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.deltas...), p.toggles
}

// fakePin is a settable PinReader.
type fakePin struct {
	level int
	err   error
}

func (p *fakePin) Value() (int, error) { return p.level, p.err }

func testEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Name:             "enc",
		Socket:           "/tmp/mpv-test",
		CLK:              24,
		DT:               23,
		SW:               25,
		Step:             1,
		ButtonDebounceMS: 250,
		Velocity:         VelocityConfig{WindowMS: 200, Threshold: 3, Multiplier: 1},
	}
}

func newTestEncoder(cfg EncoderConfig) (*Encoder, *fakePin, *fakePlayer) {
	dt := &fakePin{}
	player := &fakePlayer{}
	return NewEncoder(cfg, dt, player, discardLogger()), dt, player
}

func TestEncoder_RotationTruthTable(t *testing.T) {
	tests := []struct {
		name      string
		dataLevel int
		clkLevel  int
		want      int
	}{
		{"clk rises, dt low", 0, 1, +1},
		{"clk rises, dt high", 1, 1, -1},
		{"clk falls, dt high", 1, 0, +1},
		{"clk falls, dt low", 0, 0, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testEncoderConfig()
			enc, dt, player := newTestEncoder(cfg)
			dt.level = tt.dataLevel

			enc.HandleEdge(context.Background(), PinEdge{Pin: cfg.CLK, Level: tt.clkLevel, At: time.Now()})

			deltas, _ := player.snapshot()
			if len(deltas) != 1 || deltas[0] != tt.want {
				t.Fatalf("deltas = %v, want [%d]", deltas, tt.want)
			}
		})
	}
}

func TestEncoder_RedundantClockLevelIgnored(t *testing.T) {
	cfg := testEncoderConfig()
	enc, _, player := newTestEncoder(cfg)
	ctx := context.Background()
	now := time.Now()

	enc.HandleEdge(ctx, PinEdge{Pin: cfg.CLK, Level: 1, At: now})
	enc.HandleEdge(ctx, PinEdge{Pin: cfg.CLK, Level: 1, At: now.Add(time.Millisecond)})
	enc.HandleEdge(ctx, PinEdge{Pin: cfg.CLK, Level: 0, At: now.Add(2 * time.Millisecond)})

	deltas, _ := player.snapshot()
	if len(deltas) != 2 {
		t.Fatalf("expected 2 steps (redundant level ignored), got %v", deltas)
	}
}

func TestEncoder_StepAndSocket(t *testing.T) {
	cfg := testEncoderConfig()
	cfg.Step = 5
	enc, dt, player := newTestEncoder(cfg)
	dt.level = 1

	enc.HandleEdge(context.Background(), PinEdge{Pin: cfg.CLK, Level: 1, At: time.Now()})

	deltas, _ := player.snapshot()
	if len(deltas) != 1 || deltas[0] != -5 {
		t.Fatalf("deltas = %v, want [-5]", deltas)
	}
	if player.sockets[0] != cfg.Socket {
		t.Fatalf("command sent to %q, want %q", player.sockets[0], cfg.Socket)
	}
}

func TestEncoder_DataReadErrorSkipsStep(t *testing.T) {
	cfg := testEncoderConfig()
	enc, dt, player := newTestEncoder(cfg)
	dt.err = errors.New("line released")

	enc.HandleEdge(context.Background(), PinEdge{Pin: cfg.CLK, Level: 1, At: time.Now()})

	if deltas, _ := player.snapshot(); len(deltas) != 0 {
		t.Fatalf("expected no command on read error, got %v", deltas)
	}
}

func TestEncoder_ButtonTogglesMute(t *testing.T) {
	cfg := testEncoderConfig()
	enc, _, player := newTestEncoder(cfg)
	ctx := context.Background()
	now := time.Now()

	// Rising edges on the switch are releases; only presses count.
	enc.HandleEdge(ctx, PinEdge{Pin: cfg.SW, Level: 1, At: now})
	enc.HandleEdge(ctx, PinEdge{Pin: cfg.SW, Level: 0, At: now})

	if _, toggles := player.snapshot(); toggles != 1 {
		t.Fatalf("toggles = %d, want 1", toggles)
	}
}

func TestEncoder_ButtonRedeliveryIgnored(t *testing.T) {
	cfg := testEncoderConfig()
	enc, _, player := newTestEncoder(cfg)
	ctx := context.Background()
	now := time.Now()

	enc.HandleEdge(ctx, PinEdge{Pin: cfg.SW, Level: 0, At: now})
	enc.HandleEdge(ctx, PinEdge{Pin: cfg.SW, Level: 0, At: now.Add(10 * time.Millisecond)})
	enc.HandleEdge(ctx, PinEdge{Pin: cfg.SW, Level: 0, At: now.Add(100 * time.Millisecond)})
	if _, toggles := player.snapshot(); toggles != 1 {
		t.Fatalf("toggles = %d within debounce, want 1", toggles)
	}

	enc.HandleEdge(ctx, PinEdge{Pin: cfg.SW, Level: 0, At: now.Add(400 * time.Millisecond)})
	if _, toggles := player.snapshot(); toggles != 2 {
		t.Fatalf("toggles = %d after debounce, want 2", toggles)
	}
}

func TestEncoder_SenderErrorIsSwallowed(t *testing.T) {
	cfg := testEncoderConfig()
	enc, _, player := newTestEncoder(cfg)
	player.err = ErrSocketUnavailable
	ctx := context.Background()
	now := time.Now()

	enc.HandleEdge(ctx, PinEdge{Pin: cfg.CLK, Level: 1, At: now})
	enc.HandleEdge(ctx, PinEdge{Pin: cfg.SW, Level: 0, At: now})
	enc.HandleEdge(ctx, PinEdge{Pin: cfg.CLK, Level: 0, At: now.Add(time.Millisecond)})

	deltas, toggles := player.snapshot()
	if len(deltas) != 2 || toggles != 1 {
		t.Fatalf("handler stopped after sender error: deltas=%v toggles=%d", deltas, toggles)
	}
}

func TestEncoder_UnrelatedPinIgnored(t *testing.T) {
	cfg := testEncoderConfig()
	enc, _, player := newTestEncoder(cfg)

	enc.HandleEdge(context.Background(), PinEdge{Pin: cfg.DT, Level: 1, At: time.Now()})
	enc.HandleEdge(context.Background(), PinEdge{Pin: 4, Level: 0, At: time.Now()})

	if deltas, toggles := player.snapshot(); len(deltas) != 0 || toggles != 0 {
		t.Fatalf("unexpected commands: deltas=%v toggles=%d", deltas, toggles)
	}
}

func TestEncoder_VelocityScaling(t *testing.T) {
	cfg := testEncoderConfig()
	cfg.Velocity = VelocityConfig{WindowMS: 200, Threshold: 3, Multiplier: 4}
	enc, _, player := newTestEncoder(cfg)
	ctx := context.Background()
	now := time.Now()

	// Keep dt opposite to clk so every edge is a step up.
	dt := enc.data.(*fakePin)
	for i := 0; i < 4; i++ {
		level := (i + 1) % 2
		dt.level = 1 - level
		enc.HandleEdge(ctx, PinEdge{Pin: cfg.CLK, Level: level, At: now.Add(time.Duration(i) * 10 * time.Millisecond)})
	}

	deltas, _ := player.snapshot()
	want := []int{1, 1, 4, 4}
	if len(deltas) != len(want) {
		t.Fatalf("deltas = %v, want %v", deltas, want)
	}
	for i := range want {
		if deltas[i] != want[i] {
			t.Fatalf("deltas = %v, want %v", deltas, want)
		}
	}
}

func TestEncoder_RunConsumesChannel(t *testing.T) {
	cfg := testEncoderConfig()
	enc, _, player := newTestEncoder(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	edges := make(chan PinEdge, 4)
	done := make(chan error, 1)
	go func() { done <- enc.Run(ctx, edges) }()

	edges <- PinEdge{Pin: cfg.CLK, Level: 1, At: time.Now()}
	edges <- PinEdge{Pin: cfg.SW, Level: 0, At: time.Now()}

	waitUntil(t, time.Second, func() bool {
		deltas, toggles := player.snapshot()
		return len(deltas) == 1 && toggles == 1
	}, "edges not handled")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
