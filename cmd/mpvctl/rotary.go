package main

import "time"

// rotaryVelocity tracks recent encoder steps for velocity detection, so a
// fast spin can be scaled into larger volume steps.
//
// Owned by a single encoder goroutine; not safe for concurrent use.
type rotaryVelocity struct {
	cfg         VelocityConfig
	recentSteps []rotaryStep
}

// rotaryStep records a single encoder step
type rotaryStep struct {
	at        time.Time
	direction int // +1 for up, -1 for down
}

func newRotaryVelocity(cfg VelocityConfig) *rotaryVelocity {
	return &rotaryVelocity{
		cfg:         cfg,
		recentSteps: make([]rotaryStep, 0, 16),
	}
}

// addStep records a step at now and returns the number of steps in the
// same direction inside the velocity window, including this one.
func (r *rotaryVelocity) addStep(direction int, now time.Time) int {
	cutoff := now.Add(-time.Duration(r.cfg.WindowMS) * time.Millisecond)

	// Drop steps outside the window, reusing the backing array.
	filtered := r.recentSteps[:0]
	for _, s := range r.recentSteps {
		if s.at.After(cutoff) {
			filtered = append(filtered, s)
		}
	}
	filtered = append(filtered, rotaryStep{at: now, direction: direction})
	r.recentSteps = filtered

	sameDir := 0
	for _, s := range filtered {
		if s.direction == direction {
			sameDir++
		}
	}
	return sameDir
}

// multiplier records a step and returns the factor to apply to it:
// cfg.Multiplier once Threshold same-direction steps are inside the
// window, 1 otherwise. A multiplier <= 1 disables scaling entirely.
func (r *rotaryVelocity) multiplier(direction int, now time.Time) int {
	if r.cfg.Multiplier <= 1 {
		return 1
	}
	if r.addStep(direction, now) >= r.cfg.Threshold {
		return r.cfg.Multiplier
	}
	return 1
}
