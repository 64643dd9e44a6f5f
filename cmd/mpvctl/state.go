package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// InstanceState is the last known state of one mpv instance.
//
// Active=false means the display shows the instance as dead regardless of
// the stale Volume/Mute values.
type InstanceState struct {
	ID     int     `json:"id"`
	Volume float64 `json:"volume"`
	// VolumeValid is false when mpv reported a volume that is not a number
	// (or no data at all). The display then shows a placeholder.
	VolumeValid bool `json:"volume_valid"`
	Mute        bool `json:"mute"`
	Active      bool `json:"active"`
}

func newInstanceState(id int) InstanceState {
	return InstanceState{
		ID:          id,
		Volume:      0.0,
		VolumeValid: true,
		Mute:        true,
		Active:      false,
	}
}

// Store is the shared state between instance readers (writers) and the
// display loop (single signal consumer).
//
// The key set is fixed at construction. All access goes through one mutex
// which is only held for in-memory work, never across I/O.
//
// Change notification has set/wait/clear semantics: writers set the flag,
// the display waits for it and clears it when it takes a snapshot. Other
// observers (websocket, MQTT) must not touch the flag; they poll Version.
type Store struct {
	mu        sync.Mutex
	instances map[int]*InstanceState
	ids       []int // ascending

	changed bool
	notify  chan struct{} // holds a token while changed is set
	version uint64
}

// NewStore creates a store with every id inactive, muted, volume 0.
func NewStore(ids []int) *Store {
	s := &Store{
		instances: make(map[int]*InstanceState, len(ids)),
		notify:    make(chan struct{}, 1),
	}
	for _, id := range ids {
		if _, dup := s.instances[id]; dup {
			continue
		}
		st := newInstanceState(id)
		s.instances[id] = &st
		s.ids = append(s.ids, id)
	}
	sort.Ints(s.ids)
	return s
}

// IDs returns the configured instance ids in ascending order.
func (s *Store) IDs() []int {
	out := make([]int, len(s.ids))
	copy(out, s.ids)
	return out
}

// Get returns a copy of one instance's state.
func (s *Store) Get(id int) (InstanceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[id]
	if !ok {
		return InstanceState{}, false
	}
	return *st, true
}

// Snapshot returns a copy of all instance states in ascending id order.
// It does not clear the change flag.
func (s *Store) Snapshot() []InstanceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// TakeSnapshot returns a snapshot and clears the change flag in the same
// critical section, so a change can never land between the two.
func (s *Store) TakeSnapshot() []InstanceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	return s.snapshotLocked()
}

// Version increases every time any instance state actually changes.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Update applies one property-change observation to instance id.
// value is the decoded JSON "data" field; nil means mpv sent no data.
func (s *Store) Update(id int, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.instances[id]
	if !ok {
		return errUnknownInstance{id: id}
	}

	prev := *st
	switch field {
	case propVolume:
		if v, ok := volumeNumber(value); ok {
			st.Volume = v
			st.VolumeValid = true
		} else {
			st.VolumeValid = false
		}
	case propMute:
		if v, ok := value.(bool); ok {
			st.Mute = v
		} else {
			// Unknown mute data is shown as muted, the same as before the
			// first observation.
			st.Mute = true
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProperty, field)
	}

	if *st != prev {
		s.version++
	}
	s.signalLocked()
	return nil
}

// volumeNumber interprets mpv volume data as a number. Numeric strings are
// accepted; NaN and infinities are not.
func volumeNumber(value any) (float64, bool) {
	var v float64
	switch x := value.(type) {
	case float64:
		v = x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// SetActive marks the monitoring connection of instance id as live or dead
// and always signals a change so the display catches up promptly.
func (s *Store) SetActive(id int, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.instances[id]
	if !ok {
		return errUnknownInstance{id: id}
	}
	if st.Active != active {
		st.Active = active
		s.version++
	}
	s.signalLocked()
	return nil
}

// WaitForChange blocks until the change flag is set, timeout elapses or ctx
// is done. It reports whether the flag was set.
func (s *Store) WaitForChange(ctx context.Context, timeout time.Duration) bool {
	s.mu.Lock()
	if s.changed {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.notify:
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Store) signalLocked() {
	s.changed = true
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Store) clearLocked() {
	s.changed = false
	select {
	case <-s.notify:
	default:
	}
}

func (s *Store) snapshotLocked() []InstanceState {
	out := make([]InstanceState, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, *s.instances[id])
	}
	return out
}

// watchStore calls fn with every new snapshot, checking at most once per
// interval. Bursts of changes within one interval collapse into one call
// (latest wins). It returns when ctx is done.
func watchStore(ctx context.Context, store *Store, interval time.Duration, fn func(snap []InstanceState)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seen uint64
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := store.Version()
			if !first && v == seen {
				continue
			}
			first = false
			seen = v
			fn(store.Snapshot())
		}
	}
}

// changedInstances returns the entries of next that differ from the entry
// with the same id in prev. A nil prev reports everything.
func changedInstances(prev, next []InstanceState) []InstanceState {
	before := make(map[int]InstanceState, len(prev))
	for _, st := range prev {
		before[st.ID] = st
	}
	var out []InstanceState
	for _, st := range next {
		if old, ok := before[st.ID]; ok && old == st {
			continue
		}
		out = append(out, st)
	}
	return out
}
