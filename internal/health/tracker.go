// Package health tracks per-(provider, model) availability with exponential
// backoff. The tier router filters routing candidates through this state.
package health

import (
	"math"
	"sync"
	"time"
)

// Config holds backoff parameters.
type Config struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultConfig returns the documented backoff defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 30 * time.Second,
		Multiplier:     2,
		MaxBackoff:     300 * time.Second,
	}
}

// State is the snapshot of one (provider, model) key.
type State struct {
	Available           bool
	LastFailure         time.Time
	ConsecutiveFailures uint
	Backoff             time.Duration
}

// Tracker keeps in-memory health state. A key that was never recorded is
// always available. The map is guarded by a single RW lock; all sections are
// non-suspending.
type Tracker struct {
	mu    sync.RWMutex
	state map[string]State
	cfg   Config

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker creates a Tracker with the given backoff config.
func NewTracker(cfg Config) *Tracker {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	return &Tracker{
		state: make(map[string]State),
		cfg:   cfg,
		now:   time.Now,
	}
}

func key(provider, model string) string { return provider + "/" + model }

// IsAvailable reports whether the key may be routed to. A key in backoff
// becomes eligible again once the backoff window has elapsed, even though its
// stored state still reads unavailable; the next success resets it.
func (t *Tracker) IsAvailable(provider, model string) bool {
	t.mu.RLock()
	s, ok := t.state[key(provider, model)]
	t.mu.RUnlock()

	if !ok || s.Available {
		return true
	}
	return t.now().Sub(s.LastFailure) >= s.Backoff
}

// BackoffRemaining returns how long until the key becomes eligible again.
// Zero means eligible now.
func (t *Tracker) BackoffRemaining(provider, model string) time.Duration {
	t.mu.RLock()
	s, ok := t.state[key(provider, model)]
	t.mu.RUnlock()

	if !ok || s.Available {
		return 0
	}
	remaining := s.Backoff - t.now().Sub(s.LastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess resets the key to its initial (available) state.
func (t *Tracker) RecordSuccess(provider, model string) {
	t.mu.Lock()
	delete(t.state, key(provider, model))
	t.mu.Unlock()
}

// RecordFailure marks the key unavailable and grows its backoff as
// initial * multiplier^(failures-1), clamped to the configured maximum.
func (t *Tracker) RecordFailure(provider, model string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(provider, model)
	s := t.state[k]
	s.Available = false
	s.LastFailure = now
	s.ConsecutiveFailures++

	backoff := time.Duration(float64(t.cfg.InitialBackoff) *
		math.Pow(t.cfg.Multiplier, float64(s.ConsecutiveFailures-1)))
	if backoff > t.cfg.MaxBackoff || backoff <= 0 {
		backoff = t.cfg.MaxBackoff
	}
	s.Backoff = backoff
	t.state[k] = s
}

// Snapshot returns a copy of the state for one key and whether it exists.
func (t *Tracker) Snapshot(provider, model string) (State, bool) {
	t.mu.RLock()
	s, ok := t.state[key(provider, model)]
	t.mu.RUnlock()
	return s, ok
}

// ListUnavailable returns the keys currently marked unavailable, for the
// debug surface. Keys whose backoff has elapsed are excluded.
func (t *Tracker) ListUnavailable() map[string]State {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]State)
	for k, s := range t.state {
		if !s.Available && now.Sub(s.LastFailure) < s.Backoff {
			out[k] = s
		}
	}
	return out
}
