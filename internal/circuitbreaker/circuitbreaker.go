// Package circuitbreaker implements a consecutive-failure circuit breaker
// guarding the governance usage submission path. It short-circuits batch
// flushes while governance is known-bad so increments go straight to the
// durable retry queue instead of burning the flush budget on timeouts.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip
	OpenTimeout      time.Duration // time in OPEN before transitioning to HALF_OPEN
}

// DefaultConfig returns the defaults: trip after 3 consecutive failures,
// probe again after 30 seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is a circuit breaker state machine keyed on consecutive failures.
// A single success in any state resets the failure count.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int       // consecutive failures while closed
	openedAt  time.Time // when transitioned to OPEN
	probing   bool      // true when a half-open probe is in flight
	threshold int
	timeout   time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		state:     StateClosed,
		threshold: cfg.FailureThreshold,
		timeout:   cfg.OpenTimeout,
		now:       time.Now,
	}
}

// State returns the raw stored state. An expired OPEN still reads as open
// until Allow observes the timeout and moves to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow checks whether a request should be allowed through.
// Returns true if the request may proceed.
func (b *Breaker) Allow() bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.timeout {
			// Allow this request as the half-open probe.
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		// Another probe is already in flight; reject.
		return false
	}
	return false
}

// RecordSuccess records a successful request outcome. In half-open it closes
// the breaker; in closed it resets the consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.state = StateClosed
		b.probing = false
	}
}

// RecordError records a failed request. The breaker opens after the
// configured number of consecutive failures, and a failed half-open probe
// reopens it immediately.
func (b *Breaker) RecordError() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	case StateOpen:
		// Already open; nothing to count.
	}
}
