package tiers

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/health"
)

// Router selects a model for a tier using the tier configuration filtered
// through per-model health state. Selection is cost-weighted random over the
// healthy candidates.
type Router struct {
	config *ConfigCache
	health *health.Tracker

	// randFloat is swappable for deterministic tests.
	randFloat func() float64
}

// NewRouter creates a Router over the given config cache and health tracker.
func NewRouter(config *ConfigCache, tracker *health.Tracker) *Router {
	return &Router{
		config:    config,
		health:    tracker,
		randFloat: rand.Float64,
	}
}

// Select picks a model for the tier. When preferredProvider is non-empty and
// a healthy candidate matches it, that candidate wins; otherwise selection is
// cost-weighted random with weight 1/max(1, relativeCost).
func (r *Router) Select(ctx context.Context, tier sentinel.Tier, preferredProvider string) (sentinel.Selection, error) {
	cfg, err := r.config.Get(ctx)
	if err != nil {
		return sentinel.Selection{}, err
	}

	candidates := cfg.Candidates(tier)
	if len(candidates) == 0 {
		return sentinel.Selection{}, fmt.Errorf("%w: no models configured for tier %s", sentinel.ErrBadRequest, tier)
	}

	healthy := make([]sentinel.ModelBinding, 0, len(candidates))
	for _, c := range candidates {
		if r.health.IsAvailable(c.Provider, c.Model) {
			healthy = append(healthy, c)
		}
	}

	if len(healthy) == 0 {
		return sentinel.Selection{}, &sentinel.ServiceUnavailableError{
			RetryAfter: r.minBackoff(candidates),
		}
	}

	if preferredProvider != "" {
		for _, c := range healthy {
			if c.Provider == preferredProvider {
				return sentinel.Selection{Provider: c.Provider, Model: c.Model, Tier: tier}, nil
			}
		}
	}

	pick := r.weightedPick(healthy)
	return sentinel.Selection{Provider: pick.Provider, Model: pick.Model, Tier: tier}, nil
}

// RetryCandidate returns at most one healthy alternative in the same tier
// that differs from the failed model. The bool reports whether one exists.
func (r *Router) RetryCandidate(ctx context.Context, tier sentinel.Tier, failedProvider, failedModel string) (sentinel.Selection, bool) {
	cfg, err := r.config.Get(ctx)
	if err != nil {
		return sentinel.Selection{}, false
	}

	healthy := make([]sentinel.ModelBinding, 0)
	for _, c := range cfg.Candidates(tier) {
		if c.Provider == failedProvider && c.Model == failedModel {
			continue
		}
		if r.health.IsAvailable(c.Provider, c.Model) {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return sentinel.Selection{}, false
	}

	pick := r.weightedPick(healthy)
	return sentinel.Selection{Provider: pick.Provider, Model: pick.Model, Tier: tier}, true
}

// RecordSuccess marks a (provider, model) healthy.
func (r *Router) RecordSuccess(provider, model string) {
	r.health.RecordSuccess(provider, model)
}

// RecordFailure marks a (provider, model) failed, growing its backoff.
func (r *Router) RecordFailure(provider, model string) {
	r.health.RecordFailure(provider, model)
}

// weightedPick samples one binding with probability proportional to
// 1/max(1, relativeCost). Single-candidate lists bypass the RNG.
func (r *Router) weightedPick(candidates []sentinel.ModelBinding) sentinel.ModelBinding {
	if len(candidates) == 1 {
		return candidates[0]
	}

	var total float64
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		cost := c.RelativeCost
		if cost < 1 {
			cost = 1
		}
		weights[i] = 1 / float64(cost)
		total += weights[i]
	}

	target := r.randFloat() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return candidates[i]
		}
	}
	// Floating-point rounding can leave a sliver; fall back to the last.
	return candidates[len(candidates)-1]
}

// minBackoff returns the smallest remaining backoff across the candidates.
func (r *Router) minBackoff(candidates []sentinel.ModelBinding) time.Duration {
	var minRemaining time.Duration
	for i, c := range candidates {
		remaining := r.health.BackoffRemaining(c.Provider, c.Model)
		if i == 0 || remaining < minRemaining {
			minRemaining = remaining
		}
	}
	return minRemaining
}
