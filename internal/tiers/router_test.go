package tiers

import (
	"context"
	"errors"
	"testing"
	"time"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/cache"
	"github.com/eugener/sentinel/internal/health"
)

// staticSource serves a fixed tier config.
type staticSource struct {
	cfg   *sentinel.TierConfig
	err   error
	calls int
}

func (s *staticSource) TierConfig(context.Context) (*sentinel.TierConfig, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.cfg, nil
}

func testConfig() *sentinel.TierConfig {
	return &sentinel.TierConfig{
		Version: "v1",
		Tiers: map[sentinel.Tier][]sentinel.ModelBinding{
			sentinel.TierSimple: {
				{Provider: "a", Model: "x", RelativeCost: 1},
				{Provider: "b", Model: "y", RelativeCost: 4},
			},
			sentinel.TierModerate: {
				{Provider: "a", Model: "m1", RelativeCost: 2},
				{Provider: "b", Model: "m2", RelativeCost: 2},
			},
		},
	}
}

func newTestRouter(t *testing.T, cfg *sentinel.TierConfig) (*Router, *health.Tracker) {
	t.Helper()
	mem, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	tracker := health.NewTracker(health.DefaultConfig())
	cc := NewConfigCache(&staticSource{cfg: cfg}, mem, time.Minute)
	return NewRouter(cc, tracker), tracker
}

func TestSelectUnknownTier(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, testConfig())

	_, err := r.Select(context.Background(), sentinel.TierComplex, "")
	if !errors.Is(err, sentinel.ErrBadRequest) {
		t.Errorf("empty tier error = %v, want ErrBadRequest", err)
	}
}

func TestSelectSingleHealthyCandidate(t *testing.T) {
	t.Parallel()
	r, tracker := newTestRouter(t, testConfig())
	tracker.RecordFailure("b", "y")

	sel, err := r.Select(context.Background(), sentinel.TierSimple, "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "a" || sel.Model != "x" || sel.Tier != sentinel.TierSimple {
		t.Errorf("selection = %+v, want a/x simple", sel)
	}
}

func TestSelectPreferredProvider(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, testConfig())

	for range 20 {
		sel, err := r.Select(context.Background(), sentinel.TierSimple, "b")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sel.Provider != "b" {
			t.Fatalf("preferred provider ignored: got %+v", sel)
		}
	}
}

func TestSelectPreferredProviderUnhealthyFallsBack(t *testing.T) {
	t.Parallel()
	r, tracker := newTestRouter(t, testConfig())
	tracker.RecordFailure("b", "y")

	sel, err := r.Select(context.Background(), sentinel.TierSimple, "b")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "a" {
		t.Errorf("selection = %+v, want fallback to a", sel)
	}
}

func TestSelectAllUnhealthy(t *testing.T) {
	t.Parallel()
	r, tracker := newTestRouter(t, testConfig())
	// Two failures each: backoff is 60s on both, so min remaining ~60s.
	for range 2 {
		tracker.RecordFailure("a", "x")
		tracker.RecordFailure("b", "y")
	}

	_, err := r.Select(context.Background(), sentinel.TierSimple, "")
	var unavailable *sentinel.ServiceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want ServiceUnavailableError", err)
	}
	if diff := unavailable.RetryAfter - 60*time.Second; diff < -time.Second || diff > time.Second {
		t.Errorf("retry_after = %v, want ~60s", unavailable.RetryAfter)
	}
	if !errors.Is(err, sentinel.ErrServiceUnavailable) {
		t.Error("must match ErrServiceUnavailable")
	}
}

func TestCostWeightedSelectionConverges(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, testConfig())

	counts := map[string]int{}
	const n = 10_000
	for range n {
		sel, err := r.Select(context.Background(), sentinel.TierSimple, "")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		counts[sel.Model]++
	}

	// cost 1 vs cost 4: weights 1 and 0.25, so x should take ~80% of picks.
	gotShare := float64(counts["x"]) / n
	if gotShare < 0.77 || gotShare > 0.83 {
		t.Errorf("share of x = %.3f (x=%d y=%d), want 0.80 +/- 0.03",
			gotShare, counts["x"], counts["y"])
	}
}

func TestWeightedPickZeroCostClamped(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, nil)

	pick := r.weightedPick([]sentinel.ModelBinding{
		{Provider: "a", Model: "x", RelativeCost: 0},
		{Provider: "b", Model: "y", RelativeCost: 0},
	})
	if pick.Provider == "" {
		t.Error("zero cost must be clamped, not divide by zero")
	}
}

func TestRetryCandidate(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, testConfig())

	alt, ok := r.RetryCandidate(context.Background(), sentinel.TierModerate, "a", "m1")
	if !ok {
		t.Fatal("expected an alternative")
	}
	if alt.Provider != "b" || alt.Model != "m2" {
		t.Errorf("alternative = %+v, want b/m2", alt)
	}
}

func TestRetryCandidateNoneLeft(t *testing.T) {
	t.Parallel()
	r, tracker := newTestRouter(t, testConfig())
	tracker.RecordFailure("b", "m2")

	if _, ok := r.RetryCandidate(context.Background(), sentinel.TierModerate, "a", "m1"); ok {
		t.Error("no healthy alternative should exist")
	}
}

func TestRecordOutcomesAffectSelection(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, testConfig())

	r.RecordFailure("a", "x")
	sel, err := r.Select(context.Background(), sentinel.TierSimple, "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Model != "y" {
		t.Errorf("selection = %+v, want y after x failed", sel)
	}

	r.RecordSuccess("a", "x")
	sel, err = r.Select(context.Background(), sentinel.TierSimple, "a")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Model != "x" {
		t.Errorf("selection = %+v, want x after recovery", sel)
	}
}
