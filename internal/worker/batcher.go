package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/cache"
	"github.com/eugener/sentinel/internal/circuitbreaker"
	"github.com/eugener/sentinel/internal/governance"
)

const flushDrainTime = 30 * time.Second

// Config holds the batching ingest parameters.
type Config struct {
	ChannelSize     int           // ingest channel capacity
	FlushInterval   time.Duration // aggregation window
	RetryInterval   time.Duration // retry queue cycle
	MaxBatchUsers   int           // distinct users that force a flush
	MaxRetryBatch   int           // items popped per retry cycle
	FlushRatePerSec float64       // global governance submission rate
	Breaker         circuitbreaker.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChannelSize:     10_000,
		FlushInterval:   500 * time.Millisecond,
		RetryInterval:   60 * time.Second,
		MaxBatchUsers:   100,
		MaxRetryBatch:   50,
		FlushRatePerSec: 20,
		Breaker:         circuitbreaker.DefaultConfig(),
	}
}

// UsageSubmitter is the governance surface consumed by the batcher.
type UsageSubmitter interface {
	IncrementUsage(ctx context.Context, inc sentinel.UsageIncrement) error
	BatchIncrementUsage(ctx context.Context, incs []sentinel.UsageIncrement) (*governance.BatchResult, error)
}

// UsageBatcher buffers usage increments, aggregates them per user, and
// batch-flushes to governance under a rate limiter and circuit breaker.
// Failed submissions land in a durable FIFO retry queue in the KV store.
//
// Track never blocks the request path: increments are dropped with a warning
// when the channel is full. Once accepted on the channel, an increment is
// owned by the single consumer goroutine.
type UsageBatcher struct {
	cfg     Config
	gov     UsageSubmitter
	queue   cache.Cache
	breaker *circuitbreaker.Breaker
	limiter *rate.Limiter

	ch     chan sentinel.UsageIncrement
	mu     sync.RWMutex // guards closed against concurrent Track/Close
	closed bool

	drops        atomic.Int64
	breakerDrops atomic.Int64
}

// NewUsageBatcher creates a batcher submitting to gov, with the durable
// retry queue stored in c.
func NewUsageBatcher(cfg Config, gov UsageSubmitter, c cache.Cache) *UsageBatcher {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 10_000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 60 * time.Second
	}
	if cfg.MaxBatchUsers <= 0 {
		cfg.MaxBatchUsers = 100
	}
	if cfg.MaxRetryBatch <= 0 {
		cfg.MaxRetryBatch = 50
	}
	if cfg.FlushRatePerSec <= 0 {
		cfg.FlushRatePerSec = 20
	}
	return &UsageBatcher{
		cfg:     cfg,
		gov:     gov,
		queue:   c,
		breaker: circuitbreaker.NewBreaker(cfg.Breaker),
		limiter: rate.NewLimiter(rate.Limit(cfg.FlushRatePerSec), 1),
		ch:      make(chan sentinel.UsageIncrement, cfg.ChannelSize),
	}
}

// Name returns the worker identifier.
func (b *UsageBatcher) Name() string { return "usage_batcher" }

// Track enqueues a usage increment. It never blocks; increments are dropped
// with a warning on a full channel and with an error after Close.
func (b *UsageBatcher) Track(inc sentinel.UsageIncrement) {
	if inc.ExternalID == "" || inc.IsZero() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		slog.Error("usage increment dropped, ingest closed",
			"external_id", inc.ExternalID)
		b.drops.Add(1)
		return
	}

	select {
	case b.ch <- inc:
	default:
		slog.Warn("usage increment dropped, channel full",
			"external_id", inc.ExternalID)
		b.drops.Add(1)
	}
}

// Close stops the ingest. The running worker drains the channel, performs a
// final flush, and exits. Track calls after Close are dropped.
func (b *UsageBatcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// Drops returns the number of increments dropped at ingest.
func (b *UsageBatcher) Drops() int64 { return b.drops.Load() }

// BreakerDrops returns the number of increments discarded by open-circuit flushes.
func (b *UsageBatcher) BreakerDrops() int64 { return b.breakerDrops.Load() }

// QueueLen returns the current ingest channel depth.
func (b *UsageBatcher) QueueLen() int { return len(b.ch) }

// BreakerState returns the circuit state for observability.
func (b *UsageBatcher) BreakerState() circuitbreaker.State { return b.breaker.State() }

// aggregate holds the per-user accumulation for one flush window.
// order preserves first-seen user order so flushes are deterministic.
type aggregate struct {
	byUser map[string]*sentinel.UsageIncrement
	order  []string
}

func newAggregate() *aggregate {
	return &aggregate{byUser: make(map[string]*sentinel.UsageIncrement)}
}

func (a *aggregate) add(inc sentinel.UsageIncrement) {
	if cur, ok := a.byUser[inc.ExternalID]; ok {
		cur.Add(inc)
		return
	}
	copied := inc
	a.byUser[inc.ExternalID] = &copied
	a.order = append(a.order, inc.ExternalID)
}

// snapshot returns the non-empty aggregates in first-seen order and clears
// the accumulation.
func (a *aggregate) snapshot() []sentinel.UsageIncrement {
	out := make([]sentinel.UsageIncrement, 0, len(a.order))
	for _, id := range a.order {
		if inc := a.byUser[id]; !inc.IsZero() {
			out = append(out, *inc)
		}
	}
	a.byUser = make(map[string]*sentinel.UsageIncrement)
	a.order = a.order[:0]
	return out
}

// Run consumes increments until the channel is closed or ctx is cancelled,
// then drains, performs a final flush, and exits.
func (b *UsageBatcher) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(b.cfg.FlushInterval)
	defer flushTicker.Stop()
	retryTicker := time.NewTicker(b.cfg.RetryInterval)
	defer retryTicker.Stop()

	agg := newAggregate()

	for {
		select {
		case inc, ok := <-b.ch:
			if !ok {
				b.finalFlush(agg)
				return nil
			}
			agg.add(inc)
			if len(agg.byUser) >= b.cfg.MaxBatchUsers {
				b.flush(ctx, agg)
			}

		case <-flushTicker.C:
			if len(agg.byUser) > 0 {
				b.flush(ctx, agg)
			}

		case <-retryTicker.C:
			b.retryFailed(ctx)

		case <-ctx.Done():
			b.drain(agg)
			b.finalFlush(agg)
			return nil
		}
	}
}

// drain empties whatever is already buffered on the channel without blocking.
func (b *UsageBatcher) drain(agg *aggregate) {
	for {
		select {
		case inc, ok := <-b.ch:
			if !ok {
				return
			}
			agg.add(inc)
		default:
			return
		}
	}
}

func (b *UsageBatcher) finalFlush(agg *aggregate) {
	ctx, cancel := context.WithTimeout(context.Background(), flushDrainTime)
	defer cancel()
	b.drain(agg)
	if len(agg.byUser) > 0 {
		b.flush(ctx, agg)
	}
}

// flush snapshots the aggregation and submits it to governance in chunks.
// With the circuit open the snapshot is discarded and counted as dropped.
func (b *UsageBatcher) flush(ctx context.Context, agg *aggregate) {
	items := agg.snapshot()
	if len(items) == 0 {
		return
	}

	if !b.breaker.Allow() {
		b.breakerDrops.Add(int64(len(items)))
		slog.Warn("usage flush skipped, circuit open", "dropped", len(items))
		return
	}

	for start := 0; start < len(items); start += governance.MaxBatchIncrements {
		end := min(start+governance.MaxBatchIncrements, len(items))
		b.submitBatch(ctx, items[start:end])
	}
}

func (b *UsageBatcher) submitBatch(ctx context.Context, items []sentinel.UsageIncrement) {
	if err := b.limiter.Wait(ctx); err != nil {
		b.persistFailed(items)
		return
	}

	result, err := b.gov.BatchIncrementUsage(ctx, items)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage batch failed",
			slog.Int("count", len(items)),
			slog.String("error", err.Error()),
		)
		b.persistFailed(items)
		b.breaker.RecordError()
		return
	}

	// The call itself succeeded; per-item rejections go to the retry queue.
	b.breaker.RecordSuccess()
	if len(result.Failed) > 0 {
		failed := make([]sentinel.UsageIncrement, 0, len(result.Failed))
		for _, f := range result.Failed {
			if f.Index >= 0 && f.Index < len(items) {
				failed = append(failed, items[f.Index])
			}
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "usage batch partially failed",
			slog.Int("failed", len(failed)),
			slog.Int("count", len(items)),
		)
		b.persistFailed(failed)
	}
}

// persistFailed appends items to the durable FIFO retry queue.
func (b *UsageBatcher) persistFailed(items []sentinel.UsageIncrement) {
	if len(items) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	encoded := make([][]byte, 0, len(items))
	for _, inc := range items {
		data, err := json.Marshal(inc)
		if err != nil {
			continue
		}
		encoded = append(encoded, data)
	}
	if err := b.queue.ListPush(ctx, sentinel.CacheKeyFailedUsage, encoded...); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retry queue push failed",
			slog.Int("count", len(encoded)),
			slog.String("error", err.Error()),
		)
	}
}

// retryFailed pops up to MaxRetryBatch queued items and resubmits them
// one-by-one through the single-increment API. It only runs while the
// circuit is closed; failed items are re-queued.
func (b *UsageBatcher) retryFailed(ctx context.Context) {
	if b.breaker.State() != circuitbreaker.StateClosed {
		return
	}

	entries, err := b.queue.ListPop(ctx, sentinel.CacheKeyFailedUsage, b.cfg.MaxRetryBatch)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retry queue pop failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, entry := range entries {
		var inc sentinel.UsageIncrement
		if err := json.Unmarshal(entry, &inc); err != nil {
			slog.Warn("retry queue entry discarded, undecodable")
			continue
		}
		if err := b.limiter.Wait(ctx); err != nil {
			b.persistFailed([]sentinel.UsageIncrement{inc})
			return
		}
		if err := b.gov.IncrementUsage(ctx, inc); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "usage retry failed, re-queued",
				slog.String("external_id", inc.ExternalID),
				slog.String("error", err.Error()),
			)
			b.persistFailed([]sentinel.UsageIncrement{inc})
		}
	}
}
