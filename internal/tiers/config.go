// Package tiers implements tier configuration caching and cost-weighted,
// health-aware model selection.
package tiers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/cache"
)

// ConfigSource fetches the authoritative tier configuration.
type ConfigSource interface {
	TierConfig(ctx context.Context) (*sentinel.TierConfig, error)
}

// ConfigCache is a read-through cache for the global tier -> model mapping.
// Cache backend errors degrade to origin calls; they never fail a request
// on their own.
type ConfigCache struct {
	source ConfigSource
	cache  cache.Cache
	ttl    time.Duration

	// Optional cache effectiveness hooks.
	onHit  func()
	onMiss func()
}

// NewConfigCache creates a ConfigCache with the given TTL (default 30 min).
func NewConfigCache(source ConfigSource, c cache.Cache, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ConfigCache{source: source, cache: c, ttl: ttl}
}

// SetStatsHook installs hit/miss callbacks, called once per read.
func (cc *ConfigCache) SetStatsHook(hit, miss func()) {
	cc.onHit, cc.onMiss = hit, miss
}

// Get returns the tier configuration, fetching from the source on cache miss.
func (cc *ConfigCache) Get(ctx context.Context) (*sentinel.TierConfig, error) {
	data, ok, err := cc.cache.Get(ctx, sentinel.CacheKeyTierConfig)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "tier config cache read failed",
			slog.String("error", err.Error()),
		)
	} else if ok {
		var cfg sentinel.TierConfig
		if err := json.Unmarshal(data, &cfg); err == nil {
			if cc.onHit != nil {
				cc.onHit()
			}
			return &cfg, nil
		}
		// Corrupt entry: fall through to the source and overwrite.
	}
	if cc.onMiss != nil {
		cc.onMiss()
	}

	cfg, err := cc.source.TierConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch tier config: %w", err)
	}

	if data, err := json.Marshal(cfg); err == nil {
		if err := cc.cache.Set(ctx, sentinel.CacheKeyTierConfig, data, cc.ttl); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "tier config cache write failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return cfg, nil
}

// Invalidate drops the cached configuration (debug surface).
func (cc *ConfigCache) Invalidate(ctx context.Context) error {
	return cc.cache.Delete(ctx, sentinel.CacheKeyTierConfig)
}
