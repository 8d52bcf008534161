// Package subscription caches governance-side user data: JWT-resolved
// profiles and per-user limits. Reads go through the KV cache; backend
// failures degrade to the origin.
package subscription

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/cache"
)

// Default TTLs for cached governance data.
const (
	DefaultLimitsTTL  = 60 * time.Second
	DefaultProfileTTL = 5 * time.Minute
)

// GovernanceAPI is the subset of the governance client the cache needs.
type GovernanceAPI interface {
	ValidateJWT(ctx context.Context, token string) (*sentinel.UserProfile, error)
	UserLimits(ctx context.Context, externalID string) ([]sentinel.UserLimit, error)
}

// Cache serves user profiles and limits with short-lived read-through
// caching. It never caches failures: a governance error is returned to the
// caller and nothing is stored.
type Cache struct {
	gov        GovernanceAPI
	cache      cache.Cache
	limitsTTL  time.Duration
	profileTTL time.Duration

	// Optional cache effectiveness hooks.
	onHit  func()
	onMiss func()
}

// New creates a Cache. Non-positive TTLs fall back to the defaults.
func New(gov GovernanceAPI, c cache.Cache, limitsTTL, profileTTL time.Duration) *Cache {
	if limitsTTL <= 0 {
		limitsTTL = DefaultLimitsTTL
	}
	if profileTTL <= 0 {
		profileTTL = DefaultProfileTTL
	}
	return &Cache{gov: gov, cache: c, limitsTTL: limitsTTL, profileTTL: profileTTL}
}

// SetStatsHook installs hit/miss callbacks, called once per read.
func (s *Cache) SetStatsHook(hit, miss func()) {
	s.onHit, s.onMiss = hit, miss
}

func (s *Cache) hit() {
	if s.onHit != nil {
		s.onHit()
	}
}

func (s *Cache) miss() {
	if s.onMiss != nil {
		s.onMiss()
	}
}

// ResolveToken maps a bearer token to the caller's profile. The cache key is
// the SHA-256 hash of the token, never the token itself. An invalid token is
// not cached, so a revoked token stops working within one profile TTL.
func (s *Cache) ResolveToken(ctx context.Context, token string) (*sentinel.UserProfile, error) {
	key := sentinel.CacheKeyJWT + sentinel.HashToken(token)

	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "profile cache read failed",
			slog.String("error", err.Error()),
		)
	} else if ok {
		var profile sentinel.UserProfile
		if err := json.Unmarshal(data, &profile); err == nil {
			s.hit()
			return &profile, nil
		}
		// Corrupt entry; fall through to the origin and overwrite.
	}
	s.miss()

	profile, err := s.gov.ValidateJWT(ctx, token)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(profile); err == nil {
		if err := s.cache.Set(ctx, key, data, s.profileTTL); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "profile cache write failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return profile, nil
}

// Limits fetches the quota entries for an external user id, cached for the
// limits TTL so enforcement lags consumption by at most that window.
func (s *Cache) Limits(ctx context.Context, externalID string) ([]sentinel.UserLimit, error) {
	key := sentinel.CacheKeyLimits + externalID

	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "limits cache read failed",
			slog.String("external_id", externalID),
			slog.String("error", err.Error()),
		)
	} else if ok {
		var limits []sentinel.UserLimit
		if err := json.Unmarshal(data, &limits); err == nil {
			s.hit()
			return limits, nil
		}
	}
	s.miss()

	limits, err := s.gov.UserLimits(ctx, externalID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(limits); err == nil {
		if err := s.cache.Set(ctx, key, data, s.limitsTTL); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "limits cache write failed",
				slog.String("external_id", externalID),
				slog.String("error", err.Error()),
			)
		}
	}
	return limits, nil
}

// InvalidateLimits drops the cached limits for a user so the next read sees
// freshly incremented usage.
func (s *Cache) InvalidateLimits(ctx context.Context, externalID string) error {
	return s.cache.Delete(ctx, sentinel.CacheKeyLimits+externalID)
}
