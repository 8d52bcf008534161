// Package session binds conversations to a sticky (provider, model, tier).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/cache"
)

// DefaultTTL is the activity-based session expiry.
const DefaultTTL = 24 * time.Hour

// Store persists sessions in the KV cache with an activity-refreshed TTL.
// Tier upgrades are monotonic: a session's tier never decreases, and the
// bound provider/model change only through an upgrade.
type Store struct {
	cache cache.Cache
	ttl   time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a Store with the given TTL (default 24 h).
func NewStore(c cache.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{cache: c, ttl: ttl, now: time.Now}
}

// Get returns the session for a conversation id, or nil when absent.
// A cache miss is not an error.
func (s *Store) Get(ctx context.Context, conversationID string) (*sentinel.Session, error) {
	data, ok, err := s.cache.Get(ctx, sentinel.CacheKeySession+conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: session get: %v", sentinel.ErrInternal, err)
	}
	if !ok {
		return nil, nil
	}

	var sess sentinel.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: session decode: %v", sentinel.ErrInternal, err)
	}
	return &sess, nil
}

// Create stores a new session, overwriting any stale entry for the id.
func (s *Store) Create(ctx context.Context, conversationID, provider, model string, tier sentinel.Tier, externalID string) (*sentinel.Session, error) {
	sess := &sentinel.Session{
		ID:             conversationID,
		Provider:       provider,
		Model:          model,
		Tier:           tier,
		ExternalUserID: externalID,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Touch resets the session TTL. It is best-effort: failures are logged and
// never surfaced, and touching an absent session is a no-op.
func (s *Store) Touch(ctx context.Context, conversationID string) {
	key := sentinel.CacheKeySession + conversationID
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "session touch read failed",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "session touch failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

// UpgradeTier rebinds the session to a new provider/model at a strictly
// higher tier. CreatedAt is preserved and the rewrite refreshes the
// activity TTL, so no separate Touch is needed.
func (s *Store) UpgradeTier(ctx context.Context, conversationID, provider, model string, newTier sentinel.Tier) error {
	sess, err := s.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: session %s", sentinel.ErrNotFound, conversationID)
	}
	if newTier <= sess.Tier {
		return fmt.Errorf("%w: tier %s does not upgrade %s", sentinel.ErrBadRequest, newTier, sess.Tier)
	}

	sess.Provider = provider
	sess.Model = model
	sess.Tier = newTier
	return s.put(ctx, sess)
}

func (s *Store) put(ctx context.Context, sess *sentinel.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%w: session encode: %v", sentinel.ErrInternal, err)
	}
	if err := s.cache.Set(ctx, sentinel.CacheKeySession+sess.ID, data, s.ttl); err != nil {
		return fmt.Errorf("%w: session put: %v", sentinel.ErrInternal, err)
	}
	return nil
}
