// Package app orchestrates the request pipeline: model selection, provider
// calls with retry, and usage accounting dispatch.
package app

import (
	"context"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/session"
	"github.com/eugener/sentinel/internal/tiers"
)

// Selector resolves a request to a concrete (provider, model, tier), keeping
// conversations sticky to their session binding. Tier upgrades prefer the
// session's current provider to minimize conversation-visible behavior shifts.
type Selector struct {
	router   *tiers.Router
	sessions *session.Store
}

// NewSelector creates a Selector over the router and session store.
func NewSelector(router *tiers.Router, sessions *session.Store) *Selector {
	return &Selector{router: router, sessions: sessions}
}

// Select resolves the model for a request.
//
// Without a conversation id the selection is stateless. With one, an existing
// binding wins unless the requested tier is strictly higher, in which case
// the session is rebound at the new tier. Downgrade requests silently reuse
// the existing binding.
func (s *Selector) Select(ctx context.Context, conversationID string, tier sentinel.Tier, externalID string) (sentinel.Selection, error) {
	if conversationID == "" {
		return s.router.Select(ctx, tier, "")
	}

	sess, err := s.sessions.Get(ctx, conversationID)
	if err != nil {
		return sentinel.Selection{}, err
	}

	if sess == nil {
		sel, err := s.router.Select(ctx, tier, "")
		if err != nil {
			return sentinel.Selection{}, err
		}
		if _, err := s.sessions.Create(ctx, conversationID, sel.Provider, sel.Model, sel.Tier, externalID); err != nil {
			return sentinel.Selection{}, err
		}
		return sel, nil
	}

	if tier > sess.Tier {
		sel, err := s.router.Select(ctx, tier, sess.Provider)
		if err != nil {
			return sentinel.Selection{}, err
		}
		// The rewrite refreshes the TTL itself; an async Touch here could
		// race it and win with the stale binding.
		if err := s.sessions.UpgradeTier(ctx, conversationID, sel.Provider, sel.Model, sel.Tier); err != nil {
			return sentinel.Selection{}, err
		}
		return sel, nil
	}

	// Keep the session alive; failures are logged inside Touch.
	go s.sessions.Touch(context.WithoutCancel(ctx), conversationID)

	return sentinel.Selection{Provider: sess.Provider, Model: sess.Model, Tier: sess.Tier}, nil
}
