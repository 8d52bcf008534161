// Package auth implements bearer-token authentication for the Sentinel
// gateway. Tokens are JWTs validated by the governance service through the
// subscription cache, keyed by their SHA-256 hash.
package auth

import (
	"context"
	"net/http"
	"strings"

	sentinel "github.com/eugener/sentinel/internal"
)

// TokenResolver resolves a bearer token to the caller's profile.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (*sentinel.UserProfile, error)
}

var _ sentinel.Authenticator = (*BearerAuth)(nil)

// BearerAuth authenticates requests by their Authorization bearer token.
type BearerAuth struct {
	resolver TokenResolver
}

// NewBearerAuth returns a BearerAuth backed by resolver.
func NewBearerAuth(resolver TokenResolver) *BearerAuth {
	return &BearerAuth{resolver: resolver}
}

// Authenticate extracts the bearer token and resolves it to a profile.
// A missing header is ErrUnauthorized; a malformed header or a token the
// governance service rejects is ErrInvalidToken.
func (a *BearerAuth) Authenticate(ctx context.Context, r *http.Request) (*sentinel.UserProfile, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, sentinel.ErrUnauthorized
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, sentinel.ErrInvalidToken
	}

	return a.resolver.ResolveToken(ctx, token)
}
