package sentinel

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the gateway domain. Richer kinds below wrap these so
// callers can always classify with errors.Is.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidToken       = errors.New("invalid token")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
	ErrInvalidJSON        = errors.New("invalid json")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrUpstream           = errors.New("upstream error")
	ErrCache              = errors.New("cache error")
	ErrInternal           = errors.New("internal error")
)

// RateLimitError carries quota details for 429 responses.
type RateLimitError struct {
	Limit     int64
	Used      int64
	Remaining int64
	ResetAt   *time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d used", e.Used, e.Limit)
}

// Unwrap lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ServiceUnavailableError reports when a tier has no eligible model. RetryAfter
// is the minimum remaining backoff across the tier's candidates.
type ServiceUnavailableError struct {
	RetryAfter time.Duration
}

func (e *ServiceUnavailableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("no models available, retry after %s", e.RetryAfter.Round(time.Second))
	}
	return "no models available"
}

// Unwrap lets errors.Is(err, ErrServiceUnavailable) match.
func (e *ServiceUnavailableError) Unwrap() error { return ErrServiceUnavailable }

// UpstreamError reports a provider-side failure, tagged with the provider name.
type UpstreamError struct {
	Provider string
	Message  string
}

func (e *UpstreamError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("upstream %s: %s", e.Provider, e.Message)
	}
	return "upstream: " + e.Message
}

// Unwrap lets errors.Is(err, ErrUpstream) match.
func (e *UpstreamError) Unwrap() error { return ErrUpstream }
