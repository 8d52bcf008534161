package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sentinel "github.com/eugener/sentinel/internal"
)

// apiError is the JSON error envelope returned for all non-stream failures.
type apiError struct {
	Error struct {
		Code    string        `json:"code"`
		Message string        `json:"message"`
		Details *errorDetails `json:"details,omitempty"`
	} `json:"error"`
}

type errorDetails struct {
	Limit     int64      `json:"limit"`
	Used      int64      `json:"used"`
	Remaining int64      `json:"remaining"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

func errorResponse(code, msg string) apiError {
	var e apiError
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

// writeError maps an error kind to its status, code, and optional Retry-After
// header, and writes the JSON envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	resp := errorResponse(code, err.Error())

	var rl *sentinel.RateLimitError
	if errors.As(err, &rl) {
		resp.Error.Details = &errorDetails{
			Limit:     rl.Limit,
			Used:      rl.Used,
			Remaining: rl.Remaining,
			ResetAt:   rl.ResetAt,
		}
		if rl.ResetAt != nil {
			if secs := int(time.Until(*rl.ResetAt).Seconds()); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	}

	var unavailable *sentinel.ServiceUnavailableError
	if errors.As(err, &unavailable) && unavailable.RetryAfter > 0 {
		secs := int(unavailable.RetryAfter.Seconds() + 0.5)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if status >= http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
			slog.String("request_id", sentinel.RequestIDFromContext(r.Context())),
		)
	}

	writeJSON(w, status, resp)
}

func classify(err error) (status int, code string) {
	switch {
	case errors.Is(err, sentinel.ErrInvalidToken):
		return http.StatusUnauthorized, "INVALID_TOKEN"
	case errors.Is(err, sentinel.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, sentinel.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, sentinel.ErrInvalidJSON):
		return http.StatusBadRequest, "INVALID_JSON"
	case errors.Is(err, sentinel.ErrBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, sentinel.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case errors.Is(err, sentinel.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, sentinel.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	case errors.Is(err, sentinel.ErrUpstream):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
