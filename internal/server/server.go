// Package server implements the HTTP transport layer for the Sentinel gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/app"
	"github.com/eugener/sentinel/internal/health"
	"github.com/eugener/sentinel/internal/provider"
	"github.com/eugener/sentinel/internal/session"
	"github.com/eugener/sentinel/internal/telemetry"
	"github.com/eugener/sentinel/internal/worker"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth      sentinel.Authenticator
	Pipeline  *app.Pipeline
	Providers *provider.Registry // raw passthrough (audio, images, moderations)

	ReadyCheck ReadyChecker       // nil = always ready (for tests)
	Metrics    *telemetry.Metrics // nil = no metrics middleware
	MetricsH   http.Handler       // nil = no /metrics route

	// Debug surface; nil fields disable the corresponding endpoint.
	Health   *health.Tracker
	Batcher  *worker.UsageBatcher
	Sessions *session.Store
	Debug    bool

	// DefaultProvider serves non-routed raw passthrough paths.
	DefaultProvider string

	// KeepAlive is the SSE comment interval (default 15s).
	KeepAlive time.Duration
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 15 * time.Second
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	if deps.MetricsH != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsH)
	}

	// Client-facing API (auth required) -- OpenAI-compatible surface
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/completions", s.handleCompletions)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Post("/v1/responses", s.handleResponses)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1/models/{id}", s.handleGetModel)

		// Strict variant: unknown body fields are rejected.
		r.Post("/native/v1/chat/completions", s.handleNativeChatCompletion)

		// Raw passthrough for non-accounted endpoints.
		r.Post("/v1/audio/*", s.handlePassthrough)
		r.Post("/v1/images/*", s.handlePassthrough)
		r.Post("/v1/moderations", s.handlePassthrough)
	})

	// Debug surface (auth required, disabled unless configured).
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/debug/health", s.handleDebugHealth)
		r.Get("/debug/circuit", s.handleDebugCircuit)
		r.Get("/debug/sessions/{id}", s.handleDebugSession)
	})

	return r
}

type server struct {
	deps Deps
}
