package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	sentinel "github.com/eugener/sentinel/internal"
)

// debugEnabled gates the /debug surface; when off the endpoints 404 so their
// existence is not observable.
func (s *server) debugEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Debug {
		return true
	}
	writeError(w, r, fmt.Errorf("%w: %s", sentinel.ErrNotFound, r.URL.Path))
	return false
}

type unavailableModel struct {
	Key                 string    `json:"key"`
	ConsecutiveFailures uint      `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure"`
	BackoffSeconds      float64   `json:"backoff_seconds"`
}

// handleDebugHealth lists the models currently held out of routing.
func (s *server) handleDebugHealth(w http.ResponseWriter, r *http.Request) {
	if !s.debugEnabled(w, r) {
		return
	}
	out := []unavailableModel{}
	if s.deps.Health != nil {
		for k, st := range s.deps.Health.ListUnavailable() {
			out = append(out, unavailableModel{
				Key:                 k,
				ConsecutiveFailures: st.ConsecutiveFailures,
				LastFailure:         st.LastFailure,
				BackoffSeconds:      st.Backoff.Seconds(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"unavailable": out})
}

// handleDebugCircuit reports the accounting circuit and ingest counters.
func (s *server) handleDebugCircuit(w http.ResponseWriter, r *http.Request) {
	if !s.debugEnabled(w, r) {
		return
	}
	if s.deps.Batcher == nil {
		writeError(w, r, fmt.Errorf("%w: usage batcher not configured", sentinel.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         s.deps.Batcher.BreakerState().String(),
		"queue_length":  s.deps.Batcher.QueueLen(),
		"drops":         s.deps.Batcher.Drops(),
		"breaker_drops": s.deps.Batcher.BreakerDrops(),
	})
}

// handleDebugSession returns the raw session binding for a conversation id.
func (s *server) handleDebugSession(w http.ResponseWriter, r *http.Request) {
	if !s.debugEnabled(w, r) {
		return
	}
	if s.deps.Sessions == nil {
		writeError(w, r, fmt.Errorf("%w: session store not configured", sentinel.ErrNotFound))
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess == nil {
		writeError(w, r, fmt.Errorf("%w: session %q", sentinel.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
