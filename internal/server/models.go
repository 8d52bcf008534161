package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	sentinel "github.com/eugener/sentinel/internal"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels aggregates models from all providers and returns
// an OpenAI-compatible model list response.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Pipeline.ListModels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

// handleGetModel returns a single model entry, or 404 when no provider
// exposes it.
func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	models, err := s.deps.Pipeline.ListModels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	for _, m := range models {
		if m == id {
			writeJSON(w, http.StatusOK, modelEntry{
				ID:      m,
				Object:  "model",
				Created: time.Now().Unix(),
				OwnedBy: "system",
			})
			return
		}
	}
	writeError(w, r, fmt.Errorf("%w: model %q", sentinel.ErrNotFound, id))
}
