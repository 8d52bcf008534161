package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	sentinel "github.com/eugener/sentinel/internal"
)

// maxRequestBody caps inbound request bodies.
const maxRequestBody = 10 << 20

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req sentinel.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", sentinel.ErrInvalidJSON, err))
		return
	}
	s.serveChat(w, r, &req)
}

// handleNativeChatCompletion is the strict variant: unknown fields in the
// request body are rejected instead of silently dropped.
func (s *server) handleNativeChatCompletion(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	var req sentinel.ChatRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", sentinel.ErrInvalidJSON, err))
		return
	}
	s.serveChat(w, r, &req)
}

func (s *server) serveChat(w http.ResponseWriter, r *http.Request, req *sentinel.ChatRequest) {
	if len(req.Messages) == 0 {
		writeError(w, r, fmt.Errorf("%w: messages must not be empty", sentinel.ErrBadRequest))
		return
	}

	if req.Stream {
		s.serveChatStream(w, r, req)
		return
	}

	resp, sel, err := s.deps.Pipeline.ChatCompletion(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h := w.Header()
	h["X-Sentinel-Model"] = []string{sel.Model}
	h["X-Sentinel-Tier"] = []string{sel.Tier.String()}
	writeJSON(w, http.StatusOK, resp)
}

// serveChatStream relays the upstream SSE stream to the client, accumulating
// text deltas and the trailing usage object so accounting can be dispatched
// once the stream ends, whichever way it ends.
func (s *server) serveChatStream(w http.ResponseWriter, r *http.Request, req *sentinel.ChatRequest) {
	ch, sel, err := s.deps.Pipeline.ChatCompletionStream(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSSEHeaders(w, sel.Model, sel.Tier.String())
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	var externalID string
	if p := sentinel.ProfileFromContext(r.Context()); p != nil {
		externalID = p.ExternalID
	}

	var content strings.Builder
	var usage *sentinel.Usage
	// Runs on every exit path, including client disconnect mid-stream:
	// whatever was accumulated up to that point is accounted.
	defer func() {
		s.deps.Pipeline.AccountStream(externalID, sel.Model, usage, content.String(), 0)
	}()

	keepAlive := time.NewTicker(s.deps.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("provider", sel.Provider),
					slog.String("model", sel.Model),
					slog.String("error", chunk.Err.Error()),
				)
				writeSSEError(w, "upstream stream error")
				flusher.Flush()
				return
			}
			content.WriteString(chunk.Content)
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if len(chunk.Data) > 0 {
				writeSSEData(w, chunk.Data)
				flusher.Flush()
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
