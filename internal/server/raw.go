package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	sentinel "github.com/eugener/sentinel/internal"
)

// bodyPool recycles buffers for raw body reads on the pass-through paths.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// readBody reads the full request body, bounded by maxRequestBody. On failure
// it writes the error response and returns ok=false.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeError(w, r, fmt.Errorf("%w: read body: %v", sentinel.ErrBadRequest, err))
		return nil, false
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)
	return body, true
}

func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if gjson.GetBytes(body, "stream").Bool() {
		ch, model, err := s.deps.Pipeline.CompletionsStream(r.Context(), body)
		s.relayRawStream(w, r, ch, model, err, 0)
		return
	}
	resp, err := s.deps.Pipeline.Completions(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRawJSON(w, resp)
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	resp, err := s.deps.Pipeline.Embeddings(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRawJSON(w, resp)
}

func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if gjson.GetBytes(body, "stream").Bool() {
		// The Responses surface pre-counts the input so an upstream without a
		// usage object still yields a prompt estimate.
		inputEstimate := s.deps.Pipeline.EstimateRawInput(body)
		ch, model, err := s.deps.Pipeline.ResponsesStream(r.Context(), body)
		s.relayRawStream(w, r, ch, model, err, inputEstimate)
		return
	}
	resp, err := s.deps.Pipeline.Responses(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRawJSON(w, resp)
}

// relayRawStream relays a pass-through SSE stream with the same accumulation
// and deferred accounting as the chat relay.
func (s *server) relayRawStream(w http.ResponseWriter, r *http.Request, ch <-chan sentinel.StreamChunk, model string, err error, inputEstimate int64) {
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSSEHeaders(w, model, "")
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
	defer func() {
		s.deps.Pipeline.AccountStream(externalID, model, usage, content.String(), inputEstimate)
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
					slog.String("model", model),
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

// handlePassthrough forwards endpoints without token usage (audio, images,
// moderations) verbatim to the default provider. Only the request itself is
// accounted.
func (s *server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	prov, err := s.deps.Providers.Get(s.deps.DefaultProvider)
	if err != nil {
		writeError(w, r, err)
		return
	}
	fwd, ok := prov.(sentinel.RawForwarder)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: provider %q does not support passthrough", sentinel.ErrBadRequest, s.deps.DefaultProvider))
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1")
	if err := fwd.ForwardRaw(r.Context(), w, r, path); err != nil {
		// Headers may already be on the wire; log server-side only.
		slog.LogAttrs(r.Context(), slog.LevelError, "passthrough error",
			slog.String("provider", s.deps.DefaultProvider),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}

	if p := sentinel.ProfileFromContext(r.Context()); p != nil {
		s.deps.Pipeline.AccountRequest(p.ExternalID)
	}
}

func writeRawJSON(w http.ResponseWriter, body []byte) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
