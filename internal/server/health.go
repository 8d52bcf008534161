package server

import "net/http"

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see errors.go:jsonCT).
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

type healthResponse struct {
	Status       string `json:"status"`
	UsageQueue   int    `json:"usage_queue"`
	UsageDropped int64  `json:"usage_dropped"`
	CircuitState string `json:"circuit_state"`
}

// handleHealth returns a JSON snapshot of the accounting subsystem alongside
// the overall status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Batcher != nil {
		resp.UsageQueue = s.deps.Batcher.QueueLen()
		resp.UsageDropped = s.deps.Batcher.Drops()
		resp.CircuitState = s.deps.Batcher.BreakerState().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
