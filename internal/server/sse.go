package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clerkhq/clerk/internal/engine"
	"github.com/clerkhq/clerk/internal/model"
)

// HandleStreamRun handles GET /v1/runs/{run_id}/stream. It streams run
// events over SSE until the run reaches a terminal state or the client
// disconnects. Only live runs can be streamed; finished runs are read
// back via GET /v1/runs/{run_id}.
func (h *Handlers) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.liveRun(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-run.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes a single event in SSE wire format.
func writeSSE(w http.ResponseWriter, event engine.Event) error {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("server: marshal sse event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}
