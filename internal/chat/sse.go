package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Stream serves GET /sessions/{id}/events as Server-Sent Events. Clients that
// reconnect with Last-Event-ID (header or lastEventId query) receive the
// envelopes they missed first.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !h.resolve(w, r, sessionID) {
		return
	}

	lastEventID := NoReplay
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil && parsed >= 0 {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}

	sub, missed := h.hub.Subscribe(sessionID, lastEventID)
	defer sub.Close()

	connected := fmt.Sprintf(`{"status":"connected","session_id":%q,"last_event_id":%d}`, sessionID, sub.LastEventID)
	if err := writeSSE(w, "connected", connected); err != nil {
		return
	}
	for _, env := range missed {
		if err := writeEnvelope(w, env); err != nil {
			return
		}
	}
	flusher.Flush()

	h.logger.Info("SSE stream connected",
		"session_id", sessionID,
		"subscription", sub.ID,
		"replayed", len(missed),
	)
	defer h.logger.Info("SSE stream closed", "session_id", sessionID, "subscription", sub.ID)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done:
			return
		case env := <-sub.C:
			if err := writeEnvelope(w, env); err != nil {
				h.logger.Warn("failed to write SSE event", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEnvelope(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return writeSSEWithID(w, env.ID, env.Type, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
