package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/turn"
)

// Sessions resolves session ids before a stream is opened.
type Sessions interface {
	Read(ctx context.Context, id string) (*domain.Session, error)
}

// Submitter runs a conversational turn.
type Submitter interface {
	Submit(ctx context.Context, sessionID, text string) (*turn.Result, error)
}

// Config tunes the streaming endpoints.
type Config struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
	// AllowedOrigins lists WebSocket origins; "*" or empty allows all.
	AllowedOrigins []string
}

// Handler serves the SSE event stream and the WebSocket chat.
type Handler struct {
	sessions Sessions
	turns    Submitter
	hub      *Hub
	conns    *Conns
	cfg      Config
	logger   *slog.Logger
}

// NewHandler wires the streaming handlers.
func NewHandler(sessions Sessions, turns Submitter, hub *Hub, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	return &Handler{
		sessions: sessions,
		turns:    turns,
		hub:      hub,
		conns:    NewConns(),
		cfg:      cfg,
		logger:   logger,
	}
}

// Forget closes every stream of a session. Wired as the retention callback.
func (h *Handler) Forget(sessionID string) {
	h.conns.Close(sessionID)
	h.hub.Forget(sessionID)
}

// Connections returns the number of sessions with an open chat socket.
func (h *Handler) Connections() int { return h.conns.Len() }

// resolve checks the session exists and writes the error response if not.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := h.sessions.Read(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, `{"error": "session not found"}`, http.StatusNotFound)
			return false
		}
		h.logger.Error("Failed to read session for stream", "session_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return false
	}
	return true
}
