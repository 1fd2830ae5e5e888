package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// wsIncoming is a client frame.
type wsIncoming struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// wsOutgoing is a server frame.
type wsOutgoing struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Chat serves GET /chat/{id}. Each text frame {"text": ...} runs a turn and is
// answered with {"type":"message","data":<turn result>}. Agent settlements of
// the session are pushed as {"type":"status","data":<event>}.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if !h.resolve(w, r, sessionID) {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.conns.Register(sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, _ := h.hub.Subscribe(sessionID, NoReplay)
	defer sub.Close()

	if err := h.writeJSON(ctx, ws, wsOutgoing{Type: "connected", Data: map[string]string{"session_id": sessionID}}); err != nil {
		return
	}

	go func() {
		defer cancel()
		h.pushLoop(ctx, ws, sub)
	}()

	h.inputLoop(ctx, ws, sessionID)
	h.logger.Info("Chat session ended", "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigins)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsIncoming
		if err := json.Unmarshal(message, &msg); err != nil {
			// Plain text frames are treated as the message text.
			msg = wsIncoming{Text: string(message)}
		}

		switch msg.Type {
		case "ping":
			if err := h.writeJSON(ctx, ws, wsOutgoing{Type: "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		case "", "message":
			h.handleTurn(ctx, ws, sessionID, msg.Text)
		default:
			h.writeError(ctx, ws, "unknown message type: "+msg.Type)
		}
	}
}

func (h *Handler) handleTurn(ctx context.Context, ws *websocket.Conn, sessionID, text string) {
	if strings.TrimSpace(text) == "" {
		h.writeError(ctx, ws, "text is required")
		return
	}
	res, err := h.turns.Submit(ctx, sessionID, text)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(ctx, ws, "session not found")
			return
		}
		h.logger.Error("Chat turn failed", "session_id", sessionID, "error", err)
		h.writeError(ctx, ws, "failed to process message")
		return
	}
	h.hub.Publish(sessionID, TypeTurn, res)
	if err := h.writeJSON(ctx, ws, wsOutgoing{Type: "message", Data: res}); err != nil {
		h.logger.Debug("Failed to send turn result", "error", err, "session_id", sessionID)
	}
}

// pushLoop forwards agent status envelopes. Turn envelopes are skipped since
// the socket that ran the turn already answered it.
func (h *Handler) pushLoop(ctx context.Context, ws *websocket.Conn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case env := <-sub.C:
			if env.Type != TypeStatus {
				continue
			}
			if err := h.writeJSON(ctx, ws, wsOutgoing{Type: TypeStatus, Data: env.Data}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeError(ctx context.Context, ws *websocket.Conn, msg string) {
	if err := h.writeJSON(ctx, ws, wsOutgoing{Type: "error", Data: map[string]string{"error": msg}}); err != nil {
		h.logger.Debug("Failed to send error frame", "error", err)
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
