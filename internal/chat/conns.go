package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Conns tracks the active chat WebSocket of each session. A session has at
// most one chat socket; a newer connection replaces the older one.
type Conns struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConns creates an empty connection registry.
func NewConns() *Conns {
	return &Conns{active: make(map[string]*websocket.Conn)}
}

// Active returns the chat socket of a session, or nil.
func (m *Conns) Active(sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Register makes conn the session's chat socket, closing any previous one.
func (m *Conns) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[sessionID] = conn
	slog.Info("Chat connection registered", "session_id", sessionID)
}

// Unregister removes conn if it is still the session's chat socket.
func (m *Conns) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
		slog.Info("Chat connection unregistered", "session_id", sessionID)
	}
}

// Close terminates the chat socket of a session.
func (m *Conns) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.active[sessionID]; ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		delete(m.active, sessionID)
	}
}

// Len returns the number of sessions with an open chat socket.
func (m *Conns) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
