// Package chat pushes session activity to connected clients over SSE and
// WebSocket, and runs conversational turns submitted over a WebSocket.
package chat

import (
	"container/list"
	"sync"
	"time"
)

// Envelope is one event delivered to subscribers of a session.
type Envelope struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope types.
const (
	TypeStatus = "status"
	TypeTurn   = "turn"
)

// ReplayQueue keeps the most recent envelopes of each session so reconnecting
// clients can catch up. Each session has its own bounded list, so a burst in
// one session never evicts another session's history.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// NewReplayQueue creates a queue holding up to maxSize envelopes per session.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ReplayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue appends env to its session's queue, evicting the oldest entries.
func (q *ReplayQueue) Enqueue(env Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[env.SessionID]
	if !ok {
		l = list.New()
		q.queues[env.SessionID] = l
	}
	l.PushBack(env)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// After returns the envelopes of a session with an ID greater than afterID.
func (q *ReplayQueue) After(sessionID string, afterID int64) []Envelope {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[sessionID]
	if !ok {
		return nil
	}
	var missed []Envelope
	for e := l.Front(); e != nil; e = e.Next() {
		env := e.Value.(Envelope)
		if env.ID > afterID {
			missed = append(missed, env)
		}
	}
	return missed
}

// Prune drops a session's history.
func (q *ReplayQueue) Prune(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, sessionID)
}

// Len returns the number of sessions with history.
func (q *ReplayQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queues)
}
