package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/ingestor-core/internal/agent"
)

// subscriptionBuffer is the per-subscriber channel capacity. A subscriber
// that falls further behind loses events and must reconnect with its last
// event ID to replay them.
const subscriptionBuffer = 64

// NoReplay subscribes to live envelopes only.
const NoReplay int64 = -1

// Subscription receives the envelopes of one session.
type Subscription struct {
	ID        int64
	SessionID string
	// LastEventID is the ID of the session's newest envelope when the
	// subscription was registered, or 0 if it had none.
	LastEventID int64
	C           <-chan Envelope
	// Done is closed when the hub drops the subscription.
	Done <-chan struct{}

	ch      chan Envelope
	done    chan struct{}
	hub     *Hub
	dropped sync.Once
}

// Close unsubscribes.
func (s *Subscription) Close() { s.hub.unsubscribe(s) }

func (s *Subscription) drop() { s.dropped.Do(func() { close(s.done) }) }

// Hub fans session events out to subscribers and keeps a replay history.
type Hub struct {
	logger *slog.Logger
	queue  *ReplayQueue
	now    func() time.Time

	mu      sync.Mutex
	subs    map[string]map[int64]*Subscription
	lastIDs map[string]int64
	eventID int64
	subID   int64
}

// NewHub creates a hub keeping replaySize envelopes per session.
func NewHub(replaySize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		queue:  NewReplayQueue(replaySize),
		now:    time.Now,
		subs:    make(map[string]map[int64]*Subscription),
		lastIDs: make(map[string]int64),
	}
}

// Run forwards agent settlement events until events is closed.
func (h *Hub) Run(events <-chan agent.Event) {
	h.logger.Info("Event hub started")
	for ev := range events {
		h.Publish(ev.SessionID, TypeStatus, ev)
	}
	h.logger.Info("Event hub stopped, event channel closed")
}

// Publish assigns the next event ID, records the envelope for replay and
// delivers it to current subscribers without blocking.
func (h *Hub) Publish(sessionID, typ string, data any) Envelope {
	h.mu.Lock()
	h.eventID++
	env := Envelope{
		ID:        h.eventID,
		SessionID: sessionID,
		Type:      typ,
		Data:      data,
		Timestamp: h.now().UTC(),
	}
	h.queue.Enqueue(env)
	h.lastIDs[sessionID] = env.ID
	subs := make([]*Subscription, 0, len(h.subs[sessionID]))
	for _, s := range h.subs[sessionID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.done:
		default:
			h.logger.Warn("Subscriber lagging, dropping event",
				"session_id", sessionID,
				"subscription", s.ID,
				"event_id", env.ID,
			)
		}
	}
	return env
}

// Subscribe registers a subscriber for a session and returns the retained
// history with an ID greater than afterID. A negative afterID (NoReplay)
// returns no history. Registration and history are taken atomically with
// respect to Publish, so nothing is missed or delivered twice.
func (h *Hub) Subscribe(sessionID string, afterID int64) (*Subscription, []Envelope) {
	ch := make(chan Envelope, subscriptionBuffer)
	done := make(chan struct{})

	h.mu.Lock()
	defer h.mu.Unlock()

	h.subID++
	s := &Subscription{
		ID:          h.subID,
		SessionID:   sessionID,
		LastEventID: h.lastIDs[sessionID],
		C:           ch,
		Done:        done,
		ch:          ch,
		done:        done,
		hub:         h,
	}
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[int64]*Subscription)
	}
	h.subs[sessionID][s.ID] = s

	var missed []Envelope
	if afterID >= 0 {
		missed = h.queue.After(sessionID, afterID)
	}
	return s, missed
}

// Subscribers returns the number of subscribers of a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Forget drops every subscriber and the replay history of a session.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	subs := h.subs[sessionID]
	delete(h.subs, sessionID)
	delete(h.lastIDs, sessionID)
	h.mu.Unlock()

	for _, s := range subs {
		s.drop()
	}
	h.queue.Prune(sessionID)
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	if subs, ok := h.subs[s.SessionID]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.subs, s.SessionID)
		}
	}
	h.mu.Unlock()
	s.drop()
}
