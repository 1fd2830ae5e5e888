package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/ingestor-core/internal/agent"
	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/turn"
)

type fakeSessions struct{ known map[string]bool }

func (f fakeSessions) Read(_ context.Context, id string) (*domain.Session, error) {
	if !f.known[id] {
		return nil, domain.ErrNotFound
	}
	return domain.NewSession(id, domain.RoleUser, time.Now()), nil
}

type echoSubmitter struct{}

func (echoSubmitter) Submit(_ context.Context, sessionID, text string) (*turn.Result, error) {
	return &turn.Result{SessionID: sessionID, ResponseText: "echo: " + text, Intent: "unknown"}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *Handler) {
	t.Helper()
	hub := NewHub(10, nil)
	h := NewHandler(fakeSessions{known: map[string]bool{"s1": true}}, echoSubmitter{}, hub, Config{
		RetryDelay:        time.Second,
		KeepaliveInterval: time.Hour,
	}, nil)
	r := chi.NewRouter()
	r.Get("/sessions/{id}/events", h.Stream)
	r.Get("/chat/{id}", h.Chat)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub, h
}

func TestReplayQueueEvictsPerSession(t *testing.T) {
	q := NewReplayQueue(2)
	for i := int64(1); i <= 3; i++ {
		q.Enqueue(Envelope{ID: i, SessionID: "a"})
	}
	q.Enqueue(Envelope{ID: 4, SessionID: "b"})

	got := q.After("a", 0)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, int64(3), got[1].ID)
	assert.Len(t, q.After("b", 0), 1)
	assert.Empty(t, q.After("a", 3))

	q.Prune("a")
	assert.Nil(t, q.After("a", 0))
	assert.Equal(t, 1, q.Len())
}

func TestHubFanOutAndReplay(t *testing.T) {
	hub := NewHub(10, nil)
	first := hub.Publish("s1", TypeStatus, "one")
	hub.Publish("s2", TypeStatus, "other session")

	sub, missed := hub.Subscribe("s1", first.ID-1)
	defer sub.Close()
	require.Len(t, missed, 1)
	assert.Equal(t, "one", missed[0].Data)

	second := hub.Publish("s1", TypeStatus, "two")
	select {
	case env := <-sub.C:
		assert.Equal(t, second.ID, env.ID)
		assert.Greater(t, env.ID, first.ID)
	case <-time.After(time.Second):
		t.Fatal("expected live envelope")
	}
	assert.Equal(t, 1, hub.Subscribers("s1"))

	hub.Forget("s1")
	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("forget should drop subscribers")
	}
	assert.Equal(t, 0, hub.Subscribers("s1"))
	_, missed = hub.Subscribe("s1", 1)
	assert.Empty(t, missed)
}

func TestHubSubscribeReplayBounds(t *testing.T) {
	hub := NewHub(10, nil)
	hub.Publish("s1", TypeStatus, "one")
	hub.Publish("s1", TypeStatus, "two")

	live, missed := hub.Subscribe("s1", NoReplay)
	defer live.Close()
	assert.Empty(t, missed)

	all, missed := hub.Subscribe("s1", 0)
	defer all.Close()
	assert.Len(t, missed, 2)
}

func TestSubscriptionLastEventIDIsPerSession(t *testing.T) {
	hub := NewHub(10, nil)
	empty, _ := hub.Subscribe("s1", NoReplay)
	defer empty.Close()
	assert.Zero(t, empty.LastEventID)

	mine := hub.Publish("s1", TypeStatus, "mine")
	hub.Publish("s2", TypeStatus, "other")

	sub, _ := hub.Subscribe("s1", NoReplay)
	defer sub.Close()
	assert.Equal(t, mine.ID, sub.LastEventID)
}

func TestHubRunForwardsAgentEvents(t *testing.T) {
	hub := NewHub(10, nil)
	sub, _ := hub.Subscribe("s1", 0)
	defer sub.Close()

	events := make(chan agent.Event, 1)
	done := make(chan struct{})
	go func() {
		hub.Run(events)
		close(done)
	}()
	events <- agent.Event{SessionID: "s1", Agent: "market_analyzer", Status: domain.AgentSucceeded}
	close(events)

	select {
	case env := <-sub.C:
		assert.Equal(t, TypeStatus, env.Type)
		assert.Equal(t, "market_analyzer", env.Data.(agent.Event).Agent)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded event")
	}
	<-done
}

type sseEvent struct{ id, event, data string }

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" {
				return ev
			}
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamReplaysAndPushes(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	for i := 1; i <= 3; i++ {
		hub.Publish("s1", TypeStatus, map[string]int{"n": i})
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sessions/s1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, "connected", readEvent(t, r).event)
	for _, want := range []string{"2", "3"} {
		ev := readEvent(t, r)
		assert.Equal(t, want, ev.id)
		assert.Equal(t, TypeStatus, ev.event)
	}

	live := hub.Publish("s1", TypeTurn, map[string]string{"response_text": "hi"})
	ev := readEvent(t, r)
	assert.Equal(t, fmt.Sprint(live.ID), ev.id)
	assert.Equal(t, TypeTurn, ev.event)
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(ev.data), &env))
	assert.Equal(t, "s1", env.SessionID)
}

func TestStreamLastEventIDZeroReplaysAll(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	hub.Publish("s1", TypeStatus, "one")
	last := hub.Publish("s1", TypeStatus, "two")
	hub.Publish("s2", TypeStatus, "other session")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sessions/s1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "0")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	connected := readEvent(t, r)
	require.Equal(t, "connected", connected.event)
	var payload struct {
		LastEventID int64 `json:"last_event_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(connected.data), &payload))
	assert.Equal(t, last.ID, payload.LastEventID)

	assert.Equal(t, "1", readEvent(t, r).id)
	assert.Equal(t, fmt.Sprint(last.ID), readEvent(t, r).id)
}

func TestStreamUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/sessions/nope/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readFrame(t *testing.T, ctx context.Context, ws *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestChatWebSocket(t *testing.T) {
	srv, hub, h := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/s1"
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	assert.Equal(t, "connected", readFrame(t, ctx, ws)["type"])
	assert.Equal(t, 1, h.Connections())

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"text":"hola"}`)))
	frame := readFrame(t, ctx, ws)
	assert.Equal(t, "message", frame["type"])
	assert.Equal(t, "echo: hola", frame["data"].(map[string]any)["response_text"])

	hub.Publish("s1", TypeStatus, agent.Event{SessionID: "s1", Agent: "market_analyzer", Status: domain.AgentSucceeded})
	frame = readFrame(t, ctx, ws)
	assert.Equal(t, "status", frame["type"])
	assert.Equal(t, "market_analyzer", frame["data"].(map[string]any)["agent"])

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readFrame(t, ctx, ws)["type"])

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"text":"  "}`)))
	frame = readFrame(t, ctx, ws)
	assert.Equal(t, "error", frame["type"])
}

func TestChatRejectsUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
