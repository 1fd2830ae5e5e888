//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/ingestor-core/internal/agent"
	"github.com/ashureev/ingestor-core/internal/chat"
	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/extract"
	"github.com/ashureev/ingestor-core/internal/session"
	"github.com/ashureev/ingestor-core/internal/store"
	"github.com/ashureev/ingestor-core/internal/trigger"
	"github.com/ashureev/ingestor-core/internal/turn"
	"github.com/ashureev/ingestor-core/internal/validation"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type recordingDispatcher struct {
	mu   sync.Mutex
	work []trigger.Work
}

func (d *recordingDispatcher) Dispatch(w trigger.Work) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.work = append(d.work, w)
}

var pairExtractor = extract.ExtractorFunc(func(_ context.Context, text string) (extract.Extraction, error) {
	out := extract.Extraction{Intent: "company_info", Fields: map[string]any{}}
	for _, pair := range strings.Fields(text) {
		if k, v, ok := strings.Cut(pair, "="); ok {
			out.Fields[k] = v
		}
	}
	return out, nil
})

type apiHarness struct {
	router   chi.Router
	sessions *session.Store
	hub      *chat.Hub
	dispatch *recordingDispatcher
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	steps := []session.Step{{Name: "company", Required: []string{"company_name", "industry"}}}
	sessions := session.NewStore(repo, session.WithSteps(steps))

	engine, err := validation.NewEngine(validation.Rules{
		Fields: map[string]validation.FieldRule{"company_name": {Type: validation.TypeString, MinLength: 2}},
		Steps:  []validation.StepRule{{Name: "company", Required: []string{"company_name", "industry"}}},
	})
	require.NoError(t, err)

	b := trigger.NewBuilder()
	require.NoError(t, b.Register(trigger.Registration{
		Name:     "market_analyzer",
		Trigger:  trigger.AllOf(trigger.Fields("company_name", "industry")...),
		Endpoint: "http://analyzer/execute",
	}))
	require.NoError(t, b.Register(trigger.Registration{
		Name:     "report_generator",
		Trigger:  trigger.AgentSucceeded("market_analyzer"),
		Endpoint: "http://reporter/execute",
	}))
	reg, err := b.Build()
	require.NoError(t, err)

	dispatch := &recordingDispatcher{}
	sched := trigger.NewScheduler(sessions, reg, dispatch, trigger.Policy{}, nil)
	proc := turn.NewProcessor(sessions, pairExtractor, engine, sched, turn.Config{}, nil)
	hub := chat.NewHub(10, nil)

	h := NewSessionHandler(Deps{
		Sessions:  sessions,
		Turns:     proc,
		Structure: engine,
		Agents:    sched,
		Events:    hub,
	})
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return &apiHarness{router: r, sessions: sessions, hub: hub, dispatch: dispatch}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestCreateAndGetSession(t *testing.T) {
	h := newAPIHarness(t)

	w, created := h.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"user_role": "analyst"})
	require.Equal(t, http.StatusCreated, w.Code)
	id, _ := created["session_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "analyst", created["user_role"])
	assert.Equal(t, float64(0), created["generation"])

	w, got := h.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, got["session_id"])
	assert.Contains(t, got, "data")
	assert.Contains(t, got, "agent_triggers")
	completion := got["completion_status"].(map[string]any)
	assert.Equal(t, float64(0), completion["company"])
}

func TestCreateSessionErrors(t *testing.T) {
	h := newAPIHarness(t)

	w, body := h.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"user_role": "root"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "invalid role")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionWithInitialDataTriggers(t *testing.T) {
	h := newAPIHarness(t)

	w, created := h.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"user_role":    "user",
		"initial_data": map[string]any{"company_name": "Acme", "industry": "retail"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []any{"market_analyzer"}, created["agents_triggered"])
	assert.Equal(t, float64(3), created["generation"])

	h.dispatch.mu.Lock()
	defer h.dispatch.mu.Unlock()
	require.Len(t, h.dispatch.work, 1)
	assert.Equal(t, "market_analyzer", h.dispatch.work[0].Instance.Agent)
}

func TestGetUnknownSession(t *testing.T) {
	h := newAPIHarness(t)
	for _, path := range []string{
		"/api/v1/sessions/missing",
		"/api/v1/sessions/missing/messages",
		"/api/v1/sessions/missing/structure/company",
	} {
		w, body := h.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, "session not found", body["error"], path)
	}
	w, _ := h.do(t, http.MethodPost, "/api/v1/sessions/missing/turns", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitTurnPublishesAndRecords(t *testing.T) {
	h := newAPIHarness(t)
	sess, err := h.sessions.Create(context.Background(), domain.RoleUser)
	require.NoError(t, err)

	sub, _ := h.hub.Subscribe(sess.ID, 0)
	defer sub.Close()

	w, res := h.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/turns", map[string]string{"text": "company_name=Acme industry=retail"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "company_info", res["intent"])
	assert.Equal(t, []any{"market_analyzer"}, res["agents_triggered"])

	select {
	case env := <-sub.C:
		assert.Equal(t, chat.TypeTurn, env.Type)
	default:
		t.Fatal("turn result was not published")
	}

	w, msgs := h.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, msgs["messages"], 2)

	w, _ = h.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/messages?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/turns", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateStructure(t *testing.T) {
	h := newAPIHarness(t)
	sess, err := h.sessions.Create(context.Background(), domain.RoleUser)
	require.NoError(t, err)
	_, err = h.sessions.Mutate(context.Background(), sess.ID, func(s *domain.Session) error {
		s.Context["company_name"] = "Acme"
		return nil
	})
	require.NoError(t, err)

	w, res := h.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/structure/company", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, res["is_valid"])
	assert.Equal(t, []any{"industry"}, res["missing_fields"])
}

func TestRetryAgent(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	sess, err := h.sessions.Create(ctx, domain.RoleUser)
	require.NoError(t, err)

	path := "/api/v1/sessions/" + sess.ID + "/agents/market_analyzer/retry"
	w, _ := h.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "NOT_TRIGGERED is not retryable")

	_, err = h.sessions.Mutate(ctx, sess.ID, func(s *domain.Session) error {
		s.Context["company_name"] = "Acme"
		s.Context["industry"] = "retail"
		s.Agents["market_analyzer"] = domain.AgentState{Status: domain.AgentFailed, Error: "timeout"}
		return nil
	})
	require.NoError(t, err)

	w, body := h.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	dispatched := body["dispatched"].([]any)
	require.Len(t, dispatched, 1)
	assert.Equal(t, "market_analyzer", dispatched[0].(map[string]any)["agent"])

	w, _ = h.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/agents/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAgents(t *testing.T) {
	h := newAPIHarness(t)
	w, body := h.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	agents := body["agents"].([]any)
	require.Len(t, agents, 2)
	first := agents[0].(map[string]any)
	assert.Equal(t, "market_analyzer", first["name"])
	assert.Equal(t, []any{"report_generator"}, first["dependents"])
	assert.NotEmpty(t, first["condition"])
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeStats struct{}

func (fakeStats) Stats() agent.Stats { return agent.Stats{Workers: 4} }

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		ping   error
		status int
		want   string
	}{
		{name: "healthy", status: http.StatusOK, want: "healthy"},
		{name: "database down", ping: errors.New("closed"), status: http.StatusServiceUnavailable, want: "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHealthHandler(fakePinger{err: tt.ping}, fakeStats{}, 0).RegisterHealth(r)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			assert.Equal(t, tt.status, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body["status"])
			assert.Equal(t, float64(4), body["agents"].(map[string]any)["workers"])
		})
	}
}
