package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/ingestor-core/internal/chat"
	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/trigger"
	"github.com/ashureev/ingestor-core/internal/turn"
	"github.com/ashureev/ingestor-core/internal/validation"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// Sessions is the session store surface used by the API.
type Sessions interface {
	Create(ctx context.Context, role domain.Role) (*domain.Session, error)
	Read(ctx context.Context, id string) (*domain.Session, error)
	Completion(ctx context.Context, id string) (map[string]float64, error)
	Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
}

// Turns runs conversational turns and seeds new sessions.
type Turns interface {
	Submit(ctx context.Context, sessionID, text string) (*turn.Result, error)
	Seed(ctx context.Context, sessionID string, data map[string]any) (*domain.Session, []string, error)
}

// Structure validates the structural rules of a step.
type Structure interface {
	ValidateStructure(ctx map[string]any, step string) validation.StructureResult
}

// Agents exposes the registry and explicit re-triggering.
type Agents interface {
	Registry() *trigger.Registry
	Retry(ctx context.Context, sessionID, agent string) ([]trigger.Instance, error)
}

// Publisher fans turn results out to event stream subscribers.
type Publisher interface {
	Publish(sessionID, typ string, data any) chat.Envelope
}

// Streams serves the SSE and WebSocket endpoints.
type Streams interface {
	Stream(w http.ResponseWriter, r *http.Request)
	Chat(w http.ResponseWriter, r *http.Request)
}

// Deps bundles the collaborators of SessionHandler.
type Deps struct {
	Sessions  Sessions
	Turns     Turns
	Structure Structure
	Agents    Agents
	Events    Publisher
	Streams   Streams
	// TurnLimit wraps the turn submission route, typically a rate limiter.
	TurnLimit func(http.Handler) http.Handler
	Logger    *slog.Logger
}

// SessionHandler serves the session, turn and agent endpoints.
type SessionHandler struct {
	Deps
}

// NewSessionHandler creates the API handler.
func NewSessionHandler(deps Deps) *SessionHandler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &SessionHandler{Deps: deps}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Group(func(r chi.Router) {
			if h.TurnLimit != nil {
				r.Use(h.TurnLimit)
			}
			r.Post("/sessions/{id}/turns", h.SubmitTurn)
		})
		r.Get("/sessions/{id}/messages", h.ListMessages)
		r.Get("/sessions/{id}/structure/{step}", h.ValidateStructure)
		r.Post("/sessions/{id}/agents/{name}/retry", h.RetryAgent)
		r.Get("/agents", h.ListAgents)
		if h.Streams != nil {
			r.Get("/sessions/{id}/events", h.Streams.Stream)
			r.Get("/chat/{id}", h.Streams.Chat)
		}
	})
}

type createSessionRequest struct {
	UserRole    string         `json:"user_role"`
	InitialData map[string]any `json:"initial_data,omitempty"`
}

type createSessionResponse struct {
	SessionID       string    `json:"session_id"`
	UserRole        string    `json:"user_role"`
	CreatedAt       time.Time `json:"created_at"`
	Generation      int64     `json:"generation"`
	AgentsTriggered []string  `json:"agents_triggered"`
}

// CreateSession handles POST /api/v1/sessions.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := domain.ParseRole(req.UserRole)
	if err != nil {
		domainError(w, h.Logger, err)
		return
	}

	sess, err := h.Sessions.Create(r.Context(), role)
	if err != nil {
		domainError(w, h.Logger, err, "role", role)
		return
	}

	triggered := []string{}
	if len(req.InitialData) > 0 {
		seeded, agents, err := h.Turns.Seed(r.Context(), sess.ID, req.InitialData)
		if err != nil {
			domainError(w, h.Logger, err, "session_id", sess.ID)
			return
		}
		sess = seeded
		if agents != nil {
			triggered = agents
		}
	}

	JSON(w, http.StatusCreated, createSessionResponse{
		SessionID:       sess.ID,
		UserRole:        string(sess.Role),
		CreatedAt:       sess.CreatedAt,
		Generation:      sess.Generation,
		AgentsTriggered: triggered,
	})
}

type sessionDetailResponse struct {
	*domain.Session
	CompletionStatus map[string]float64 `json:"completion_status"`
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.Sessions.Read(r.Context(), id)
	if err != nil {
		domainError(w, h.Logger, err, "session_id", id)
		return
	}
	completion, err := h.Sessions.Completion(r.Context(), id)
	if err != nil {
		domainError(w, h.Logger, err, "session_id", id)
		return
	}
	JSON(w, http.StatusOK, sessionDetailResponse{Session: sess, CompletionStatus: completion})
}

type submitTurnRequest struct {
	Text string `json:"text"`
}

// SubmitTurn handles POST /api/v1/sessions/{id}/turns.
func (h *SessionHandler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req submitTurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	res, err := h.Turns.Submit(r.Context(), id, req.Text)
	if err != nil {
		domainError(w, h.Logger, err, "session_id", id)
		return
	}
	if h.Events != nil {
		h.Events.Publish(id, chat.TypeTurn, res)
	}
	JSON(w, http.StatusOK, res)
}

// ListMessages handles GET /api/v1/sessions/{id}/messages?limit=N.
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessageLimit)
	}

	msgs, err := h.Sessions.Messages(r.Context(), id, limit)
	if err != nil {
		domainError(w, h.Logger, err, "session_id", id)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": msgs})
}

// ValidateStructure handles GET /api/v1/sessions/{id}/structure/{step}.
func (h *SessionHandler) ValidateStructure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.Sessions.Read(r.Context(), id)
	if err != nil {
		domainError(w, h.Logger, err, "session_id", id)
		return
	}
	JSON(w, http.StatusOK, h.Structure.ValidateStructure(sess.Context, chi.URLParam(r, "step")))
}

// RetryAgent handles POST /api/v1/sessions/{id}/agents/{name}/retry.
func (h *SessionHandler) RetryAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	dispatched, err := h.Agents.Retry(r.Context(), id, name)
	if err != nil {
		domainError(w, h.Logger, err, "session_id", id, "agent", name)
		return
	}
	if dispatched == nil {
		dispatched = []trigger.Instance{}
	}
	h.Logger.Info("Agent retry requested", "session_id", id, "agent", name, "dispatched", len(dispatched))
	JSON(w, http.StatusAccepted, map[string]any{"session_id": id, "agent": name, "dispatched": dispatched})
}

type agentView struct {
	Name       string            `json:"name"`
	Endpoint   string            `json:"endpoint"`
	Trigger    trigger.Condition `json:"trigger"`
	Condition  string            `json:"condition"`
	Timeout    string            `json:"timeout,omitempty"`
	Dependents []string          `json:"dependents"`
}

// ListAgents handles GET /api/v1/agents.
func (h *SessionHandler) ListAgents(w http.ResponseWriter, _ *http.Request) {
	reg := h.Agents.Registry()
	all := reg.All()
	out := make([]agentView, 0, len(all))
	for _, a := range all {
		view := agentView{
			Name:       a.Name,
			Endpoint:   a.Endpoint,
			Trigger:    a.Trigger,
			Condition:  a.Trigger.String(),
			Dependents: reg.Dependents(a.Name),
		}
		if a.Timeout > 0 {
			view.Timeout = a.Timeout.String()
		}
		if view.Dependents == nil {
			view.Dependents = []string{}
		}
		out = append(out, view)
	}
	JSON(w, http.StatusOK, map[string]any{"agents": out})
}
