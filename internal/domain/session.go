// Package domain contains core domain types for the ingestor.
package domain

import (
	"fmt"
	"time"
)

// Role is the closed set of user roles a session may be opened with.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleUser    Role = "user"
	RoleAnalyst Role = "analyst"
)

// ParseRole validates a raw role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleUser, RoleAnalyst:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Verdict is the last validation result recorded for a context field.
type Verdict struct {
	Valid       bool     `json:"is_valid"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions"`
}

// Session is one conversational analysis record.
//
// Generation is bumped by exactly one on every committed mutation and is the
// compare-and-swap token used by the repository.
type Session struct {
	ID         string                `json:"session_id"`
	Role       Role                  `json:"user_role"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	Generation int64                 `json:"generation"`
	Context    map[string]any        `json:"data"`
	Validation map[string]Verdict    `json:"validation_state"`
	Agents     map[string]AgentState `json:"agent_triggers"`
}

// NewSession returns an empty session at generation zero.
func NewSession(id string, role Role, now time.Time) *Session {
	return &Session{
		ID:         id,
		Role:       role,
		CreatedAt:  now,
		UpdatedAt:  now,
		Context:    map[string]any{},
		Validation: map[string]Verdict{},
		Agents:     map[string]AgentState{},
	}
}

// HasField reports whether a context field is present and non-null.
func (s *Session) HasField(name string) bool {
	v, ok := s.Context[name]
	return ok && v != nil
}

// Agent returns the state for an agent, NOT_TRIGGERED when absent.
func (s *Session) Agent(name string) AgentState {
	if st, ok := s.Agents[name]; ok {
		return st
	}
	return AgentState{Status: AgentNotTriggered}
}

// PendingCount returns the number of agents currently in PENDING.
func (s *Session) PendingCount() int {
	n := 0
	for _, st := range s.Agents {
		if st.Status == AgentPending {
			n++
		}
	}
	return n
}

// SucceededResults returns copies of the results of every SUCCEEDED agent.
func (s *Session) SucceededResults() map[string]map[string]any {
	out := map[string]map[string]any{}
	for name, st := range s.Agents {
		if st.Status == AgentSucceeded {
			out[name] = CloneMap(st.Result)
		}
	}
	return out
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Context = CloneMap(s.Context)
	clone.Validation = make(map[string]Verdict, len(s.Validation))
	for k, v := range s.Validation {
		v.Suggestions = append([]string(nil), v.Suggestions...)
		clone.Validation[k] = v
	}
	clone.Agents = make(map[string]AgentState, len(s.Agents))
	for k, v := range s.Agents {
		v.Result = CloneMap(v.Result)
		clone.Agents[k] = v
	}
	return &clone
}

// CloneMap deep-copies JSON-shaped data (maps, slices, scalars).
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
