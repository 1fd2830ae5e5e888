package domain

import (
	"fmt"
	"time"
)

// AgentStatus is the lifecycle position of one agent within one session.
type AgentStatus string

const (
	AgentNotTriggered AgentStatus = "not_triggered"
	AgentPending      AgentStatus = "pending"
	AgentSucceeded    AgentStatus = "succeeded"
	AgentFailed       AgentStatus = "failed"
)

// ParseAgentStatus validates a raw status string. Empty maps to succeeded,
// the common case in trigger conditions.
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch st := AgentStatus(s); st {
	case "":
		return AgentSucceeded, nil
	case AgentNotTriggered, AgentPending, AgentSucceeded, AgentFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown agent state %q", s)
}

// Settled reports whether the status is terminal for its trigger instance.
func (s AgentStatus) Settled() bool {
	return s == AgentSucceeded || s == AgentFailed
}

// AgentState records one agent's progress and outcome for a session.
type AgentState struct {
	Status AgentStatus `json:"status"`
	// TriggeredAt is the generation of the snapshot that produced the
	// current trigger instance.
	TriggeredAt int64 `json:"triggered_at,omitempty"`
	// SettledAt is the generation committed by the settlement merge.
	SettledAt int64          `json:"settled_at,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// Message is one transcript entry of a session.
type Message struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Sender    string         `json:"sender"`
	Text      string         `json:"text"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}

// Message senders.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)
