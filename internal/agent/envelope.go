package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/trigger"
)

// ErrMalformedResult is returned when an agent response is not a JSON object.
var ErrMalformedResult = errors.New("malformed agent result")

// Request is the payload sent to every agent.
type Request struct {
	SessionID    string                    `json:"session_id"`
	Agent        string                    `json:"agent"`
	Generation   int64                     `json:"generation"`
	Role         domain.Role               `json:"user_role"`
	Data         map[string]any            `json:"data"`
	AgentResults map[string]map[string]any `json:"agent_results,omitempty"`
}

// NewRequest builds the payload for claimed work.
func NewRequest(w trigger.Work) Request {
	return Request{
		SessionID:    w.Instance.SessionID,
		Agent:        w.Instance.Agent,
		Generation:   w.Instance.Generation,
		Role:         w.Role,
		Data:         w.Context,
		AgentResults: w.Results,
	}
}

// resultEnvelope mirrors the optional wrapper agents may answer with.
type resultEnvelope struct {
	Success      *bool          `json:"success"`
	Data         map[string]any `json:"data"`
	ErrorMessage string         `json:"error_message"`
}

// ParseResult decodes an agent response. A body with success=false is an
// invocation failure carrying error_message. When a data object is present it
// is the result; otherwise the whole object is.
func ParseResult(body []byte) (map[string]any, error) {
	var whole map[string]any
	if err := json.Unmarshal(body, &whole); err != nil || whole == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedResult)
	}

	var env resultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Fields with unexpected types: treat the object itself as the result.
		return whole, nil
	}
	if env.Success != nil && !*env.Success {
		msg := env.ErrorMessage
		if msg == "" {
			msg = "agent reported failure"
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentInvocation, msg)
	}
	if env.Data != nil {
		return env.Data, nil
	}
	return whole, nil
}
