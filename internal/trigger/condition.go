// Package trigger decides which agents become eligible to run after each
// session mutation and claims them exactly once per generation.
package trigger

import (
	"fmt"
	"strings"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// Condition is a small predicate expression over a session snapshot. Exactly
// one form must be set:
//
//	all:   every child holds
//	any:   at least one child holds
//	field: the context field is present and non-null
//	agent: the named agent is in State (succeeded when empty)
type Condition struct {
	All   []Condition        `yaml:"all,omitempty" json:"all,omitempty"`
	Any   []Condition        `yaml:"any,omitempty" json:"any,omitempty"`
	Field string             `yaml:"field,omitempty" json:"field,omitempty"`
	Agent string             `yaml:"agent,omitempty" json:"agent,omitempty"`
	State domain.AgentStatus `yaml:"state,omitempty" json:"state,omitempty"`
}

// AllOf holds when every child holds.
func AllOf(children ...Condition) Condition { return Condition{All: children} }

// AnyOf holds when at least one child holds.
func AnyOf(children ...Condition) Condition { return Condition{Any: children} }

// FieldPresent holds when the context field is present and non-null.
func FieldPresent(name string) Condition { return Condition{Field: name} }

// AgentSucceeded holds when the agent has settled successfully.
func AgentSucceeded(name string) Condition {
	return Condition{Agent: name, State: domain.AgentSucceeded}
}

// AgentIn holds when the agent is in the given state.
func AgentIn(name string, state domain.AgentStatus) Condition {
	return Condition{Agent: name, State: state}
}

// Fields returns conditions requiring every named field.
func Fields(names ...string) []Condition {
	out := make([]Condition, len(names))
	for i, n := range names {
		out[i] = FieldPresent(n)
	}
	return out
}

// Validate checks that the expression is well formed.
func (c Condition) Validate() error {
	forms := 0
	if len(c.All) > 0 {
		forms++
	}
	if len(c.Any) > 0 {
		forms++
	}
	if c.Field != "" {
		forms++
	}
	if c.Agent != "" {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("%w: expected exactly one of all, any, field, agent (got %d)", domain.ErrInvalidCondition, forms)
	}
	if c.State != "" && c.Agent == "" {
		return fmt.Errorf("%w: state without agent", domain.ErrInvalidCondition)
	}
	if c.Agent != "" {
		if _, err := domain.ParseAgentStatus(string(c.State)); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidCondition, err)
		}
	}
	for _, child := range c.All {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	for _, child := range c.Any {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Eval evaluates the expression against a snapshot. It has no side effects.
func (c Condition) Eval(s *domain.Session) bool {
	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			if !child.Eval(s) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, child := range c.Any {
			if child.Eval(s) {
				return true
			}
		}
		return false
	case c.Field != "":
		return s.HasField(c.Field)
	case c.Agent != "":
		want, _ := domain.ParseAgentStatus(string(c.State))
		return s.Agent(c.Agent).Status == want
	}
	return false
}

// Agents returns the distinct agent names the expression references.
func (c Condition) Agents() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(Condition)
	walk = func(c Condition) {
		if c.Agent != "" && !seen[c.Agent] {
			seen[c.Agent] = true
			out = append(out, c.Agent)
		}
		for _, child := range c.All {
			walk(child)
		}
		for _, child := range c.Any {
			walk(child)
		}
	}
	walk(c)
	return out
}

// String renders the expression compactly, e.g. all(field(a), agent(b)=succeeded).
func (c Condition) String() string {
	join := func(op string, children []Condition) string {
		parts := make([]string, len(children))
		for i, child := range children {
			parts[i] = child.String()
		}
		return op + "(" + strings.Join(parts, ", ") + ")"
	}
	switch {
	case len(c.All) > 0:
		return join("all", c.All)
	case len(c.Any) > 0:
		return join("any", c.Any)
	case c.Field != "":
		return "field(" + c.Field + ")"
	case c.Agent != "":
		state, _ := domain.ParseAgentStatus(string(c.State))
		return "agent(" + c.Agent + ")=" + string(state)
	}
	return "invalid"
}
