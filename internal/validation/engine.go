// Package validation evaluates static field and structural rules against
// session context snapshots. Every method is pure.
package validation

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// ActionComplete is returned by SuggestNextAction when no step has gaps.
const ActionComplete = "complete"

// Value types accepted by FieldRule.Type.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// FieldRule constrains a single context field. Zero values disable a check.
type FieldRule struct {
	Type      string   `yaml:"type,omitempty" json:"type,omitempty"`
	MinLength int      `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength int      `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Min       *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	OneOf     []string `yaml:"one_of,omitempty" json:"one_of,omitempty"`
	Hint      string   `yaml:"hint,omitempty" json:"hint,omitempty"`
}

// StepRule lists the fields a step requires, in display order.
type StepRule struct {
	Name     string   `yaml:"name" json:"name"`
	Required []string `yaml:"required" json:"required"`
}

// Rules is the static rule table.
type Rules struct {
	Fields map[string]FieldRule `yaml:"fields" json:"fields"`
	Steps  []StepRule           `yaml:"steps" json:"steps"`
}

// StructureResult reports whether a step's required fields are all present.
type StructureResult struct {
	Valid       bool     `json:"is_valid"`
	Missing     []string `json:"missing_fields"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions"`
}

// Engine holds a frozen copy of the rule table.
type Engine struct {
	fields map[string]FieldRule
	steps  []StepRule
	index  map[string]int
}

// NewEngine validates and freezes rules.
func NewEngine(rules Rules) (*Engine, error) {
	e := &Engine{
		fields: make(map[string]FieldRule, len(rules.Fields)),
		index:  make(map[string]int, len(rules.Steps)),
	}
	for name, rule := range rules.Fields {
		switch rule.Type {
		case "", TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		default:
			return nil, fmt.Errorf("field %q: unknown type %q", name, rule.Type)
		}
		if rule.MaxLength > 0 && rule.MinLength > rule.MaxLength {
			return nil, fmt.Errorf("field %q: min_length exceeds max_length", name)
		}
		if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
			return nil, fmt.Errorf("field %q: min exceeds max", name)
		}
		rule.OneOf = append([]string(nil), rule.OneOf...)
		e.fields[name] = rule
	}
	for _, step := range rules.Steps {
		if step.Name == "" {
			return nil, fmt.Errorf("step without name")
		}
		if _, dup := e.index[step.Name]; dup {
			return nil, fmt.Errorf("duplicate step %q", step.Name)
		}
		e.index[step.Name] = len(e.steps)
		e.steps = append(e.steps, StepRule{Name: step.Name, Required: append([]string(nil), step.Required...)})
	}
	return e, nil
}

// Steps returns the structural steps in declaration order.
func (e *Engine) Steps() []StepRule {
	out := make([]StepRule, len(e.steps))
	for i, s := range e.steps {
		out[i] = StepRule{Name: s.Name, Required: append([]string(nil), s.Required...)}
	}
	return out
}

// ValidateField checks value against the rule for field. Fields without a
// rule are valid.
func (e *Engine) ValidateField(field string, value any, _ map[string]any) domain.Verdict {
	rule, ok := e.fields[field]
	if !ok {
		return domain.Verdict{Valid: true, Message: "no validation rules for field", Suggestions: []string{}}
	}

	var problems []string

	if rule.Type != "" && !matchesType(rule.Type, value) {
		problems = append(problems, fmt.Sprintf("field must be of type %s", rule.Type))
	}

	if s, ok := value.(string); ok {
		n := utf8.RuneCountInString(s)
		if rule.MinLength > 0 && n < rule.MinLength {
			problems = append(problems, fmt.Sprintf("text must be at least %d characters", rule.MinLength))
		}
		if rule.MaxLength > 0 && n > rule.MaxLength {
			problems = append(problems, fmt.Sprintf("text must not exceed %d characters", rule.MaxLength))
		}
		if len(rule.OneOf) > 0 && !contains(rule.OneOf, s) {
			problems = append(problems, fmt.Sprintf("value must be one of: %s", strings.Join(rule.OneOf, ", ")))
		}
	}

	if f, ok := toFloat(value); ok {
		if rule.Min != nil && f < *rule.Min {
			problems = append(problems, fmt.Sprintf("value must be at least %s", formatNumber(*rule.Min)))
		}
		if rule.Max != nil && f > *rule.Max {
			problems = append(problems, fmt.Sprintf("value must not exceed %s", formatNumber(*rule.Max)))
		}
	}

	if len(problems) == 0 {
		return domain.Verdict{Valid: true, Message: "field is valid", Suggestions: []string{}}
	}

	suggestions := []string{}
	if rule.Hint != "" {
		suggestions = append(suggestions, rule.Hint)
	}
	if len(rule.OneOf) > 0 {
		suggestions = append(suggestions, "allowed values: "+strings.Join(rule.OneOf, ", "))
	}
	return domain.Verdict{Valid: false, Message: strings.Join(problems, ", "), Suggestions: suggestions}
}

// ValidateStructure reports whether every field step requires is present and
// non-null in ctx. Unknown steps are valid.
func (e *Engine) ValidateStructure(ctx map[string]any, step string) StructureResult {
	i, ok := e.index[step]
	if !ok {
		return StructureResult{Valid: true, Missing: []string{}, Message: "no structure rules for step", Suggestions: []string{}}
	}

	missing := missingFields(ctx, e.steps[i].Required)
	if len(missing) == 0 {
		return StructureResult{Valid: true, Missing: []string{}, Message: "structure is valid", Suggestions: []string{}}
	}

	suggestions := make([]string, len(missing))
	for j, f := range missing {
		suggestions[j] = "please provide the field: " + f
	}
	return StructureResult{
		Valid:       false,
		Missing:     missing,
		Message:     "missing required fields: " + strings.Join(missing, ", "),
		Suggestions: suggestions,
	}
}

// SuggestNextAction returns guidance for the first step, in declaration order,
// with missing fields, or ActionComplete.
func (e *Engine) SuggestNextAction(ctx map[string]any) string {
	for _, step := range e.steps {
		if missing := missingFields(ctx, step.Required); len(missing) > 0 {
			return "Please provide information about: " + strings.Join(missing, ", ")
		}
	}
	return ActionComplete
}

func missingFields(ctx map[string]any, required []string) []string {
	var missing []string
	for _, f := range required {
		if v, ok := ctx[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	return missing
}

func matchesType(typ string, v any) bool {
	switch typ {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
