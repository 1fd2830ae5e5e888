package turn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/ingestor-core/internal/domain"
)

const defaultFallback = "Understood. Is there anything else you would like to share?"

// Responses is the static response table keyed by intent.
type Responses struct {
	Intents  map[string]string `yaml:"intents"`
	Fallback string            `yaml:"fallback"`
}

// DefaultResponses returns the built-in table.
func DefaultResponses() Responses {
	return Responses{
		Intents: map[string]string{
			"company_info": "Thanks for the information about your company. Could you tell me more about your main product?",
		},
		Fallback: defaultFallback,
	}
}

// Synthesize builds the reply from the turn's intent, the verdicts of the
// fields it set, and the agent results already merged into the session. It
// depends on nothing else, so equal inputs give equal text.
func (r Responses) Synthesize(intent string, verdicts map[string]domain.Verdict, agentResults map[string]map[string]any) string {
	base, ok := r.Intents[intent]
	if !ok {
		base = r.Fallback
	}
	if base == "" {
		base = defaultFallback
	}

	parts := []string{base}

	for _, field := range sortedKeys(verdicts) {
		v := verdicts[field]
		if v.Valid {
			continue
		}
		parts = append(parts, fmt.Sprintf("Please check %s: %s.", field, v.Message))
	}

	if len(agentResults) > 0 {
		parts = append(parts, fmt.Sprintf("Analysis results are available from: %s.", strings.Join(sortedKeys(agentResults), ", ")))
	}

	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
