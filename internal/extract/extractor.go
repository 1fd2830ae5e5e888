// Package extract turns raw user text into an intent and a set of field values.
//
// Extraction is best effort. Callers treat any error as intent "unknown" with
// no fields.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// IntentUnknown is reported when nothing in the text matched.
const IntentUnknown = "unknown"

// Extraction is the structured reading of one message.
type Extraction struct {
	Intent string         `json:"intent"`
	Fields map[string]any `json:"fields"`
}

// Unknown returns the fallback extraction.
func Unknown() Extraction {
	return Extraction{Intent: IntentUnknown, Fields: map[string]any{}}
}

// Extractor reads intent and fields from text.
type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, text string) (Extraction, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, text string) (Extraction, error) {
	return f(ctx, text)
}

// decodeExtraction parses a JSON {intent, fields} object. Models tend to wrap
// JSON in prose or code fences, so the outermost object is located first.
func decodeExtraction(raw string) (Extraction, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return Extraction{}, fmt.Errorf("%w: no JSON object in response", domain.ErrExtraction)
	}

	var out Extraction
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return Extraction{}, fmt.Errorf("%w: decode response: %v", domain.ErrExtraction, err)
	}
	return normalize(out), nil
}

func normalize(e Extraction) Extraction {
	if e.Intent == "" {
		e.Intent = IntentUnknown
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	for k, v := range e.Fields {
		if v == nil {
			delete(e.Fields, k)
		}
	}
	return e
}

// systemPrompt describes the expected output for LLM-backed extractors.
func systemPrompt(intents, fields []string) string {
	var b strings.Builder
	b.WriteString("You extract structured data from a user's message for a business analysis intake form.\n")
	b.WriteString("Reply with a single JSON object and nothing else, shaped as {\"intent\": string, \"fields\": object}.\n")
	if len(intents) > 0 {
		fmt.Fprintf(&b, "intent must be one of: %s, or \"unknown\".\n", strings.Join(intents, ", "))
	}
	if len(fields) > 0 {
		fmt.Fprintf(&b, "Only use these field names: %s.\n", strings.Join(fields, ", "))
	}
	b.WriteString("Omit fields the message does not mention. Never invent values.")
	return b.String()
}
