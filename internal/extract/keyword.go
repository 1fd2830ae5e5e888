package extract

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IntentRule maps keywords to an intent. The first rule with a keyword found
// in the text wins.
type IntentRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// FieldRule extracts one field. A rule applies when its intent (if set)
// matches the detected intent, any of its keywords (if set) occurs in the
// text, and its pattern (if set) matches. The value is Value when set,
// otherwise the first capture group of Pattern converted to Type.
type FieldRule struct {
	Name     string   `yaml:"name"`
	Intent   string   `yaml:"intent,omitempty"`
	Keywords []string `yaml:"keywords,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Value    any      `yaml:"value,omitempty"`
	Type     string   `yaml:"type,omitempty"`
}

// KeywordRules is the rule table for the Keyword extractor.
type KeywordRules struct {
	Intents []IntentRule `yaml:"intents"`
	Fields  []FieldRule  `yaml:"fields"`
}

type compiledField struct {
	FieldRule
	re *regexp.Regexp
}

// Keyword is a deterministic, rule-driven extractor. It needs no network and
// is the default.
type Keyword struct {
	intents []IntentRule
	fields  []compiledField
}

// NewKeyword compiles rules.
func NewKeyword(rules KeywordRules) (*Keyword, error) {
	k := &Keyword{intents: make([]IntentRule, 0, len(rules.Intents))}
	for _, ir := range rules.Intents {
		if ir.Name == "" || len(ir.Keywords) == 0 {
			return nil, fmt.Errorf("intent rule needs a name and keywords")
		}
		k.intents = append(k.intents, IntentRule{Name: ir.Name, Keywords: lowerAll(ir.Keywords)})
	}
	for i, fr := range rules.Fields {
		if fr.Name == "" {
			return nil, fmt.Errorf("field rule %d: name is required", i)
		}
		if fr.Pattern == "" && fr.Value == nil {
			return nil, fmt.Errorf("field rule %s: needs a pattern or a value", fr.Name)
		}
		if fr.Pattern == "" && len(fr.Keywords) == 0 && fr.Intent == "" {
			return nil, fmt.Errorf("field rule %s: needs an intent, keywords or a pattern", fr.Name)
		}
		switch fr.Type {
		case "", "string", "number", "integer", "boolean":
		default:
			return nil, fmt.Errorf("field rule %s: unknown type %q", fr.Name, fr.Type)
		}
		cf := compiledField{FieldRule: fr}
		cf.Keywords = lowerAll(fr.Keywords)
		if fr.Pattern != "" {
			re, err := regexp.Compile(fr.Pattern)
			if err != nil {
				return nil, fmt.Errorf("field rule %s: %w", fr.Name, err)
			}
			cf.re = re
		}
		k.fields = append(k.fields, cf)
	}
	return k, nil
}

// Extract implements Extractor.
func (k *Keyword) Extract(_ context.Context, text string) (Extraction, error) {
	lower := strings.ToLower(text)
	out := Unknown()

	for _, ir := range k.intents {
		if containsAny(lower, ir.Keywords) {
			out.Intent = ir.Name
			break
		}
	}

	for _, fr := range k.fields {
		if _, done := out.Fields[fr.Name]; done {
			continue
		}
		if fr.Intent != "" && fr.Intent != out.Intent {
			continue
		}
		if len(fr.Keywords) > 0 && !containsAny(lower, fr.Keywords) {
			continue
		}
		value, ok := fr.value(text)
		if !ok {
			continue
		}
		out.Fields[fr.Name] = value
	}
	return out, nil
}

func (fr compiledField) value(text string) (any, bool) {
	raw := ""
	if fr.re != nil {
		m := fr.re.FindStringSubmatch(text)
		if m == nil {
			return nil, false
		}
		raw = m[0]
		if len(m) > 1 {
			raw = m[1]
		}
	}
	if fr.Value != nil {
		return fr.Value, true
	}
	return convert(strings.TrimSpace(raw), fr.Type)
}

func convert(raw, typ string) (any, bool) {
	switch typ {
	case "number":
		f, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
		return f, err == nil
	case "integer":
		n, err := strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
		return n, err == nil
	case "boolean":
		b, err := strconv.ParseBool(strings.ToLower(raw))
		return b, err == nil
	}
	return raw, raw != ""
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
