package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/ingestor-core/configs"
	"github.com/ashureev/ingestor-core/internal/extract"
	"github.com/ashureev/ingestor-core/internal/session"
	"github.com/ashureev/ingestor-core/internal/trigger"
	"github.com/ashureev/ingestor-core/internal/turn"
	"github.com/ashureev/ingestor-core/internal/validation"
)

// Pipeline is the static definition of agents, rules, extractor and replies.
type Pipeline struct {
	Agents     []trigger.Registration `yaml:"agents"`
	Validation validation.Rules       `yaml:"validation"`
	Extractor  extract.KeywordRules   `yaml:"extractor"`
	Responses  turn.Responses         `yaml:"responses"`
}

// envRef matches ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadPipeline reads the pipeline at path, or the embedded default when path
// is empty.
func LoadPipeline(path string) (*Pipeline, error) {
	if path == "" {
		return ParsePipeline(configs.Pipeline)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	return ParsePipeline(data)
}

// ParsePipeline expands environment references and decodes the YAML document.
// Unknown keys are rejected.
func ParsePipeline(data []byte) (*Pipeline, error) {
	expanded := expandEnv(data)
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode pipeline: empty document")
		}
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	if len(p.Agents) == 0 {
		return nil, fmt.Errorf("pipeline defines no agents")
	}
	return &p, nil
}

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		if v, ok := os.LookupEnv(string(m[1])); ok && v != "" {
			return []byte(v)
		}
		return m[2]
	})
}

// Registry builds the immutable agent registry in declaration order.
func (p *Pipeline) Registry() (*trigger.Registry, error) {
	b := trigger.NewBuilder()
	for _, reg := range p.Agents {
		if err := b.Register(reg); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// Engine builds the validation engine.
func (p *Pipeline) Engine() (*validation.Engine, error) {
	return validation.NewEngine(p.Validation)
}

// Keyword builds the rule-based extractor.
func (p *Pipeline) Keyword() (*extract.Keyword, error) {
	return extract.NewKeyword(p.Extractor)
}

// Steps returns the completion categories for the session store.
func (p *Pipeline) Steps() []session.Step {
	steps := make([]session.Step, 0, len(p.Validation.Steps))
	for _, s := range p.Validation.Steps {
		steps = append(steps, session.Step{Name: s.Name, Required: append([]string(nil), s.Required...)})
	}
	return steps
}

// Intents lists the intent labels known to the pipeline.
func (p *Pipeline) Intents() []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, r := range p.Extractor.Intents {
		add(r.Name)
	}
	keys := make([]string, 0, len(p.Responses.Intents))
	for k := range p.Responses.Intents {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k)
	}
	return out
}

// Fields lists the context fields with validation rules, sorted.
func (p *Pipeline) Fields() []string {
	out := make([]string, 0, len(p.Validation.Fields))
	for name := range p.Validation.Fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
