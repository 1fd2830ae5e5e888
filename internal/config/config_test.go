package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ExtractorKeyword, cfg.Extract.Kind)
	assert.Equal(t, 30*time.Second, cfg.Agent.Timeout)
	assert.False(t, cfg.Agent.RetryFailed)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Zero(t, cfg.Retention.TTL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AGENT_TIMEOUT", "45")
	t.Setenv("EXTRACT_TIMEOUT", "750ms")
	t.Setenv("AGENT_RETRY_FAILED", "yes")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("SESSION_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Extract.Timeout)
	assert.True(t, cfg.Agent.RetryFailed)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 2*time.Hour, cfg.Retention.TTL)
}

func TestLoadRejectsInvalidExtractor(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown kind", env: map[string]string{"EXTRACTOR": "magic"}},
		{name: "remote without endpoint", env: map[string]string{"EXTRACTOR": "remote"}},
		{name: "anthropic without key", env: map[string]string{"EXTRACTOR": "anthropic", "ANTHROPIC_API_KEY": ""}},
		{name: "openai without key", env: map[string]string{"EXTRACTOR": "openai", "OPENAI_API_KEY": ""}},
		{name: "zero workers", env: map[string]string{"AGENT_WORKERS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestEmbeddedPipelineBuilds(t *testing.T) {
	p, err := LoadPipeline("")
	require.NoError(t, err)

	reg, err := p.Registry()
	require.NoError(t, err)
	assert.Equal(t, 5, reg.Len())

	analyzer, ok := reg.Get("market_analyzer")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, analyzer.Timeout)
	assert.Equal(t, "http://localhost:8001/agents/market_analyzer/execute", analyzer.Endpoint)

	_, err = p.Engine()
	require.NoError(t, err)

	steps := p.Steps()
	require.Len(t, steps, 3)
	assert.Equal(t, "company", steps[0].Name)

	kw, err := p.Keyword()
	require.NoError(t, err)
	got, err := kw.Extract(context.Background(), "We are a startup called Acme with 12 employees")
	require.NoError(t, err)
	assert.Equal(t, "company_info", got.Intent)
	assert.Equal(t, "startup", got.Fields["company_type"])
	assert.Equal(t, "Acme", got.Fields["company_name"])
	assert.Equal(t, int64(12), got.Fields["employees"])

	assert.Contains(t, p.Intents(), "market_info")
	assert.Contains(t, p.Fields(), "target_market")
}

func TestPipelineExpandsEnv(t *testing.T) {
	t.Setenv("ANALYZER_URL", "grpc://analyzer:9000/agents.Analyzer/Execute")
	doc := `
agents:
  - name: analyzer
    endpoint: ${ANALYZER_URL:-http://localhost/a}
    trigger: {field: company_name}
  - name: reporter
    endpoint: ${REPORTER_URL:-http://localhost/r}
    trigger: {agent: analyzer}
`
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := LoadPipeline(path)
	require.NoError(t, err)
	require.Len(t, p.Agents, 2)
	assert.Equal(t, "grpc://analyzer:9000/agents.Analyzer/Execute", p.Agents[0].Endpoint)
	assert.Equal(t, "http://localhost/r", p.Agents[1].Endpoint)
}

func TestParsePipelineErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "no agents", doc: "validation: {}\n"},
		{name: "unknown key", doc: "agents:\n  - name: a\n    endpoint: http://x\n    trigger: {field: f}\n    colour: red\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestPipelineRegistryRejectsCycle(t *testing.T) {
	doc := `
agents:
  - name: a
    endpoint: http://x/a
    trigger: {agent: b}
  - name: b
    endpoint: http://x/b
    trigger: {agent: a}
`
	p, err := ParsePipeline([]byte(doc))
	require.NoError(t, err)
	_, err = p.Registry()
	assert.Error(t, err)
}
