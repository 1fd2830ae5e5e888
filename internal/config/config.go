// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Extractor kinds accepted by EXTRACTOR.
const (
	ExtractorKeyword   = "keyword"
	ExtractorRemote    = "remote"
	ExtractorAnthropic = "anthropic"
	ExtractorOpenAI    = "openai"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	DatabaseURL  string // Postgres DSN; SQLite at DBPath is used when empty
	PipelinePath string // empty uses the embedded default pipeline
	CORSOrigins  []string
	Agent        AgentConfig
	Extract      ExtractConfig
	SSE          SSEConfig
	RateLimit    RateLimitConfig
	Retention    RetentionConfig
	Timeout      TimeoutConfig
}

// AgentConfig tunes the invoker worker pool and the re-arm policy.
type AgentConfig struct {
	Workers        int
	QueueSize      int
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryFailed    bool
	MaxAttempts    int
}

// ExtractConfig selects and configures the intent/field extractor.
type ExtractConfig struct {
	Kind            string
	Timeout         time.Duration
	Endpoint        string
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
}

// SSEConfig controls the event stream.
type SSEConfig struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
	ReplaySize        int
}

// RateLimitConfig bounds turn submissions per client.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// RetentionConfig controls expiry of idle sessions. A zero TTL disables it.
type RetentionConfig struct {
	TTL      time.Duration
	Interval time.Duration
}

// TimeoutConfig holds server-side timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/ingestor.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		PipelinePath: getEnv("PIPELINE_PATH", ""),
		CORSOrigins:  getEnvList("CORS_ORIGINS", []string{"*"}),
		Agent: AgentConfig{
			Workers:        getEnvInt("AGENT_WORKERS", 8),
			QueueSize:      getEnvInt("AGENT_QUEUE_SIZE", 256),
			Timeout:        getEnvDuration("AGENT_TIMEOUT", 30*time.Second),
			MaxRetries:     getEnvInt("AGENT_MAX_RETRIES", 3),
			RetryBaseDelay: getEnvDuration("AGENT_RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryFailed:    getEnvBool("AGENT_RETRY_FAILED", false),
			MaxAttempts:    getEnvInt("AGENT_MAX_ATTEMPTS", 0),
		},
		Extract: ExtractConfig{
			Kind:            strings.ToLower(getEnv("EXTRACTOR", ExtractorKeyword)),
			Timeout:         getEnvDuration("EXTRACT_TIMEOUT", 5*time.Second),
			Endpoint:        getEnv("EXTRACTOR_ENDPOINT", ""),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicModel:  getEnv("ANTHROPIC_MODEL", ""),
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:     getEnv("OPENAI_MODEL", ""),
		},
		SSE: SSEConfig{
			RetryDelay:        getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			ReplaySize:        getEnvInt("SSE_REPLAY_SIZE", 100),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Retention: RetentionConfig{
			TTL:      getEnvDuration("SESSION_TTL", 0),
			Interval: getEnvDuration("RETENTION_INTERVAL", 5*time.Minute),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 2*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" && c.DatabaseURL == "" {
		return fmt.Errorf("one of DB_PATH or DATABASE_URL must be set")
	}
	if c.Agent.Workers <= 0 {
		return fmt.Errorf("AGENT_WORKERS must be > 0")
	}
	if c.Agent.QueueSize <= 0 {
		return fmt.Errorf("AGENT_QUEUE_SIZE must be > 0")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be > 0")
	}
	if c.Agent.MaxRetries < 1 {
		return fmt.Errorf("AGENT_MAX_RETRIES must be >= 1")
	}
	if c.Agent.MaxAttempts < 0 {
		return fmt.Errorf("AGENT_MAX_ATTEMPTS cannot be negative")
	}
	if c.Extract.Timeout <= 0 {
		return fmt.Errorf("EXTRACT_TIMEOUT must be > 0")
	}
	switch c.Extract.Kind {
	case ExtractorKeyword:
	case ExtractorRemote:
		if c.Extract.Endpoint == "" {
			return fmt.Errorf("EXTRACTOR_ENDPOINT is required for the remote extractor")
		}
	case ExtractorAnthropic:
		if c.Extract.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic extractor")
		}
	case ExtractorOpenAI:
		if c.Extract.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai extractor")
		}
	default:
		return fmt.Errorf("unknown EXTRACTOR %q", c.Extract.Kind)
	}
	if c.SSE.ReplaySize <= 0 {
		return fmt.Errorf("SSE_REPLAY_SIZE must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Retention.TTL < 0 {
		return fmt.Errorf("SESSION_TTL cannot be negative")
	}
	if c.Retention.TTL > 0 && c.Retention.Interval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL must be > 0 when SESSION_TTL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
