package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// LLMOptions configures the model-backed extractors.
type LLMOptions struct {
	Model     string
	MaxTokens int64
	APIKey    string
	// BaseURL overrides the provider endpoint (proxies, tests).
	BaseURL string
	// Intents and Fields restrict what the model may answer with.
	Intents []string
	Fields  []string
}

func (o LLMOptions) prompt() string { return systemPrompt(o.Intents, o.Fields) }

// Anthropic extracts with the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	opts   LLMOptions
}

// NewAnthropic creates an extractor backed by Claude.
func NewAnthropic(optFns ...func(o *LLMOptions)) *Anthropic {
	opts := LLMOptions{
		Model:     string(anthropic.ModelClaude3_5Sonnet20241022),
		MaxTokens: 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Anthropic{client: &client, opts: opts}
}

// Extract implements Extractor.
func (a *Anthropic) Extract(ctx context.Context, text string) (Extraction, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.opts.Model),
		MaxTokens:   a.opts.MaxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: a.opts.prompt()}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: anthropic api error: %v", domain.ErrExtraction, err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return decodeExtraction(b.String())
}
