package extract

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// OpenAI extracts with the Chat Completions API.
type OpenAI struct {
	client *openai.Client
	opts   LLMOptions
}

// NewOpenAI creates an extractor backed by an OpenAI chat model.
func NewOpenAI(optFns ...func(o *LLMOptions)) *OpenAI {
	opts := LLMOptions{
		Model:     openai.ChatModelGPT4oMini,
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
	client := openai.NewClient(clientOpts...)

	return &OpenAI{client: &client, opts: opts}
}

// Extract implements Extractor.
func (o *OpenAI) Extract(ctx context.Context, text string) (Extraction, error) {
	params := openai.ChatCompletionNewParams{
		Model: o.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(o.opts.prompt()),
			openai.UserMessage(text),
		},
		Temperature:         openai.Float(0),
		MaxCompletionTokens: openai.Int(o.opts.MaxTokens),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: openai api error: %v", domain.ErrExtraction, err)
	}
	if len(resp.Choices) == 0 {
		return Extraction{}, fmt.Errorf("%w: no choices returned", domain.ErrExtraction)
	}
	return decodeExtraction(resp.Choices[0].Message.Content)
}
