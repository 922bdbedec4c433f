package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"
)

const defaultOpenAIModel = "gpt-4o-mini"

type OpenAIConfig struct {
	APIKey        string
	Model         string
	BaseURL       string
	MaxTokens     int
	Temperature   float64
	RatePerMinute float64
	Burst         int
}

type contentModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// OpenAI generates through langchaingo's OpenAI-compatible client, so any
// compatible endpoint can be targeted with BaseURL.
type OpenAI struct {
	model       contentModel
	maxTokens   int
	temperature float64
	limiter     *rate.Limiter
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return newOpenAIWithModel(client, cfg), nil
}

func newOpenAIWithModel(m contentModel, cfg OpenAIConfig) *OpenAI {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAI{
		model:       m,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		limiter:     newLimiter(cfg.RatePerMinute, cfg.Burst),
	}
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	msgs := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, withSchemaInstruction(req)),
		llms.TextParts(schema.ChatMessageTypeHuman, req.Payload),
	}
	resp, err := o.model.GenerateContent(ctx, msgs,
		llms.WithMaxTokens(o.maxTokens),
		llms.WithTemperature(o.temperature),
	)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from API")
	}
	return resp.Choices[0].Content, nil
}
