package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"
)

const (
	defaultAnthropicModel = "claude-2.1"
	defaultMaxTokens      = 4096
	defaultBaseBackoff    = 1 * time.Second
)

// AnthropicConfig configures the Anthropic completion client.
type AnthropicConfig struct {
	APIKey        string
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxRetries    int
	RatePerMinute float64
	Burst         int
}

// Anthropic generates through langchaingo's Anthropic client. Transient
// failures (transport errors, 429, 5xx) are retried with exponential backoff;
// the caller's context deadline bounds the whole call including retries.
type Anthropic struct {
	model       contentModel
	maxTokens   int
	temperature float64
	maxRetries  int
	backoff     time.Duration
	limiter     *rate.Limiter
}

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	client, err := anthropic.New(anthropic.WithToken(cfg.APIKey), anthropic.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("create anthropic client: %w", err)
	}
	return newAnthropicWithModel(client, cfg), nil
}

func newAnthropicWithModel(m contentModel, cfg AnthropicConfig) *Anthropic {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		model:       m,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		backoff:     defaultBaseBackoff,
		limiter:     newLimiter(cfg.RatePerMinute, cfg.Burst),
	}
}

func newLimiter(perMinute float64, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
}

func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	// The completion endpoint reads a single prompt: system text first, then
	// one Human turn, ending on the Assistant marker.
	prompt := withSchemaInstruction(req) + "\n\nHuman: " + req.Payload + "\n\nAssistant:"
	msgs := []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, prompt)}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			wait := a.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		resp, err := a.model.GenerateContent(ctx, msgs,
			llms.WithMaxTokens(a.maxTokens),
			llms.WithTemperature(a.temperature),
		)
		if err == nil {
			if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
				return "", fmt.Errorf("empty response from API")
			}
			return resp.Choices[0].Content, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

var statusCodePattern = regexp.MustCompile(`status code: (\d{3})`)

// retryable reports whether a client error is worth another attempt. The
// client reports HTTP failures as text carrying the status code.
func retryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	m := statusCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return false
	}
	code, _ := strconv.Atoi(m[1])
	return code == 429 || code >= 500
}

func withSchemaInstruction(req Request) string {
	if req.Schema == "" {
		return req.System
	}
	return req.System + "\n\nRespond with a single JSON object for schema \"" + req.Schema + "\". Do not include any other text."
}
