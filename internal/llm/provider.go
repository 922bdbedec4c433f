package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"researchline/internal/config"
	"researchline/internal/metrics"
)

// ErrDisabled is returned by the "none" provider.
var ErrDisabled = errors.New("text generation is not configured")

// New builds the configured provider, wrapped with call metrics.
func New(cfg config.GenerationConfig) (Generator, error) {
	var gen Generator
	switch cfg.Provider {
	case "anthropic":
		a, err := NewAnthropic(AnthropicConfig{
			APIKey:        cfg.APIKey,
			Model:         cfg.Model,
			MaxTokens:     cfg.MaxTokens,
			Temperature:   cfg.Temperature,
			MaxRetries:    cfg.MaxRetries,
			RatePerMinute: cfg.RatePerMinute,
			Burst:         cfg.Burst,
		})
		if err != nil {
			return nil, err
		}
		gen = a
	case "openai":
		o, err := NewOpenAI(OpenAIConfig{
			APIKey:        cfg.APIKey,
			Model:         cfg.Model,
			BaseURL:       cfg.BaseURL,
			MaxTokens:     cfg.MaxTokens,
			Temperature:   cfg.Temperature,
			RatePerMinute: cfg.RatePerMinute,
			Burst:         cfg.Burst,
		})
		if err != nil {
			return nil, err
		}
		gen = o
	case "none", "":
		gen = GeneratorFunc(func(context.Context, Request) (string, error) { return "", ErrDisabled })
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
	return Instrument(cfg.Provider, gen), nil
}

// Instrument counts calls per provider and result.
func Instrument(provider string, gen Generator) Generator {
	return GeneratorFunc(func(ctx context.Context, req Request) (string, error) {
		out, err := gen.Complete(ctx, req)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.GenerationCalls.WithLabelValues(provider, result).Inc()
		return out, err
	})
}

// Scripted answers by schema tag from queued responses. It records every
// request and is safe for concurrent use.
type Scripted struct {
	mu        sync.Mutex
	responses map[string][]ScriptedResponse
	calls     []Request
}

type ScriptedResponse struct {
	Text string
	Err  error
	// Block, when set, is waited on before answering (or until ctx ends).
	Block <-chan struct{}
}

func NewScripted() *Scripted {
	return &Scripted{responses: map[string][]ScriptedResponse{}}
}

// Add queues responses for a schema. The last queued response repeats once
// the queue is drained.
func (s *Scripted) Add(schema string, rs ...ScriptedResponse) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[schema] = append(s.responses[schema], rs...)
	return s
}

func (s *Scripted) Complete(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	queue := s.responses[req.Schema]
	if len(queue) == 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("no scripted response for %s", req.Schema)
	}
	r := queue[0]
	if len(queue) > 1 {
		s.responses[req.Schema] = queue[1:]
	}
	s.mu.Unlock()
	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.Text, r.Err
}

// Calls returns the number of requests seen for a schema ("" for all).
func (s *Scripted) Calls(schema string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if schema == "" {
		return len(s.calls)
	}
	n := 0
	for _, c := range s.calls {
		if c.Schema == schema {
			n++
		}
	}
	return n
}

// Requests returns a copy of all recorded requests.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}
