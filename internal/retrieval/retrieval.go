// Package retrieval fetches evidence snippets for one sub-question.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"researchline/internal/config"
	"researchline/internal/domain"
)

var (
	// ErrInvalidConfig indicates an unusable retrieval configuration.
	ErrInvalidConfig = errors.New("invalid retrieval configuration")

	// ErrRetrievalFailed wraps transport and non-2xx failures.
	ErrRetrievalFailed = errors.New("retrieval failed")
)

// Query describes the evidence wanted for one sub-question.
type Query struct {
	TaskID        string   `json:"task_id"`
	SubQuestionID string   `json:"sub_question_id"`
	SubQuestion   string   `json:"sub_question"`
	Scope         string   `json:"scope"`
	Sources       []string `json:"sources,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

// Retriever returns zero or more snippets for a query.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]domain.Snippet, error)
}

// New builds the configured retriever.
func New(cfg config.RetrievalConfig) (Retriever, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTP(HTTPConfig{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey})
	case "none", "":
		return None{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

type HTTPConfig struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// HTTP posts the query as JSON to a search endpoint.
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint required", ErrInvalidConfig)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{endpoint: cfg.Endpoint, apiKey: cfg.APIKey, client: client}, nil
}

type searchResponse struct {
	Snippets []domain.Snippet `json:"snippets"`
}

func (h *HTTP) Retrieve(ctx context.Context, q Query) ([]domain.Snippet, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshaling query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRetrievalFailed, resp.StatusCode, string(respBody))
	}
	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return capSnippets(out.Snippets, q.Limit), nil
}

// Static returns the same snippets for every query.
type Static []domain.Snippet

func (s Static) Retrieve(_ context.Context, q Query) ([]domain.Snippet, error) {
	return capSnippets(append([]domain.Snippet(nil), s...), q.Limit), nil
}

// None never finds evidence.
type None struct{}

func (None) Retrieve(context.Context, Query) ([]domain.Snippet, error) { return nil, nil }

// Func adapts a function to Retriever.
type Func func(ctx context.Context, q Query) ([]domain.Snippet, error)

func (f Func) Retrieve(ctx context.Context, q Query) ([]domain.Snippet, error) { return f(ctx, q) }

func capSnippets(s []domain.Snippet, limit int) []domain.Snippet {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
