package researchlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Researchline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// OwnerID is sent as X-Owner-Id when no bearer token is set. Servers
	// accept it only in development mode.
	OwnerID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Brief is the input of a research task.
type Brief struct {
	Title          string         `json:"title,omitempty"`
	Description    string         `json:"description,omitempty"`
	ClarifiedScope string         `json:"clarified_scope"`
	Parameters     map[string]any `json:"parameters"`
	Messages       []Message      `json:"messages,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Status is the poll view of a task.
type Status struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	StatusMessage string `json:"status_message"`
	ReportReady   bool   `json:"report_ready"`
	ErrorMessage  string `json:"error_message,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

// Terminal reports whether the task can no longer change.
func (s Status) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Task is the full task snapshot. Stage outputs are left undecoded.
type Task struct {
	ID             string                     `json:"id"`
	OwnerID        string                     `json:"owner_id"`
	Title          string                     `json:"title"`
	ClarifiedScope string                     `json:"clarified_scope"`
	Status         string                     `json:"status"`
	Progress       int                        `json:"progress"`
	StatusMessage  string                     `json:"status_message"`
	Plan           json.RawMessage            `json:"plan,omitempty"`
	BatchAnalyses  map[string]json.RawMessage `json:"batch_analyses"`
	FinalReport    json.RawMessage            `json:"final_report,omitempty"`
	ResultSummary  string                     `json:"result_summary,omitempty"`
	ErrorMessage   string                     `json:"error_message,omitempty"`
	Version        int64                      `json:"version"`
	CreatedAt      string                     `json:"created_at"`
	UpdatedAt      string                     `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CreateTask submits a brief and returns the new task id.
func (c *Client) CreateTask(ctx context.Context, brief Brief) (string, error) {
	if brief.Parameters == nil {
		brief.Parameters = map[string]any{}
	}
	var resp struct {
		TaskID string `json:"task_id"`
	}
	err := c.do(ctx, http.MethodPost, "research-tasks", brief, &resp)
	return resp.TaskID, err
}

// Status polls a task. Each call may advance it by one stage.
func (c *Client) Status(ctx context.Context, taskID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("research-tasks/%s/status", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// Result returns the full snapshot without advancing it.
func (c *Client) Result(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("research-tasks/%s", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// EventsPage returns a page of a task's events, newest first.
func (c *Client) EventsPage(ctx context.Context, taskID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("research-tasks/%s/events", url.PathEscape(taskID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WaitForCompletion polls until the task is terminal or ctx ends.
func (c *Client) WaitForCompletion(ctx context.Context, taskID string, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		st, err := c.Status(ctx, taskID)
		if err != nil {
			return st, err
		}
		if st.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.OwnerID != "":
		req.Header.Set("X-Owner-Id", c.OwnerID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
