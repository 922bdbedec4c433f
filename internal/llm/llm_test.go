package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type shape struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func requireName(v *shape) []string {
	if v.Name == "" {
		return []string{"name is required"}
	}
	return nil
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose around", "Here you go:\n{\"a\":{\"b\":2}}\nThanks", `{"a":{"b":2}}`, true},
		{"not json", "I could not comply.", "", false},
		{"broken", `{"a":`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallResultKinds(t *testing.T) {
	ctx := context.Background()
	req := Request{Schema: "shape"}

	ok := Call[shape](ctx, GeneratorFunc(func(context.Context, Request) (string, error) {
		return `{"name":"x","items":["a"]}`, nil
	}), req, requireName)
	require.True(t, ok.OK())
	assert.Equal(t, "x", ok.Value.Name)
	assert.NoError(t, ok.Err())

	svc := Call[shape](ctx, GeneratorFunc(func(context.Context, Request) (string, error) {
		return "", errors.New("boom")
	}), req, requireName)
	assert.Equal(t, KindServiceError, svc.Kind)
	var se *ServiceError
	require.ErrorAs(t, svc.Err(), &se)
	assert.False(t, se.Timeout)

	notJSON := Call[shape](ctx, GeneratorFunc(func(context.Context, Request) (string, error) {
		return "sorry, no", nil
	}), req, requireName)
	assert.Equal(t, KindSchemaError, notJSON.Kind)
	assert.Equal(t, "sorry, no", notJSON.Schema.Raw)

	invalid := Call[shape](ctx, GeneratorFunc(func(context.Context, Request) (string, error) {
		return `{"items":[]}`, nil
	}), req, requireName)
	assert.Equal(t, KindSchemaError, invalid.Kind)
	assert.Contains(t, invalid.Err().Error(), "name is required")
}

func TestCallTimeoutIsServiceError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	gen := NewScripted().Add("shape", ScriptedResponse{Text: `{"name":"late"}`, Block: block})
	res := Call[shape](ctx, gen, Request{Schema: "shape"}, nil)
	assert.Equal(t, KindServiceError, res.Kind)
	assert.True(t, res.Svc.Timeout)
}

func TestAnthropicRetriesTransientErrors(t *testing.T) {
	m := &fakeModel{
		errs: []error{
			errors.New("API returned unexpected status code: 503"),
			fmt.Errorf("send request: %w", &url.Error{Op: "Post", URL: "x", Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}),
		},
		text: `{"name":"ok"}`,
	}
	a := newAnthropicWithModel(m, AnthropicConfig{MaxRetries: 2})
	a.backoff = time.Millisecond

	out, err := a.Complete(context.Background(), Request{System: "sys", Payload: "hi", Schema: "shape"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"ok"}`, out)
	assert.Equal(t, 3, m.calls)
	require.Len(t, m.got, 1)
	assert.Equal(t, schema.ChatMessageTypeHuman, m.got[0].Role)
	prompt := m.got[0].Parts[0].(llms.TextContent).Text
	assert.True(t, strings.HasPrefix(prompt, "sys"))
	assert.Contains(t, prompt, `schema "shape"`)
	assert.True(t, strings.HasSuffix(prompt, "\n\nHuman: hi\n\nAssistant:"))
}

func TestAnthropicDoesNotRetryClientErrors(t *testing.T) {
	m := &fakeModel{errs: []error{
		errors.New("API returned unexpected status code: 400: bad model"),
		errors.New("unreachable"),
	}}
	a := newAnthropicWithModel(m, AnthropicConfig{MaxRetries: 3})
	a.backoff = time.Millisecond
	_, err := a.Complete(context.Background(), Request{Payload: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")
	assert.Equal(t, 1, m.calls)
}

func TestAnthropicGivesUpAfterMaxRetries(t *testing.T) {
	m := &fakeModel{errs: []error{
		errors.New("API returned unexpected status code: 429"),
		errors.New("API returned unexpected status code: 429"),
	}}
	a := newAnthropicWithModel(m, AnthropicConfig{MaxRetries: 1})
	a.backoff = time.Millisecond
	_, err := a.Complete(context.Background(), Request{Payload: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 2, m.calls)
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{})
	assert.Error(t, err)
}

// fakeModel fails with errs in order, then answers with text.
type fakeModel struct {
	got   []llms.MessageContent
	errs  []error
	text  string
	calls int
}

func (f *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.got = msgs
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.text}}}, nil
}

func TestOpenAISendsSystemAndHumanParts(t *testing.T) {
	m := &fakeModel{text: `{"name":"o"}`}
	o := newOpenAIWithModel(m, OpenAIConfig{})
	out, err := o.Complete(context.Background(), Request{System: "sys", Payload: "payload", Schema: "shape"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"o"}`, out)
	require.Len(t, m.got, 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, m.got[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, m.got[1].Role)
}

func TestScriptedRepeatsLastResponse(t *testing.T) {
	s := NewScripted().Add("a", ScriptedResponse{Text: "1"}, ScriptedResponse{Text: "2"})
	ctx := context.Background()
	for _, want := range []string{"1", "2", "2"} {
		got, err := s.Complete(ctx, Request{Schema: "a"})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := s.Complete(ctx, Request{Schema: "missing"})
	assert.Error(t, err)
	assert.Equal(t, 3, s.Calls("a"))
	assert.Equal(t, 4, s.Calls(""))
}
