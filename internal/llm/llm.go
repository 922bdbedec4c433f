// Package llm is the boundary to the external text generation service.
//
// Providers only return raw text. Call decodes and validates that text once
// and hands back a tagged Result, so stage code never touches unvalidated
// JSON.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Request is one completion call.
type Request struct {
	System  string
	Payload string
	// Schema tags the output shape the caller will validate against.
	Schema string
}

// Generator returns raw completion text for a request.
type Generator interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ServiceError is a failed or timed out external call.
type ServiceError struct {
	Schema  string
	Timeout bool
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: text generation timed out", e.Schema)
	}
	return fmt.Sprintf("%s: text generation failed: %v", e.Schema, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// SchemaError is a response that did not match the required structure.
type SchemaError struct {
	Schema      string
	Raw         string
	Diagnostics []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: response did not match schema: %s", e.Schema, strings.Join(e.Diagnostics, "; "))
}

type Kind int

const (
	KindOK Kind = iota
	KindSchemaError
	KindServiceError
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindSchemaError:
		return "schema_error"
	case KindServiceError:
		return "service_error"
	default:
		return "unknown"
	}
}

// Result is Ok(Value) | SchemaError | ServiceError.
type Result[T any] struct {
	Kind   Kind
	Value  T
	Schema *SchemaError
	Svc    *ServiceError
}

func (r Result[T]) OK() bool { return r.Kind == KindOK }

// Err returns the failure as an error, or nil for an Ok result.
func (r Result[T]) Err() error {
	switch r.Kind {
	case KindSchemaError:
		return r.Schema
	case KindServiceError:
		return r.Svc
	default:
		return nil
	}
}

// Validator returns diagnostics for a decoded value; none means valid. It may
// normalise the value in place.
type Validator[T any] func(v *T) []string

// Call runs one completion and validates the response into T.
func Call[T any](ctx context.Context, gen Generator, req Request, validate Validator[T]) Result[T] {
	var res Result[T]
	raw, err := gen.Complete(ctx, req)
	if err != nil {
		res.Kind = KindServiceError
		res.Svc = &ServiceError{
			Schema:  req.Schema,
			Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
		return res
	}
	fail := func(diags ...string) Result[T] {
		res.Kind = KindSchemaError
		res.Schema = &SchemaError{Schema: req.Schema, Raw: raw, Diagnostics: diags}
		return res
	}
	body, ok := ExtractJSON(raw)
	if !ok {
		return fail("response is not a JSON object")
	}
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return fail(fmt.Sprintf("decode: %v", err))
	}
	if validate != nil {
		if diags := validate(&v); len(diags) > 0 {
			return fail(diags...)
		}
	}
	res.Kind = KindOK
	res.Value = v
	return res
}

// ExtractJSON finds the JSON object in a completion, tolerating code fences
// and prose around it.
func ExtractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	s = s[start : end+1]
	if !json.Valid([]byte(s)) {
		return "", false
	}
	return s, true
}
