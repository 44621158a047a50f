// Package structured decodes JSON-mode model responses into typed values.
//
// Models asked for JSON still wrap it in markdown fences, append chatter or
// return something else entirely. A [Decoder] strips fences, requires exactly
// one JSON object and validates it against a JSON Schema before mapping it
// onto the target type. The outcome is a [Result] that either holds the value
// or names the [Failure] kind, so callers branch to their deterministic
// defaults explicitly instead of inspecting error strings.
package structured

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Failure classifies why a response could not be decoded.
type Failure int

const (
	// FailureNone means the decode succeeded.
	FailureNone Failure = iota
	// FailureEmpty means the response held no content after trimming.
	FailureEmpty
	// FailureSyntax means the content is not valid JSON.
	FailureSyntax
	// FailureTrailingData means a valid value was followed by more content.
	FailureTrailingData
	// FailureNotObject means the top-level value is not a JSON object.
	FailureNotObject
	// FailureSchema means the object violates the response schema.
	FailureSchema
	// FailureType means the object could not be mapped onto the Go type.
	FailureType
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureEmpty:
		return "empty"
	case FailureSyntax:
		return "syntax"
	case FailureTrailingData:
		return "trailing_data"
	case FailureNotObject:
		return "not_object"
	case FailureSchema:
		return "schema"
	case FailureType:
		return "type"
	default:
		return fmt.Sprintf("failure(%d)", int(f))
	}
}

// Result is the tagged outcome of a decode. Exactly one of OK and a non-zero
// Failure holds.
type Result[T any] struct {
	Value   T
	OK      bool
	Failure Failure

	// Err carries the underlying decode or validation error when !OK.
	Err error
}

// Decoder decodes responses into T after validating them against a schema.
// A Decoder is immutable and safe for concurrent use.
type Decoder[T any] struct {
	name   string
	schema *jsonschema.Schema
}

// NewDecoder compiles schemaJSON under name. The schema should describe the
// JSON encoding of T.
func NewDecoder[T any](name, schemaJSON string) (*Decoder[T], error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("structured: parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("structured: add schema %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("structured: compile schema %s: %w", name, err)
	}
	return &Decoder[T]{name: name, schema: sch}, nil
}

// MustDecoder is like [NewDecoder] but panics on error. It is meant for
// package-level decoders built from embedded schemas.
func MustDecoder[T any](name, schemaJSON string) *Decoder[T] {
	d, err := NewDecoder[T](name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return d
}

// Decode parses raw. It never panics and never returns a partially filled
// value: when OK is false, Value is the zero T.
func (d *Decoder[T]) Decode(raw string) Result[T] {
	body := StripFences(raw)
	if body == "" {
		return fail[T](FailureEmpty, errors.New("structured: empty response"))
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fail[T](FailureSyntax, fmt.Errorf("structured: %w", err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fail[T](FailureTrailingData, errors.New("structured: trailing data after JSON value"))
	}
	if _, ok := generic.(map[string]any); !ok {
		return fail[T](FailureNotObject, fmt.Errorf("structured: top-level value is %T, want object", generic))
	}
	if err := d.schema.Validate(generic); err != nil {
		return fail[T](FailureSchema, fmt.Errorf("structured: %s: %w", d.name, err))
	}

	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return fail[T](FailureType, fmt.Errorf("structured: %s: %w", d.name, err))
	}
	return Result[T]{Value: v, OK: true}
}

func fail[T any](f Failure, err error) Result[T] {
	return Result[T]{Failure: f, Err: err}
}

// StripFences trims whitespace and removes one surrounding markdown code
// fence, with or without a language tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the info string ("json", "JSON", ...) up to the first newline.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		if info := strings.TrimSpace(s[:i]); !strings.ContainsAny(info, "{[") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
