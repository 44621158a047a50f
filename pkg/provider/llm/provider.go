// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps a remote or local model API (an OpenAI-compatible gateway,
// Anthropic, a local Ollama instance, ...) and exposes a uniform streaming
// capability so the dialogue generator and the evaluation stages never couple
// to a specific SDK. Each Provider instance is bound to exactly one model;
// callers that need two models construct two providers.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
	"strings"
)

// FinishReasonError is the FinishReason of a chunk that reports a transport
// failure after the stream was opened. Its Text holds the error message.
const FinishReasonError = "error"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history. Providers without a dedicated system field prepend
	// it as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// TopP is the nucleus sampling mass in (0, 1]. Zero means use the provider
	// default.
	TopP float64

	// MaxTokens caps the number of completion tokens. Zero means use the
	// provider default.
	MaxTokens int

	// JSONMode asks the backend to constrain its output to a single JSON
	// object. Backends without native support ignore it; callers still have to
	// validate the response.
	JSONMode bool
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental visible content of this chunk. May be empty.
	Text string

	// Reasoning is incremental text from the model's reasoning side channel
	// (for example DeepSeek's reasoning_content). It is never part of the
	// visible reply.
	Reasoning string

	// FinishReason is set on the final chunk. Common values are "stop",
	// "length" and [FinishReasonError].
	FinishReason string
}

// Err returns the transport error carried by c, or nil if c is a regular
// chunk.
func (c Chunk) Err() error {
	if c.FinishReason != FinishReasonError {
		return nil
	}
	return &StreamError{Message: c.Text}
}

// StreamError is a transport failure reported in-band on a stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "llm: stream: " + e.Message }

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full visible text of the reply.
	Content string

	// Reasoning is the accumulated reasoning side channel, if any.
	Reasoning string

	// Usage contains token accounting for this request/response pair. Zero
	// when the backend does not report it.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
//
// Each method should propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk whose
	// FinishReason is [FinishReasonError]; the initial error return is non-nil
	// only for failures that prevent the stream from starting (unreachable
	// host, non-2xx status, invalid credentials).
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Drain consumes a stream returned by StreamCompletion and folds it into a
// CompletionResponse. It returns the first in-band error, or ctx.Err() if the
// context ends before the channel closes. Providers whose only wire path is
// streaming use it to implement Complete.
func Drain(ctx context.Context, ch <-chan Chunk) (*CompletionResponse, error) {
	var content, reasoning strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return &CompletionResponse{Content: content.String(), Reasoning: reasoning.String()}, nil
			}
			if err := c.Err(); err != nil {
				return nil, err
			}
			content.WriteString(c.Text)
			reasoning.WriteString(c.Reasoning)
		}
	}
}
