// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send the right
// CompletionRequests and to feed controlled responses without a live
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamScript: [][]llm.Chunk{
//	        {{Text: "Hello"}, {Text: "!"}},
//	        {{Text: "Bye"}},
//	    },
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"score": 7}`},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/colloquy/pkg/provider/llm"
)

// Call records a single invocation of StreamCompletion or Complete.
type Call struct {
	// Ctx is the context passed to the method.
	Ctx context.Context
	// Req is the CompletionRequest passed to the method.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamScript holds one chunk sequence per StreamCompletion call, in call
	// order. Calls past the end of the script replay its last entry. When
	// empty, StreamChunks is used for every call.
	StreamScript [][]llm.Chunk

	// StreamChunks is emitted by every StreamCompletion call when
	// StreamScript is empty.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// StreamFunc, if set, replaces the scripted behaviour entirely. call is
	// the zero-based index of this invocation.
	StreamFunc func(ctx context.Context, req llm.CompletionRequest, call int) (<-chan llm.Chunk, error)

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CompleteFunc, if set, replaces CompleteResponse and CompleteErr.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []Call

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []Call
}

// StreamCompletion records the call and returns a channel that emits the
// scripted chunks for this call.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	call := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if fn := p.StreamFunc; fn != nil {
		p.mu.Unlock()
		return fn(ctx, req, call)
	}
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	src := p.StreamChunks
	if n := len(p.StreamScript); n > 0 {
		src = p.StreamScript[min(call, n-1)]
	}
	chunks := make([]llm.Chunk, len(src))
	copy(chunks, src)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// StreamCallCount returns the number of StreamCompletion calls so far.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// CompleteCallCount returns the number of Complete calls so far.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
