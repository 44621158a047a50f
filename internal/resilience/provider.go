package resilience

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/MrWong99/colloquy/pkg/provider/llm"
)

// Provider decorates an [llm.Provider] with an optional rate limiter and an
// optional circuit breaker. The limiter throttles request starts; the breaker
// counts start failures, in-band stream failures and Complete failures.
type Provider struct {
	inner   llm.Provider
	limiter *rate.Limiter
	breaker *CircuitBreaker
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// ProviderOption is a functional option for [Wrap].
type ProviderOption func(*Provider)

// WithLimiter throttles the provider with l. Nil disables throttling.
func WithLimiter(l *rate.Limiter) ProviderOption {
	return func(p *Provider) { p.limiter = l }
}

// WithBreaker guards the provider with cb. Nil disables the breaker.
func WithBreaker(cb *CircuitBreaker) ProviderOption {
	return func(p *Provider) { p.breaker = cb }
}

// Wrap decorates inner.
func Wrap(inner llm.Provider, opts ...ProviderOption) *Provider {
	p := &Provider{inner: inner}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Breaker returns the circuit breaker, or nil.
func (p *Provider) Breaker() *CircuitBreaker { return p.breaker }

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := wait(ctx, p.limiter); err != nil {
		return nil, err
	}
	if p.breaker == nil {
		return p.inner.Complete(ctx, req)
	}
	var resp *llm.CompletionResponse
	err := p.breaker.Execute(func() error {
		var err error
		resp, err = p.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, p.annotate(err)
	}
	return resp, nil
}

// StreamCompletion implements [llm.Provider]. With a breaker, the stream is
// relayed so its in-band outcome can be recorded once it ends.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if err := wait(ctx, p.limiter); err != nil {
		return nil, err
	}
	if p.breaker == nil {
		return p.inner.StreamCompletion(ctx, req)
	}

	probe, err := p.breaker.allow()
	if err != nil {
		return nil, p.annotate(err)
	}
	src, err := p.inner.StreamCompletion(ctx, req)
	if err != nil {
		p.breaker.record(probe, err)
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		var streamErr error
		defer func() {
			if streamErr == nil {
				streamErr = ctx.Err()
			}
			p.breaker.record(probe, streamErr)
		}()
		for c := range src {
			if err := c.Err(); err != nil && streamErr == nil {
				streamErr = err
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// Keep draining so the inner provider can exit.
				for range src {
				}
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) annotate(err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w (provider %q)", err, p.breaker.Name())
	}
	return err
}
