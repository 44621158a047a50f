package resilience

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// NewLimiter returns a token-bucket limiter admitting rps request starts per
// second with the given burst, or nil when rps is not positive. A burst
// below one is raised to one so the limiter can ever admit a request.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// wait blocks until l admits one request or ctx ends. A nil limiter never
// blocks.
func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return fmt.Errorf("resilience: rate limit: %w", err)
	}
	return nil
}
