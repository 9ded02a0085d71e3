package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited delays requests so that next sees at most the limiter's rate.
type RateLimited struct {
	next    Completer
	limiter *rate.Limiter
}

// NewRateLimited wraps next. A nil limiter disables limiting.
func NewRateLimited(next Completer, limiter *rate.Limiter) *RateLimited {
	return &RateLimited{next: next, limiter: limiter}
}

// Complete implements Completer.
func (r *RateLimited) Complete(ctx context.Context, req Request) (string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("llm rate limit: %w", err)
		}
	}
	return r.next.Complete(ctx, req)
}
