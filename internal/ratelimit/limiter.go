package ratelimit

import "context"

// RateLimiter bounds gateway send throughput per scope. A scope is usually
// the gateway name, so every relay instance shares one budget per gateway.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}

// Unlimited never throttles. Used when no shared limiter is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Wait(ctx context.Context, _ string) error { return ctx.Err() }
