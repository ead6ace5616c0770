package harnessports

import "context"

// RateLimiter coordinates throughput per key (session, adapter).
type RateLimiter interface {
	// Acquire takes a token or fails immediately when none is available.
	Acquire(ctx context.Context, key string) (release func(), err error)
	// Wait blocks until a token is available or ctx is done.
	Wait(ctx context.Context, key string) error
}
