package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// TokenBucket implements a keyed token bucket. With capacity 1 and a refill
// interval of 3s it gives the "one request every three seconds" throttle of
// the voice flow.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
	now        func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Acquire takes a token for key. The release function is a no-op: tokens
// come back only through refill, so bursts are bounded by capacity.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if _, ok := tb.take(key); !ok {
		return nil, ErrRateLimitExceeded
	}
	return func() {}, nil
}

// Wait blocks until a token for key is available.
func (tb *TokenBucket) Wait(ctx context.Context, key string) error {
	for {
		tb.mu.Lock()
		wait, ok := tb.take(key)
		tb.mu.Unlock()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes a token if one is available; otherwise it reports how long
// until the next refill. Caller holds mu.
func (tb *TokenBucket) take(key string) (time.Duration, bool) {
	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill)
	if add := int(elapsed / tb.refillRate); add > 0 {
		b.tokens = min(b.tokens+add, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(add) * tb.refillRate)
	}

	if b.tokens <= 0 {
		return tb.refillRate - now.Sub(b.lastRefill), false
	}
	if b.tokens == tb.capacity {
		b.lastRefill = now
	}
	b.tokens--
	return 0, true
}

// Forget drops the bucket for key, e.g. when a session ends.
func (tb *TokenBucket) Forget(key string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.buckets, key)
}

// ErrRateLimitExceeded is returned when the rate limit is exceeded.
var ErrRateLimitExceeded = &RateLimitError{Message: "rate limit exceeded"}

type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

var _ ports.RateLimiter = (*TokenBucket)(nil)
