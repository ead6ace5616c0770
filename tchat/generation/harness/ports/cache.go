package harnessports

import "context"

// Cache holds derived values by key with an optional TTL.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) []string
}
