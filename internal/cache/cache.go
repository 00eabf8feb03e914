package cache

import (
	"context"
	"time"
)

// Cache stores serialized response bodies keyed by the client-supplied
// X-Idempotency-Key header value.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) bool
}
