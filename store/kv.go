package store

import (
	"context"
	"time"
)

// KV is the minimal key/value contract shared by the circuit breaker
// and the rate limiter. Two implementations exist: RedisKV (shared,
// survives process restarts) and MemoryKV (process-local, bounded),
// selected at construction so callers can fall back to local state
// when Redis is unreachable.
type KV interface {
	// GetJSON reads a JSON value into v. Returns ErrNotFound when the
	// key does not exist or has expired.
	GetJSON(ctx context.Context, key string, v any) error

	// SetJSON writes v as JSON with the given TTL (0 means no expiry).
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error

	// Incr atomically increments the counter at key and returns the new
	// value. The TTL is applied only when the increment created the key,
	// so a fixed window expires relative to its first event.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
