package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV is the Redis-backed KV implementation. It is the default for
// circuit-breaker and rate-limiter state so that policy decisions
// survive process restarts.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV creates a KV view over an existing client. All keys are
// namespaced under prefix.
func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (s *RedisKV) key(k string) string {
	return s.prefix + k
}

// GetJSON reads a JSON value.
func (s *RedisKV) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON writes a JSON value with a TTL.
func (s *RedisKV) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), data, ttl).Err()
}

// Incr atomically increments a counter, attaching the TTL on creation.
// INCR and EXPIRE NX run in one pipeline so concurrent first callers
// cannot leave the window key unexpiring.
func (s *RedisKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, s.key(key))
	if ttl > 0 {
		pipe.ExpireNX(ctx, s.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Delete removes a key.
func (s *RedisKV) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
