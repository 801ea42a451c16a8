// Package store provides the shared Redis connections used by the
// orchestration core, partitioned by logical purpose so that the
// high-volume output-stream path never contends with low-volume state
// traffic, plus a small key/value abstraction with a Redis and an
// in-memory implementation for components that must degrade gracefully
// when Redis is unreachable.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Config contains Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size per partition
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "conductor:",
	}
}

// Connections holds the long-lived Redis clients, one per logical
// purpose. State carries workflow lifecycle records, Stream carries
// the output append logs, Queue carries job-queue traffic. Pub/sub
// subscribers are never taken from these pools; use NewSubscriber.
type Connections struct {
	State  *redis.Client
	Stream *redis.Client
	Queue  *redis.Client

	config Config
}

// NewConnections dials the three partitioned clients and verifies
// connectivity with a ping.
func NewConnections(cfg Config) (*Connections, error) {
	if cfg.Addr == "" {
		cfg = DefaultConfig()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "conductor:"
	}

	c := &Connections{config: cfg}
	for _, p := range []**redis.Client{&c.State, &c.Stream, &c.Queue} {
		*p = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.State.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return c, nil
}

// NewSubscriber returns a fresh, dedicated client for pub/sub use.
// Subscriber connections are short-lived: one per subscription, closed
// by the caller on unsubscribe.
func (c *Connections) NewSubscriber() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.config.Addr,
		Password: c.config.Password,
		DB:       c.config.DB,
	})
}

// KeyPrefix returns the configured key prefix.
func (c *Connections) KeyPrefix() string {
	return c.config.KeyPrefix
}

// Ping checks connectivity on every partition.
func (c *Connections) Ping(ctx context.Context) error {
	for _, cl := range []*redis.Client{c.State, c.Stream, c.Queue} {
		if err := cl.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all partitioned clients.
func (c *Connections) Close() error {
	var firstErr error
	for _, cl := range []*redis.Client{c.State, c.Stream, c.Queue} {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
