package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisKV(client, "test:")
}

type kvFixture struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestRedisKV_SetGetJSON(t *testing.T) {
	_, kv := setupTestRedis(t)
	ctx := context.Background()

	err := kv.SetJSON(ctx, "svc", kvFixture{Name: "gmail", Count: 3}, time.Minute)
	require.NoError(t, err)

	var got kvFixture
	require.NoError(t, kv.GetJSON(ctx, "svc", &got))
	assert.Equal(t, "gmail", got.Name)
	assert.Equal(t, 3, got.Count)
}

func TestRedisKV_GetMissing(t *testing.T) {
	_, kv := setupTestRedis(t)

	var got kvFixture
	err := kv.GetJSON(context.Background(), "absent", &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisKV_IncrSetsTTLOnce(t *testing.T) {
	mr, kv := setupTestRedis(t)
	ctx := context.Background()

	n, err := kv.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = kv.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Window expires relative to the first increment.
	mr.FastForward(61 * time.Second)

	n, err = kv.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisKV_Delete(t *testing.T) {
	_, kv := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, kv.SetJSON(ctx, "k", kvFixture{}, 0))
	require.NoError(t, kv.Delete(ctx, "k"))

	var got kvFixture
	assert.ErrorIs(t, kv.GetJSON(ctx, "k", &got), ErrNotFound)
	assert.NoError(t, kv.Delete(ctx, "k"))
}

func TestMemoryKV_Expiry(t *testing.T) {
	kv := NewMemoryKV(0)
	now := time.Now()
	kv.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, kv.SetJSON(ctx, "k", kvFixture{Name: "x"}, time.Minute))

	var got kvFixture
	require.NoError(t, kv.GetJSON(ctx, "k", &got))

	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, kv.GetJSON(ctx, "k", &got), ErrNotFound)
}

func TestMemoryKV_IncrWindowReset(t *testing.T) {
	kv := NewMemoryKV(0)
	now := time.Now()
	kv.now = func() time.Time { return now }
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := kv.Incr(ctx, "c", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	now = now.Add(time.Minute + time.Second)
	n, err := kv.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryKV_BoundedEviction(t *testing.T) {
	kv := NewMemoryKV(4)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, kv.SetJSON(ctx, k, kvFixture{Name: k}, time.Hour))
	}

	kv.mu.Lock()
	size := len(kv.entries)
	kv.mu.Unlock()
	assert.LessOrEqual(t, size, 4)
}

func TestConnections_AgainstMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	conns, err := NewConnections(Config{Addr: mr.Addr(), KeyPrefix: "conductor:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conns.Close() })

	require.NoError(t, conns.Ping(context.Background()))
	assert.Equal(t, "conductor:", conns.KeyPrefix())

	sub := conns.NewSubscriber()
	require.NoError(t, sub.Ping(context.Background()).Err())
	require.NoError(t, sub.Close())
}
