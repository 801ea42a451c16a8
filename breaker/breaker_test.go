package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pavelpapin/conductor/store"
	"github.com/pavelpapin/conductor/types"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, cfg Config) *Breaker {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(store.NewRedisKV(client, "test:"), cfg, nil, zap.NewNop())
}

func failN(n int) func(ctx context.Context) error {
	calls := 0
	return func(ctx context.Context) error {
		calls++
		if calls <= n {
			return errBoom
		}
		return nil
	}
}

func alwaysFail(ctx context.Context) error { return errBoom }
func alwaysOK(ctx context.Context) error   { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newTestBreaker(t, Config{Default: Settings{FailureThreshold: 3, Cooldown: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Do(ctx, "gmail", alwaysFail)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.Snapshot(ctx, "gmail").State)

	// Rejected without invoking fn.
	invoked := false
	err := b.Do(ctx, "gmail", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.True(t, types.IsCode(err, types.ErrCircuitOpen))
	assert.True(t, types.IsRetryable(err))
	assert.False(t, invoked)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Greater(t, terr.RetryAfter, time.Duration(0))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(t, Config{Default: Settings{FailureThreshold: 3, Cooldown: time.Minute}})
	ctx := context.Background()

	// Two failures, a success, two more failures: never reaches three
	// consecutive, so the circuit stays closed.
	for _, fn := range []func(context.Context) error{alwaysFail, alwaysFail, alwaysOK, alwaysFail, alwaysFail} {
		_ = b.Do(ctx, "gmail", fn)
	}
	assert.Equal(t, StateClosed, b.Snapshot(ctx, "gmail").State)
}

func TestBreaker_CountsConsecutiveSuccesses(t *testing.T) {
	b := newTestBreaker(t, Config{Default: Settings{FailureThreshold: 3, Cooldown: time.Minute}})
	ctx := context.Background()

	require.NoError(t, b.Do(ctx, "gmail", alwaysOK))
	require.NoError(t, b.Do(ctx, "gmail", alwaysOK))
	assert.Equal(t, 2, b.Snapshot(ctx, "gmail").Successes)

	// A failure breaks the streak.
	require.ErrorIs(t, b.Do(ctx, "gmail", alwaysFail), errBoom)
	rec := b.Snapshot(ctx, "gmail")
	assert.Equal(t, 0, rec.Successes)
	assert.Equal(t, 1, rec.Failures)

	require.NoError(t, b.Do(ctx, "gmail", alwaysOK))
	rec = b.Snapshot(ctx, "gmail")
	assert.Equal(t, 1, rec.Successes)
	assert.Equal(t, 0, rec.Failures)
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := newTestBreaker(t, Config{Default: Settings{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxCalls: 1}})
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	require.ErrorIs(t, b.Do(ctx, "gmail", alwaysFail), errBoom)
	assert.Equal(t, StateOpen, b.Snapshot(ctx, "gmail").State)

	// Still cooling down.
	b.now = func() time.Time { return base.Add(30 * time.Second) }
	assert.True(t, types.IsCode(b.Do(ctx, "gmail", alwaysOK), types.ErrCircuitOpen))

	// Cool-down elapsed: one trial call is admitted and closes the circuit.
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.NoError(t, b.Do(ctx, "gmail", alwaysOK))
	assert.Equal(t, StateClosed, b.Snapshot(ctx, "gmail").State)
	assert.Zero(t, b.Snapshot(ctx, "gmail").Failures)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(t, Config{Default: Settings{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxCalls: 1}})
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }
	require.ErrorIs(t, b.Do(ctx, "gmail", alwaysFail), errBoom)

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.ErrorIs(t, b.Do(ctx, "gmail", alwaysFail), errBoom)

	rec := b.Snapshot(ctx, "gmail")
	assert.Equal(t, StateOpen, rec.State)
	// Cool-down restarts from the trial failure.
	assert.Equal(t, base.Add(2*time.Minute).Add(time.Minute).Unix(), rec.NextRetryAt.Unix())
}

func TestBreaker_HalfOpenBoundsTrialCalls(t *testing.T) {
	b := newTestBreaker(t, Config{Default: Settings{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxCalls: 1}})
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }
	require.ErrorIs(t, b.Do(ctx, "gmail", alwaysFail), errBoom)

	b.now = func() time.Time { return base.Add(2 * time.Minute) }

	// Force half-open without recording an outcome yet.
	kv, err := b.admit(ctx, "gmail")
	require.NoError(t, err)
	require.NotNil(t, kv)
	assert.Equal(t, StateHalfOpen, b.Snapshot(ctx, "gmail").State)

	// The single trial slot is taken; further calls are rejected.
	_, err = b.admit(ctx, "gmail")
	assert.True(t, types.IsCode(err, types.ErrCircuitOpen))
}

func TestBreaker_PerServiceSettingsAndIsolation(t *testing.T) {
	b := newTestBreaker(t, Config{
		Default:  Settings{FailureThreshold: 5, Cooldown: time.Minute},
		Services: map[string]Settings{"flaky-api": {FailureThreshold: 2}},
	})
	ctx := context.Background()

	_ = b.Do(ctx, "flaky-api", alwaysFail)
	_ = b.Do(ctx, "flaky-api", alwaysFail)
	assert.Equal(t, StateOpen, b.Snapshot(ctx, "flaky-api").State)

	// The override inherits the default cool-down.
	assert.Equal(t, time.Minute, b.settings("flaky-api").Cooldown)

	// Other services are unaffected.
	assert.NoError(t, b.Do(ctx, "gmail", alwaysOK))
	assert.Equal(t, StateClosed, b.Snapshot(ctx, "gmail").State)
}

func TestBreaker_StatePersistsAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := Config{Default: Settings{FailureThreshold: 1, Cooldown: time.Hour}}
	kv := store.NewRedisKV(client, "test:")

	first := New(kv, cfg, nil, zap.NewNop())
	require.ErrorIs(t, first.Do(context.Background(), "gmail", alwaysFail), errBoom)

	// A fresh process sees the open circuit immediately.
	second := New(kv, cfg, nil, zap.NewNop())
	err = second.Do(context.Background(), "gmail", alwaysOK)
	assert.True(t, types.IsCode(err, types.ErrCircuitOpen))
}

func TestBreaker_DegradesToMemoryOnStoreFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := New(store.NewRedisKV(client, "test:"), Config{Default: Settings{FailureThreshold: 2, Cooldown: time.Hour}}, nil, zap.NewNop())
	ctx := context.Background()

	mr.Close()

	// Calls still flow and the breaker still opens, in-memory.
	require.ErrorIs(t, b.Do(ctx, "gmail", alwaysFail), errBoom)
	require.ErrorIs(t, b.Do(ctx, "gmail", alwaysFail), errBoom)
	err = b.Do(ctx, "gmail", alwaysOK)
	assert.True(t, types.IsCode(err, types.ErrCircuitOpen))
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(t, Config{Default: Settings{FailureThreshold: 1, Cooldown: time.Hour}})
	ctx := context.Background()

	require.ErrorIs(t, b.Do(ctx, "gmail", alwaysFail), errBoom)
	assert.Equal(t, StateOpen, b.Snapshot(ctx, "gmail").State)

	b.Reset(ctx, "gmail")
	assert.Equal(t, StateClosed, b.Snapshot(ctx, "gmail").State)
	assert.NoError(t, b.Do(ctx, "gmail", alwaysOK))
}

func TestBreaker_RecoveryCycle(t *testing.T) {
	b := newTestBreaker(t, Config{Default: Settings{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMaxCalls: 1}})
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	fn := failN(2)
	require.ErrorIs(t, b.Do(ctx, "gmail", fn), errBoom)
	require.ErrorIs(t, b.Do(ctx, "gmail", fn), errBoom)
	assert.Equal(t, StateOpen, b.Snapshot(ctx, "gmail").State)

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.NoError(t, b.Do(ctx, "gmail", fn))
	assert.Equal(t, StateClosed, b.Snapshot(ctx, "gmail").State)

	// Back in business.
	assert.NoError(t, b.Do(ctx, "gmail", fn))
}
