package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pavelpapin/conductor/store"
	"github.com/pavelpapin/conductor/types"
)

func newTestSweeper(t *testing.T, cfg SweeperConfig) (*store.Connections, *Sweeper) {
	t.Helper()
	_, conns := newTestConns(t)
	return conns, NewSweeper(conns, cfg, nil, zap.NewNop())
}

func seedWorkflow(t *testing.T, s *Sweeper, id string, status types.WorkflowStatus, age time.Duration) {
	t.Helper()
	ctx := context.Background()

	s.states.now = func() time.Time { return time.Now().Add(-age) }
	_, err := s.states.Create(ctx, id, nil)
	require.NoError(t, err)

	switch status {
	case types.StatusPending:
	case types.StatusRunning, types.StatusAwaitingInput, types.StatusStalled, types.StatusCompleted:
		_, err = s.states.Transition(ctx, id, types.StatusRunning, nil)
		require.NoError(t, err)
		if status != types.StatusRunning {
			_, err = s.states.Transition(ctx, id, status, nil)
			require.NoError(t, err)
		}
	default:
		_, err = s.states.Transition(ctx, id, status, nil)
		require.NoError(t, err)
	}
	s.states.now = time.Now
}

func TestSweeper_RetentionDeletesOldTerminal(t *testing.T) {
	conns, s := newTestSweeper(t, SweeperConfig{Retention: 24 * time.Hour})
	ctx := context.Background()

	seedWorkflow(t, s, "old-done", types.StatusFailed, 48*time.Hour)
	seedWorkflow(t, s, "fresh-done", types.StatusCompleted, time.Hour)
	seedWorkflow(t, s, "old-running", types.StatusRunning, 48*time.Hour)
	seedWorkflow(t, s, "old-waiting", types.StatusAwaitingInput, 48*time.Hour)

	// The expired workflow also has an output log and in-flight marker.
	prefix := conns.KeyPrefix()
	require.NoError(t, conns.Stream.RPush(ctx, outputKey(prefix, "old-done"), "x").Err())
	require.NoError(t, conns.Queue.Set(ctx, prefix+"job:old-done", "1", 0).Err())

	n, err := s.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.states.Get(ctx, "old-done")
	assert.True(t, types.IsCode(err, types.ErrWorkflowNotFound))

	exists, err := conns.Stream.Exists(ctx, outputKey(prefix, "old-done")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
	exists, err = conns.Queue.Exists(ctx, prefix+"job:old-done").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	// Fresh and non-terminal records survive regardless of age.
	for _, id := range []string{"fresh-done", "old-running", "old-waiting"} {
		_, err := s.states.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestSweeper_RetentionIdempotent(t *testing.T) {
	_, s := newTestSweeper(t, SweeperConfig{Retention: 24 * time.Hour})
	ctx := context.Background()

	seedWorkflow(t, s, "old-done", types.StatusCompleted, 48*time.Hour)

	n, err := s.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_TrimActiveLogs(t *testing.T) {
	conns, s := newTestSweeper(t, SweeperConfig{MaxLogLength: 3})
	ctx := context.Background()

	key := outputKey(conns.KeyPrefix(), "wf-1")
	for i := 0; i < 10; i++ {
		require.NoError(t, conns.Stream.RPush(ctx, key, i).Err())
	}

	n, err := s.TrimActiveLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := conns.Stream.LRange(ctx, key, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"7", "8", "9"}, entries)
}

func TestSweeper_StallDetection(t *testing.T) {
	_, s := newTestSweeper(t, SweeperConfig{StallAfter: 5 * time.Minute})
	ctx := context.Background()

	seedWorkflow(t, s, "silent", types.StatusRunning, 10*time.Minute)
	seedWorkflow(t, s, "alive", types.StatusRunning, time.Minute)
	seedWorkflow(t, s, "waiting", types.StatusAwaitingInput, 10*time.Minute)

	n, err := s.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst, err := s.states.Get(ctx, "silent")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStalled, inst.Status)

	for id, want := range map[string]types.WorkflowStatus{
		"alive":   types.StatusRunning,
		"waiting": types.StatusAwaitingInput,
	} {
		inst, err := s.states.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, inst.Status, id)
	}
}

func TestSweeper_StalledRecoversViaHeartbeatPath(t *testing.T) {
	_, s := newTestSweeper(t, SweeperConfig{StallAfter: 5 * time.Minute})
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", types.StatusRunning, 10*time.Minute)

	_, err := s.SweepStalled(ctx)
	require.NoError(t, err)

	// The worker comes back: recover, then finish normally.
	_, err = s.states.RecoverStalled(ctx, "wf-1")
	require.NoError(t, err)
	_, err = s.states.Complete(ctx, "wf-1")
	require.NoError(t, err)

	// The next stall pass leaves the terminal record alone.
	n, err := s.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
