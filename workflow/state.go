package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pavelpapin/conductor/types"
)

// validTransitions is the fixed lifecycle table. Self-transitions are
// always permitted and are not listed here; anything else not listed
// is rejected with INVALID_TRANSITION.
var validTransitions = map[types.WorkflowStatus][]types.WorkflowStatus{
	types.StatusPending:       {types.StatusRunning, types.StatusFailed, types.StatusCancelled},
	types.StatusRunning:       {types.StatusAwaitingInput, types.StatusStalled, types.StatusCompleted, types.StatusFailed, types.StatusCancelled},
	types.StatusAwaitingInput: {types.StatusRunning, types.StatusCompleted, types.StatusFailed, types.StatusCancelled},
	types.StatusStalled:       {types.StatusRunning, types.StatusFailed},
	types.StatusCompleted:     {},
	types.StatusFailed:        {},
	types.StatusCancelled:     {},
}

// ValidateTransition checks a requested status change against the
// lifecycle table.
func ValidateTransition(from, to types.WorkflowStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return types.NewError(types.ErrInvalidTransition,
		fmt.Sprintf("invalid transition %s -> %s", from, to))
}

const defaultUpdateRetries = 3

// StateStore persists WorkflowInstance records in Redis, one mapping
// per workflow id. Every mutating call goes through an optimistic
// WATCH/MULTI loop so concurrent writers never silently overwrite each
// other; losers retry against the fresh record.
type StateStore struct {
	client     *redis.Client
	prefix     string
	logger     *zap.Logger
	maxRetries int
	now        func() time.Time
}

// NewStateStore creates a state store over the state-partition client.
func NewStateStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *StateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateStore{
		client:     client,
		prefix:     keyPrefix,
		logger:     logger.With(zap.String("component", "state_store")),
		maxRetries: defaultUpdateRetries,
		now:        time.Now,
	}
}

func (s *StateStore) stateKey(id string) string {
	return s.prefix + "wf:state:" + id
}

// Create initializes a pending instance for the workflow id. An
// existing record is left untouched and returned as-is, which makes
// duplicate starts harmless.
func (s *StateStore) Create(ctx context.Context, id string, metadata map[string]string) (*types.WorkflowInstance, error) {
	now := s.now()
	inst := &types.WorkflowInstance{
		ID:           id,
		Status:       types.StatusPending,
		StartedAt:    now,
		LastActivity: now,
		Metadata:     metadata,
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, err
	}

	created, err := s.client.SetNX(ctx, s.stateKey(id), data, 0).Result()
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "creating workflow state").WithCause(err)
	}
	if !created {
		return s.Get(ctx, id)
	}
	return inst, nil
}

// Get retrieves one instance.
func (s *StateStore) Get(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, s.stateKey(id)).Bytes()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrWorkflowNotFound, "workflow "+id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "reading workflow state").WithCause(err)
	}

	var inst types.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// update is the generic read-validate-conditional-write helper. mutate
// sees the freshly read record; if another writer commits in between,
// the transaction fails and the whole cycle is retried up to
// maxRetries times.
func (s *StateStore) update(ctx context.Context, id string, mutate func(*types.WorkflowInstance) error) (*types.WorkflowInstance, error) {
	key := s.stateKey(id)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var result *types.WorkflowInstance

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return types.NewError(types.ErrWorkflowNotFound, "workflow "+id)
			}
			if err != nil {
				return err
			}

			var inst types.WorkflowInstance
			if err := json.Unmarshal(data, &inst); err != nil {
				return err
			}
			if err := mutate(&inst); err != nil {
				return err
			}

			payload, err := json.Marshal(&inst)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err == nil {
				result = &inst
			}
			return err
		}, key)

		if err == redis.TxFailedErr {
			s.logger.Debug("optimistic lock conflict, retrying",
				zap.String("workflow_id", id),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, types.NewError(types.ErrStoreUnavailable,
		fmt.Sprintf("workflow %s: concurrent update conflict persisted after %d attempts", id, s.maxRetries)).
		WithRetryable(true)
}

// Transition applies a validated status change. The optional mutate
// callback runs after validation on the fresh record, so callers can
// set error messages or metadata in the same atomic write.
func (s *StateStore) Transition(ctx context.Context, id string, to types.WorkflowStatus, mutate func(*types.WorkflowInstance)) (*types.WorkflowInstance, error) {
	return s.update(ctx, id, func(inst *types.WorkflowInstance) error {
		if err := ValidateTransition(inst.Status, to); err != nil {
			return err
		}
		from := inst.Status
		inst.Status = to
		inst.LastActivity = s.now()
		if to.IsTerminal() && inst.CompletedAt == nil {
			t := s.now()
			inst.CompletedAt = &t
		}
		if mutate != nil {
			mutate(inst)
		}
		if from != to {
			s.logger.Info("workflow state change",
				zap.String("workflow_id", id),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		}
		return nil
	})
}

// Complete marks the workflow completed.
func (s *StateStore) Complete(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	return s.Transition(ctx, id, types.StatusCompleted, nil)
}

// Fail marks the workflow failed with an error message.
func (s *StateStore) Fail(ctx context.Context, id, errMsg string) (*types.WorkflowInstance, error) {
	return s.Transition(ctx, id, types.StatusFailed, func(inst *types.WorkflowInstance) {
		inst.Error = errMsg
	})
}

// Cancel marks the workflow cancelled. This is the state-side half of
// cancellation; the running worker must observe the cancel signal and
// stop on its own.
func (s *StateStore) Cancel(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	return s.Transition(ctx, id, types.StatusCancelled, nil)
}

// MarkStalled moves a running workflow to stalled after a heartbeat
// timeout. Stalled is recoverable, not terminal.
func (s *StateStore) MarkStalled(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	return s.Transition(ctx, id, types.StatusStalled, nil)
}

// RecoverStalled moves a stalled workflow back to running.
func (s *StateStore) RecoverStalled(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	return s.Transition(ctx, id, types.StatusRunning, nil)
}

// Heartbeat refreshes LastActivity without changing status.
func (s *StateStore) Heartbeat(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(inst *types.WorkflowInstance) error {
		inst.LastActivity = s.now()
		return nil
	})
	return err
}

// SetProgress records execution progress, leaving status untouched.
func (s *StateStore) SetProgress(ctx context.Context, id string, progress float64) error {
	_, err := s.update(ctx, id, func(inst *types.WorkflowInstance) error {
		inst.Progress = progress
		inst.LastActivity = s.now()
		return nil
	})
	return err
}

// SetSessionID records the session id reported by the executing agent.
func (s *StateStore) SetSessionID(ctx context.Context, id, sessionID string) error {
	_, err := s.update(ctx, id, func(inst *types.WorkflowInstance) error {
		inst.SessionID = sessionID
		inst.LastActivity = s.now()
		return nil
	})
	return err
}

// BatchHeartbeat refreshes LastActivity for many workflows. Each id
// goes through the same optimistic WATCH loop as every other write, so
// a transition committed concurrently (a worker finishing while the
// stream writer flushes) is never reverted; the heartbeat retries
// against the fresh record instead. Records that disappeared mid-batch
// are skipped.
func (s *StateStore) BatchHeartbeat(ctx context.Context, ids []string) error {
	now := s.now()
	var firstErr error
	for _, id := range ids {
		_, err := s.update(ctx, id, func(inst *types.WorkflowInstance) error {
			inst.LastActivity = now
			return nil
		})
		if err != nil && !types.IsCode(err, types.ErrWorkflowNotFound) {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("batch heartbeat write failed",
				zap.String("workflow_id", id), zap.Error(err))
		}
	}
	return firstErr
}

// List returns all persisted instances. Used by the sweeps; the scan
// is cursor-based so it is safe against concurrent writes.
func (s *StateStore) List(ctx context.Context) ([]*types.WorkflowInstance, error) {
	var (
		instances []*types.WorkflowInstance
		cursor    uint64
	)
	match := s.prefix + "wf:state:*"

	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, types.NewError(types.ErrStoreUnavailable, "scanning workflow state").WithCause(err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // deleted between scan and read
			}
			var inst types.WorkflowInstance
			if err := json.Unmarshal(data, &inst); err != nil {
				s.logger.Warn("skipping corrupt state record",
					zap.String("key", key), zap.Error(err))
				continue
			}
			if inst.ID == "" {
				inst.ID = strings.TrimPrefix(key, s.prefix+"wf:state:")
			}
			instances = append(instances, &inst)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return instances, nil
}

// Delete removes one instance record.
func (s *StateStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.stateKey(id)).Err()
}
