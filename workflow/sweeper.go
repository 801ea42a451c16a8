package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pavelpapin/conductor/internal/metrics"
	"github.com/pavelpapin/conductor/notify"
	"github.com/pavelpapin/conductor/store"
	"github.com/pavelpapin/conductor/types"
)

// SweeperConfig tunes the retention, trim and stall sweeps.
type SweeperConfig struct {
	// Retention is how long terminal workflows are kept, measured from
	// completion or, lacking that, start time.
	Retention time.Duration `json:"retention" yaml:"retention"`

	// SweepInterval is the cadence of the retention sweep.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// TrimInterval is the cadence of the active-log trim sweep.
	TrimInterval time.Duration `json:"trim_interval" yaml:"trim_interval"`

	// MaxLogLength is the approximate cap logs are trimmed to.
	MaxLogLength int64 `json:"max_log_length" yaml:"max_log_length"`

	// StallAfter is the heartbeat silence that marks a running
	// workflow stalled.
	StallAfter time.Duration `json:"stall_after" yaml:"stall_after"`

	// StallInterval is the cadence of the stall sweep.
	StallInterval time.Duration `json:"stall_interval" yaml:"stall_interval"`

	// NotifyTarget receives stall notifications; empty disables them.
	NotifyTarget string `json:"notify_target" yaml:"notify_target"`
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Retention:     24 * time.Hour,
		SweepInterval: time.Hour,
		TrimInterval:  5 * time.Minute,
		MaxLogLength:  1000,
		StallAfter:    5 * time.Minute,
		StallInterval: time.Minute,
	}
}

// Sweeper reclaims storage for finished workflows, bounds the memory
// of active output logs, and detects workers that died without
// signaling. All sweeps are idempotent and isolate per-item errors so
// one bad record never aborts a pass.
type Sweeper struct {
	conns    *store.Connections
	states   *StateStore
	config   SweeperConfig
	logger   *zap.Logger
	notifier notify.Notifier
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewSweeper wires a sweeper over the shared connections.
func NewSweeper(conns *store.Connections, cfg SweeperConfig, notifier notify.Notifier, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSweeperConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = def.TrimInterval
	}
	if cfg.MaxLogLength <= 0 {
		cfg.MaxLogLength = def.MaxLogLength
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = def.StallAfter
	}
	if cfg.StallInterval <= 0 {
		cfg.StallInterval = def.StallInterval
	}
	return &Sweeper{
		conns:    conns,
		states:   NewStateStore(conns.State, conns.KeyPrefix(), logger),
		config:   cfg,
		logger:   logger.With(zap.String("component", "sweeper")),
		notifier: notifier,
		metrics:  nil,
		now:      time.Now,
	}
}

// SetMetrics attaches a metrics collector.
func (s *Sweeper) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// Run drives all three sweeps on their intervals until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(ctx, s.config.SweepInterval, s.sweepRetentionPass) })
	g.Go(func() error { return s.loop(ctx, s.config.TrimInterval, s.trimPass) })
	g.Go(func() error { return s.loop(ctx, s.config.StallInterval, s.stallPass) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pass(ctx)
		}
	}
}

func (s *Sweeper) sweepRetentionPass(ctx context.Context) {
	n, err := s.SweepRetention(ctx)
	if err != nil {
		s.logger.Warn("retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("retention sweep reclaimed workflows", zap.Int("deleted", n))
	}
}

// SweepRetention deletes state, output log and in-flight marker for
// every terminal workflow older than the retention window, together as
// one unit so no orphaned partial state remains. Running and
// awaiting-input workflows are never touched regardless of age.
func (s *Sweeper) SweepRetention(ctx context.Context) (int, error) {
	instances, err := s.states.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.config.Retention)
	deleted := 0

	for _, inst := range instances {
		if !inst.Status.IsTerminal() {
			continue
		}
		ref := inst.StartedAt
		if inst.CompletedAt != nil {
			ref = *inst.CompletedAt
		}
		if ref.After(cutoff) {
			continue
		}

		prefix := s.conns.KeyPrefix()
		pipe := s.conns.State.Pipeline()
		pipe.Del(ctx, prefix+"wf:state:"+inst.ID)
		pipe.Del(ctx, outputKey(prefix, inst.ID))
		pipe.Del(ctx, prefix+"job:"+inst.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn("deleting expired workflow failed",
				zap.String("workflow_id", inst.ID), zap.Error(err))
			continue
		}
		deleted++
	}

	if s.metrics != nil && deleted > 0 {
		s.metrics.SweepDeleted(deleted)
	}
	return deleted, nil
}

func (s *Sweeper) trimPass(ctx context.Context) {
	n, err := s.TrimActiveLogs(ctx)
	if err != nil {
		s.logger.Warn("trim sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("trimmed active output logs", zap.Int("logs", n))
	}
}

// TrimActiveLogs bounds every output log to the configured cap. This
// runs on a shorter interval than retention so long-running chatty
// jobs cannot grow memory without bound.
func (s *Sweeper) TrimActiveLogs(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		trimmed int
	)
	match := s.conns.KeyPrefix() + "wf:out:*"

	for {
		keys, next, err := s.conns.Stream.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return trimmed, types.NewError(types.ErrStoreUnavailable, "scanning output logs").WithCause(err)
		}
		for _, key := range keys {
			if err := s.conns.Stream.LTrim(ctx, key, -s.config.MaxLogLength, -1).Err(); err != nil {
				s.logger.Warn("trimming output log failed",
					zap.String("key", key), zap.Error(err))
				continue
			}
			trimmed++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return trimmed, nil
}

func (s *Sweeper) stallPass(ctx context.Context) {
	n, err := s.SweepStalled(ctx)
	if err != nil {
		s.logger.Warn("stall sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("workflows marked stalled", zap.Int("count", n))
	}
}

// SweepStalled marks running workflows stalled when no heartbeat has
// been observed within the threshold. Stalled is surfaced to
// operators; nothing is killed.
func (s *Sweeper) SweepStalled(ctx context.Context) (int, error) {
	instances, err := s.states.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.config.StallAfter)
	stalled := 0

	for _, inst := range instances {
		if inst.Status != types.StatusRunning || inst.LastActivity.After(cutoff) {
			continue
		}
		if _, err := s.states.MarkStalled(ctx, inst.ID); err != nil {
			// A concurrent transition beat us; that record is alive again.
			s.logger.Debug("stall transition rejected",
				zap.String("workflow_id", inst.ID), zap.Error(err))
			continue
		}
		stalled++
		notify.Best(ctx, s.notifier, s.config.NotifyTarget,
			fmt.Sprintf("workflow %s stalled: no heartbeat since %s",
				inst.ID, inst.LastActivity.Format(time.RFC3339)), s.logger)
	}

	if s.metrics != nil && stalled > 0 {
		s.metrics.SweepStalled(stalled)
	}
	return stalled, nil
}
