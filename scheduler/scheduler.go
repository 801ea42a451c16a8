// Package scheduler drives the cron-based catch-up loop: once per
// invocation it decides which recurring items are due, including
// catch-up for missed ticks within a bounded look-back window,
// respects inter-item dependencies, and submits the due set
// sequentially through the workflow client.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pavelpapin/conductor/internal/metrics"
	"github.com/pavelpapin/conductor/notify"
	"github.com/pavelpapin/conductor/types"
	"github.com/pavelpapin/conductor/workflow"
)

// Item is one recurring job definition, rebuilt from configuration on
// every tick and never cached across ticks.
type Item struct {
	ID       string `json:"id" yaml:"id"`
	Cron     string `json:"cron" yaml:"cron"`
	Timezone string `json:"timezone" yaml:"timezone"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`

	// After names a prerequisite item: this item only runs when the
	// prerequisite's last run exists, is recent, and did not fail.
	After string `json:"after,omitempty" yaml:"after,omitempty"`

	// Priority orders the due set: data-collection items carry lower
	// values than the items depending on their output. Ties break on ID.
	Priority int `json:"priority" yaml:"priority"`

	// Name and Params form the execution payload submitted to the queue.
	Name   string         `json:"name" yaml:"name"`
	Queue  string         `json:"queue,omitempty" yaml:"queue,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Config tunes the scheduler.
type Config struct {
	// CatchUpWindow is the bounded look-back: a missed scheduled run
	// older than this is never caught up.
	CatchUpWindow time.Duration `json:"catch_up_window" yaml:"catch_up_window"`

	// StatePath is the on-disk run-state bookkeeping file.
	StatePath string `json:"state_path" yaml:"state_path"`

	// ItemDelay paces sequential submissions so a batch does not burst
	// the worker pool.
	ItemDelay time.Duration `json:"item_delay" yaml:"item_delay"`

	// NotifyTarget receives the hourly heartbeat and run summaries.
	NotifyTarget string `json:"notify_target" yaml:"notify_target"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		CatchUpWindow: 2 * time.Hour,
		StatePath:     "./data/scheduler-state.json",
		ItemDelay:     5 * time.Second,
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler submits due items through the workflow client, with an
// optional direct runner as the fallback submission path.
type Scheduler struct {
	client   *workflow.Client
	direct   workflow.Runner
	notifier notify.Notifier
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	pacer    *rate.Limiter
	now      func() time.Time
}

// New creates a scheduler. direct may be nil to disable the fallback
// execution path.
func New(client *workflow.Client, direct workflow.Runner, notifier notify.Notifier, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.CatchUpWindow <= 0 {
		cfg.CatchUpWindow = def.CatchUpWindow
	}
	if cfg.StatePath == "" {
		cfg.StatePath = def.StatePath
	}
	if cfg.ItemDelay <= 0 {
		cfg.ItemDelay = def.ItemDelay
	}
	return &Scheduler{
		client:   client,
		direct:   direct,
		notifier: notifier,
		config:   cfg,
		logger:   logger.With(zap.String("component", "scheduler")),
		pacer:    rate.NewLimiter(rate.Every(cfg.ItemDelay), 1),
		now:      time.Now,
	}
}

// SetMetrics attaches a metrics collector.
func (s *Scheduler) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// lastScheduledAt returns the most recent cron occurrence at or before
// now, looking back at most window. found is false when no occurrence
// falls inside the window.
func lastScheduledAt(expr, tz string, now time.Time, window time.Duration) (time.Time, bool, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing cron %q: %w", expr, err)
	}

	loc := now.Location()
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("loading timezone %q: %w", tz, err)
		}
	}

	var last time.Time
	found := false
	t := now.Add(-window).In(loc).Add(-time.Second)
	for i := 0; i < 10000; i++ {
		t = sched.Next(t)
		if t.IsZero() || t.After(now) {
			break
		}
		last, found = t, true
	}
	return last, found, nil
}

// isDue applies the catch-up rule: the most recent scheduled time must
// fall within the window and be strictly after the item's last
// recorded run. An item that has never run is due whenever a scheduled
// time falls inside the window.
func (s *Scheduler) isDue(item Item, st ItemRunState, now time.Time) (bool, error) {
	scheduledAt, found, err := lastScheduledAt(item.Cron, item.Timezone, now, s.config.CatchUpWindow)
	if err != nil || !found {
		return false, err
	}
	if st.LastRun.IsZero() {
		return true, nil
	}
	return scheduledAt.After(st.LastRun), nil
}

// prerequisiteMet checks the After gate: the prerequisite must have a
// recorded run within the catch-up window that did not fail.
func (s *Scheduler) prerequisiteMet(item Item, state *stateFile, now time.Time) bool {
	if item.After == "" {
		return true
	}
	pre, ok := state.Items[item.After]
	if !ok || pre.LastRun.IsZero() {
		return false
	}
	if now.Sub(pre.LastRun) > s.config.CatchUpWindow {
		return false
	}
	return pre.LastStatus != RunFailed && pre.LastStatus != RunRunning
}

// DueItems computes the ordered due set for a tick by the catch-up
// rule alone; the prerequisite gate is applied at execution time so
// items satisfied by a prerequisite running earlier in the same batch
// are not lost.
func (s *Scheduler) DueItems(items []Item, state *stateFile, now time.Time) []Item {
	var due []Item
	for _, item := range items {
		if !item.Enabled || item.Cron == "" {
			continue
		}
		ok, err := s.isDue(item, state.Items[item.ID], now)
		if err != nil {
			s.logger.Warn("skipping item with bad schedule",
				zap.String("item", item.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		due = append(due, item)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].ID < due[j].ID
	})
	return due
}

// Tick runs one scheduler pass over the given items. State is
// persisted after every item so a crash mid-batch neither loses
// progress nor re-runs completed items on the next tick.
func (s *Scheduler) Tick(ctx context.Context, items []Item) error {
	now := s.now()

	state, err := loadState(s.config.StatePath)
	if err != nil {
		return err
	}

	due := s.DueItems(items, state, now)
	s.logger.Info("scheduler tick",
		zap.Int("configured", len(items)),
		zap.Int("due", len(due)))

	var succeeded, failed int
	for _, item := range due {
		// The gate is evaluated at execution time: prerequisites sort
		// earlier and have run (or failed) by the time dependents are
		// reached.
		if !s.prerequisiteMet(item, state, s.now()) {
			s.logger.Info("skipping item: prerequisite not satisfied",
				zap.String("item", item.ID),
				zap.String("after", item.After))
			if s.metrics != nil {
				s.metrics.SchedulerItem(item.ID, "skipped")
			}
			continue
		}

		if err := s.pacer.Wait(ctx); err != nil {
			return err
		}

		state.Items[item.ID] = ItemRunState{LastRun: s.now(), LastStatus: RunRunning}
		if err := saveState(s.config.StatePath, state); err != nil {
			return err
		}

		run := s.execute(ctx, item)
		state.Items[item.ID] = run
		if err := saveState(s.config.StatePath, state); err != nil {
			return err
		}

		if run.LastStatus == RunSuccess {
			succeeded++
		} else {
			failed++
		}
		if s.metrics != nil {
			s.metrics.SchedulerItem(item.ID, string(run.LastStatus))
		}
	}

	s.heartbeat(ctx, state, len(due), succeeded, failed)
	if err := saveState(s.config.StatePath, state); err != nil {
		return err
	}
	return nil
}

// execute submits one item and waits for its outcome. The primary path
// is the workflow client; when submission fails and a direct runner is
// wired, the item runs in-process before giving up.
func (s *Scheduler) execute(ctx context.Context, item Item) ItemRunState {
	started := s.now()
	run := ItemRunState{LastRun: started, LastStatus: RunRunning}

	handle, err := s.client.Start(ctx, item.Name, item.Params, workflow.StartOptions{
		Queue:    item.Queue,
		Metadata: map[string]string{"scheduled_by": item.ID},
	})
	if err != nil {
		s.logger.Warn("queue submission failed, trying direct execution",
			zap.String("item", item.ID), zap.Error(err))
		return s.executeDirect(ctx, item, started)
	}

	run.WorkflowID = handle.WorkflowID
	result := handle.Wait(ctx)
	run.Duration = s.now().Sub(started)

	if result.Status == types.StatusCompleted {
		run.LastStatus = RunSuccess
	} else {
		run.LastStatus = RunFailed
		run.Error = result.Error
		if run.Error == "" {
			run.Error = "workflow ended " + string(result.Status)
		}
	}

	s.logger.Info("scheduled item finished",
		zap.String("item", item.ID),
		zap.String("workflow_id", run.WorkflowID),
		zap.String("status", string(run.LastStatus)),
		zap.Duration("duration", run.Duration))
	return run
}

func (s *Scheduler) executeDirect(ctx context.Context, item Item, started time.Time) ItemRunState {
	run := ItemRunState{LastRun: started}
	if s.direct == nil {
		run.LastStatus = RunFailed
		run.Error = "queue unavailable and no direct execution path"
		return run
	}

	job := workflow.Job{ID: "direct-" + item.ID, Queue: item.Queue, Name: item.Name, Params: item.Params}
	signals := make(chan types.Signal)
	err := s.direct.Run(ctx, job, signals, func(types.OutputEvent) {})
	run.Duration = s.now().Sub(started)
	if err != nil {
		run.LastStatus = RunFailed
		run.Error = err.Error()
	} else {
		run.LastStatus = RunSuccess
	}
	return run
}

// heartbeat emits a status summary at most once per clock hour,
// independent of whether anything ran.
func (s *Scheduler) heartbeat(ctx context.Context, state *stateFile, due, succeeded, failed int) {
	now := s.now()
	if state.LastHeartbeat.Truncate(time.Hour).Equal(now.Truncate(time.Hour)) {
		return
	}
	state.LastHeartbeat = now
	notify.Best(ctx, s.notifier, s.config.NotifyTarget,
		fmt.Sprintf("scheduler heartbeat: %d due, %d succeeded, %d failed", due, succeeded, failed),
		s.logger)
}
