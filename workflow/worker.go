package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pavelpapin/conductor/internal/metrics"
	"github.com/pavelpapin/conductor/store"
	"github.com/pavelpapin/conductor/types"
)

// EmitFunc publishes one output event for the job being executed.
type EmitFunc func(types.OutputEvent)

// Runner executes one job on behalf of a worker. The implementation is
// the boundary to the external agent process: it receives the job, a
// channel of transient signals relayed from the workflow's channel,
// and an emit function for incremental output. Cancellation is
// cooperative: the runner must honor ctx, which is cancelled when a
// cancel or interrupt signal arrives.
type Runner interface {
	Run(ctx context.Context, job Job, signals <-chan types.Signal, emit EmitFunc) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job Job, signals <-chan types.Signal, emit EmitFunc) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, job Job, signals <-chan types.Signal, emit EmitFunc) error {
	return f(ctx, job, signals, emit)
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	// Queue is the queue the pool consumes.
	Queue string `json:"queue" yaml:"queue"`

	// Concurrency is the number of parallel workers.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// DequeueWait is the blocking-pop timeout per poll.
	DequeueWait time.Duration `json:"dequeue_wait" yaml:"dequeue_wait"`

	// HeartbeatInterval is how often a running job refreshes
	// LastActivity.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Queue:             "agents",
		Concurrency:       4,
		DequeueWait:       5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// WorkerPool pulls jobs off a queue and executes them through a
// Runner, streaming output through the StreamWriter and driving the
// state machine for each job's lifecycle.
type WorkerPool struct {
	conns   *store.Connections
	states  *StateStore
	queue   *Queue
	writer  *StreamWriter
	runner  Runner
	config  WorkerConfig
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewWorkerPool wires a pool over the shared connections.
func NewWorkerPool(conns *store.Connections, writer *StreamWriter, runner Runner, cfg WorkerConfig, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultWorkerConfig().Queue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultWorkerConfig().Concurrency
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = DefaultWorkerConfig().DequeueWait
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultWorkerConfig().HeartbeatInterval
	}
	return &WorkerPool{
		conns:  conns,
		states: NewStateStore(conns.State, conns.KeyPrefix(), logger),
		queue:  NewQueue(conns.Queue, conns.KeyPrefix(), logger),
		writer: writer,
		runner: runner,
		config: cfg,
		logger: logger.With(zap.String("component", "worker_pool")),
	}
}

// SetMetrics attaches a metrics collector.
func (p *WorkerPool) SetMetrics(m *metrics.Collector) {
	p.metrics = m
}

// Run consumes the queue until ctx is done. Each worker loops
// dequeue-execute; per-job failures are recorded in workflow state,
// never propagated out of the pool.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			log := p.logger.With(zap.Int("worker", worker))
			for {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				job, err := p.queue.Dequeue(ctx, p.config.Queue, p.config.DequeueWait)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					log.Warn("dequeue failed", zap.Error(err))
					sleepCtx(ctx, time.Second)
					continue
				}
				if job == nil {
					continue
				}
				p.execute(ctx, log, job)
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// execute drives one job through its full lifecycle.
func (p *WorkerPool) execute(ctx context.Context, log *zap.Logger, job *Job) {
	log = log.With(zap.String("workflow_id", job.ID), zap.String("job", job.Name))

	// The instance exists already for client-submitted jobs; recurring
	// queue-level jobs materialize theirs here.
	if _, err := p.states.Create(ctx, job.ID, nil); err != nil {
		log.Error("creating workflow state failed", zap.Error(err))
		return
	}
	if _, err := p.states.Transition(ctx, job.ID, types.StatusRunning, nil); err != nil {
		// A cancel that raced the dequeue wins; drop the job.
		log.Warn("job not runnable", zap.Error(err))
		p.release(job)
		return
	}
	if p.metrics != nil {
		p.metrics.JobStarted(job.Queue)
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	signals := make(chan types.Signal, 8)
	stopSignals := p.relaySignals(jobCtx, log, job.ID, signals, cancelJob)
	defer stopSignals()

	stopHeartbeat := p.startHeartbeat(jobCtx, log, job.ID)
	defer stopHeartbeat()

	// Input events drive the pause states: a request for input parks
	// the workflow in awaiting_input, the echo of the delivered input
	// resumes it.
	emit := func(ev types.OutputEvent) {
		p.writer.Write(job.ID, ev)
		switch ev.Type {
		case types.EventInputRequest:
			if _, err := p.states.Transition(jobCtx, job.ID, types.StatusAwaitingInput, nil); err != nil {
				log.Warn("marking workflow awaiting input failed", zap.Error(err))
			}
		case types.EventInputEcho:
			if _, err := p.states.Transition(jobCtx, job.ID, types.StatusRunning, nil); err != nil {
				log.Warn("resuming workflow from awaiting input failed", zap.Error(err))
			}
		}
	}

	start := time.Now()
	runErr := p.runner.Run(jobCtx, *job, signals, emit)
	duration := time.Since(start)

	p.finish(ctx, log, job, runErr, duration)
}

// finish records the terminal state and event for a finished job.
func (p *WorkerPool) finish(ctx context.Context, log *zap.Logger, job *Job, runErr error, duration time.Duration) {
	defer p.release(job)

	if ctx.Err() != nil && runErr != nil {
		// Pool shutdown mid-job: leave the record running so the stall
		// detector surfaces it instead of mislabeling it failed.
		log.Info("job interrupted by shutdown")
		return
	}

	switch {
	case runErr == nil:
		p.writer.Write(job.ID, types.OutputEvent{Type: types.EventCompleted, Content: "done"})
		if _, err := p.states.Complete(ctx, job.ID); err != nil {
			log.Error("completing workflow failed", zap.Error(err))
			return
		}
		log.Info("job completed", zap.Duration("duration", duration))
		if p.metrics != nil {
			p.metrics.JobFinished(job.Queue, string(types.StatusCompleted), duration)
		}

	case errors.Is(runErr, context.Canceled):
		// Cancelled via signal; the client already marked the state.
		p.writer.Write(job.ID, types.OutputEvent{Type: types.EventCompleted, Content: "cancelled"})
		log.Info("job cancelled", zap.Duration("duration", duration))
		if p.metrics != nil {
			p.metrics.JobFinished(job.Queue, string(types.StatusCancelled), duration)
		}

	default:
		p.writer.Write(job.ID, types.OutputEvent{Type: types.EventError, Content: runErr.Error()})
		p.writer.Write(job.ID, types.OutputEvent{Type: types.EventCompleted, Content: "failed"})
		if _, err := p.states.Fail(ctx, job.ID, runErr.Error()); err != nil {
			log.Error("failing workflow failed", zap.Error(err))
		}
		log.Warn("job failed", zap.Error(runErr), zap.Duration("duration", duration))
		if p.metrics != nil {
			p.metrics.JobFinished(job.Queue, string(types.StatusFailed), duration)
		}
	}
}

func (p *WorkerPool) release(job *Job) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Release(releaseCtx, job.ID); err != nil {
		p.logger.Warn("releasing in-flight marker failed",
			zap.String("workflow_id", job.ID), zap.Error(err))
	}
}

// relaySignals subscribes a dedicated pub/sub connection to the
// workflow's signal channel and forwards signals to the runner.
// Cancel and interrupt signals additionally cancel the job context.
func (p *WorkerPool) relaySignals(ctx context.Context, log *zap.Logger, workflowID string, signals chan<- types.Signal, cancelJob context.CancelFunc) func() {
	sub := p.conns.NewSubscriber()
	pubsub := sub.Subscribe(ctx, signalChannel(p.conns.KeyPrefix(), workflowID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var sig types.Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					log.Warn("dropping malformed signal", zap.Error(err))
					continue
				}
				if sig.Name == types.SignalCancel || sig.Name == types.SignalInterrupt {
					log.Info("cancellation signal received", zap.String("signal", sig.Name))
					cancelJob()
				}
				select {
				case signals <- sig:
				default:
					log.Warn("signal buffer full, dropping", zap.String("signal", sig.Name))
				}
			}
		}
	}()

	return func() {
		_ = pubsub.Close()
		_ = sub.Close()
		<-done
	}
}

// startHeartbeat refreshes LastActivity on an interval while a job
// runs. Heartbeats never change status.
func (p *WorkerPool) startHeartbeat(ctx context.Context, log *zap.Logger, workflowID string) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.states.Heartbeat(ctx, workflowID); err != nil && ctx.Err() == nil {
					log.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() { <-done }
}
