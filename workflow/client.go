package workflow

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pavelpapin/conductor/store"
	"github.com/pavelpapin/conductor/types"
)

// ClientConfig tunes the workflow client.
type ClientConfig struct {
	// DefaultQueue is the queue used when StartOptions leaves it empty.
	DefaultQueue string `json:"default_queue" yaml:"default_queue"`

	// WaitPollInterval is the status poll interval of WaitForResult.
	WaitPollInterval time.Duration `json:"wait_poll_interval" yaml:"wait_poll_interval"`

	// WaitTimeout bounds WaitForResult.
	WaitTimeout time.Duration `json:"wait_timeout" yaml:"wait_timeout"`

	// Tail tunes output subscriptions.
	Tail TailConfig `json:"-" yaml:"-"`
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DefaultQueue:     "agents",
		WaitPollInterval: 2 * time.Second,
		WaitTimeout:      2 * time.Hour,
		Tail:             DefaultTailConfig(),
	}
}

// StartOptions control a workflow start.
type StartOptions struct {
	// WorkflowID is a caller-supplied idempotent id; empty generates one.
	WorkflowID string

	// Queue overrides the default queue name.
	Queue string

	// Delay postpones execution.
	Delay time.Duration

	// Cron makes the job recurring at the queue level.
	Cron string

	// Metadata is attached to the workflow instance.
	Metadata map[string]string
}

// Result is the terminal outcome of waiting on a workflow.
type Result struct {
	WorkflowID string               `json:"workflow_id"`
	Status     types.WorkflowStatus `json:"status"`
	Error      string               `json:"error,omitempty"`
	TimedOut   bool                 `json:"timed_out,omitempty"`
}

// Handle refers to a started workflow.
type Handle struct {
	WorkflowID string

	client *Client
}

// Wait blocks until the workflow reaches a terminal status or the
// client's wait timeout elapses.
func (h *Handle) Wait(ctx context.Context) Result {
	return h.client.WaitForResult(ctx, h.WorkflowID)
}

// Client is the public face of the job queue and workflow state: it
// enqueues work, relays control signals, queries status, requests
// cancellation and tails output streams.
type Client struct {
	conns  *store.Connections
	states *StateStore
	queue  *Queue
	config ClientConfig
	logger *zap.Logger
}

// NewClient wires a client over the shared connections.
func NewClient(conns *store.Connections, cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = DefaultClientConfig().DefaultQueue
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = DefaultClientConfig().WaitPollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultClientConfig().WaitTimeout
	}
	if cfg.Tail.PollInterval <= 0 {
		cfg.Tail = DefaultTailConfig()
	}
	return &Client{
		conns:  conns,
		states: NewStateStore(conns.State, conns.KeyPrefix(), logger),
		queue:  NewQueue(conns.Queue, conns.KeyPrefix(), logger),
		config: cfg,
		logger: logger.With(zap.String("component", "workflow_client")),
	}
}

// States exposes the underlying state store.
func (c *Client) States() *StateStore { return c.states }

// Queue exposes the underlying job queue.
func (c *Client) Queue() *Queue { return c.queue }

// Start enqueues a named job and initializes its workflow instance as
// pending. A duplicate in-flight workflow id returns a handle to the
// existing execution instead of starting a second one.
func (c *Client) Start(ctx context.Context, name string, params map[string]any, opts StartOptions) (*Handle, error) {
	queueName := opts.Queue
	if queueName == "" {
		queueName = c.config.DefaultQueue
	}

	job, err := c.queue.Enqueue(ctx, queueName, name, params, EnqueueOptions{
		JobID: opts.WorkflowID,
		Delay: opts.Delay,
		Cron:  opts.Cron,
	})
	if err != nil {
		if types.IsCode(err, types.ErrDuplicateJob) {
			c.logger.Info("duplicate start ignored", zap.String("workflow_id", opts.WorkflowID))
			return &Handle{WorkflowID: opts.WorkflowID, client: c}, nil
		}
		return nil, err
	}

	if _, err := c.states.Create(ctx, job.ID, opts.Metadata); err != nil {
		return nil, err
	}

	c.logger.Info("workflow started",
		zap.String("workflow_id", job.ID),
		zap.String("name", name),
		zap.String("queue", queueName))
	return &Handle{WorkflowID: job.ID, client: c}, nil
}

func signalChannel(prefix, workflowID string) string {
	return prefix + "wf:sig:" + workflowID
}

// Signal publishes a transient signal to the workflow's channel.
// Delivery is fire-and-forget: nothing is retained for subscribers
// that attach later.
func (c *Client) Signal(ctx context.Context, workflowID, name string, data map[string]any) error {
	sig := types.Signal{Name: name, Data: data, Timestamp: time.Now()}
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return c.conns.Queue.Publish(ctx, signalChannel(c.conns.KeyPrefix(), workflowID), payload).Err()
}

// Query reads derived state. Only the "status" query is supported;
// unknown names fail with UNSUPPORTED_QUERY.
func (c *Client) Query(ctx context.Context, workflowID, name string) (*types.QueryStatusResult, error) {
	if name != "status" {
		return nil, types.NewError(types.ErrUnsupportedQuery, "unsupported query "+name)
	}
	inst, err := c.states.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &types.QueryStatusResult{
		WorkflowID:   inst.ID,
		Status:       inst.Status,
		Progress:     inst.Progress,
		Error:        inst.Error,
		LastActivity: inst.LastActivity,
	}, nil
}

// Cancel sends interrupt and cancel signals, then marks the state
// cancelled. Cancellation is advisory: the running worker must observe
// the signal and stop on its own.
func (c *Client) Cancel(ctx context.Context, workflowID string) error {
	if err := c.Signal(ctx, workflowID, types.SignalInterrupt, nil); err != nil {
		c.logger.Warn("interrupt signal publish failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
	if err := c.Signal(ctx, workflowID, types.SignalCancel, nil); err != nil {
		c.logger.Warn("cancel signal publish failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}

	_, err := c.states.Cancel(ctx, workflowID)
	return err
}

// SubscribeToOutput tails the workflow's output log from the current
// tail position, invoking cb for each new event in order, and returns
// an unsubscribe function. The tail loop stops automatically when a
// completed event is observed.
func (c *Client) SubscribeToOutput(workflowID string, cb func(types.OutputEvent)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	sub := c.conns.NewSubscriber()

	go func() {
		defer func() { _ = sub.Close() }()
		err := tailOutput(ctx, sub, c.conns.KeyPrefix(), workflowID, true, c.config.Tail, c.logger, cb)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("output subscription terminated",
				zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}()

	return cancel
}

// ReplayOutput reads the retained portion of the log from the
// beginning, then keeps tailing like SubscribeToOutput.
func (c *Client) ReplayOutput(ctx context.Context, workflowID string, cb func(types.OutputEvent)) error {
	sub := c.conns.NewSubscriber()
	defer func() { _ = sub.Close() }()
	return tailOutput(ctx, sub, c.conns.KeyPrefix(), workflowID, false, c.config.Tail, c.logger, cb)
}

// WaitForResult polls the status query until a terminal status or the
// configured timeout elapses. A timeout yields a failure Result rather
// than blocking forever.
func (c *Client) WaitForResult(ctx context.Context, workflowID string) Result {
	deadline := time.Now().Add(c.config.WaitTimeout)

	for {
		snap, err := c.Query(ctx, workflowID, "status")
		if err == nil && snap.Status.IsTerminal() {
			return Result{
				WorkflowID: workflowID,
				Status:     snap.Status,
				Error:      snap.Error,
			}
		}
		if err != nil && !types.IsCode(err, types.ErrWorkflowNotFound) {
			c.logger.Warn("status poll failed",
				zap.String("workflow_id", workflowID), zap.Error(err))
		}

		if time.Now().After(deadline) {
			return Result{
				WorkflowID: workflowID,
				Status:     types.StatusFailed,
				Error:      types.NewError(types.ErrTimeout, "timed out waiting for result").Error(),
				TimedOut:   true,
			}
		}
		if !sleepCtx(ctx, c.config.WaitPollInterval) {
			return Result{
				WorkflowID: workflowID,
				Status:     types.StatusFailed,
				Error:      ctx.Err().Error(),
				TimedOut:   true,
			}
		}
	}
}
