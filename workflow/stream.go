package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pavelpapin/conductor/internal/metrics"
	"github.com/pavelpapin/conductor/types"
)

// StreamConfig tunes the output stream writer.
type StreamConfig struct {
	// BatchSize is the number of buffered events that forces a flush.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// FlushInterval is the maximum time a buffered event waits before
	// being flushed.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// MaxLogLength is the approximate cap on each workflow's output
	// log; older entries are trimmed.
	MaxLogLength int64 `json:"max_log_length" yaml:"max_log_length"`
}

// DefaultStreamConfig returns the default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		BatchSize:     25,
		FlushInterval: 500 * time.Millisecond,
		MaxLogLength:  1000,
	}
}

// StreamWriter decouples per-chunk output production from per-chunk
// store writes. Events accumulate in memory and are flushed as one
// pipelined write when the batch size is reached or the flush interval
// elapses, whichever comes first. Each flush touches every affected
// workflow's LastActivity exactly once. Unflushed events are lost on
// crash; call Close before shutdown to drain the last partial batch.
type StreamWriter struct {
	client  *redis.Client
	states  *StateStore
	prefix  string
	config  StreamConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[string][]types.OutputEvent
	count   int

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewStreamWriter creates a writer over the stream-partition client
// and starts its flush loop. The state store is used for the per-flush
// heartbeat touch; m may be nil.
func NewStreamWriter(client *redis.Client, keyPrefix string, states *StateStore, cfg StreamConfig, logger *zap.Logger, m *metrics.Collector) *StreamWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultStreamConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultStreamConfig().FlushInterval
	}
	if cfg.MaxLogLength <= 0 {
		cfg.MaxLogLength = DefaultStreamConfig().MaxLogLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &StreamWriter{
		client:  client,
		states:  states,
		prefix:  keyPrefix,
		config:  cfg,
		logger:  logger.With(zap.String("component", "stream_writer")),
		metrics: m,
		pending: make(map[string][]types.OutputEvent),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

func outputKey(prefix, workflowID string) string {
	return prefix + "wf:out:" + workflowID
}

// Write buffers one event for a workflow. The write is asynchronous;
// durability is only guaranteed after the next flush.
func (w *StreamWriter) Write(workflowID string, ev types.OutputEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	w.mu.Lock()
	w.pending[workflowID] = append(w.pending[workflowID], ev)
	w.count++
	full := w.count >= w.config.BatchSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(context.Background()); err != nil {
			w.logger.Warn("batch flush failed", zap.Error(err))
		}
	}
}

// Flush writes all buffered events in one pipeline: RPUSH per workflow
// plus an LTRIM to the configured cap, then one heartbeat touch per
// affected workflow.
func (w *StreamWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.count == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.pending
	flushed := w.count
	w.pending = make(map[string][]types.OutputEvent)
	w.count = 0
	w.mu.Unlock()

	pipe := w.client.Pipeline()
	ids := make([]string, 0, len(batch))
	for workflowID, events := range batch {
		key := outputKey(w.prefix, workflowID)
		values := make([]any, 0, len(events))
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				w.logger.Warn("dropping unmarshalable event",
					zap.String("workflow_id", workflowID), zap.Error(err))
				continue
			}
			values = append(values, data)
		}
		if len(values) == 0 {
			continue
		}
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, -w.config.MaxLogLength, -1)
		ids = append(ids, workflowID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		// Requeue so the next flush retries; events stay at-most-once.
		w.mu.Lock()
		for id, events := range batch {
			w.pending[id] = append(events, w.pending[id]...)
			w.count += len(events)
		}
		w.mu.Unlock()
		return types.NewError(types.ErrStoreUnavailable, "flushing output events").WithCause(err).WithRetryable(true)
	}

	if w.metrics != nil {
		w.metrics.StreamFlush(flushed)
	}

	if err := w.states.BatchHeartbeat(ctx, ids); err != nil {
		w.logger.Warn("post-flush heartbeat failed", zap.Error(err))
	}
	return nil
}

func (w *StreamWriter) flushLoop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				w.logger.Warn("interval flush failed", zap.Error(err))
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the flush loop and drains any pending events. It must be
// called before process shutdown to avoid losing the last partial
// batch.
func (w *StreamWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		<-w.stopped
		err = w.Flush(context.Background())
	})
	return err
}

// TailConfig tunes an output subscription.
type TailConfig struct {
	// PollInterval is the bounded wait between reads while the log is
	// quiet or does not exist yet.
	PollInterval time.Duration

	// RetryBackoff is the wait after a transient read error.
	RetryBackoff time.Duration

	// MaxRetries bounds consecutive transient read errors before the
	// subscription gives up.
	MaxRetries int
}

// DefaultTailConfig returns the default tail configuration.
func DefaultTailConfig() TailConfig {
	return TailConfig{
		PollInterval: 250 * time.Millisecond,
		RetryBackoff: time.Second,
		MaxRetries:   5,
	}
}

// tailOutput reads a workflow's output log from the given position,
// invoking cb for each event in write order. It tolerates the log not
// existing yet, retries transient read errors with backoff, and stops
// when a completed event is observed or ctx is done.
func tailOutput(ctx context.Context, client *redis.Client, prefix, workflowID string, fromTail bool, cfg TailConfig, logger *zap.Logger, cb func(types.OutputEvent)) error {
	key := outputKey(prefix, workflowID)

	var cursor int64
	if fromTail {
		n, err := client.LLen(ctx, key).Result()
		if err == nil {
			cursor = n
		}
	}

	retries := 0
	for {
		entries, err := client.LRange(ctx, key, cursor, -1).Result()
		if err != nil {
			retries++
			if retries > cfg.MaxRetries {
				return types.NewError(types.ErrStoreUnavailable, "tailing output log").WithCause(err)
			}
			logger.Warn("transient tail read error",
				zap.String("workflow_id", workflowID),
				zap.Int("retry", retries),
				zap.Error(err))
			if !sleepCtx(ctx, cfg.RetryBackoff) {
				return ctx.Err()
			}
			continue
		}
		retries = 0

		if len(entries) == 0 {
			// The log may have been trimmed below our cursor; resync so
			// we keep making progress instead of waiting forever.
			if n, lerr := client.LLen(ctx, key).Result(); lerr == nil && n < cursor {
				cursor = n
			}
			if !sleepCtx(ctx, cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		for _, raw := range entries {
			cursor++
			var ev types.OutputEvent
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				logger.Warn("skipping corrupt output event",
					zap.String("workflow_id", workflowID), zap.Error(err))
				continue
			}
			cb(ev)
			if ev.Type == types.EventCompleted {
				return nil
			}
		}
	}
}

// sleepCtx sleeps for d unless ctx finishes first; returns false when
// the context ended the wait.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
