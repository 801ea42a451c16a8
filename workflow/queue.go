package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pavelpapin/conductor/types"
)

// Job is one unit of work on a named queue.
type Job struct {
	ID         string         `json:"id"`
	Queue      string         `json:"queue"`
	Name       string         `json:"name"`
	Params     map[string]any `json:"params,omitempty"`
	Cron       string         `json:"cron,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// EnqueueOptions control how a job is queued.
type EnqueueOptions struct {
	// JobID is an optional idempotent job id. A duplicate id for an
	// in-flight job does not create a second concurrent execution.
	JobID string

	// Delay postpones the job's eligibility for dequeue.
	Delay time.Duration

	// Cron makes the job recurring at the queue level: each dequeue
	// re-schedules the next occurrence.
	Cron string
}

const inflightTTL = 24 * time.Hour

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Queue is a Redis-list job queue with a sorted-set lane for delayed
// and recurring jobs. Ready jobs are LPUSHed and consumed with BRPOP;
// delayed jobs sit in a ZSET scored by due time and are promoted on
// the dequeue path.
type Queue struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a queue over the queue-partition client.
func NewQueue(client *redis.Client, keyPrefix string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client: client,
		prefix: keyPrefix,
		logger: logger.With(zap.String("component", "queue")),
		now:    time.Now,
	}
}

func (q *Queue) readyKey(queue string) string {
	return q.prefix + "queue:" + queue
}

func (q *Queue) delayedKey(queue string) string {
	return q.prefix + "queue:" + queue + ":delayed"
}

func (q *Queue) inflightKey(jobID string) string {
	return q.prefix + "job:" + jobID
}

// Enqueue adds a job to the named queue and returns it with its id
// assigned. Duplicate in-flight job ids return ErrDuplicateJob.
func (q *Queue) Enqueue(ctx context.Context, queue, name string, params map[string]any, opts EnqueueOptions) (*Job, error) {
	job := &Job{
		ID:         opts.JobID,
		Queue:      queue,
		Name:       name,
		Params:     params,
		Cron:       opts.Cron,
		EnqueuedAt: q.now(),
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	ok, err := q.client.SetNX(ctx, q.inflightKey(job.ID), "1", inflightTTL).Result()
	if err != nil {
		return nil, types.NewError(types.ErrQueueUnavailable, "marking job in-flight").WithCause(err)
	}
	if !ok {
		return nil, types.NewError(types.ErrDuplicateJob, "job "+job.ID+" is already in flight")
	}

	runAt := q.now().Add(opts.Delay)
	if opts.Cron != "" {
		sched, err := cronParser.Parse(opts.Cron)
		if err != nil {
			return nil, types.NewError(types.ErrQueueUnavailable, "invalid cron expression").WithCause(err)
		}
		runAt = sched.Next(q.now())
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	if opts.Delay > 0 || opts.Cron != "" {
		err = q.client.ZAdd(ctx, q.delayedKey(queue), redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: data,
		}).Err()
	} else {
		err = q.client.LPush(ctx, q.readyKey(queue), data).Err()
	}
	if err != nil {
		return nil, types.NewError(types.ErrQueueUnavailable, "enqueueing job").WithCause(err)
	}

	q.logger.Debug("job enqueued",
		zap.String("queue", queue),
		zap.String("job_id", job.ID),
		zap.Duration("delay", opts.Delay))
	return job, nil
}

// Dequeue promotes due delayed jobs, then blocks up to wait for a
// ready job. Returns nil when the wait elapsed without work.
func (q *Queue) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	if err := q.promoteDue(ctx, queue); err != nil {
		q.logger.Warn("promoting delayed jobs failed", zap.Error(err))
	}

	res, err := q.client.BRPop(ctx, wait, q.readyKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrQueueUnavailable, "dequeueing job").WithCause(err)
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// promoteDue moves delayed jobs whose due time has passed onto the
// ready list. Recurring jobs are re-scheduled for their next
// occurrence under a fresh job id.
func (q *Queue) promoteDue(ctx context.Context, queue string) error {
	now := q.now()
	entries, err := q.client.ZRangeByScore(ctx, q.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: formatMilli(now),
	}).Result()
	if err != nil || len(entries) == 0 {
		return err
	}

	for _, raw := range entries {
		// ZREM decides ownership: concurrent dequeuers race on the
		// removal and only the one that removed the entry promotes it.
		removed, err := q.client.ZRem(ctx, q.delayedKey(queue), raw).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(queue), raw).Err(); err != nil {
			return err
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil || job.Cron == "" {
			continue
		}
		sched, err := cronParser.Parse(job.Cron)
		if err != nil {
			continue
		}
		next := job
		next.ID = uuid.New().String()
		next.EnqueuedAt = now
		data, err := json.Marshal(&next)
		if err != nil {
			continue
		}
		pipe := q.client.Pipeline()
		pipe.SetNX(ctx, q.inflightKey(next.ID), "1", inflightTTL)
		pipe.ZAdd(ctx, q.delayedKey(queue), redis.Z{
			Score:  float64(sched.Next(now).UnixMilli()),
			Member: data,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Release clears a job's in-flight marker so its id may be reused.
// Called by the worker once the workflow reaches a terminal state.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	return q.client.Del(ctx, q.inflightKey(jobID)).Err()
}

// Depth returns the number of ready jobs on a queue.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(queue)).Result()
}

func formatMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
