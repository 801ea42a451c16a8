// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the orchestration core's Prometheus metrics.
type Collector struct {
	jobsStarted    *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	streamFlushes  prometheus.Counter
	streamEvents   prometheus.Counter
	sweepDeleted   prometheus.Counter
	sweepStalled   prometheus.Counter
	breakerChanges *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	schedulerItems *prometheus.CounterVec
}

// NewCollector registers the core's metrics on the given registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		jobsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of jobs picked up by workers",
			},
			[]string{"queue"},
		),
		jobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Total number of jobs finished, by terminal status",
			},
			[]string{"queue", "status"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job execution duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"queue"},
		),
		streamFlushes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_flushes_total",
				Help:      "Total number of output stream flushes",
			},
		),
		streamEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_events_total",
				Help:      "Total number of output events flushed",
			},
		),
		sweepDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_workflows_deleted_total",
				Help:      "Total number of workflows reclaimed by the retention sweep",
			},
		),
		sweepStalled: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_workflows_stalled_total",
				Help:      "Total number of workflows marked stalled by the stall sweep",
			},
		),
		breakerChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_state_changes_total",
				Help:      "Total number of circuit breaker state changes",
			},
			[]string{"service", "to"},
		),
		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_outcomes_total",
				Help:      "Total rate limiter acquisitions by outcome",
			},
			[]string{"service", "outcome"},
		),
		schedulerItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_items_total",
				Help:      "Total scheduled items executed, by result",
			},
			[]string{"item", "result"},
		),
	}
}

// JobStarted records a job pickup.
func (c *Collector) JobStarted(queue string) {
	c.jobsStarted.WithLabelValues(queue).Inc()
}

// JobFinished records a job's terminal status and duration.
func (c *Collector) JobFinished(queue, status string, d time.Duration) {
	c.jobsFinished.WithLabelValues(queue, status).Inc()
	c.jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// StreamFlush records one flush of n events.
func (c *Collector) StreamFlush(n int) {
	c.streamFlushes.Inc()
	c.streamEvents.Add(float64(n))
}

// SweepDeleted records workflows reclaimed by retention.
func (c *Collector) SweepDeleted(n int) {
	c.sweepDeleted.Add(float64(n))
}

// SweepStalled records workflows marked stalled.
func (c *Collector) SweepStalled(n int) {
	c.sweepStalled.Add(float64(n))
}

// BreakerStateChange records a circuit transition.
func (c *Collector) BreakerStateChange(service, to string) {
	c.breakerChanges.WithLabelValues(service, to).Inc()
}

// RateLimitOutcome records an acquisition outcome (admitted, delayed,
// rejected).
func (c *Collector) RateLimitOutcome(service, outcome string) {
	c.rateLimited.WithLabelValues(service, outcome).Inc()
}

// SchedulerItem records one scheduled item's result.
func (c *Collector) SchedulerItem(item, result string) {
	c.schedulerItems.WithLabelValues(item, result).Inc()
}
