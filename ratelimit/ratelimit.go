// Package ratelimit provides per-service request throttling with
// independent fixed minute and day windows. Counters live in the
// shared store so concurrent processes share one budget; the limiter
// degrades to process-local counters when the store is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pavelpapin/conductor/internal/metrics"
	"github.com/pavelpapin/conductor/store"
	"github.com/pavelpapin/conductor/types"
)

// Strategy decides what happens when a limit is hit.
type Strategy string

const (
	// StrategyFail rejects immediately with RATE_LIMIT_EXCEEDED.
	StrategyFail Strategy = "fail"

	// StrategyWait sleeps until the window resets, then retries the
	// acquisition. The legacy "delay" and "queue" names are accepted
	// as aliases since both collapse to waiting for the window.
	StrategyWait Strategy = "wait"
)

func normalizeStrategy(s Strategy) Strategy {
	switch s {
	case "delay", "queue", StrategyWait:
		return StrategyWait
	default:
		return StrategyFail
	}
}

// Limit is the per-service budget.
type Limit struct {
	// PerMinute caps calls per fixed minute window; 0 disables.
	PerMinute int `json:"per_minute" yaml:"per_minute"`

	// PerDay caps calls per fixed day window; 0 disables.
	PerDay int `json:"per_day" yaml:"per_day"`

	// Strategy is fail or wait (delay/queue accepted as aliases).
	Strategy Strategy `json:"strategy" yaml:"strategy"`
}

// Config configures the limiter with defaults and per-service
// overrides.
type Config struct {
	Default  Limit            `json:"default" yaml:"default"`
	Services map[string]Limit `json:"services" yaml:"services"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		Default: Limit{PerMinute: 60, Strategy: StrategyFail},
	}
}

// Limiter throttles calls per external service name. Acquire uses
// atomic increment-then-check so concurrent callers can never
// collectively exceed a limit.
type Limiter struct {
	kv       store.KV
	fallback store.KV
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	// mu guards the degradation flag against concurrent acquirers;
	// the counters themselves are atomic in the KV.
	mu       sync.Mutex
	degraded bool
}

// setDegraded flips the degradation flag and reports whether this call
// performed the transition, so only one acquirer logs it.
func (l *Limiter) setDegraded(v bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded == v {
		return false
	}
	l.degraded = v
	return true
}

// New creates a limiter over the given KV.
func New(kv store.KV, cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Default.PerMinute == 0 && cfg.Default.PerDay == 0 {
		cfg.Default = DefaultConfig().Default
	}
	return &Limiter{
		kv:       kv,
		fallback: store.NewMemoryKV(0),
		config:   cfg,
		logger:   logger.With(zap.String("component", "rate_limiter")),
		now:      time.Now,
	}
}

// SetMetrics attaches a metrics collector.
func (l *Limiter) SetMetrics(m *metrics.Collector) {
	l.metrics = m
}

func (l *Limiter) limit(service string) Limit {
	lim, ok := l.config.Services[service]
	if !ok {
		return l.config.Default
	}
	return lim
}

func minuteKey(service string, t time.Time) string {
	return "rl:" + service + ":m:" + strconv.FormatInt(t.Unix()/60, 10)
}

func dayKey(service string, t time.Time) string {
	return "rl:" + service + ":d:" + strconv.FormatInt(t.Unix()/86400, 10)
}

func minuteReset(t time.Time) time.Time {
	return time.Unix((t.Unix()/60+1)*60, 0)
}

func dayReset(t time.Time) time.Time {
	return time.Unix((t.Unix()/86400+1)*86400, 0)
}

// Acquire counts one attempted call against the service's windows and
// admits it when within limits. Behavior on an exhausted window
// follows the service strategy: fail returns RATE_LIMIT_EXCEEDED with
// the time to reset; wait blocks until the window resets and retries.
func (l *Limiter) Acquire(ctx context.Context, service string) error {
	lim := l.limit(service)
	if lim.PerMinute <= 0 && lim.PerDay <= 0 {
		return nil
	}
	strategy := normalizeStrategy(lim.Strategy)

	for {
		retryAfter, err := l.tryAcquire(ctx, service, lim)
		if err != nil {
			return err
		}
		if retryAfter == 0 {
			if l.metrics != nil {
				l.metrics.RateLimitOutcome(service, "admitted")
			}
			return nil
		}

		if strategy == StrategyFail {
			if l.metrics != nil {
				l.metrics.RateLimitOutcome(service, "rejected")
			}
			return types.NewError(types.ErrRateLimitExceeded,
				fmt.Sprintf("rate limit exceeded for %s", service)).
				WithService(service).
				WithRetryable(true).
				WithRetryAfter(retryAfter)
		}

		if l.metrics != nil {
			l.metrics.RateLimitOutcome(service, "delayed")
		}
		l.logger.Debug("rate limit hit, waiting for window reset",
			zap.String("service", service),
			zap.Duration("wait", retryAfter))
		if !sleepCtx(ctx, retryAfter) {
			return ctx.Err()
		}
	}
}

// tryAcquire increments both window counters and checks them. It
// returns 0 when admitted, or the wait until the limiting window
// resets.
func (l *Limiter) tryAcquire(ctx context.Context, service string, lim Limit) (time.Duration, error) {
	now := l.now()
	kv := l.kv

	minuteCount, dayCount, err := l.incrWindows(ctx, kv, service, lim, now)
	if err != nil {
		if l.setDegraded(true) {
			l.logger.Warn("store unreachable, using in-memory rate counters",
				zap.String("service", service), zap.Error(err))
		}
		kv = l.fallback
		minuteCount, dayCount, err = l.incrWindows(ctx, kv, service, lim, now)
		if err != nil {
			return 0, types.NewError(types.ErrStoreUnavailable, "incrementing rate counters").WithCause(err)
		}
	} else if l.setDegraded(false) {
		l.logger.Info("store reachable again, resuming shared rate counters")
	}

	if lim.PerDay > 0 && dayCount > int64(lim.PerDay) {
		return dayReset(now).Sub(now), nil
	}
	if lim.PerMinute > 0 && minuteCount > int64(lim.PerMinute) {
		return minuteReset(now).Sub(now), nil
	}
	return 0, nil
}

func (l *Limiter) incrWindows(ctx context.Context, kv store.KV, service string, lim Limit, now time.Time) (minuteCount, dayCount int64, err error) {
	if lim.PerMinute > 0 {
		minuteCount, err = kv.Incr(ctx, minuteKey(service, now), minuteReset(now).Sub(now))
		if err != nil {
			return 0, 0, err
		}
	}
	if lim.PerDay > 0 {
		dayCount, err = kv.Incr(ctx, dayKey(service, now), dayReset(now).Sub(now))
		if err != nil {
			return 0, 0, err
		}
	}
	return minuteCount, dayCount, nil
}

// sleepCtx sleeps for d unless ctx finishes first.
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
