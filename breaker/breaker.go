// Package breaker provides a per-service circuit breaker whose state
// persists in the shared store, so a crash-looping process cannot
// bypass an open circuit. When the store is unreachable the breaker
// degrades to process-local in-memory state rather than failing all
// calls outright.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pavelpapin/conductor/internal/metrics"
	"github.com/pavelpapin/conductor/notify"
	"github.com/pavelpapin/conductor/store"
	"github.com/pavelpapin/conductor/types"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings are the per-service thresholds.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// Cooldown is how long an open circuit rejects calls before
	// admitting trial calls.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// HalfOpenMaxCalls is the number of trial calls admitted half-open.
	HalfOpenMaxCalls int `json:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// Config configures the breaker with defaults and per-service
// overrides. Volatile dependencies get lower thresholds and longer
// cool-downs than stable APIs.
type Config struct {
	Default  Settings            `json:"default" yaml:"default"`
	Services map[string]Settings `json:"services" yaml:"services"`

	// RecordTTL bounds how long an idle circuit record is retained.
	RecordTTL time.Duration `json:"record_ttl" yaml:"record_ttl"`

	// NotifyTarget receives open/close notifications; empty disables.
	NotifyTarget string `json:"notify_target" yaml:"notify_target"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		Default: Settings{
			FailureThreshold: 5,
			Cooldown:         time.Minute,
			HalfOpenMaxCalls: 1,
		},
		RecordTTL: 7 * 24 * time.Hour,
	}
}

// Record is the persisted per-service circuit state. Failures and
// Successes count consecutive outcomes; each resets when the other
// kind of outcome lands.
type Record struct {
	State             State     `json:"state"`
	Failures          int       `json:"failures"`
	Successes         int       `json:"successes"`
	LastFailureAt     time.Time `json:"last_failure_at,omitempty"`
	NextRetryAt       time.Time `json:"next_retry_at,omitempty"`
	HalfOpenRemaining int       `json:"half_open_remaining"`
}

// Breaker gates calls to flaky external services. Do is the only
// call-site contract: it checks admission, invokes fn and records the
// outcome; callers never manipulate state directly.
type Breaker struct {
	kv       store.KV
	fallback store.KV
	config   Config
	logger   *zap.Logger
	notifier notify.Notifier
	metrics  *metrics.Collector
	now      func() time.Time

	// mu serializes the read-modify-write cycle within this process.
	mu       sync.Mutex
	degraded bool
}

// New creates a breaker over the given KV. Passing a MemoryKV as the
// primary is valid for tests and single-process setups; the fallback
// is always an in-process MemoryKV.
func New(kv store.KV, cfg Config, notifier notify.Notifier, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Default.FailureThreshold <= 0 {
		cfg.Default.FailureThreshold = def.Default.FailureThreshold
	}
	if cfg.Default.Cooldown <= 0 {
		cfg.Default.Cooldown = def.Default.Cooldown
	}
	if cfg.Default.HalfOpenMaxCalls <= 0 {
		cfg.Default.HalfOpenMaxCalls = def.Default.HalfOpenMaxCalls
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = def.RecordTTL
	}
	return &Breaker{
		kv:       kv,
		fallback: store.NewMemoryKV(0),
		config:   cfg,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
		notifier: notifier,
		now:      time.Now,
	}
}

// SetMetrics attaches a metrics collector.
func (b *Breaker) SetMetrics(m *metrics.Collector) {
	b.metrics = m
}

func (b *Breaker) settings(service string) Settings {
	s, ok := b.config.Services[service]
	if !ok {
		return b.config.Default
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = b.config.Default.FailureThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = b.config.Default.Cooldown
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = b.config.Default.HalfOpenMaxCalls
	}
	return s
}

func recordKey(service string) string {
	return "cb:" + service
}

// load reads the service record, creating a closed one lazily. On
// store failure it degrades to the in-memory fallback.
func (b *Breaker) load(ctx context.Context, service string) (Record, store.KV) {
	var rec Record

	err := b.kv.GetJSON(ctx, recordKey(service), &rec)
	if err == nil {
		return rec, b.kv
	}
	if errors.Is(err, store.ErrNotFound) {
		return Record{State: StateClosed}, b.kv
	}

	if !b.degraded {
		b.degraded = true
		b.logger.Warn("store unreachable, using in-memory circuit state",
			zap.String("service", service), zap.Error(err))
	}
	rec = Record{State: StateClosed}
	if ferr := b.fallback.GetJSON(ctx, recordKey(service), &rec); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
		rec = Record{State: StateClosed}
	}
	return rec, b.fallback
}

func (b *Breaker) save(ctx context.Context, kv store.KV, service string, rec Record) {
	if err := kv.SetJSON(ctx, recordKey(service), rec, b.config.RecordTTL); err != nil {
		b.logger.Warn("persisting circuit state failed",
			zap.String("service", service), zap.Error(err))
		if kv != b.fallback {
			_ = b.fallback.SetJSON(ctx, recordKey(service), rec, b.config.RecordTTL)
		}
		return
	}
	if kv == b.kv && b.degraded {
		b.degraded = false
		b.logger.Info("store reachable again, resuming persistent circuit state")
	}
}

// Do runs fn under the circuit for the named service. An open circuit
// rejects immediately with CIRCUIT_OPEN and the remaining cool-down;
// half-open admits a bounded number of trial calls.
func (b *Breaker) Do(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	kv, err := b.admit(ctx, service)
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(ctx, kv, service, callErr)
	return callErr
}

// admit applies the admission check and consumes a half-open slot when
// applicable.
func (b *Breaker) admit(ctx context.Context, service string) (store.KV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, kv := b.load(ctx, service)
	now := b.now()
	st := b.settings(service)

	switch rec.State {
	case StateOpen:
		if now.Before(rec.NextRetryAt) {
			return nil, types.NewError(types.ErrCircuitOpen,
				fmt.Sprintf("circuit open for %s: %d consecutive failures", service, rec.Failures)).
				WithService(service).
				WithRetryable(true).
				WithRetryAfter(rec.NextRetryAt.Sub(now))
		}
		// Cool-down elapsed: move to half-open and admit this call.
		rec.State = StateHalfOpen
		rec.HalfOpenRemaining = st.HalfOpenMaxCalls - 1
		b.transition(service, StateHalfOpen, rec)
		b.save(ctx, kv, service, rec)
		return kv, nil

	case StateHalfOpen:
		if rec.HalfOpenRemaining <= 0 {
			return nil, types.NewError(types.ErrCircuitOpen,
				fmt.Sprintf("circuit half-open for %s: trial slots exhausted", service)).
				WithService(service).
				WithRetryable(true)
		}
		rec.HalfOpenRemaining--
		b.save(ctx, kv, service, rec)
		return kv, nil

	default:
		return kv, nil
	}
}

// record applies the call outcome to the circuit.
func (b *Breaker) record(ctx context.Context, kv store.KV, service string, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, kv2 := b.load(ctx, service)
	if kv2 != kv {
		kv = kv2
	}
	st := b.settings(service)
	now := b.now()

	if callErr == nil {
		switch rec.State {
		case StateHalfOpen:
			// First success closes the circuit.
			rec = Record{State: StateClosed, Successes: rec.Successes + 1}
			b.transition(service, StateClosed, rec)
			notify.Best(ctx, b.notifier, b.config.NotifyTarget,
				fmt.Sprintf("circuit closed for %s after successful trial call", service), b.logger)
		default:
			rec.Failures = 0
			rec.Successes++
		}
		b.save(ctx, kv, service, rec)
		return
	}

	rec.Failures++
	rec.Successes = 0
	rec.LastFailureAt = now

	switch rec.State {
	case StateClosed:
		if rec.Failures >= st.FailureThreshold {
			rec.State = StateOpen
			rec.NextRetryAt = now.Add(st.Cooldown)
			b.transition(service, StateOpen, rec)
			notify.Best(ctx, b.notifier, b.config.NotifyTarget,
				fmt.Sprintf("circuit opened for %s after %d consecutive failures, cooling down %s",
					service, rec.Failures, st.Cooldown), b.logger)
		}
	case StateHalfOpen:
		// Any half-open failure reopens and resets the cool-down.
		rec.State = StateOpen
		rec.NextRetryAt = now.Add(st.Cooldown)
		b.transition(service, StateOpen, rec)
	}

	b.save(ctx, kv, service, rec)
}

func (b *Breaker) transition(service string, to State, rec Record) {
	b.logger.Info("circuit state change",
		zap.String("service", service),
		zap.String("state", string(to)),
		zap.Int("failures", rec.Failures))
	if b.metrics != nil {
		b.metrics.BreakerStateChange(service, string(to))
	}
}

// Snapshot returns the current record for a service.
func (b *Breaker) Snapshot(ctx context.Context, service string) Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, _ := b.load(ctx, service)
	return rec
}

// Reset manually closes the circuit for a service.
func (b *Breaker) Reset(ctx context.Context, service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, kv := b.load(ctx, service)
	b.save(ctx, kv, service, Record{State: StateClosed})
	b.logger.Info("circuit manually reset", zap.String("service", service))
}
