// Package notify defines the outbound notification capability used by
// the scheduler, circuit breaker and sweeps to reach operators. The
// transport (chat, mail) lives outside this core; failure to notify
// must never fail the operation that triggered it.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier delivers a message to a named target.
type Notifier interface {
	Notify(ctx context.Context, target, message string) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, target, message string) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, target, message string) error {
	return f(ctx, target, message)
}

// LogNotifier writes notifications to the log. It is the default when
// no external transport is wired.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, target, message string) error {
	n.logger.Info("notification",
		zap.String("target", target),
		zap.String("message", message))
	return nil
}

// Best is best-effort delivery: nil notifiers and delivery errors are
// swallowed, with the error logged.
func Best(ctx context.Context, n Notifier, target, message string, logger *zap.Logger) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, target, message); err != nil && logger != nil {
		logger.Warn("notification delivery failed",
			zap.String("target", target), zap.Error(err))
	}
}
