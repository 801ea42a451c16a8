package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrCircuitOpen, "circuit open").
		WithCause(root).
		WithRetryable(true).
		WithService("scraper").
		WithRetryAfter(30 * time.Second)

	if GetErrorCode(err) != ErrCircuitOpen {
		t.Fatalf("expected code %s, got %s", ErrCircuitOpen, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedDetection(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrInvalidTransition, "completed -> running")
	wrapped := fmt.Errorf("updating workflow: %w", inner)

	if !IsCode(wrapped, ErrInvalidTransition) {
		t.Fatalf("expected IsCode to see through fmt.Errorf wrapping")
	}
	if IsRetryable(wrapped) {
		t.Fatalf("transition errors are not retryable")
	}
}

func TestGetErrorCode_PlainError(t *testing.T) {
	t.Parallel()

	if code := GetErrorCode(errors.New("plain")); code != "" {
		t.Fatalf("expected empty code for plain error, got %s", code)
	}
}
