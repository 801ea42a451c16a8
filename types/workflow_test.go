package types

import "testing"

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []WorkflowStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	active := []WorkflowStatus{StatusPending, StatusRunning, StatusAwaitingInput, StatusStalled}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
