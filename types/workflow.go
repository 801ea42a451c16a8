package types

import "time"

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	StatusPending       WorkflowStatus = "pending"
	StatusRunning       WorkflowStatus = "running"
	StatusAwaitingInput WorkflowStatus = "awaiting_input"
	StatusStalled       WorkflowStatus = "stalled"
	StatusCompleted     WorkflowStatus = "completed"
	StatusFailed        WorkflowStatus = "failed"
	StatusCancelled     WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowInstance is the persisted lifecycle record of one workflow.
// It is mutated exclusively through validated state transitions; the
// only exception is the heartbeat path, which touches LastActivity.
type WorkflowInstance struct {
	ID           string            `json:"id"`
	Status       WorkflowStatus    `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	LastActivity time.Time         `json:"last_activity"`
	Error        string            `json:"error,omitempty"`
	Progress     float64           `json:"progress,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// EventType classifies an output event in a workflow's append log.
type EventType string

const (
	EventInputRequest EventType = "input_request"
	EventInputEcho    EventType = "input_echo"
	EventOutputChunk  EventType = "output_chunk"
	EventError        EventType = "error"
	EventCompleted    EventType = "completed"
)

// OutputEvent is one entry in a workflow's ordered, capacity-bounded
// output log. Events are produced only by the worker executing the
// workflow and consumed by any number of independent readers.
type OutputEvent struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Signal is a transient control message published to a workflow's
// channel. Delivery is at-most-once to whoever is subscribed at the
// time of publication; signals have no persisted representation.
type Signal struct {
	Name      string         `json:"signal"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Well-known signal names.
const (
	SignalCancel    = "cancel"
	SignalInterrupt = "interrupt"
	SignalUserInput = "user_input"
)

// QueryStatusResult is the typed snapshot returned by the "status" query.
type QueryStatusResult struct {
	WorkflowID   string         `json:"workflow_id"`
	Status       WorkflowStatus `json:"status"`
	Progress     float64        `json:"progress,omitempty"`
	Error        string         `json:"error,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
}
