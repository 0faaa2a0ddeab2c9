package domain

import "fmt"

// InvalidTopologyError reports a workflow submission whose task graph is
// not a valid DAG (cycle, dangling dependency, or empty task list).
type InvalidTopologyError struct {
	Reason string
}

func (e *InvalidTopologyError) Error() string {
	return fmt.Sprintf("invalid topology: %s", e.Reason)
}

// NotFoundError reports a lookup against an entity that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// AlreadyTerminalError reports an operation attempted against a workflow
// that has already reached a terminal status.
type AlreadyTerminalError struct {
	WorkflowID string
	Status     WorkflowStatus
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("workflow %s already terminal: %s", e.WorkflowID, e.Status)
}

// InvalidTransitionError reports a requested status transition that the
// state machine in §4.1 does not permit.
type InvalidTransitionError struct {
	From, To WorkflowStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// CheckpointRegressionError reports a rejected checkpoint restoration: the
// requested checkpoint is older than the last durably-COMPLETED task
// transition for the workflow (§4.2).
type CheckpointRegressionError struct {
	WorkflowID           string
	RequestedVersion     int64
	LastCompletedVersion int64
}

func (e *CheckpointRegressionError) Error() string {
	return fmt.Sprintf("checkpoint regression for workflow %s: requested version %d is older than last completed version %d",
		e.WorkflowID, e.RequestedVersion, e.LastCompletedVersion)
}

// CapacityExceededError is transient and retryable by the caller.
type CapacityExceededError struct {
	Cap int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: cap=%d", e.Cap)
}

// HandlerError is returned by a task handler and fed to the Retry
// controller. Timeout is a HandlerError subcategory (ErrorType="timeout").
type HandlerError struct {
	ErrorType string
	Severity  Severity
	Cause     error
}

func (e *HandlerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("handler error (%s/%s): %v", e.ErrorType, e.Severity, e.Cause)
	}
	return fmt.Sprintf("handler error (%s/%s)", e.ErrorType, e.Severity)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// IsTimeout reports whether this HandlerError represents a §7 Timeout.
func (e *HandlerError) IsTimeout() bool { return e.ErrorType == "timeout" }

// StorageError wraps an infrastructure failure from the Persistence Port.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// CoordinationError wraps an infrastructure failure from the Coordination
// Port.
type CoordinationError struct {
	Op    string
	Cause error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination error during %s: %v", e.Op, e.Cause)
}

func (e *CoordinationError) Unwrap() error { return e.Cause }

// AbandonedOnShutdownError marks a task whose handler did not observe
// cancellation within shutdown_grace before the node terminated it.
type AbandonedOnShutdownError struct {
	TaskID string
}

func (e *AbandonedOnShutdownError) Error() string {
	return fmt.Sprintf("task %s abandoned on shutdown", e.TaskID)
}

// BackpressureError is returned by the Analytics Intake Pipeline's
// non-blocking submit when the bounded queue is full (§4.4).
type BackpressureError struct {
	QueueCapacity int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("analytics queue backpressure: capacity %d exhausted", e.QueueCapacity)
}
