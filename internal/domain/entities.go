// Package domain holds the entities and pure invariants of the workflow
// execution engine: workflows, tasks, checkpoints, failure patterns, nodes,
// job claims, and analytics events. It has no dependency on any storage or
// transport technology.
package domain

import "time"

// WorkflowStatus is the terminal/non-terminal status space of a Workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
	WorkflowPaused    WorkflowStatus = "PAUSED"
)

// IsTerminal reports whether no transition out of this status is allowed.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the status space of a Task within a workflow.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskSkipped   TaskStatus = "SKIPPED"
)

// IsTerminal reports whether the task has reached a final status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// Severity classifies how seriously a failure should be treated.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RecoveryStage is the Retry/Recovery Controller's chosen handling path.
type RecoveryStage string

const (
	StageImmediate RecoveryStage = "immediate"
	StageDelayed   RecoveryStage = "delayed"
	StageManual    RecoveryStage = "manual"
)

// ResolutionStatus tracks how a FailurePattern was ultimately handled.
type ResolutionStatus string

const (
	ResolutionOpen               ResolutionStatus = "open"
	ResolutionPermanentlyFailed  ResolutionStatus = "permanently_failed"
	ResolutionPendingManual      ResolutionStatus = "pending_manual_intervention"
	ResolutionResolved           ResolutionStatus = "resolved"
)

// NodeRole is the failover cluster role of a node.
type NodeRole string

const (
	RolePrimary NodeRole = "PRIMARY"
	RoleStandby NodeRole = "STANDBY"
)

// Task is a single unit of work inside a Workflow's DAG.
type Task struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Config       map[string]interface{} `json:"config"`
	Dependencies []string               `json:"dependencies"`
	Timeout      time.Duration          `json:"timeout"`
	MaxRetries   int                    `json:"max_retries"`
	Status       TaskStatus             `json:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	StartTime    *time.Time             `json:"start_time,omitempty"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	Priority     int                    `json:"priority"`
	// NotBefore holds a PENDING task out of ReadySet until this time, set by
	// the Retry/Recovery Controller's backoff decision so a retried task
	// isn't re-dispatched before its severity-derived delay elapses.
	NotBefore *time.Time `json:"not_before,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to readers outside the
// claim holder (the engine never shares the live Task pointer across
// goroutines — see internal/workflow).
func (t Task) Clone() Task {
	out := t
	if t.Config != nil {
		out.Config = make(map[string]interface{}, len(t.Config))
		for k, v := range t.Config {
			out.Config[k] = v
		}
	}
	if t.Dependencies != nil {
		out.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Result != nil {
		out.Result = make(map[string]interface{}, len(t.Result))
		for k, v := range t.Result {
			out.Result[k] = v
		}
	}
	return out
}

// Workflow is a named DAG of tasks plus its execution status.
type Workflow struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Status         WorkflowStatus         `json:"status"`
	Tasks          []Task                 `json:"tasks"`
	Metadata       map[string]interface{} `json:"metadata"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	TenantID       string                 `json:"tenant_id,omitempty"`
	MaxConcurrency int                    `json:"max_concurrency,omitempty"`
}

// TaskByID returns a pointer into Tasks for in-place mutation by the claim
// holder, or nil.
func (w *Workflow) TaskByID(id string) *Task {
	for i := range w.Tasks {
		if w.Tasks[i].ID == id {
			return &w.Tasks[i]
		}
	}
	return nil
}

// Checkpoint is a durable, versioned snapshot of a workflow's task states.
type Checkpoint struct {
	WorkflowID      string                `json:"workflow_id"`
	Version         int64                 `json:"version"`
	StateVector     map[string]TaskStatus `json:"state_vector"`
	ResourceSnap    map[string]string     `json:"resource_snapshot,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
}

// FailurePattern records one handler failure for classification, retry
// bookkeeping, and anomaly analysis.
type FailurePattern struct {
	ID               string           `json:"id"`
	ErrorType        string           `json:"error_type"`
	Message          string           `json:"message"`
	Stack            string           `json:"stack,omitempty"`
	Context          map[string]any   `json:"context,omitempty"`
	Severity         Severity         `json:"severity"`
	WorkflowID       string           `json:"workflow_id"`
	TaskID           string           `json:"task_id"`
	RetryCount       int              `json:"retry_count"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Node is the ephemeral cluster-membership record kept in the Coordination
// Store, one per live process.
type Node struct {
	NodeID        string         `json:"node_id"`
	Role          NodeRole       `json:"role"`
	Load          float64        `json:"load"`
	Capabilities  map[string]bool `json:"capabilities"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Priority      int            `json:"priority"`
}

// Alive reports whether the node's heartbeat is still within ttl of now.
func (n Node) Alive(now time.Time, ttl time.Duration) bool {
	return now.Sub(n.LastHeartbeat) < ttl
}

// JobClaim is the ephemeral lease a node holds over a workflow it is
// actively driving.
type JobClaim struct {
	WorkflowID string        `json:"workflow_id"`
	NodeID     string        `json:"node_id"`
	ClaimedAt  time.Time     `json:"claimed_at"`
	LeaseTTL   time.Duration `json:"lease_ttl"`
}

// Expired reports whether the lease has lapsed as of now.
func (c JobClaim) Expired(now time.Time) bool {
	return now.Sub(c.ClaimedAt) >= c.LeaseTTL
}

// AnalyticsEvent is a single append-only record accepted by the Analytics
// Intake Pipeline.
type AnalyticsEvent struct {
	ID         string         `json:"id"`
	MetricName string         `json:"metric_name"`
	Value      map[string]any `json:"value"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Producer   string         `json:"producer,omitempty"`
}

// PrimaryRecord is the value stored under the coordination store's
// "primary" key.
type PrimaryRecord struct {
	NodeID string    `json:"node_id"`
	Since  time.Time `json:"since"`
}

// FailoverEvent is broadcast on the "failover" pub/sub channel whenever the
// primary changes.
type FailoverEvent struct {
	NewPrimary string    `json:"new_primary"`
	Timestamp  time.Time `json:"timestamp"`
}
