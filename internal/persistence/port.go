// Package persistence defines the Persistence Port (§4.5): the durable
// store boundary for workflows, tasks, checkpoints, failure history, and
// analytics rows. Concrete adapters live in the bolt and postgres
// subpackages.
package persistence

import (
	"context"
	"time"

	"github.com/swarmguard/flowguard/internal/domain"
)

// Port is the persistence boundary the Workflow Engine, Retry/Recovery
// Controller, Failover Controller, and Analytics Intake Pipeline depend on.
// All multi-row mutations are transactional at single-workflow granularity.
type Port interface {
	// CreateWorkflow persists a brand new workflow (status PENDING).
	CreateWorkflow(ctx context.Context, wf domain.Workflow) error
	// GetWorkflow returns the full persisted workflow record.
	GetWorkflow(ctx context.Context, id string) (domain.Workflow, error)
	// UpdateWorkflow persists the full workflow record, atomically with
	// respect to any task transition it bundles (§9: workflow status
	// updates must be atomic with the corresponding task transition).
	UpdateWorkflow(ctx context.Context, wf domain.Workflow) error
	// ListPendingWorkflows returns up to limit workflows in PENDING status,
	// used by the PRIMARY's dispatch-from-storage poll.
	ListPendingWorkflows(ctx context.Context, limit int) ([]domain.Workflow, error)
	// DeleteWorkflow removes a terminal, past-retention workflow.
	DeleteWorkflow(ctx context.Context, id string) error

	// RecordTaskTransition persists a single task's status change within
	// the owning workflow's transactional boundary.
	RecordTaskTransition(ctx context.Context, workflowID, taskID string, from, to domain.TaskStatus, result map[string]interface{}, taskErr string) error

	// WriteCheckpoint appends a new checkpoint version for workflowID.
	WriteCheckpoint(ctx context.Context, cp domain.Checkpoint) error
	// LoadLatestCheckpoint returns the highest-version checkpoint for
	// workflowID, or ok=false if none exists.
	LoadLatestCheckpoint(ctx context.Context, workflowID string) (domain.Checkpoint, bool, error)
	// PruneCheckpoints keeps only the last K checkpoints per workflow.
	PruneCheckpoints(ctx context.Context, workflowID string, keep int) error

	// RecordFailurePattern persists a FailurePattern row.
	RecordFailurePattern(ctx context.Context, fp domain.FailurePattern) error
	// ListFailedJobs returns up to limit FailurePattern rows still open.
	ListFailedJobs(ctx context.Context, limit int) ([]domain.FailurePattern, error)
	// PruneFailurePatterns deletes patterns older than olderThan.
	PruneFailurePatterns(ctx context.Context, olderThan time.Time) (int, error)

	// InsertAnalyticsBatch writes a batch of AnalyticsEvent rows in a
	// single transaction (§4.4: "writes the batch within one transaction").
	InsertAnalyticsBatch(ctx context.Context, events []domain.AnalyticsEvent) error
	// DeleteAnalyticsOlderThan pages through and deletes events older than
	// cutoff, returning the number removed (§4.4 retention cleaner).
	DeleteAnalyticsOlderThan(ctx context.Context, cutoff time.Time, pageSize int) (int, error)

	Close() error
}
