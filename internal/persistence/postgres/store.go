// Package postgres implements the Persistence Port on a relational store
// via database/sql + pgx, the alternative backend named in SPEC_FULL.md's
// domain stack for deployments that need a shared, horizontally-reachable
// store rather than flowguard's embedded-BoltDB single-node default. The
// table layout follows §6's logical columns directly.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/swarmguard/flowguard/internal/domain"
)

// Store is a database/sql-backed persistence.Port implementation, opened
// against a pgx stdlib connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to dsn using the pgx stdlib driver and ensures the schema
// exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Cause: err}
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, &domain.StorageError{Op: "ping", Cause: err}
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already-open *sql.DB, used by tests against sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY, name TEXT, status TEXT, payload JSONB,
			created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			workflow_id TEXT, version BIGINT, state JSONB, created_at TIMESTAMPTZ,
			PRIMARY KEY (workflow_id, version))`,
		`CREATE TABLE IF NOT EXISTS failure_patterns (
			id TEXT PRIMARY KEY, workflow_id TEXT, task_id TEXT, error_type TEXT,
			severity TEXT, retry_count INT, resolution_status TEXT, payload JSONB, created_at TIMESTAMPTZ)`,
		`CREATE TABLE IF NOT EXISTS analytics_events (
			id TEXT PRIMARY KEY, metric_name TEXT, value JSONB, metadata JSONB, created_at TIMESTAMPTZ)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &domain.StorageError{Op: "migrate", Cause: err}
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateWorkflow(ctx context.Context, wf domain.Workflow) error {
	payload, err := json.Marshal(wf)
	if err != nil {
		return &domain.StorageError{Op: "marshal_workflow", Cause: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, status, payload, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET name=$2, status=$3, payload=$4, updated_at=$6`,
		wf.ID, wf.Name, string(wf.Status), payload, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return &domain.StorageError{Op: "create_workflow", Cause: err}
	}
	return nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, wf domain.Workflow) error {
	return s.CreateWorkflow(ctx, wf)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM workflows WHERE id = $1`, id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return domain.Workflow{}, &domain.NotFoundError{Kind: "workflow", ID: id}
		}
		return domain.Workflow{}, &domain.StorageError{Op: "get_workflow", Cause: err}
	}
	var wf domain.Workflow
	if err := json.Unmarshal(payload, &wf); err != nil {
		return domain.Workflow{}, &domain.StorageError{Op: "unmarshal_workflow", Cause: err}
	}
	return wf, nil
}

func (s *Store) ListPendingWorkflows(ctx context.Context, limit int) ([]domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM workflows WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(domain.WorkflowPending), limit)
	if err != nil {
		return nil, &domain.StorageError{Op: "list_pending_workflows", Cause: err}
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &domain.StorageError{Op: "scan_workflow", Cause: err}
		}
		var wf domain.Workflow
		if err := json.Unmarshal(payload, &wf); err != nil {
			continue
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id); err != nil {
		return &domain.StorageError{Op: "delete_workflow", Cause: err}
	}
	return nil
}

func (s *Store) RecordTaskTransition(ctx context.Context, workflowID, taskID string, from, to domain.TaskStatus, result map[string]interface{}, taskErr string) error {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	t := wf.TaskByID(taskID)
	if t == nil {
		return &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	t.Status = to
	if result != nil {
		t.Result = result
	}
	if taskErr != "" {
		t.Error = taskErr
	}
	now := time.Now()
	if to == domain.TaskRunning && t.StartTime == nil {
		t.StartTime = &now
	}
	if to.IsTerminal() {
		t.EndTime = &now
	}
	wf.UpdatedAt = now
	return s.UpdateWorkflow(ctx, wf)
}

func (s *Store) WriteCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	state, err := json.Marshal(cp.StateVector)
	if err != nil {
		return &domain.StorageError{Op: "marshal_checkpoint", Cause: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (workflow_id, version, state, created_at) VALUES ($1,$2,$3,$4)`,
		cp.WorkflowID, cp.Version, state, cp.CreatedAt)
	if err != nil {
		return &domain.StorageError{Op: "write_checkpoint", Cause: err}
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, workflowID string) (domain.Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, state, created_at FROM checkpoints WHERE workflow_id = $1 ORDER BY version DESC LIMIT 1`,
		workflowID)
	var version int64
	var state []byte
	var createdAt time.Time
	if err := row.Scan(&version, &state, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Checkpoint{}, false, nil
		}
		return domain.Checkpoint{}, false, &domain.StorageError{Op: "load_checkpoint", Cause: err}
	}
	var stateVector map[string]domain.TaskStatus
	if err := json.Unmarshal(state, &stateVector); err != nil {
		return domain.Checkpoint{}, false, &domain.StorageError{Op: "unmarshal_checkpoint", Cause: err}
	}
	return domain.Checkpoint{WorkflowID: workflowID, Version: version, StateVector: stateVector, CreatedAt: createdAt}, true, nil
}

func (s *Store) PruneCheckpoints(ctx context.Context, workflowID string, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE workflow_id = $1 AND version NOT IN (
			SELECT version FROM checkpoints WHERE workflow_id = $1 ORDER BY version DESC LIMIT $2)`,
		workflowID, keep)
	if err != nil {
		return &domain.StorageError{Op: "prune_checkpoints", Cause: err}
	}
	return nil
}

func (s *Store) RecordFailurePattern(ctx context.Context, fp domain.FailurePattern) error {
	payload, err := json.Marshal(fp)
	if err != nil {
		return &domain.StorageError{Op: "marshal_failure", Cause: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO failure_patterns (id, workflow_id, task_id, error_type, severity, retry_count, resolution_status, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		fp.ID, fp.WorkflowID, fp.TaskID, fp.ErrorType, string(fp.Severity), fp.RetryCount, string(fp.ResolutionStatus), payload, fp.Timestamp)
	if err != nil {
		return &domain.StorageError{Op: "record_failure", Cause: err}
	}
	return nil
}

func (s *Store) ListFailedJobs(ctx context.Context, limit int) ([]domain.FailurePattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM failure_patterns WHERE resolution_status IN ($1,$2) LIMIT $3`,
		string(domain.ResolutionOpen), string(domain.ResolutionPendingManual), limit)
	if err != nil {
		return nil, &domain.StorageError{Op: "list_failed_jobs", Cause: err}
	}
	defer rows.Close()

	var out []domain.FailurePattern
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &domain.StorageError{Op: "scan_failure", Cause: err}
		}
		var fp domain.FailurePattern
		if err := json.Unmarshal(payload, &fp); err != nil {
			continue
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (s *Store) PruneFailurePatterns(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failure_patterns WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, &domain.StorageError{Op: "prune_failures", Cause: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) InsertAnalyticsBatch(ctx context.Context, events []domain.AnalyticsEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin_analytics_batch", Cause: err}
	}
	for _, ev := range events {
		value, err := json.Marshal(ev.Value)
		if err != nil {
			tx.Rollback()
			return &domain.StorageError{Op: "marshal_analytics_event", Cause: err}
		}
		metadata, _ := json.Marshal(ev.Metadata)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO analytics_events (id, metric_name, value, metadata, created_at) VALUES ($1,$2,$3,$4,$5)
			 ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.MetricName, value, metadata, ev.Timestamp)
		if err != nil {
			tx.Rollback()
			return &domain.StorageError{Op: "insert_analytics_event", Cause: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "commit_analytics_batch", Cause: err}
	}
	return nil
}

func (s *Store) DeleteAnalyticsOlderThan(ctx context.Context, cutoff time.Time, pageSize int) (int, error) {
	total := 0
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM analytics_events WHERE id IN (
				SELECT id FROM analytics_events WHERE created_at < $1 LIMIT $2)`,
			cutoff, pageSize)
		if err != nil {
			return total, &domain.StorageError{Op: "prune_analytics", Cause: err}
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if n < int64(pageSize) {
			return total, nil
		}
	}
}
