package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowguard/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestStore_CreateWorkflow(t *testing.T) {
	s, mock := newMockStore(t)
	wf := domain.Workflow{ID: "wf-1", Name: "demo", Status: domain.WorkflowPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	mock.ExpectExec(`INSERT INTO workflows`).
		WithArgs(wf.ID, wf.Name, string(wf.Status), sqlmock.AnyArg(), wf.CreatedAt, wf.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetWorkflow_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT payload FROM workflows`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetWorkflow(context.Background(), "ghost")
	require.Error(t, err)
	var nfe *domain.NotFoundError
	require.ErrorAs(t, err, &nfe)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetWorkflow_Found(t *testing.T) {
	s, mock := newMockStore(t)
	payload := []byte(`{"id":"wf-2","name":"demo","status":"PENDING"}`)
	rows := sqlmock.NewRows([]string{"payload"}).AddRow(payload)
	mock.ExpectQuery(`SELECT payload FROM workflows`).WithArgs("wf-2").WillReturnRows(rows)

	wf, err := s.GetWorkflow(context.Background(), "wf-2")
	require.NoError(t, err)
	require.Equal(t, "demo", wf.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PruneFailurePatterns(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM failure_patterns`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.PruneFailurePatterns(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertAnalyticsBatch(t *testing.T) {
	s, mock := newMockStore(t)
	events := []domain.AnalyticsEvent{
		{ID: "e1", MetricName: "task.duration", Timestamp: time.Now()},
		{ID: "e2", MetricName: "task.retries", Timestamp: time.Now()},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO analytics_events`).WithArgs(
		"e1", "task.duration", sqlmock.AnyArg(), sqlmock.AnyArg(), events[0].Timestamp,
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO analytics_events`).WithArgs(
		"e2", "task.retries", sqlmock.AnyArg(), sqlmock.AnyArg(), events[1].Timestamp,
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.InsertAnalyticsBatch(context.Background(), events))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteAnalyticsOlderThan_Pages(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now()

	mock.ExpectExec(`DELETE FROM analytics_events`).
		WithArgs(cutoff, 2).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM analytics_events`).
		WithArgs(cutoff, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.DeleteAnalyticsOlderThan(context.Background(), cutoff, 2)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
