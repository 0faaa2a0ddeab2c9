package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/flowguard/internal/domain"
	boltstore "github.com/swarmguard/flowguard/internal/persistence/bolt"
)

type recordingExecutor struct {
	mu      sync.Mutex
	calls   []string
	execErr error
}

func (r *recordingExecutor) Execute(ctx context.Context, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, workflowID)
	return r.execErr
}

func (r *recordingExecutor) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestStore(t *testing.T) *boltstore.Store {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	store, err := boltstore.New(t.TempDir(), mp.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestScheduler_PollOnceDispatchesPendingWorkflows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateWorkflow(ctx, domain.Workflow{ID: "wf-1", Name: "a", Status: domain.WorkflowPending}))
	require.NoError(t, store.CreateWorkflow(ctx, domain.Workflow{ID: "wf-2", Name: "b", Status: domain.WorkflowRunning}))

	exec := &recordingExecutor{}
	s := New(store, exec, WithPollLimit(10))

	s.pollOnce(ctx)

	require.Eventually(t, func() bool { return exec.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_DispatchErrorDoesNotPanic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateWorkflow(ctx, domain.Workflow{ID: "wf-1", Name: "a", Status: domain.WorkflowPending}))

	exec := &recordingExecutor{execErr: &domain.AlreadyTerminalError{WorkflowID: "wf-1", Status: domain.WorkflowCompleted}}
	s := New(store, exec)

	assert.NotPanics(t, func() { s.pollOnce(ctx) })
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_StartAndStop(t *testing.T) {
	store := newTestStore(t)
	exec := &recordingExecutor{}
	s := New(store, exec, WithPollInterval(10*time.Millisecond), WithPollLimit(5))

	require.NoError(t, s.Start())
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
