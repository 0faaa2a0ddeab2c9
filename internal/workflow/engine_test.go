package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	boltstore "github.com/swarmguard/flowguard/internal/persistence/bolt"
	coordredis "github.com/swarmguard/flowguard/internal/coordination/redis"
	"github.com/swarmguard/flowguard/internal/domain"
	"github.com/swarmguard/flowguard/internal/registry"
	"github.com/swarmguard/flowguard/internal/retrypolicy"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	store, err := boltstore.New(dir, meter)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	coord := coordredis.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))

	reg := registry.New(registry.NoopHandler{})
	retryCtl := retrypolicy.New(nil)

	return New(store, coord, reg, retryCtl, "node-test", WithPerWorkflowConcurrency(4))
}

func waitForTerminal(t *testing.T, e *Engine, workflowID string, timeout time.Duration) domain.Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := e.Status(context.Background(), workflowID)
		require.NoError(t, err)
		if wf.Status.IsTerminal() {
			return wf
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal status within %s", workflowID, timeout)
	return domain.Workflow{}
}

func TestEngine_CreateAndExecute_LinearWorkflow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Create(ctx, "linear", []domain.Task{
		{ID: "a", Type: "noop"},
		{ID: "b", Type: "noop", Dependencies: []string{"a"}},
	}, nil, "")
	require.NoError(t, err)

	require.NoError(t, e.Execute(ctx, id))

	wf := waitForTerminal(t, e, id, 2*time.Second)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
	for _, task := range wf.Tasks {
		assert.Equal(t, domain.TaskCompleted, task.Status)
	}
}

func TestEngine_Create_RejectsCycle(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(context.Background(), "cyclic", []domain.Task{
		{ID: "a", Type: "noop", Dependencies: []string{"b"}},
		{ID: "b", Type: "noop", Dependencies: []string{"a"}},
	}, nil, "")
	require.Error(t, err)
	var topErr *domain.InvalidTopologyError
	require.ErrorAs(t, err, &topErr)
}

func TestEngine_Execute_FanOutCompletesConcurrently(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Create(ctx, "fan", []domain.Task{
		{ID: "a", Type: "noop"},
		{ID: "b", Type: "noop", Dependencies: []string{"a"}},
		{ID: "c", Type: "noop", Dependencies: []string{"a"}},
		{ID: "d", Type: "noop", Dependencies: []string{"a"}},
	}, nil, "")
	require.NoError(t, err)
	require.NoError(t, e.Execute(ctx, id))

	wf := waitForTerminal(t, e, id, 2*time.Second)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
}

func TestEngine_Execute_AlreadyTerminalFails(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Create(ctx, "solo", []domain.Task{{ID: "a", Type: "noop"}}, nil, "")
	require.NoError(t, err)
	require.NoError(t, e.Execute(ctx, id))
	waitForTerminal(t, e, id, 2*time.Second)

	err = e.Execute(ctx, id)
	require.Error(t, err)
	var terminalErr *domain.AlreadyTerminalError
	require.ErrorAs(t, err, &terminalErr)
}

type slowHandler struct{ delay time.Duration }

func (slowHandler) Type() string { return "slow" }
func (h slowHandler) Execute(ctx context.Context, _ registry.HandlerInput) (map[string]interface{}, error) {
	select {
	case <-time.After(h.delay):
		return map[string]interface{}{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEngine_PauseBlocksNewDispatchThenResumeContinues(t *testing.T) {
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	store, err := boltstore.New(dir, meter)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	coord := coordredis.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	reg := registry.New(slowHandler{delay: 150 * time.Millisecond})
	retryCtl := retrypolicy.New(nil)
	e := New(store, coord, reg, retryCtl, "node-test", WithPerWorkflowConcurrency(4))

	ctx := context.Background()
	id, err := e.Create(ctx, "pausable", []domain.Task{
		{ID: "a", Type: "slow"},
		{ID: "b", Type: "slow", Dependencies: []string{"a"}},
	}, nil, "")
	require.NoError(t, err)
	require.NoError(t, e.Execute(ctx, id))

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, e.Pause(ctx, id))

	time.Sleep(200 * time.Millisecond)
	wf, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPaused, wf.Status)
	assert.Equal(t, domain.TaskPending, wf.TaskByID("b").Status)

	require.NoError(t, e.Resume(ctx, id))
	wf = waitForTerminal(t, e, id, 2*time.Second)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
}

// flakyHandler fails with a CRITICAL-classified error on its first call
// (1s initial backoff per the retry policy's fixed strategy table) and
// succeeds on every call after.
type flakyHandler struct {
	mu       sync.Mutex
	attempts int
}

func (*flakyHandler) Type() string { return "flaky" }
func (h *flakyHandler) Execute(context.Context, registry.HandlerInput) (map[string]interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	if h.attempts == 1 {
		return nil, &domain.HandlerError{ErrorType: "auth", Severity: "", Cause: context.DeadlineExceeded}
	}
	return map[string]interface{}{}, nil
}

func TestEngine_RetryBackoff_HoldsTaskPendingUntilWaitBeforeElapses(t *testing.T) {
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	store, err := boltstore.New(dir, meter)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	coord := coordredis.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	reg := registry.New(&flakyHandler{})
	retryCtl := retrypolicy.New(nil)
	e := New(store, coord, reg, retryCtl, "node-test", WithPerWorkflowConcurrency(4))

	ctx := context.Background()
	id, err := e.Create(ctx, "flaky", []domain.Task{
		{ID: "a", Type: "flaky", MaxRetries: 3},
	}, nil, "")
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, e.Execute(ctx, id))

	// The first attempt fails almost immediately; the ~1s CRITICAL backoff
	// must keep the task PENDING rather than letting the next poll
	// re-dispatch it right away.
	time.Sleep(300 * time.Millisecond)
	wf, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRunning, wf.Status)
	assert.Equal(t, domain.TaskPending, wf.TaskByID("a").Status)

	wf = waitForTerminal(t, e, id, 3*time.Second)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestEngine_Cancel_IsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Create(ctx, "cancelme", []domain.Task{{ID: "a", Type: "noop"}}, nil, "")
	require.NoError(t, err)
	require.NoError(t, e.Execute(ctx, id))

	require.NoError(t, e.Cancel(ctx, id))
	wf, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCancelled, wf.Status)

	require.NoError(t, e.Cancel(ctx, id))
}
