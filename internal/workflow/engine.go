// Package workflow implements the Workflow Engine (§4.1): the scheduler
// that owns a workflow's end-to-end lifecycle from submission to terminal
// status, enforcing dependency order, concurrency caps, timeouts, and
// checkpoint writes. Grounded on the teacher's dag_engine.go (Kahn's
// algorithm + worker pool) and scheduler.go (per-workflow goroutine
// dispatch), generalized from the teacher's single-process model to one
// gated by a JobClaim on the Coordination Port so exactly one node drives a
// given workflow at a time.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowguard/internal/clock"
	"github.com/swarmguard/flowguard/internal/coordination"
	"github.com/swarmguard/flowguard/internal/domain"
	"github.com/swarmguard/flowguard/internal/persistence"
	"github.com/swarmguard/flowguard/internal/registry"
	"github.com/swarmguard/flowguard/internal/retrypolicy"
	"github.com/swarmguard/flowguard/internal/telemetry"
)

// AnalyticsSink is the non-blocking emission half of the Analytics Intake
// Pipeline (§4.4) the engine depends on, so it never stalls scheduling
// waiting on a full queue.
type AnalyticsSink interface {
	TryEnqueue(ev domain.AnalyticsEvent) error
}

// Engine is the Workflow Engine.
type Engine struct {
	store    persistence.Port
	coord    coordination.Port
	registry *registry.Registry
	retry    *retrypolicy.Controller
	sink     AnalyticsSink
	metrics  telemetry.Metrics
	clock    clock.Clock
	tracer   trace.Tracer
	nodeID   string

	globalSem      chan struct{}
	perWorkflowCap int
	leaseTTL       time.Duration

	cancelMgr *CancellationManager
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option         { return func(e *Engine) { e.clock = c } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithAnalyticsSink(s AnalyticsSink) Option { return func(e *Engine) { e.sink = s } }
func WithGlobalConcurrency(n int) Option {
	return func(e *Engine) { e.globalSem = make(chan struct{}, n) }
}
func WithPerWorkflowConcurrency(n int) Option { return func(e *Engine) { e.perWorkflowCap = n } }
func WithLeaseTTL(d time.Duration) Option     { return func(e *Engine) { e.leaseTTL = d } }

// New constructs an Engine. Defaults: global concurrency = runtime.NumCPU()*4
// (§5's "default derived from CPU count × 4"), per-workflow cap = 8.
func New(store persistence.Port, coord coordination.Port, reg *registry.Registry, retryCtl *retrypolicy.Controller, nodeID string, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		coord:          coord,
		registry:       reg,
		retry:          retryCtl,
		sink:           noopSink{},
		metrics:        telemetry.NoopMetrics(),
		clock:          clock.Real{},
		tracer:         otel.Tracer("flowguard-workflow"),
		nodeID:         nodeID,
		globalSem:      make(chan struct{}, runtime.NumCPU()*4),
		perWorkflowCap: 8,
		leaseTTL:       30 * time.Second,
		cancelMgr:      NewCancellationManager(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type noopSink struct{}

func (noopSink) TryEnqueue(domain.AnalyticsEvent) error { return nil }

// Create validates tasks as a DAG and persists a new workflow in PENDING
// status (§4.1 create()).
func (e *Engine) Create(ctx context.Context, name string, tasks []domain.Task, metadata map[string]interface{}, tenantID string) (string, error) {
	if err := domain.ValidateDAG(tasks); err != nil {
		return "", err
	}

	cloned := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		tc := t.Clone()
		tc.Status = domain.TaskPending
		cloned[i] = tc
	}

	now := e.clock.Now()
	wf := domain.Workflow{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    domain.WorkflowPending,
		Tasks:     cloned,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
		TenantID:  tenantID,
	}

	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return "", err
	}
	return wf.ID, nil
}

// Execute begins scheduling a PENDING or PAUSED workflow asynchronously
// (§4.1 execute()).
func (e *Engine) Execute(ctx context.Context, workflowID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(attribute.String("workflow_id", workflowID)))
	defer span.End()

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return &domain.AlreadyTerminalError{WorkflowID: workflowID, Status: wf.Status}
	}
	if wf.Status != domain.WorkflowPending && wf.Status != domain.WorkflowPaused {
		return &domain.InvalidTransitionError{From: wf.Status, To: domain.WorkflowRunning}
	}

	// Cheap admission gate only: this acquires and immediately releases a
	// slot rather than holding it, so it does not reserve capacity for this
	// workflow. The real per-task slots are taken later in runLoop's
	// dispatch loop, so two Executes racing this check can both pass it and
	// then contend for slots honestly once dispatching starts.
	select {
	case e.globalSem <- struct{}{}:
		<-e.globalSem
	default:
		return &domain.CapacityExceededError{Cap: cap(e.globalSem)}
	}

	if err := e.acquireClaim(ctx, workflowID); err != nil {
		return err
	}

	wf.Status = domain.WorkflowRunning
	wf.UpdatedAt = e.clock.Now()
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancelMgr.Register(workflowID, cancel)

	go e.runLoop(loopCtx, workflowID)
	return nil
}

// Status returns the last-persisted workflow record.
func (e *Engine) Status(ctx context.Context, workflowID string) (domain.Workflow, error) {
	return e.store.GetWorkflow(ctx, workflowID)
}

// Cancel marks a workflow CANCELLED and signals in-flight tasks. Idempotent:
// a second call on an already-CANCELLED workflow is a no-op (§4.1 cancel()).
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == domain.WorkflowCancelled {
		return nil
	}
	if wf.Status.IsTerminal() {
		return &domain.AlreadyTerminalError{WorkflowID: workflowID, Status: wf.Status}
	}

	wf.Status = domain.WorkflowCancelled
	wf.UpdatedAt = e.clock.Now()
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	e.cancelMgr.Cancel(workflowID)
	return nil
}

// Pause refuses to dispatch new tasks while letting in-flight tasks finish
// (§4.1 pause()).
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != domain.WorkflowRunning {
		return &domain.InvalidTransitionError{From: wf.Status, To: domain.WorkflowPaused}
	}
	wf.Status = domain.WorkflowPaused
	wf.UpdatedAt = e.clock.Now()
	return e.store.UpdateWorkflow(ctx, wf)
}

// Resume re-enters normal scheduling for a PAUSED workflow (§4.1 resume()).
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != domain.WorkflowPaused {
		return &domain.InvalidTransitionError{From: wf.Status, To: domain.WorkflowRunning}
	}
	return e.Execute(ctx, workflowID)
}

// claimStoreGrace multiplies leaseTTL for the claim key's physical TTL in
// the coordination store, so a claim the engine is actively renewing stays
// observable past its logical lease window long enough for the Failover
// Controller to find and reassign it deliberately rather than having the
// store silently evict the record out from under both sides.
const claimStoreGrace = 3

// acquireClaim takes a JobClaim for workflowID via a coordination-port CAS,
// so exactly one node's engine drives this workflow at a time (§4.1 step 6).
func (e *Engine) acquireClaim(ctx context.Context, workflowID string) error {
	claim := domain.JobClaim{WorkflowID: workflowID, NodeID: e.nodeID, ClaimedAt: e.clock.Now(), LeaseTTL: e.leaseTTL}
	payload, err := json.Marshal(claim)
	if err != nil {
		return err
	}
	key := coordination.ClaimKey(workflowID)
	existing, err := e.coord.Get(ctx, key)
	if err != nil {
		var nfe *domain.NotFoundError
		if !errors.As(err, &nfe) {
			return err
		}
		existing = nil
	}
	if existing != nil {
		var held domain.JobClaim
		if json.Unmarshal(existing, &held) == nil && held.NodeID != e.nodeID && !held.Expired(e.clock.Now()) {
			return &domain.CapacityExceededError{Cap: 1}
		}
	}
	ok, err := e.coord.CompareAndSet(ctx, key, existing, payload, e.leaseTTL*claimStoreGrace)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.CapacityExceededError{Cap: 1}
	}
	return nil
}

// renewClaim extends the claim's ClaimedAt so a still-healthy, still-running
// workflow's lease never logically expires out from under it. Best-effort:
// a failed renewal is left for the next tick, and if the lease does lapse
// in the meantime the Failover Controller's reassignment is the correct
// outcome (this node may be partitioned or stuck).
func (e *Engine) renewClaim(ctx context.Context, workflowID string) {
	claim := domain.JobClaim{WorkflowID: workflowID, NodeID: e.nodeID, ClaimedAt: e.clock.Now(), LeaseTTL: e.leaseTTL}
	payload, err := json.Marshal(claim)
	if err != nil {
		return
	}
	_ = e.coord.Set(ctx, coordination.ClaimKey(workflowID), payload, e.leaseTTL*claimStoreGrace)
}

func (e *Engine) releaseClaim(ctx context.Context, workflowID string) {
	_ = e.coord.Delete(ctx, coordination.ClaimKey(workflowID))
}

// renewClaimPeriodically refreshes workflowID's claim at half the lease
// interval until ctx is cancelled (the runLoop exits). Runs as its own
// goroutine so a slow task handler never delays renewal.
func (e *Engine) renewClaimPeriodically(ctx context.Context, workflowID string) {
	interval := e.leaseTTL / 2
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(interval):
			e.renewClaim(context.Background(), workflowID)
		}
	}
}

// runLoop is the per-workflow scheduler loop (§4.1 "Scheduling algorithm").
// It is spawned once per Execute/Resume call and owns exactly one
// workflow's progress at a time.
func (e *Engine) runLoop(ctx context.Context, workflowID string) {
	defer e.cancelMgr.Complete(workflowID)
	defer e.releaseClaim(context.Background(), workflowID)

	go e.renewClaimPeriodically(ctx, workflowID)

	results := make(chan taskOutcome, e.perWorkflowCap)
	inFlight := 0

	for {
		wf, err := e.store.GetWorkflow(context.Background(), workflowID)
		if err != nil {
			return
		}
		if wf.Status.IsTerminal() {
			return
		}
		if wf.Status == domain.WorkflowPaused {
			if inFlight == 0 {
				return
			}
		} else if wf.Status == domain.WorkflowRunning {
			ready := domain.ReadySet(wf.Tasks, e.clock.Now())
			if len(ready) == 0 && inFlight == 0 {
				done, failed := domain.IsWorkflowDone(wf.Tasks)
				if done {
					if failed {
						wf.Status = domain.WorkflowFailed
					} else {
						wf.Status = domain.WorkflowCompleted
					}
					wf.UpdatedAt = e.clock.Now()
					_ = e.store.UpdateWorkflow(context.Background(), wf)
				}
				return
			}

			budget := e.perWorkflowCap - inFlight
			select {
			case <-ctx.Done():
				budget = 0
			default:
			}
		dispatchLoop:
			for i := 0; i < len(ready) && i < budget; i++ {
				select {
				case e.globalSem <- struct{}{}:
				default:
					break dispatchLoop // global cap exhausted; resume dispatching next round
				}
				taskID := ready[i]
				inFlight++
				go e.runTask(ctx, workflowID, taskID, results)
			}
		}

		if inFlight == 0 {
			// Nothing dispatched this round and not done: back off briefly
			// before recomputing readiness (e.g. waiting on a retry delay).
			select {
			case <-e.clock.After(100 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case out := <-results:
			inFlight--
			<-e.globalSem
			e.handleOutcome(context.Background(), workflowID, out)
		case <-ctx.Done():
			// Drain in-flight tasks without dispatching further; cancellation
			// has already been persisted by Cancel().
			for inFlight > 0 {
				out := <-results
				inFlight--
				<-e.globalSem
				e.handleOutcome(context.Background(), workflowID, out)
			}
			return
		}
	}
}

type taskOutcome struct {
	taskID string
	output map[string]interface{}
	err    error
	start  time.Time
	end    time.Time
}

// runTask dispatches one task to its registered handler within its
// timeout, reporting the outcome on results (§4.1 step 4, "Timeouts").
func (e *Engine) runTask(ctx context.Context, workflowID, taskID string, results chan<- taskOutcome) {
	wf, err := e.store.GetWorkflow(context.Background(), workflowID)
	if err != nil {
		results <- taskOutcome{taskID: taskID, err: err}
		return
	}
	task := wf.TaskByID(taskID)
	if task == nil {
		results <- taskOutcome{taskID: taskID, err: &domain.NotFoundError{Kind: "task", ID: taskID}}
		return
	}

	if err := e.store.RecordTaskTransition(context.Background(), workflowID, taskID, domain.TaskPending, domain.TaskRunning, nil, ""); err != nil {
		results <- taskOutcome{taskID: taskID, err: err}
		return
	}
	e.writeCheckpoint(context.Background(), workflowID, wf.Tasks)

	input := registry.HandlerInput{
		WorkflowID:      workflowID,
		WorkflowName:    wf.Name,
		TaskID:          taskID,
		Config:          task.Config,
		UpstreamOutputs: upstreamOutputs(wf, *task),
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := e.clock.Now()
	out, err := e.registry.Execute(execCtx, *task, input)
	end := e.clock.Now()

	if err == nil {
		e.metrics.TaskDuration.Record(context.Background(), float64(end.Sub(start).Milliseconds()))
	}
	if execCtx.Err() == context.DeadlineExceeded && err != nil {
		err = &domain.HandlerError{ErrorType: "timeout", Severity: domain.SeverityMedium, Cause: err}
	}

	results <- taskOutcome{taskID: taskID, output: out, err: err, start: start, end: end}
}

func upstreamOutputs(wf domain.Workflow, t domain.Task) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(t.Dependencies))
	for _, depID := range t.Dependencies {
		if dep := wf.TaskByID(depID); dep != nil {
			out[depID] = dep.Result
		}
	}
	return out
}

// handleOutcome persists a task's result or routes its failure through the
// Retry/Recovery Controller (§4.1 step 4).
func (e *Engine) handleOutcome(ctx context.Context, workflowID string, out taskOutcome) {
	if out.err == nil {
		if err := e.store.RecordTaskTransition(ctx, workflowID, out.taskID, domain.TaskRunning, domain.TaskCompleted, out.output, ""); err != nil {
			return
		}
		wf, err := e.store.GetWorkflow(ctx, workflowID)
		if err == nil {
			e.writeCheckpoint(ctx, workflowID, wf.Tasks)
		}
		e.emitAnalytics(workflowID, out.taskID, "task.completed")
		return
	}

	e.metrics.TaskFailures.Add(ctx, 1)

	herr, ok := out.err.(*domain.HandlerError)
	if !ok {
		herr = &domain.HandlerError{ErrorType: "unknown", Severity: domain.SeverityMedium, Cause: out.err}
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	task := wf.TaskByID(out.taskID)
	if task == nil {
		return
	}

	fp := domain.FailurePattern{
		ID:               uuid.NewString(),
		ErrorType:        herr.ErrorType,
		Message:          herr.Error(),
		Severity:         herr.Severity,
		WorkflowID:       workflowID,
		TaskID:           out.taskID,
		RetryCount:       task.RetryCount,
		ResolutionStatus: domain.ResolutionOpen,
		Timestamp:        e.clock.Now(),
	}
	decision := e.retry.Decide(ctx, fp)
	retrying := !decision.ShouldStop && task.RetryCount < task.MaxRetries
	switch {
	case decision.Stage == retrypolicy.StageManual:
		fp.ResolutionStatus = domain.ResolutionPendingManual
	case !retrying:
		fp.ResolutionStatus = domain.ResolutionPermanentlyFailed
	}
	_ = e.store.RecordFailurePattern(ctx, fp)

	if retrying {
		e.metrics.TaskRetries.Add(ctx, 1)
		_ = e.store.RecordTaskTransition(ctx, workflowID, out.taskID, domain.TaskRunning, domain.TaskPending, nil, herr.Error())
		// Hold the task out of ReadySet until its severity-derived backoff
		// elapses, rather than waiting it out in a detached goroutine: the
		// task is already back in PENDING, so runLoop would otherwise
		// re-dispatch it on the very next poll instead of after WaitBefore.
		notBefore := e.clock.Now().Add(decision.WaitBefore)
		wf2, err := e.store.GetWorkflow(ctx, workflowID)
		if err == nil {
			if t2 := wf2.TaskByID(out.taskID); t2 != nil {
				t2.RetryCount++
				t2.NotBefore = &notBefore
				wf2.UpdatedAt = e.clock.Now()
				_ = e.store.UpdateWorkflow(ctx, wf2)
			}
		}
		return
	}

	_ = e.store.RecordTaskTransition(ctx, workflowID, out.taskID, domain.TaskRunning, domain.TaskFailed, nil, herr.Error())
	wf3, err := e.store.GetWorkflow(ctx, workflowID)
	if err == nil {
		domain.SkipDescendants(&wf3, out.taskID)
		wf3.UpdatedAt = e.clock.Now()
		_ = e.store.UpdateWorkflow(ctx, wf3)
		e.writeCheckpoint(ctx, workflowID, wf3.Tasks)
	}
	e.emitAnalytics(workflowID, out.taskID, "task.failed")
}

func (e *Engine) writeCheckpoint(ctx context.Context, workflowID string, tasks []domain.Task) {
	latest, ok, err := e.store.LoadLatestCheckpoint(ctx, workflowID)
	version := int64(1)
	if err == nil && ok {
		version = latest.Version + 1
	}
	stateVector := make(map[string]domain.TaskStatus, len(tasks))
	for _, t := range tasks {
		stateVector[t.ID] = t.Status
	}
	_ = e.store.WriteCheckpoint(ctx, domain.Checkpoint{
		WorkflowID:  workflowID,
		Version:     version,
		StateVector: stateVector,
		CreatedAt:   e.clock.Now(),
	})
}

func (e *Engine) emitAnalytics(workflowID, taskID, metricName string) {
	_ = e.sink.TryEnqueue(domain.AnalyticsEvent{
		ID:         uuid.NewString(),
		MetricName: metricName,
		Value:      map[string]interface{}{"workflow_id": workflowID, "task_id": taskID},
		Timestamp:  e.clock.Now(),
		Producer:   fmt.Sprintf("engine:%s", workflowID),
	})
}
