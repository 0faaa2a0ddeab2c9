// Package scheduler drives the periodic trigger the Workflow Engine
// depends on but does not run itself: picking up PENDING workflows that no
// worker has claimed yet. The Failover Controller's heartbeat/election tick
// runs in its own loop, not here. Grounded on the teacher's
// services/orchestrator/scheduler.go, which uses robfig/cron to fire named
// workflow schedules; here the same cron primitive drives one
// fixed-interval job instead of per-workflow cron expressions, since §2's
// control flow has the Engine "pick up" pending rows by polling rather
// than by user-defined schedules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowguard/internal/domain"
	"github.com/swarmguard/flowguard/internal/persistence"
)

// Executor is the subset of *workflow.Engine the poll loop needs. Kept
// narrow so this package does not import internal/workflow.
type Executor interface {
	Execute(ctx context.Context, workflowID string) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithPollInterval(d time.Duration) Option { return func(s *Scheduler) { s.pollInterval = d } }
func WithPollLimit(n int) Option              { return func(s *Scheduler) { s.pollLimit = n } }

// Scheduler polls the persistence port for PENDING workflows this node has
// not yet started executing and hands each to the Engine. It does not
// itself decide which workflows are eligible beyond status; the Engine's
// JobClaim acquisition is what prevents two nodes from double-dispatching
// the same workflow when the poll fires on more than one node at once.
type Scheduler struct {
	store    persistence.Port
	executor Executor
	cron     *cron.Cron
	tracer   trace.Tracer

	pollInterval time.Duration
	pollLimit    int

	entryID cron.EntryID
}

// New constructs a Scheduler. pollInterval defaults to 5s, pollLimit to 50.
func New(store persistence.Port, executor Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		executor:     executor,
		cron:         cron.New(cron.WithSeconds()),
		tracer:       otel.Tracer("flowguard-scheduler"),
		pollInterval: 5 * time.Second,
		pollLimit:    50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the poll job and starts the underlying cron runner.
// Safe to call once; calling it twice registers the job twice.
func (s *Scheduler) Start() error {
	spec := "@every " + s.pollInterval.String()
	id, err := s.cron.AddFunc(spec, func() { s.pollOnce(context.Background()) })
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	slog.Info("scheduler started", "poll_interval", s.pollInterval, "poll_limit", s.pollLimit)
	return nil
}

// Stop gracefully stops the cron runner, waiting for any in-flight job to
// finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.poll_pending")
	defer span.End()

	pending, err := s.store.ListPendingWorkflows(ctx, s.pollLimit)
	if err != nil {
		slog.Warn("scheduler: list pending workflows failed", "error", err)
		return
	}

	for _, wf := range pending {
		go s.dispatch(wf)
	}
}

func (s *Scheduler) dispatch(wf domain.Workflow) {
	ctx, span := s.tracer.Start(context.Background(), "scheduler.dispatch_workflow")
	defer span.End()

	if err := s.executor.Execute(ctx, wf.ID); err != nil {
		// A claim already held by another node polling concurrently, or a
		// workflow that reached a terminal status between the list and the
		// dispatch, is the expected steady-state outcome here, not a fault.
		slog.Debug("scheduler: dispatch did not start new work", "workflow_id", wf.ID, "error", err)
	}
}
