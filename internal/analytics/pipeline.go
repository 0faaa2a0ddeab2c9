// Package analytics implements the Analytics Intake Pipeline (§4.4): a
// bounded multi-producer/single-consumer queue that absorbs execution
// events from the Workflow Engine and flushes them to the persistence port
// in batches, without ever stalling a scheduler loop. Grounded on the
// teacher's services/audit-trail/internal/persistent_log.go WAL — segment
// rotation by size there generalizes into flush-by-batch-size-or-age here,
// and restoreFromWAL's at-least-once replay becomes the batch retry below.
package analytics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowguard/internal/clock"
	"github.com/swarmguard/flowguard/internal/domain"
	"github.com/swarmguard/flowguard/internal/persistence"
	"github.com/swarmguard/flowguard/internal/resilience"
	"github.com/swarmguard/flowguard/internal/telemetry"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clock = c } }
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}
func WithBatchSize(n int) Option    { return func(p *Pipeline) { p.batchSize = n } }
func WithFlushInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.flushInterval = d }
}
func WithRetryAttempts(n int) Option { return func(p *Pipeline) { p.retryAttempts = n } }
func WithRetryBaseDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.retryBaseDelay = d }
}
func WithRetentionDays(n int) Option { return func(p *Pipeline) { p.retentionDays = n } }
func WithRetentionPageSize(n int) Option {
	return func(p *Pipeline) { p.retentionPageSize = n }
}
func WithRetentionInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.retentionInterval = d }
}

// WithSampleRate sets how many events per second the pipeline admits once
// the queue has been observed full at least once (§5: "sampled emission"
// backpressure fallback), enforced by an internal rate limiter rather than
// by trying every single event against the full queue.
func WithSampleRate(n int) Option { return func(p *Pipeline) { p.sampleRate = n } }

// Pipeline is the Analytics Intake Pipeline. One instance runs per node,
// shared by every workflow the node's Engine is executing (it is the only
// in-process structure the engine touches across workflow boundaries,
// §5 "shared-resource policy").
type Pipeline struct {
	store persistence.Port
	queue chan domain.AnalyticsEvent

	clock   clock.Clock
	metrics telemetry.Metrics
	tracer  trace.Tracer

	capacity          int
	batchSize         int
	flushInterval     time.Duration
	retryAttempts     int
	retryBaseDelay    time.Duration
	retentionDays     int
	retentionPageSize int
	retentionInterval time.Duration
	sampleRate        int

	limiter   *resilience.RateLimiter
	saturated atomic.Bool
}

// New constructs a Pipeline backed by store, with a bounded queue of
// capacity (default 10,000 per §4.4).
func New(store persistence.Port, capacity int, opts ...Option) *Pipeline {
	if capacity <= 0 {
		capacity = 10000
	}
	p := &Pipeline{
		store:             store,
		capacity:          capacity,
		clock:             clock.Real{},
		metrics:           telemetry.NoopMetrics(),
		tracer:            otel.Tracer("flowguard-analytics"),
		batchSize:         1000,
		flushInterval:     60 * time.Second,
		retryAttempts:     5,
		retryBaseDelay:    200 * time.Millisecond,
		retentionDays:     90,
		retentionPageSize: 500,
		retentionInterval: time.Hour,
		sampleRate:        1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan domain.AnalyticsEvent, p.capacity)
	rate := float64(p.sampleRate)
	if rate <= 0 {
		rate = 1
	}
	p.limiter = resilience.NewRateLimiter(int64(rate), rate, time.Second, 0)
	return p
}

// TryEnqueue implements workflow.AnalyticsSink: a non-blocking submit that
// returns a *domain.BackpressureError when the queue is full, falling back
// to sampled admission (via the rate limiter) once backpressure has been
// observed at least once so a bursty producer degrades to a steady trickle
// of events instead of either stalling the caller or flooding the queue
// the instant one slot frees up (§5 sampled-emission fallback).
func (p *Pipeline) TryEnqueue(ev domain.AnalyticsEvent) error {
	if p.saturated.Load() && !p.limiter.Allow() {
		return nil
	}
	select {
	case p.queue <- ev:
		p.saturated.Store(false)
		return nil
	default:
		p.saturated.Store(true)
		p.metrics.AnalyticsDropped.Add(context.Background(), 1)
		return &domain.BackpressureError{QueueCapacity: p.capacity}
	}
}

// Submit is the blocking submit with timeout: it waits up to timeout for
// queue space before giving up with the same *domain.BackpressureError
// TryEnqueue returns.
func (p *Pipeline) Submit(ctx context.Context, ev domain.AnalyticsEvent, timeout time.Duration) error {
	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		p.metrics.AnalyticsDropped.Add(ctx, 1)
		return &domain.BackpressureError{QueueCapacity: p.capacity}
	}
}

// Run drains the queue in batches of up to batchSize or every
// flushInterval, whichever comes first, until ctx is cancelled. On
// cancellation it performs one last best-effort drain of whatever is
// already buffered.
func (p *Pipeline) Run(ctx context.Context) {
	timer := p.clock.NewTimer(p.flushInterval)
	defer timer.Stop()
	batch := make([]domain.AnalyticsEvent, 0, p.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flush(ctx, batch)
		batch = batch[:0]
	}

drainLoop:
	for {
		select {
		case <-ctx.Done():
			break drainLoop
		case ev := <-p.queue:
			batch = append(batch, ev)
			if len(batch) >= p.batchSize {
				flush()
				timer = p.clock.NewTimer(p.flushInterval)
			}
		case <-timer.C():
			flush()
			timer = p.clock.NewTimer(p.flushInterval)
		}
	}

	for {
		select {
		case ev := <-p.queue:
			batch = append(batch, ev)
			if len(batch) >= p.batchSize {
				flush()
			}
		default:
			flush()
			return
		}
	}
}

// flush commits batch within one transaction (§4.4), retrying the whole
// batch with exponential backoff on infrastructure failure. Per-producer
// FIFO survives the retry since the batch is replayed verbatim.
func (p *Pipeline) flush(ctx context.Context, batch []domain.AnalyticsEvent) {
	ctx, span := p.tracer.Start(ctx, "analytics.flush")
	defer span.End()

	toCommit := make([]domain.AnalyticsEvent, len(batch))
	copy(toCommit, batch)

	_, err := resilience.Retry(ctx, p.retryAttempts, p.retryBaseDelay, func() (struct{}, error) {
		return struct{}{}, p.store.InsertAnalyticsBatch(ctx, toCommit)
	})
	if err != nil {
		slog.Warn("analytics: batch flush failed after retries", "batch_size", len(toCommit), "error", err)
		return
	}
	p.metrics.AnalyticsBatches.Add(ctx, 1)
}

// RunRetention periodically deletes events older than retentionDays,
// paging deletions to avoid long transactions (§4.4), until ctx is
// cancelled.
func (p *Pipeline) RunRetention(ctx context.Context) {
	timer := p.clock.NewTimer(p.retentionInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			p.cleanupOnce(ctx)
			timer = p.clock.NewTimer(p.retentionInterval)
		}
	}
}

func (p *Pipeline) cleanupOnce(ctx context.Context) {
	cutoff := p.clock.Now().AddDate(0, 0, -p.retentionDays)
	total := 0
	for {
		n, err := p.store.DeleteAnalyticsOlderThan(ctx, cutoff, p.retentionPageSize)
		if err != nil {
			slog.Warn("analytics: retention cleanup failed", "error", err)
			return
		}
		total += n
		if n < p.retentionPageSize {
			break
		}
	}
	if total > 0 {
		slog.Info("analytics: retention cleanup removed events", "count", total, "cutoff", cutoff)
	}
}
