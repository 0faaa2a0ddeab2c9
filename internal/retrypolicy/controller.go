// Package retrypolicy implements the Retry/Recovery Controller (§4.2): a
// pure policy for classifying a handler failure's severity, picking a
// recovery stage and backoff schedule, and guarding checkpoint restoration
// against regressing completed work. It does not execute tasks itself —
// the Workflow Engine calls Decide and acts on the returned Outcome.
package retrypolicy

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/swarmguard/flowguard/internal/domain"
)

// Stage is the recovery stage chosen for a failure.
type Stage string

const (
	StageImmediate Stage = "immediate"
	StageDelayed   Stage = "delayed"
	StageManual    Stage = "manual"
)

// strategy holds the bounded-retry schedule for a severity tier.
type strategy struct {
	stage         Stage
	maxRetries    int
	initialDelay  time.Duration
	maxDelay      time.Duration
	backoffFactor float64
}

// strategyTable is the fixed severity → strategy lookup from §4.2.
var strategyTable = map[domain.Severity]strategy{
	domain.SeverityCritical: {StageImmediate, 3, time.Second, 30 * time.Second, 1.5},
	domain.SeverityHigh:     {StageDelayed, 5, 5 * time.Second, 300 * time.Second, 2.0},
	domain.SeverityMedium:   {StageManual, 1, 0, 0, 0},
	domain.SeverityLow:      {StageManual, 1, 0, 0, 0},
}

// errorTypeSeverity is the fixed error_type → severity lookup from §4.2.
// Callers extend it via WithSeverityOverrides.
var errorTypeSeverity = map[string]domain.Severity{
	"connection": domain.SeverityHigh,
	"transport":  domain.SeverityHigh,
	"timeout":    domain.SeverityMedium,
	"value":      domain.SeverityLow,
	"type":       domain.SeverityLow,
	"auth":       domain.SeverityCritical,
	"permission": domain.SeverityCritical,
}

// anomalyThreshold is the score above which stage is forced to manual
// regardless of severity ("suspicion overrides automation").
const anomalyThreshold = 0.8

// Scorer computes an anomaly score in [0,1] for a failure. The default
// scorer always returns 0.5, matching §4.2's "opaque scorer; default
// scorer returns 0.5".
type Scorer func(ctx context.Context, fp domain.FailurePattern) float64

// DefaultScorer is the engine's built-in anomaly scorer.
func DefaultScorer(context.Context, domain.FailurePattern) float64 { return 0.5 }

// Notifier delivers a manual-intervention notification for a FailurePattern
// routed to StageManual. The default implementation publishes onto the
// Coordination Port's notifications.manual channel (§4.8); tests may
// substitute a recording stub.
type Notifier interface {
	Notify(ctx context.Context, fp domain.FailurePattern) error
}

// Outcome is the controller's verdict for a single failure. The controller
// never raises; every path yields an Outcome the engine persists (§4.2).
type Outcome struct {
	Stage      Stage
	ShouldStop bool // true once max_retries has been exhausted (permanently_failed) or stage is manual
	WaitBefore time.Duration
	Severity   domain.Severity
}

// Controller is the Retry/Recovery Controller.
type Controller struct {
	scorer    Scorer
	notifier  Notifier
	overrides map[string]domain.Severity
}

// Option configures a Controller.
type Option func(*Controller)

// WithScorer overrides the anomaly scorer.
func WithScorer(s Scorer) Option { return func(c *Controller) { c.scorer = s } }

// WithNotifier overrides the manual-intervention notifier.
func WithNotifier(n Notifier) Option { return func(c *Controller) { c.notifier = n } }

// WithSeverityOverrides extends the fixed error_type → severity lookup
// table, per §4.2's "callers may extend" clause.
func WithSeverityOverrides(overrides map[string]domain.Severity) Option {
	return func(c *Controller) { c.overrides = overrides }
}

// New constructs a Controller with the default severity table and scorer.
func New(notifier Notifier, opts ...Option) *Controller {
	c := &Controller{
		scorer:   DefaultScorer,
		notifier: notifier,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClassifySeverity maps an error_type string to a Severity via the fixed
// lookup table (substring match, e.g. "connection_refused" → HIGH),
// defaulting to MEDIUM for unrecognized types.
func (c *Controller) ClassifySeverity(errorType string) domain.Severity {
	lower := strings.ToLower(errorType)
	for key, sev := range c.overrides {
		if strings.Contains(lower, strings.ToLower(key)) {
			return sev
		}
	}
	for key, sev := range errorTypeSeverity {
		if strings.Contains(lower, key) {
			return sev
		}
	}
	return domain.SeverityMedium
}

// Decide classifies fp, selects a recovery stage, and — for manual stage —
// fires the notification. It does not sleep; the caller is responsible for
// holding the task back until Outcome.WaitBefore elapses (the engine does
// this by stamping the task's NotBefore rather than blocking a goroutine).
func (c *Controller) Decide(ctx context.Context, fp domain.FailurePattern) Outcome {
	severity := fp.Severity
	if severity == "" {
		severity = c.ClassifySeverity(fp.ErrorType)
	}
	strat, ok := strategyTable[severity]
	if !ok {
		strat = strategyTable[domain.SeverityMedium]
	}

	score := c.scorer(ctx, fp)
	stage := strat.stage
	if score > anomalyThreshold {
		stage = StageManual
	}

	if stage == StageManual {
		if c.notifier != nil {
			_ = c.notifier.Notify(ctx, fp)
		}
		return Outcome{Stage: StageManual, ShouldStop: true, Severity: severity}
	}

	if fp.RetryCount >= strat.maxRetries {
		return Outcome{Stage: stage, ShouldStop: true, Severity: severity}
	}

	wait := backoffDelay(strat, fp.RetryCount)
	return Outcome{Stage: stage, ShouldStop: false, WaitBefore: wait, Severity: severity}
}

// backoffDelay computes the exponential-with-jitter delay for attempt
// number retryCount, capped at strat.maxDelay, via cenkalti/backoff/v4's
// ExponentialBackOff so the jitter/randomization matches the library's own
// formula rather than a hand-rolled one.
func backoffDelay(strat strategy, retryCount int) time.Duration {
	if strat.initialDelay <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = strat.initialDelay
	b.Multiplier = strat.backoffFactor
	b.MaxInterval = strat.maxDelay
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.2

	delay := strat.initialDelay
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	if delay > strat.maxDelay {
		delay = strat.maxDelay
	}
	return delay
}

// RestoreCheckpoint validates a checkpoint restoration request against the
// version-regression guard in §4.2: restoration is rejected if cp is older
// than the last durably-COMPLETED task transition recorded for the
// workflow. lastCompletedVersion is the checkpoint version at which that
// last COMPLETED transition was durably recorded.
func RestoreCheckpoint(cp domain.Checkpoint, lastCompletedVersion int64) (domain.Checkpoint, error) {
	if cp.Version < lastCompletedVersion {
		return domain.Checkpoint{}, &domain.CheckpointRegressionError{
			WorkflowID:           cp.WorkflowID,
			RequestedVersion:     cp.Version,
			LastCompletedVersion: lastCompletedVersion,
		}
	}
	return cp, nil
}
