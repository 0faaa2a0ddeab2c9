package retrypolicy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowguard/internal/domain"
)

type recordingNotifier struct {
	calls []domain.FailurePattern
}

func (r *recordingNotifier) Notify(_ context.Context, fp domain.FailurePattern) error {
	r.calls = append(r.calls, fp)
	return nil
}

func TestClassifySeverity_FixedTable(t *testing.T) {
	c := New(nil)
	assert.Equal(t, domain.SeverityHigh, c.ClassifySeverity("connection_refused"))
	assert.Equal(t, domain.SeverityMedium, c.ClassifySeverity("timeout_exceeded"))
	assert.Equal(t, domain.SeverityLow, c.ClassifySeverity("value_error"))
	assert.Equal(t, domain.SeverityCritical, c.ClassifySeverity("permission_denied"))
	assert.Equal(t, domain.SeverityMedium, c.ClassifySeverity("something_exotic"))
}

func TestDecide_CriticalIsImmediateWithBackoff(t *testing.T) {
	n := &recordingNotifier{}
	c := New(n)
	fp := domain.FailurePattern{ErrorType: "auth_expired", RetryCount: 0}

	out := c.Decide(context.Background(), fp)
	require.Equal(t, StageImmediate, out.Stage)
	assert.False(t, out.ShouldStop)
	assert.InDelta(t, time.Second, out.WaitBefore, float64(500*time.Millisecond))
	assert.Empty(t, n.calls)
}

func TestDecide_CriticalStopsAfterMaxRetries(t *testing.T) {
	c := New(nil)
	fp := domain.FailurePattern{ErrorType: "auth_expired", RetryCount: 3}
	out := c.Decide(context.Background(), fp)
	assert.True(t, out.ShouldStop)
}

func TestDecide_MediumGoesManualAndNotifies(t *testing.T) {
	n := &recordingNotifier{}
	c := New(n)
	fp := domain.FailurePattern{ErrorType: "timeout", RetryCount: 0}

	out := c.Decide(context.Background(), fp)
	assert.Equal(t, StageManual, out.Stage)
	assert.True(t, out.ShouldStop)
	require.Len(t, n.calls, 1)
}

func TestDecide_HighAnomalyScoreForcesManual(t *testing.T) {
	n := &recordingNotifier{}
	c := New(n, WithScorer(func(context.Context, domain.FailurePattern) float64 { return 0.95 }))
	fp := domain.FailurePattern{ErrorType: "connection_reset", RetryCount: 0}

	out := c.Decide(context.Background(), fp)
	assert.Equal(t, StageManual, out.Stage)
	require.Len(t, n.calls, 1)
}

func TestDecide_SeverityOverride(t *testing.T) {
	c := New(nil, WithSeverityOverrides(map[string]domain.Severity{"rate_limited": domain.SeverityCritical}))
	assert.Equal(t, domain.SeverityCritical, c.ClassifySeverity("rate_limited_429"))
}

func TestRestoreCheckpoint_RejectsRegression(t *testing.T) {
	_, err := RestoreCheckpoint(domain.Checkpoint{WorkflowID: "wf-1", Version: 2}, 5)
	require.Error(t, err)
}

func TestRestoreCheckpoint_AcceptsAtOrAheadOfLastCompleted(t *testing.T) {
	cp, err := RestoreCheckpoint(domain.Checkpoint{WorkflowID: "wf-1", Version: 5}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cp.Version)
}
