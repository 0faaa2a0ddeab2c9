package failover

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/flowguard/internal/clock"
	coordredis "github.com/swarmguard/flowguard/internal/coordination/redis"
	"github.com/swarmguard/flowguard/internal/domain"
	boltstore "github.com/swarmguard/flowguard/internal/persistence/bolt"
)

func newTestDeps(t *testing.T) (*coordredis.Store, *boltstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	coord := coordredis.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))

	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	store, err := boltstore.New(dir, mp.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return coord, store
}

func TestController_HeartbeatWritesNodeRecord(t *testing.T) {
	coord, store := newTestDeps(t)
	fc := clock.NewFake(time.Unix(0, 0))
	c := New(coord, store, "node-a", 1, map[string]bool{"noop": true}, WithClock(fc))

	require.NoError(t, c.heartbeat(context.Background()))

	nodes, err := c.listAliveNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].NodeID)
}

func TestController_ElectionPromotesSoleAliveNode(t *testing.T) {
	coord, store := newTestDeps(t)
	fc := clock.NewFake(time.Unix(0, 0))
	c := New(coord, store, "node-a", 1, map[string]bool{"noop": true}, WithClock(fc))

	ctx := context.Background()
	require.NoError(t, c.heartbeat(ctx))
	require.NoError(t, c.runElection(ctx))

	assert.Equal(t, domain.RolePrimary, c.Role())
}

func TestController_HigherPriorityWinsElection(t *testing.T) {
	coord, store := newTestDeps(t)
	fc := clock.NewFake(time.Unix(0, 0))

	low := New(coord, store, "node-low", 1, map[string]bool{"noop": true}, WithClock(fc))
	high := New(coord, store, "node-high", 5, map[string]bool{"noop": true}, WithClock(fc))

	ctx := context.Background()
	require.NoError(t, low.heartbeat(ctx))
	require.NoError(t, high.heartbeat(ctx))

	require.NoError(t, low.runElection(ctx))
	require.NoError(t, high.runElection(ctx))

	// Re-run both so the loser observes the winner's committed record.
	require.NoError(t, low.runElection(ctx))
	require.NoError(t, high.runElection(ctx))

	assert.Equal(t, domain.RolePrimary, high.Role())
	assert.Equal(t, domain.RoleStandby, low.Role())
}

func TestController_StandbyDefersToAlivePrimary(t *testing.T) {
	coord, store := newTestDeps(t)
	fc := clock.NewFake(time.Unix(0, 0))

	primary := New(coord, store, "node-a", 5, map[string]bool{"noop": true}, WithClock(fc))
	standby := New(coord, store, "node-b", 1, map[string]bool{"noop": true}, WithClock(fc))

	ctx := context.Background()
	require.NoError(t, primary.heartbeat(ctx))
	require.NoError(t, primary.runElection(ctx))
	require.Equal(t, domain.RolePrimary, primary.Role())

	require.NoError(t, standby.heartbeat(ctx))
	require.NoError(t, standby.runElection(ctx))
	assert.Equal(t, domain.RoleStandby, standby.Role())
}

func TestController_ReassignOrphansBreaksExpiredClaimAndReassigns(t *testing.T) {
	coord, store := newTestDeps(t)
	fc := clock.NewFake(time.Unix(0, 1000))

	primary := New(coord, store, "node-primary", 5, map[string]bool{"noop": true}, WithClock(fc), WithLeaseTTL(30*time.Second))

	ctx := context.Background()
	wf := domain.Workflow{
		ID:     "wf-orphan",
		Name:   "orphan",
		Status: domain.WorkflowRunning,
		Tasks:  []domain.Task{{ID: "a", Type: "noop", Status: domain.TaskRunning}},
	}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	expiredClaim := domain.JobClaim{
		WorkflowID: "wf-orphan",
		NodeID:     "node-dead",
		ClaimedAt:  fc.Now().Add(-time.Hour),
		LeaseTTL:   30 * time.Second,
	}
	claimBytes, err := json.Marshal(expiredClaim)
	require.NoError(t, err)
	require.NoError(t, coord.Set(ctx, "claims/wf-orphan", claimBytes, 0))

	require.NoError(t, primary.heartbeat(ctx))
	require.NoError(t, primary.runElection(ctx))
	require.Equal(t, domain.RolePrimary, primary.Role())

	require.NoError(t, primary.reassignOrphans(ctx))

	raw, err := coord.Get(ctx, "claims/wf-orphan")
	require.NoError(t, err)
	var newClaim domain.JobClaim
	require.NoError(t, json.Unmarshal(raw, &newClaim))
	assert.Equal(t, "node-primary", newClaim.NodeID)

	reloaded, err := store.GetWorkflow(ctx, "wf-orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPending, reloaded.Status)
}

func TestController_ReassignOrphansRespectsMaxPerTick(t *testing.T) {
	coord, store := newTestDeps(t)
	fc := clock.NewFake(time.Unix(0, 1000))
	primary := New(coord, store, "node-primary", 5, map[string]bool{"noop": true}, WithClock(fc), WithMaxRedistributePerTick(1))

	ctx := context.Background()
	for _, id := range []string{"wf-1", "wf-2"} {
		wf := domain.Workflow{
			ID: id, Name: id, Status: domain.WorkflowRunning,
			Tasks: []domain.Task{{ID: "a", Type: "noop", Status: domain.TaskRunning}},
		}
		require.NoError(t, store.CreateWorkflow(ctx, wf))
		claim := domain.JobClaim{WorkflowID: id, NodeID: "node-dead", ClaimedAt: fc.Now().Add(-time.Hour), LeaseTTL: 30 * time.Second}
		b, err := json.Marshal(claim)
		require.NoError(t, err)
		require.NoError(t, coord.Set(ctx, "claims/"+id, b, 0))
	}

	require.NoError(t, primary.heartbeat(ctx))
	require.NoError(t, primary.runElection(ctx))
	require.NoError(t, primary.reassignOrphans(ctx))

	reassigned := 0
	for _, id := range []string{"wf-1", "wf-2"} {
		raw, err := coord.Get(ctx, "claims/"+id)
		if err != nil {
			continue
		}
		var c domain.JobClaim
		require.NoError(t, json.Unmarshal(raw, &c))
		if c.NodeID == "node-primary" {
			reassigned++
		}
	}
	assert.Equal(t, 1, reassigned)
}

func TestController_NoCapabilityMatchDropsClaim(t *testing.T) {
	coord, store := newTestDeps(t)
	fc := clock.NewFake(time.Unix(0, 1000))
	primary := New(coord, store, "node-primary", 5, map[string]bool{"http": true}, WithClock(fc))

	ctx := context.Background()
	wf := domain.Workflow{
		ID: "wf-nocap", Name: "nocap", Status: domain.WorkflowRunning,
		Tasks: []domain.Task{{ID: "a", Type: "shell", Status: domain.TaskRunning}},
	}
	require.NoError(t, store.CreateWorkflow(ctx, wf))
	claim := domain.JobClaim{WorkflowID: "wf-nocap", NodeID: "node-dead", ClaimedAt: fc.Now().Add(-time.Hour), LeaseTTL: 30 * time.Second}
	b, err := json.Marshal(claim)
	require.NoError(t, err)
	require.NoError(t, coord.Set(ctx, "claims/wf-nocap", b, 0))

	require.NoError(t, primary.heartbeat(ctx))
	require.NoError(t, primary.runElection(ctx))
	require.NoError(t, primary.reassignOrphans(ctx))

	_, err = coord.Get(ctx, "claims/wf-nocap")
	require.Error(t, err) // claim dropped, no capability-matching node available
}

func TestController_RunTicksAndExitsOnCancel(t *testing.T) {
	coord, store := newTestDeps(t)
	c := New(coord, store, "node-a", 1, map[string]bool{"noop": true}, WithHeartbeatInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}

	nodes, err := c.listAliveNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, domain.RolePrimary, c.Role())
}
