// Package failover implements the Failover Controller (§4.3): heartbeat
// emission, deterministic primary election, and orphan-job detection and
// reassignment. Grounded on the teacher's services/control-plane/main.go
// (node identity, dial-with-retry cadence) and services/federation's
// ticker-driven anti-entropy loop, generalized from gossip/CRDT sync into
// lease-based cluster coordination over the Coordination Port.
package failover

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowguard/internal/clock"
	"github.com/swarmguard/flowguard/internal/coordination"
	"github.com/swarmguard/flowguard/internal/domain"
	"github.com/swarmguard/flowguard/internal/persistence"
	"github.com/swarmguard/flowguard/internal/telemetry"
)

// Resumer resumes a workflow from its last checkpoint on the node that
// wins a reassigned claim. The Workflow Engine implements this; kept as a
// narrow interface here so the controller does not depend on the engine
// package (avoids an import cycle and keeps reassignment's scope bounded
// to "lease management", per §4.3's "does not re-execute tasks itself").
type Resumer interface {
	Execute(ctx context.Context, workflowID string) error
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c clock.Clock) Option { return func(ctrl *Controller) { ctrl.clock = c } }
func WithMetrics(m telemetry.Metrics) Option {
	return func(ctrl *Controller) { ctrl.metrics = m }
}
func WithHeartbeatInterval(d time.Duration) Option {
	return func(ctrl *Controller) { ctrl.heartbeatInterval = d }
}
func WithHeartbeatTTL(d time.Duration) Option {
	return func(ctrl *Controller) { ctrl.heartbeatTTL = d }
}
func WithLeaseTTL(d time.Duration) Option { return func(ctrl *Controller) { ctrl.leaseTTL = d } }
func WithMaxRedistributePerTick(n int) Option {
	return func(ctrl *Controller) { ctrl.maxRedistributePerTick = n }
}
func WithResumer(r Resumer) Option { return func(ctrl *Controller) { ctrl.resumer = r } }

// Controller is the Failover Controller: one instance runs per node.
type Controller struct {
	coord coordination.Port
	store persistence.Port

	nodeID       string
	priority     int
	capabilities map[string]bool

	clock   clock.Clock
	metrics telemetry.Metrics
	tracer  trace.Tracer

	heartbeatInterval      time.Duration
	heartbeatTTL           time.Duration
	leaseTTL               time.Duration
	maxRedistributePerTick int

	resumer Resumer

	role domain.NodeRole
}

// New constructs a Controller for nodeID, advertising capabilities (the
// task types this node's registry can execute).
func New(coord coordination.Port, store persistence.Port, nodeID string, priority int, capabilities map[string]bool, opts ...Option) *Controller {
	c := &Controller{
		coord:                  coord,
		store:                  store,
		nodeID:                 nodeID,
		priority:               priority,
		capabilities:           capabilities,
		clock:                  clock.Real{},
		metrics:                telemetry.NoopMetrics(),
		tracer:                 otel.Tracer("flowguard-failover"),
		heartbeatInterval:      10 * time.Second,
		heartbeatTTL:           30 * time.Second,
		leaseTTL:               30 * time.Second,
		maxRedistributePerTick: 10,
		role:                   domain.RoleStandby,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Role reports the controller's current view of its own role.
func (c *Controller) Role() domain.NodeRole { return c.role }

// Run drives the heartbeat/election/reassignment loop until ctx is
// cancelled. One tick does, in order: (1) write this node's heartbeat,
// (2) attempt election if no alive primary exists, (3) if this node is
// primary, scan for orphaned claims and reassign up to
// maxRedistributePerTick of them.
func (c *Controller) Run(ctx context.Context) {
	timer := c.clock.NewTimer(c.heartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			c.tick(ctx)
			timer = c.clock.NewTimer(c.heartbeatInterval)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "failover.tick")
	defer span.End()

	if err := c.heartbeat(ctx); err != nil {
		slog.Warn("failover: heartbeat failed", "node_id", c.nodeID, "error", err)
	}

	if err := c.runElection(ctx); err != nil {
		slog.Warn("failover: election failed", "node_id", c.nodeID, "error", err)
	}

	if c.role == domain.RolePrimary {
		if err := c.reassignOrphans(ctx); err != nil {
			slog.Warn("failover: orphan reassignment failed", "node_id", c.nodeID, "error", err)
		}
	}
}

// heartbeat writes this node's liveness record (§4.3: "every node
// periodically writes last_heartbeat, load, capabilities").
func (c *Controller) heartbeat(ctx context.Context) error {
	n := domain.Node{
		NodeID:        c.nodeID,
		Role:          c.role,
		Load:          c.currentLoad(ctx),
		Capabilities:  c.capabilities,
		LastHeartbeat: c.clock.Now(),
		Priority:      c.priority,
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return c.coord.Set(ctx, coordination.NodeKey(c.nodeID), payload, c.heartbeatTTL)
}

// currentLoad is a placeholder load signal; nodes with a richer load
// metric (in-flight task count, CPU) can override via a future hook. It
// stays 0 here deliberately — load shaping beyond the election tie-break
// is out of this controller's bounded scope.
func (c *Controller) currentLoad(context.Context) float64 { return 0 }

func (c *Controller) listAliveNodes(ctx context.Context) ([]domain.Node, error) {
	raw, err := c.coord.ListPrefix(ctx, "nodes/")
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	nodes := make([]domain.Node, 0, len(raw))
	for _, v := range raw {
		var n domain.Node
		if err := json.Unmarshal(v, &n); err != nil {
			continue
		}
		if n.Alive(now, c.heartbeatTTL) {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

func (c *Controller) getPrimary(ctx context.Context) (domain.PrimaryRecord, bool, error) {
	raw, err := c.coord.Get(ctx, coordination.PrimaryKey)
	if err != nil {
		var nfe *domain.NotFoundError
		if errors.As(err, &nfe) {
			return domain.PrimaryRecord{}, false, nil
		}
		return domain.PrimaryRecord{}, false, err
	}
	var rec domain.PrimaryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.PrimaryRecord{}, false, err
	}
	return rec, true, nil
}
