package failover

import (
	"context"
	"encoding/json"

	"github.com/swarmguard/flowguard/internal/coordination"
	"github.com/swarmguard/flowguard/internal/domain"
)

// runElection implements §4.3's deterministic election: the alive node
// with the highest (priority, -load, node_id) tuple is PRIMARY. A node
// that matches the predicate and observes no alive primary promotes
// itself via compare-and-set; losing the CAS reverts it to STANDBY.
func (c *Controller) runElection(ctx context.Context) error {
	rec, hasPrimary, err := c.getPrimary(ctx)
	if err != nil {
		return err
	}

	nodes, err := c.listAliveNodes(ctx)
	if err != nil {
		return err
	}

	if hasPrimary && c.isAlive(nodes, rec.NodeID) {
		if rec.NodeID == c.nodeID {
			c.role = domain.RolePrimary
		} else {
			c.role = domain.RoleStandby
		}
		return nil
	}

	winner, ok := electWinner(nodes, c.selfAsNode())
	if !ok || winner.NodeID != c.nodeID {
		c.role = domain.RoleStandby
		return nil
	}

	return c.promoteSelf(ctx, rec, hasPrimary)
}

func (c *Controller) isAlive(nodes []domain.Node, nodeID string) bool {
	for _, n := range nodes {
		if n.NodeID == nodeID {
			return true
		}
	}
	return false
}

func (c *Controller) selfAsNode() domain.Node {
	return domain.Node{
		NodeID:       c.nodeID,
		Priority:     c.priority,
		Load:         c.currentLoad(context.Background()),
		Capabilities: c.capabilities,
	}
}

// electWinner returns the alive node with the highest (priority, -load,
// node_id) tuple, including self if self is not already present in nodes
// (the heartbeat for this tick may not have round-tripped through
// ListPrefix's read-your-writes yet on some coordination backends).
func electWinner(nodes []domain.Node, self domain.Node) (domain.Node, bool) {
	candidates := nodes
	found := false
	for _, n := range nodes {
		if n.NodeID == self.NodeID {
			found = true
			break
		}
	}
	if !found {
		candidates = append(append([]domain.Node(nil), nodes...), self)
	}
	if len(candidates) == 0 {
		return domain.Node{}, false
	}

	best := candidates[0]
	for _, n := range candidates[1:] {
		if electionLess(best, n) {
			best = n
		}
	}
	return best, true
}

// electionLess reports whether a ranks below b in the (priority, -load,
// node_id) tuple ordering (higher priority wins; among ties, lower load
// wins; among ties, the lexicographically greater node_id wins — any
// total order over node_id suffices for determinism).
func electionLess(a, b domain.Node) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Load != b.Load {
		return a.Load > b.Load // lower load is "greater" in the ranking
	}
	return a.NodeID < b.NodeID
}

func (c *Controller) promoteSelf(ctx context.Context, prev domain.PrimaryRecord, hadPrevious bool) error {
	var oldValue []byte
	var err error
	if hadPrevious {
		oldValue, err = json.Marshal(prev)
		if err != nil {
			return err
		}
	}

	newValue, err := json.Marshal(domain.PrimaryRecord{NodeID: c.nodeID, Since: c.clock.Now()})
	if err != nil {
		return err
	}

	ok, err := c.coord.CompareAndSet(ctx, coordination.PrimaryKey, oldValue, newValue, 0)
	if err != nil {
		return err
	}
	if !ok {
		c.role = domain.RoleStandby
		return nil
	}

	c.role = domain.RolePrimary
	c.metrics.FailoverElections.Add(ctx, 1)
	c.broadcastFailover(ctx)
	return nil
}

func (c *Controller) broadcastFailover(ctx context.Context) {
	ev := domain.FailoverEvent{NewPrimary: c.nodeID, Timestamp: c.clock.Now()}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = c.coord.Publish(ctx, coordination.FailoverChannel, payload)
}
