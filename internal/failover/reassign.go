package failover

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/swarmguard/flowguard/internal/coordination"
	"github.com/swarmguard/flowguard/internal/domain"
)

// reassignOrphans scans claims/* for leases owned by dead nodes, breaks
// each expired claim, and reassigns up to maxRedistributePerTick of the
// resulting orphaned workflows to a capability-matching live node chosen
// by argmin(load) (§4.3). Only the PRIMARY calls this.
func (c *Controller) reassignOrphans(ctx context.Context) error {
	claims, err := c.coord.ListPrefix(ctx, "claims/")
	if err != nil {
		return err
	}

	nodes, err := c.listAliveNodes(ctx)
	if err != nil {
		return err
	}

	redistributed := 0
	for key, raw := range claims {
		if redistributed >= c.maxRedistributePerTick {
			break
		}

		var claim domain.JobClaim
		if err := json.Unmarshal(raw, &claim); err != nil {
			continue
		}
		if !claim.Expired(c.clock.Now()) {
			continue
		}

		if err := c.breakClaimAndReassign(ctx, key, raw, claim, nodes); err != nil {
			slog.Warn("failover: orphan reassignment failed", "workflow_id", claim.WorkflowID, "error", err)
			continue
		}
		redistributed++
	}
	return nil
}

func (c *Controller) breakClaimAndReassign(ctx context.Context, claimKey string, oldValue []byte, claim domain.JobClaim, nodes []domain.Node) error {
	wf, err := c.store.GetWorkflow(ctx, claim.WorkflowID)
	if err != nil {
		var nfe *domain.NotFoundError
		if errors.As(err, &nfe) {
			// Workflow no longer exists; just drop the stale claim.
			return c.coord.Delete(ctx, claimKey)
		}
		return err
	}
	if wf.Status.IsTerminal() {
		return c.coord.Delete(ctx, claimKey)
	}

	target, ok := selectTarget(nodes, requiredTaskTypes(wf))
	if !ok {
		// No capability-matching live node right now: break the claim and
		// return the workflow to PENDING, so the pending-workflow poll
		// dispatches it again.
		if err := c.coord.Delete(ctx, claimKey); err != nil {
			return err
		}
		wf.Status = domain.WorkflowPending
		wf.UpdatedAt = c.clock.Now()
		return c.store.UpdateWorkflow(ctx, wf)
	}

	newClaim := domain.JobClaim{
		WorkflowID: claim.WorkflowID,
		NodeID:     target.NodeID,
		ClaimedAt:  c.clock.Now(),
		LeaseTTL:   c.leaseTTL,
	}
	newValue, err := json.Marshal(newClaim)
	if err != nil {
		return err
	}

	// Break the old lease (delete) then publish the new one. These are two
	// separate coordination calls rather than one CAS because the old
	// lease is already expired from every reader's point of view; the
	// race this must avoid is two primaries reassigning concurrently,
	// which the primary-election CAS above already serializes against.
	if err := c.coord.Delete(ctx, claimKey); err != nil {
		return err
	}
	if err := c.coord.Set(ctx, coordination.ClaimKey(claim.WorkflowID), newValue, c.leaseTTL); err != nil {
		return err
	}

	wf.Status = domain.WorkflowPending
	wf.UpdatedAt = c.clock.Now()
	if err := c.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	c.metrics.OrphansReassigned.Add(ctx, 1)

	if c.resumer != nil && target.NodeID == c.nodeID {
		go func() {
			if err := c.resumer.Execute(context.Background(), claim.WorkflowID); err != nil {
				slog.Warn("failover: resume after reassignment failed", "workflow_id", claim.WorkflowID, "error", err)
			}
		}()
	}
	return nil
}

// requiredTaskTypes collects the distinct task types in wf that have not
// yet completed, the set a reassignment target must cover.
func requiredTaskTypes(wf domain.Workflow) map[string]bool {
	types := make(map[string]bool)
	for _, t := range wf.Tasks {
		if t.Status == domain.TaskCompleted || t.Status == domain.TaskSkipped {
			continue
		}
		types[t.Type] = true
	}
	return types
}

// selectTarget returns the alive node covering all of required with the
// lowest load (argmin(load), §4.3).
func selectTarget(nodes []domain.Node, required map[string]bool) (domain.Node, bool) {
	var best domain.Node
	found := false
	for _, n := range nodes {
		if !coversAll(n.Capabilities, required) {
			continue
		}
		if !found || n.Load < best.Load {
			best = n
			found = true
		}
	}
	return best, found
}

func coversAll(capabilities map[string]bool, required map[string]bool) bool {
	for t := range required {
		if !capabilities[t] {
			return false
		}
	}
	return true
}
