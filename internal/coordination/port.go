// Package coordination defines the Coordination Port (§4.5, §6): the
// distributed-state boundary behind node liveness, primary election, and
// job claims. Concrete adapters live in the redis and nats subpackages —
// redis backs both the key/value + TTL + CAS surface and pub/sub; nats
// implements only the pub/sub half.
package coordination

import (
	"context"
	"time"
)

// KV is the key/value half of the Coordination Port: node heartbeats,
// primary record, and job claims, all keyed per §6's coordination layout.
type KV interface {
	// Set stores value under key with the given TTL (0 disables expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value stored at key, or a *domain.NotFoundError if
	// absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// CompareAndSet atomically sets key to newValue with ttl only if the
	// current value equals oldValue (oldValue == nil means "key absent").
	// Returns ok=false without error if the CAS lost the race.
	CompareAndSet(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) (ok bool, err error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ListPrefix returns all keys (and values) sharing prefix, used to
	// enumerate nodes/* and claims/{workflow_id} entries.
	ListPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
}

// PubSub is the broadcast half of the Coordination Port, carrying the
// `failover` channel (§6).
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers payloads on channel until ctx is cancelled. The
	// returned channel is closed when the subscription ends.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Port composes the full Coordination boundary the Failover Controller and
// Workflow Engine depend on.
type Port interface {
	KV
	PubSub
	Close() error
}

// NodeKey returns the coordination key for a node's heartbeat record.
func NodeKey(nodeID string) string { return "nodes/" + nodeID }

// ClaimKey returns the coordination key for a workflow's job claim.
func ClaimKey(workflowID string) string { return "claims/" + workflowID }

// PrimaryKey is the fixed key holding the current PrimaryRecord.
const PrimaryKey = "primary"

// FailoverChannel is the pub/sub channel broadcasting FailoverEvent values.
const FailoverChannel = "failover"
