// Package registry implements the Task Registry (§2.3, §9 redesign flag
// "ad-hoc dynamic task types"): a typed table of task-type name to Handler,
// built at construction time rather than dispatched through a string-keyed
// dictionary scattered across call sites. Grounded on the teacher's
// services/orchestrator/plugins.go PluginRegistry and task_executor.go
// MultiTaskExecutor, generalized into a single interface implemented by
// each concrete handler.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/flowguard/internal/domain"
)

// HandlerInput is the context a Handler needs to run: the owning workflow
// id (for templating/tracing) plus the already-resolved outputs of
// upstream tasks, keyed by task id.
type HandlerInput struct {
	WorkflowID   string
	WorkflowName string
	TaskID       string
	Config       map[string]interface{}
	UpstreamOutputs map[string]map[string]interface{}
}

// Handler implements one task type. Handlers must be idempotent with
// respect to (workflow_id, task_id, attempt) per the glossary's Handler
// definition — at-least-once delivery is the contract, not exactly-once.
type Handler interface {
	Type() string
	Execute(ctx context.Context, input HandlerInput) (map[string]interface{}, error)
}

// Registry is the static table of task-type name to Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New builds a Registry from a fixed set of handlers, registered at
// construction time (no dynamic/runtime registration of new task types —
// the Non-goals exclude plug-in binary discovery).
func New(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

// Types returns the set of task types this registry can execute, used by
// the Failover Controller to advertise a node's capabilities (§4.3).
func (r *Registry) Types() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.handlers))
	for t := range r.handlers {
		out[t] = true
	}
	return out
}

// Lookup returns the handler registered for typeName.
func (r *Registry) Lookup(typeName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown task type: %s", typeName)
	}
	return h, nil
}

// Execute resolves task.Type and invokes its handler. An unknown task type
// is reported as a domain.HandlerError (ErrorType "unknown_type", HIGH);
// an error from the handler itself is returned unchanged.
func (r *Registry) Execute(ctx context.Context, t domain.Task, input HandlerInput) (map[string]interface{}, error) {
	h, err := r.Lookup(t.Type)
	if err != nil {
		return nil, &domain.HandlerError{ErrorType: "unknown_type", Severity: domain.SeverityHigh, Cause: err}
	}
	out, err := h.Execute(ctx, input)
	if err != nil {
		return nil, err
	}
	return out, nil
}
