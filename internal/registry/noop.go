package registry

import "context"

// NoopHandler always succeeds immediately with an empty result. It is the
// reference idempotent handler exercised by the engine's own test suite
// (scenarios S1/S2/S5 all use task type "noop").
type NoopHandler struct{}

func (NoopHandler) Type() string { return "noop" }

func (NoopHandler) Execute(_ context.Context, _ HandlerInput) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}
