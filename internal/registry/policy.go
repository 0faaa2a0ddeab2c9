package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowguard/internal/domain"
)

// PolicyHandler delegates to an external policy service over HTTP. Policy
// rule *content* is explicitly out of scope (§1); this handler only
// carries the request/response shape, grounded on the teacher's
// PolicyTaskExecutor in services/orchestrator/task_executor.go.
type PolicyHandler struct {
	baseURL string
	client  *http.Client
	tracer  trace.Tracer
}

// NewPolicyHandler builds a PolicyHandler pointed at the policy service
// base URL (FLOWGUARD_POLICY_SERVICE_URL, default http://policy-service:8080).
func NewPolicyHandler(client *http.Client) *PolicyHandler {
	if client == nil {
		client = http.DefaultClient
	}
	baseURL := os.Getenv("FLOWGUARD_POLICY_SERVICE_URL")
	if baseURL == "" {
		baseURL = "http://policy-service:8080"
	}
	return &PolicyHandler{baseURL: baseURL, client: client, tracer: otel.Tracer("flowguard-policy")}
}

func (p *PolicyHandler) Type() string { return "policy" }

func (p *PolicyHandler) Execute(ctx context.Context, input HandlerInput) (map[string]interface{}, error) {
	ctx, span := p.tracer.Start(ctx, "policy.execute")
	defer span.End()

	reqBody, err := json.Marshal(map[string]interface{}{
		"policy": input.Config["policy"],
		"input":  input.UpstreamOutputs,
	})
	if err != nil {
		return nil, &domain.HandlerError{ErrorType: "value", Severity: domain.SeverityLow, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/evaluate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &domain.HandlerError{ErrorType: "value", Severity: domain.SeverityLow, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &domain.HandlerError{ErrorType: "connection", Severity: domain.SeverityHigh, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &domain.HandlerError{ErrorType: "connection", Severity: domain.SeverityHigh, Cause: fmt.Errorf("policy evaluation failed: %s", string(body))}
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &domain.HandlerError{ErrorType: "value", Severity: domain.SeverityLow, Cause: err}
	}
	return result, nil
}
