package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowguard/internal/domain"
)

// HTTPHandler executes HTTP-type tasks with connection pooling, template
// resolution of upstream outputs, and trace-context propagation. Grounded
// on the teacher's HTTPTaskExecutor in services/orchestrator/task_executor.go.
type HTTPHandler struct {
	client *http.Client
	tracer trace.Tracer
}

// NewHTTPHandler builds an HTTPHandler with a pooled client, or uses
// client if provided (tests inject a client pointed at an httptest server).
func NewHTTPHandler(client *http.Client) *HTTPHandler {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPHandler{client: client, tracer: otel.Tracer("flowguard-http")}
}

func (h *HTTPHandler) Type() string { return "http" }

func (h *HTTPHandler) Execute(ctx context.Context, input HandlerInput) (map[string]interface{}, error) {
	ctx, span := h.tracer.Start(ctx, "http.execute")
	defer span.End()

	url, _ := input.Config["url"].(string)
	url = h.resolveTemplate(url, input.UpstreamOutputs)
	method, _ := input.Config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if raw, ok := input.Config["body"]; ok {
		bodyJSON, err := json.Marshal(raw)
		if err != nil {
			return nil, &domain.HandlerError{ErrorType: "value", Severity: domain.SeverityLow, Cause: fmt.Errorf("marshal body: %w", err)}
		}
		body = strings.NewReader(h.resolveTemplate(string(bodyJSON), input.UpstreamOutputs))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &domain.HandlerError{ErrorType: "value", Severity: domain.SeverityLow, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workflow-ID", input.WorkflowID)
	req.Header.Set("X-Task-ID", input.TaskID)
	if headers, ok := input.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &domain.HandlerError{ErrorType: "connection", Severity: domain.SeverityHigh, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &domain.HandlerError{ErrorType: "connection", Severity: domain.SeverityHigh, Cause: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		return nil, &domain.HandlerError{
			ErrorType: "connection",
			Severity:  domain.SeverityHigh,
			Cause:     fmt.Errorf("http error %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var result map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			result = map[string]interface{}{"body": string(respBody), "status_code": resp.StatusCode}
		}
	} else {
		result = map[string]interface{}{"status_code": resp.StatusCode}
	}
	return result, nil
}

// resolveTemplate replaces {{task_id.field}} with upstream task outputs.
func (h *HTTPHandler) resolveTemplate(template string, upstream map[string]map[string]interface{}) string {
	result := template
	for taskID, output := range upstream {
		for field, value := range output {
			placeholder := fmt.Sprintf("{{%s.%s}}", taskID, field)
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return result
}

// headerCarrier adapts http.Header for OpenTelemetry propagation.
type headerCarrier struct{ header http.Header }

func (hc *headerCarrier) Get(key string) string      { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, value string)       { hc.header.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}
