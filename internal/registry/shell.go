package registry

import (
	"bytes"
	"context"
	"fmt"
	osExec "os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowguard/internal/domain"
)

// ShellHandler runs an allowlisted shell command, killing the child
// process if ctx is cancelled. Grounded on the teacher's ShellPlugin in
// services/orchestrator/plugins.go.
type ShellHandler struct {
	allowedCommands map[string]bool
	tracer          trace.Tracer
}

// NewShellHandler returns a ShellHandler restricted to a safe default
// command allowlist.
func NewShellHandler() *ShellHandler {
	return &ShellHandler{
		allowedCommands: map[string]bool{
			"echo": true, "cat": true, "grep": true, "awk": true,
			"sed": true, "jq": true, "curl": true, "wget": true, "python3": true,
		},
		tracer: otel.Tracer("flowguard-shell"),
	}
}

func (s *ShellHandler) Type() string { return "shell" }

func (s *ShellHandler) Execute(ctx context.Context, input HandlerInput) (map[string]interface{}, error) {
	ctx, span := s.tracer.Start(ctx, "shell.execute")
	defer span.End()

	script, _ := input.Config["script"].(string)
	parts := strings.Fields(script)
	if len(parts) == 0 {
		return nil, &domain.HandlerError{ErrorType: "value", Severity: domain.SeverityLow, Cause: fmt.Errorf("empty command")}
	}
	if !s.allowedCommands[parts[0]] {
		return nil, &domain.HandlerError{ErrorType: "permission", Severity: domain.SeverityCritical, Cause: fmt.Errorf("command not allowed: %s", parts[0])}
	}

	cmd := osExec.Command(parts[0], parts[1:]...)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		case <-done:
		}
	}()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &domain.HandlerError{ErrorType: "runtime", Severity: domain.SeverityMedium, Cause: fmt.Errorf("command failed: %w: %s", err, stderr.String())}
	}

	return map[string]interface{}{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}
