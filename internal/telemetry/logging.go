// Package telemetry wires structured logging and OpenTelemetry tracing and
// metrics for flowguard, adapted from the teacher's libs/go/core/logging
// and libs/go/core/otelinit packages.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger. JSON if
// FLOWGUARD_JSON_LOG=1/true, else text; level from FLOWGUARD_LOG_LEVEL.
func InitLogging(component string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("FLOWGUARD_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("FLOWGUARD_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
