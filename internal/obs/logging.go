// Package obs wires up the scheduler's ambient observability stack:
// structured logging, OpenTelemetry tracing, and a pull-based Prometheus
// metrics endpoint, grounded on the platform's shared logging/otelinit
// conventions but scoped to one scheduler process per workflow run rather
// than a long-lived service.
package obs

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger for one scheduler run,
// tagging every record with the workflow name. JSON output is selected by
// FLOWCORE_JSON_LOG=1/true; level by FLOWCORE_LOG_LEVEL.
func InitLogging(workflow string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("FLOWCORE_JSON_LOG"))
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	var handler slog.Handler
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("workflow", workflow)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("FLOWCORE_LOG_LEVEL")) {
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
