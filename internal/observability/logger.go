package observability

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide JSON logger. Workers and the dashboard
// share the format so their lines interleave in one stream; the app attribute
// keeps queue output distinguishable when the shell commands themselves write
// JSON to stdout.
func NewLogger(env string) *slog.Logger {
	level := slog.LevelInfo

	if env == "dev" {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With("app", "queuectl")
}
