package logging

import (
	"log/slog"
	"os"
)

// SetupJSON sets slog's default logger to use JSON output at the given level.
func SetupJSON(level slog.Level) {
	logger := slog.New(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	)
	slog.SetDefault(logger)
}

// With returns the default logger tagged with a component name. It reads
// the default at call time, so call it after SetupJSON.
func With(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
