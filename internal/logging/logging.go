// Package logging wires a single structured logger for the whole process.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger. Safe to call multiple times; only
// the first call takes effect. Falls back to INFO on an unrecognized level.
func Setup(level string) {
	once.Do(func() {
		var l slog.Level
		switch strings.ToUpper(level) {
		case "DEBUG":
			l = slog.LevelDebug
		case "WARN":
			l = slog.LevelWarn
		case "ERROR":
			l = slog.LevelError
		default:
			l = slog.LevelInfo
		}

		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// Get returns the configured logger, defaulting to INFO if Setup was never called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// With returns a logger tagged with a component name.
func With(component string) *slog.Logger {
	return Get().With(slog.String("component", component))
}
