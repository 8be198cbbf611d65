// Package logger builds the process-wide structured logger.
package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog logger at the given level. Pretty text output is
// kept out on purpose; log shippers want one JSON object per line.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// FromEnv picks the level from MORGUETRACK_LOG_LEVEL, defaulting to info.
func FromEnv() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("MORGUETRACK_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return New(level)
}
