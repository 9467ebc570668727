package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/rgov/foxglove-studio/config"
)

func toSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// New builds the process-wide logger honoring the configured log level.
func New() *slog.Logger {
	level := "info"
	if config.Config != nil {
		level = config.Config.LogLevel
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: toSlogLevel(level),
	})
	return slog.New(handler)
}
