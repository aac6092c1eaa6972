// Package logging configures the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs a text handler on stderr. The level comes from
// HISTSYNC_LOG_LEVEL, falling back to the generic LOG_LEVEL. The default
// keeps discovery-fallback and sync warnings visible without debug noise.
func Init() {
	level := slog.LevelWarn
	if v := firstEnv("HISTSYNC_LOG_LEVEL", "LOG_LEVEL"); v != "" {
		level = parseLevel(v, level)
	}

	slog.SetDefault(slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func parseLevel(v string, fallback slog.Level) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}
