package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// ParseLevel maps a configured level name (debug, info, warn, error) to a slog level.
func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", lvl)
	}
}

// SetLevel configures the global log level. Unknown names fall back to info.
func SetLevel(lvl string) {
	level, _ := ParseLevel(lvl)
	levelVar.Set(level)
}

// SetOutput redirects the global logger, keeping the current level.
func SetOutput(w io.Writer) {
	L = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar}))
}
