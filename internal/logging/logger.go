package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info, development uses human-readable
// text at debug. A non-empty level overrides the default.
func NewLogger(env, level string) *slog.Logger {
	return newLogger(os.Stdout, env, level)
}

// NewLoggerTo is NewLogger writing to w. Command-line tools use it to
// keep logs off stdout.
func NewLoggerTo(w io.Writer, env, level string) *slog.Logger {
	return newLogger(w, env, level)
}

func newLogger(w io.Writer, env, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, levelOpts(opts, level))
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, levelOpts(opts, level))
	}

	return slog.New(handler)
}

func levelOpts(opts *slog.HandlerOptions, level string) *slog.HandlerOptions {
	if l, ok := ParseLevel(level); ok {
		opts.Level = l
	}
	return opts
}

// ParseLevel maps debug, info, warn, and error (case-insensitive) onto
// slog levels. It reports false for anything else, including "".
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
