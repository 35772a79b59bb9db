// Package logger wraps log/slog with the console/JSON handler choice
// and contextual helpers used throughout meshflow.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/lmittmann/tint"
)

// Logger wraps *slog.Logger with mesh-specific contextual helpers.
type Logger struct {
	*slog.Logger
}

// New builds a Logger. format is "console" (tint, colored) or "json".
func New(level slog.Level, format string) *Logger {
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	}
	return &Logger{Logger: slog.New(handler)}
}

// ParseLevel maps a config string ("debug"/"info"/"warn"/"error") to a
// slog.Level, defaulting to Info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a Logger carrying no extra attrs; reserved for
// future trace-id extraction from ctx.
func (l *Logger) WithContext(_ context.Context) *Logger {
	return l
}

// WithFields returns a Logger with the given key/value attrs attached.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithJobID attaches the job id to every subsequent log line.
func (l *Logger) WithJobID(jobID string) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithActivityID attaches the activity id to every subsequent log line.
func (l *Logger) WithActivityID(activityID string) *Logger {
	return l.WithFields("activity_id", activityID)
}

// Error logs at error level and appends a stack trace.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

// ErrorContext logs at error level with context and appends a stack trace.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.ErrorContext(ctx, msg, args...)
}
