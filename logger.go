package spherigo

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with spherigo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithRef adds a record ref field to the logger.
func (l *Logger) WithRef(ref string) *Logger {
	return &Logger{
		Logger: l.Logger.With("ref", ref),
	}
}

// LogAppend logs one event append.
func (l *Logger) LogAppend(ctx context.Context, ref, eventType string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "append failed",
			"ref", ref,
			"event", eventType,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "append completed",
			"ref", ref,
			"event", eventType,
		)
	}
}

// LogIndexUpdate logs an incremental index update.
func (l *Logger) LogIndexUpdate(ctx context.Context, ref string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index update failed",
			"ref", ref,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "index update completed",
			"ref", ref,
		)
	}
}

// LogSearch logs a radius search.
func (l *Logger) LogSearch(ctx context.Context, radiusM float64, cells, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"radius_m", radiusM,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"radius_m", radiusM,
			"cells", cells,
			"results", results,
		)
	}
}

// LogRebuild logs a full index rebuild.
func (l *Logger) LogRebuild(ctx context.Context, indexed, failed, cells int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rebuild failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "rebuild completed",
			"indexed", indexed,
			"failed", failed,
			"cells", cells,
			"duration", duration,
		)
	}
}

// LogArchive logs an event-log archive operation.
func (l *Logger) LogArchive(ctx context.Context, ref string, err error) {
	if err != nil {
		l.WarnContext(ctx, "event archive failed",
			"ref", ref,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "event archive completed",
			"ref", ref,
		)
	}
}
