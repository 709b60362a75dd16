package nvs

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with nvs-specific context, giving every log
// line consistent field names (ns, key, sector, chunk) across mount,
// write, GC, and orphan-reclamation paths.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler. If handler is
// nil, uses a text handler to stderr at Info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs at the
// given minimum level.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))}
}

// NoopLogger discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(1000)}))}
}

// WithNamespace adds an ns field to the logger.
func (l *Logger) WithNamespace(ns uint8) *Logger {
	return &Logger{Logger: l.Logger.With("ns", ns)}
}

// WithKey adds a key field to the logger.
func (l *Logger) WithKey(key string) *Logger {
	return &Logger{Logger: l.Logger.With("key", key)}
}

// WithSector adds a sector field to the logger.
func (l *Logger) WithSector(sector int) *Logger {
	return &Logger{Logger: l.Logger.With("sector", sector)}
}

// LogMount logs the outcome of a mount attempt.
func (l *Logger) LogMount(ctx context.Context, pages int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "mount failed", "pages", pages, "error", err)
		return
	}
	l.InfoContext(ctx, "mounted", "pages", pages)
}

// LogGC logs one garbage-collection cycle.
func (l *Logger) LogGC(ctx context.Context, sector int, reclaimed int, err error) {
	if err != nil {
		l.WarnContext(ctx, "gc failed", "sector", sector, "error", err)
		return
	}
	l.DebugContext(ctx, "gc reclaimed page", "sector", sector, "reclaimed_entries", reclaimed)
}

// LogOrphanReclaim logs an orphaned blob chunk purged during mount.
func (l *Logger) LogOrphanReclaim(ctx context.Context, ns uint8, key string, chunk uint8) {
	l.DebugContext(ctx, "reclaimed orphan chunk", "ns", ns, "key", key, "chunk", chunk)
}

// LogBlobSwap logs the outcome of a multi-page blob version swap.
func (l *Logger) LogBlobSwap(ctx context.Context, ns uint8, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "blob swap failed", "ns", ns, "key", key, "error", err)
		return
	}
	l.DebugContext(ctx, "blob swap committed", "ns", ns, "key", key)
}
