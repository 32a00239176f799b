package tapeann

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/tapeann/core"
	"github.com/hupe1980/tapeann/graph"
)

// Logger wraps slog.Logger with index-specific context.
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
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// WithDimension adds a dimension field to the logger.
func (l *Logger) WithDimension(dim int) *Logger {
	return &Logger{Logger: l.Logger.With("dimension", dim)}
}

// WithPointer adds a node pointer field to the logger.
func (l *Logger) WithPointer(ptr core.ItemPointer) *Logger {
	return &Logger{Logger: l.Logger.With("pointer", ptr.String())}
}

// LogSearch logs one search call with its traversal counters.
func (l *Logger) LogSearch(ctx context.Context, k int, quantized bool, stats *graph.Stats, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"quantized", quantized,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "search completed",
		"k", k,
		"quantized", quantized,
		"visits", stats.Visits,
		"node_reads", stats.NodeReads,
		"comparisons", stats.DistanceComparisons,
		"tombstone_passthroughs", stats.TombstonePassThroughs,
		"broken_edges", stats.BrokenEdges,
		"took", took,
	)
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, ptr core.ItemPointer, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed", "error", err)
		return
	}
	l.DebugContext(ctx, "insert completed", "pointer", ptr.String())
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, ptr core.ItemPointer, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed", "pointer", ptr.String(), "error", err)
		return
	}
	l.DebugContext(ctx, "delete completed", "pointer", ptr.String())
}

// LogBuild logs a bulk-build pass.
func (l *Logger) LogBuild(ctx context.Context, count int, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bulk build failed", "count", count, "error", err)
		return
	}
	l.InfoContext(ctx, "bulk build completed", "count", count, "took", took)
}
