// Package logging builds the slog loggers used across escrowd and carries
// them, with the request ID, on the context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
)

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyLogger
	keyBound
)

// Service is attached to every record written by a logger from New.
const Service = "escrowd"

// New returns a stdout logger. Unknown levels fall back to info; format
// "json" selects the JSON handler, anything else the text handler.
func New(level, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New writing to w.
func NewWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	if level != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(level)); err == nil {
			lvl = parsed
		}
	}

	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", Service)
}

// WithRequestID stores the request ID on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID returns the request ID on ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(keyRequestID).(string)
	return id
}

// WithLogger stores logger on ctx and forgets fields bound by With.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	ctx = context.WithValue(ctx, keyBound, map[string]string(nil))
	return context.WithValue(ctx, keyLogger, logger)
}

// FromContext returns the logger on ctx, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(keyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// L returns the context logger tagged with the request ID, if any.
func L(ctx context.Context) *slog.Logger {
	l := FromContext(ctx)
	if id := RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}

// With extends the context logger with args for the rest of an operation.
// A string field already bound on ctx with the same value is not repeated.
func With(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(keyBound).(map[string]string)
	bound := maps.Clone(prev)
	if bound == nil {
		bound = make(map[string]string)
	}

	add := make([]any, 0, len(args))
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok || i+1 == len(args) {
			add = append(add, args[i:]...)
			break
		}
		if v, ok := args[i+1].(string); ok {
			if cur, seen := bound[key]; seen && cur == v {
				continue
			}
			bound[key] = v
		}
		add = append(add, key, args[i+1])
	}

	logger := FromContext(ctx)
	if len(add) > 0 {
		logger = logger.With(add...)
	}
	ctx = context.WithValue(ctx, keyLogger, logger)
	return context.WithValue(ctx, keyBound, bound)
}

// Critical logs a failure that needs manual reconciliation.
func Critical(ctx context.Context, msg string, args ...any) {
	L(ctx).Error("CRITICAL: "+msg, args...)
}
