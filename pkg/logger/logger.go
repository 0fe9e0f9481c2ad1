// Package logger configures slog for thingdb processes.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Setup installs the default logger and returns it.
// Production writes JSON, everything else writes text. level is one of
// debug, info, warn, error; empty picks debug in development and info otherwise.
func Setup(env, level string) *slog.Logger {
	return SetupWriter(os.Stdout, env, level)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(env, level)}

	var handler slog.Handler
	if strings.EqualFold(env, "production") {
		handler = NewTraceHandler(slog.NewJSONHandler(w, opts))
	} else {
		handler = NewTraceHandler(slog.NewTextHandler(w, opts))
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

func parseLevel(env, level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if strings.EqualFold(env, "development") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// TraceHandler adds OpenTelemetry trace ids and context log fields to every record.
type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}
	if fields.Table != "" {
		r.AddAttrs(slog.String("table", fields.Table))
	}
	if fields.NS != "" {
		r.AddAttrs(slog.String("ns", fields.NS))
	}
	if fields.ActionID != "" {
		r.AddAttrs(slog.String("action_id", fields.ActionID))
	}
	if fields.Cycle != nil {
		r.AddAttrs(slog.Int64("sync_cycle", *fields.Cycle))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
