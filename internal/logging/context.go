package logging

import (
	"context"
	"log/slog"
)

// Field name constants shared across components so log queries stay stable.
const (
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldJobID     = "job_id"
	FieldTraceID   = "trace_id"
	FieldLane      = "lane"
	FieldEventType = "event_type"
)

type contextKey struct{}

type contextAttrs struct {
	attrs []Attr
}

// WithJob annotates the context with a job identifier.
func WithJob(ctx context.Context, jobID string) context.Context {
	return withAttr(ctx, String(FieldJobID, jobID))
}

// WithTrace annotates the context with a trace identifier.
func WithTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return withAttr(ctx, String(FieldTraceID, traceID))
}

// WithStage annotates the context with the active pipeline stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return withAttr(ctx, String(FieldStage, stage))
}

// WithLane annotates the context with the queue lane being drained.
func WithLane(ctx context.Context, lane string) context.Context {
	return withAttr(ctx, String(FieldLane, lane))
}

func withAttr(ctx context.Context, attr Attr) context.Context {
	existing, _ := ctx.Value(contextKey{}).(*contextAttrs)
	next := &contextAttrs{}
	if existing != nil {
		next.attrs = append(next.attrs, existing.attrs...)
	}
	next.attrs = append(next.attrs, attr)
	return context.WithValue(ctx, contextKey{}, next)
}

// WithContext returns a logger enriched with any attrs carried by ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	carried, _ := ctx.Value(contextKey{}).(*contextAttrs)
	if carried == nil || len(carried.attrs) == 0 {
		return logger
	}
	return logger.With(Args(carried.attrs...)...)
}

// contextHandler injects context-carried attrs into every record.
type contextHandler struct {
	inner slog.Handler
}

func (h contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if carried, _ := ctx.Value(contextKey{}).(*contextAttrs); carried != nil {
		record.AddAttrs(carried.attrs...)
	}
	return h.inner.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{inner: h.inner.WithGroup(name)}
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (noopHandler) Handle(context.Context, slog.Record) error { return nil }
func (noopHandler) WithAttrs([]slog.Attr) slog.Handler        { return noopHandler{} }
func (noopHandler) WithGroup(string) slog.Handler             { return noopHandler{} }
