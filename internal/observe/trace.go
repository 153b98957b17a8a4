package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/livebridge"

// Tracer returns the livebridge tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type sessionKey struct{}

type sessionRef struct {
	id, kind string
}

// WithSession returns a context that carries a session's id and kind.
// [Logger] and [StartSessionSpan] pick them up.
func WithSession(ctx context.Context, id, kind string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionRef{id: id, kind: kind})
}

// SessionFrom returns the session id and kind stored by [WithSession].
func SessionFrom(ctx context.Context) (id, kind string, ok bool) {
	ref, ok := ctx.Value(sessionKey{}).(sessionRef)
	return ref.id, ref.kind, ok
}

// StartSessionSpan tags ctx with the session and starts a span carrying
// session.id and session.kind.
func StartSessionSpan(ctx context.Context, name, id, kind string) (context.Context, trace.Span) {
	ctx = WithSession(ctx, id, kind)
	return StartSpan(ctx, name, trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("session.kind", kind),
	))
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from the span
// in ctx, and session_id and kind from [WithSession].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id, kind, ok := SessionFrom(ctx); ok {
		l = l.With(slog.String("session_id", id), slog.String("kind", kind))
	}
	return l
}
