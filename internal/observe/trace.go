package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/fawn"

// Tracer returns the fawn tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. The admin API echoes it in X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// ── Turn context ─────────────────────────────────────────────────────────────

type turnKey struct{}

type turnTag struct {
	turnID    string
	sessionID string
}

// WithTurn tags ctx with a dialog turn. Loggers from [Logger] carry turn_id
// and session_id, and the span in ctx (if any) gets the same attributes.
func WithTurn(ctx context.Context, turnID, sessionID string) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("turn.id", turnID),
		attribute.String("session.id", sessionID),
	)
	return context.WithValue(ctx, turnKey{}, turnTag{turnID: turnID, sessionID: sessionID})
}

// TurnID returns the turn tagged by [WithTurn], or "".
func TurnID(ctx context.Context) string {
	tag, _ := ctx.Value(turnKey{}).(turnTag)
	return tag.turnID
}

// Logger returns slog.Default with the trace and turn identifiers found in
// ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if tag, ok := ctx.Value(turnKey{}).(turnTag); ok {
		attrs = append(attrs, slog.String("turn_id", tag.turnID))
		if tag.sessionID != "" {
			attrs = append(attrs, slog.String("session_id", tag.sessionID))
		}
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
