package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxline"

// Span attribute keys shared by the session and tool spans.
const (
	AttrSessionID  = attribute.Key("voxline.session.id")
	AttrToolName   = attribute.Key("voxline.tool.name")
	AttrToolCallID = attribute.Key("voxline.tool.call_id")
)

// StartSpan starts a span on the global tracer provider. End it with
// span.End, after [Fail] if the operation failed.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Fail records err on span and marks the span as failed. A nil err is a
// no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID is the trace id of ctx's span, or "". The HTTP middleware
// echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithSpan returns l with trace_id and span_id of ctx's span, or l itself
// when ctx carries none.
func WithSpan(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
