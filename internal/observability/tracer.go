package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span, for an incoming HTTP request.
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Span attribute keys for the enrollment saga: the saga id and step name
// thread through every span around EnrollmentWorkflow.Execute and each
// step's action, per the observability expansion's span-attribute plan.
var (
	AttrSagaID       = attribute.Key("enrollment.saga.id")
	AttrSagaStep     = attribute.Key("enrollment.saga.step")
	AttrStudentID    = attribute.Key("enrollment.student_id")
	AttrPeriodID     = attribute.Key("enrollment.period_id")
	AttrGroupCode    = attribute.Key("enrollment.group_code")
	AttrTaskID       = attribute.Key("enrollment.task_id")
	AttrRoute        = attribute.Key("enrollment.route")
)
