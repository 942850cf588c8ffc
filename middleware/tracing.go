package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier/job"
)

const tracerName = "github.com/xraph/courier"

// Tracing returns middleware that wraps job execution in an OpenTelemetry
// span using the global TracerProvider.
//
// Span attributes: courier.record.id, courier.job.name, courier.attempt,
// courier.attempt_budget. Errors set the span status to codes.Error.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, x *job.Info, next Handler) error {
		ctx, span := tracer.Start(ctx, "courier.job.execute",
			trace.WithAttributes(
				attribute.String("courier.record.id", x.RecordID),
				attribute.String("courier.job.name", x.JobName),
				attribute.Int("courier.attempt", x.Attempt),
				attribute.Int("courier.attempt_budget", x.AttemptBudget),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
