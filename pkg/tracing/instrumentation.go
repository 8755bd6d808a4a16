package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/courierflow/dispatch"

// Attribute keys used across dispatch spans.
var (
	CycleIDKey       = attribute.Key("matching.cycle_id")
	TriggerKey       = attribute.Key("matching.trigger")
	RoundsKey        = attribute.Key("matching.rounds")
	OrdersMatchedKey = attribute.Key("matching.orders_matched")
	ProviderKey      = attribute.Key("routing.provider")
	PointCountKey    = attribute.Key("routing.points")
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Start opens an internal span. The caller owns span.End().
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// TraceProviderCall runs a routing provider request inside a client span.
// points is the number of coordinates in the request, two for a plain
// route and up to the matrix limit for a table call.
func TraceProviderCall(ctx context.Context, provider, operation string, points int, fn func(context.Context) error) error {
	ctx, span := tracer().Start(ctx, "routing."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			ProviderKey.String(provider),
			PointCountKey.Int(points),
		),
	)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Fail marks a span failed with the given error. No-op on nil.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
