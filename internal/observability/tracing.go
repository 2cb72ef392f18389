package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName scopes all spans produced by the messaging runtime.
const tracerName = "github.com/agentjido/jido-messaging"

// Tracer wraps an OpenTelemetry tracer for the runtime's hot paths. Span
// export is the embedding application's concern; with no provider installed
// the spans are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer bound to the globally installed provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// NewTestTracer builds a tracer on a fresh in-process SDK provider, for
// tests that assert span behavior without a collector.
func NewTestTracer() (*Tracer, *sdktrace.TracerProvider) {
	provider := sdktrace.NewTracerProvider()
	return &Tracer{tracer: provider.Tracer(tracerName)}, provider
}

// StartIngest opens the span covering one inbound ingest.
func (t *Tracer) StartIngest(ctx context.Context, channel, bridgeID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "messaging.ingest",
		trace.WithAttributes(
			attribute.String("messaging.channel", channel),
			attribute.String("messaging.bridge_id", bridgeID),
		))
}

// StartDispatch opens the span covering one outbound dispatch attempt.
func (t *Tracer) StartDispatch(ctx context.Context, operation, routingKey string, partition, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "messaging.outbound.dispatch",
		trace.WithAttributes(
			attribute.String("messaging.operation", operation),
			attribute.String("messaging.routing_key", routingKey),
			attribute.Int("messaging.partition", partition),
			attribute.Int("messaging.attempt", attempt),
		))
}

// EndSpan records the error (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
