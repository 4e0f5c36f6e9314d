// Package tracing wires spec.md's AMQP transport into the teacher's
// OpenTelemetry setup (internal/pubsub.SetupOTel/TracingConfig), adding
// one client span per outbound call/publish and one server span per
// consumed delivery, joined by the AMQP correlation id (SPEC_FULL.md
// §4.18).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/protobus/internal/pubsub"
)

// Tracer wraps an OpenTelemetry tracer with the two span shapes the
// AMQP transport needs. The Tracer returned by Noop traces nothing; the
// zero value has no underlying tracer, so starting a span on it panics.
type Tracer struct {
	t trace.Tracer
}

// New builds a Tracer from cfg. Disabled configs get a no-op tracer, so
// call sites never need to branch on whether tracing is enabled.
func New(ctx context.Context, cfg pubsub.TracingConfig) (Tracer, func(), error) {
	t, cleanup, err := pubsub.SetupOTel(ctx, cfg)
	if err != nil {
		return Tracer{}, nil, err
	}
	return Tracer{t: t}, cleanup, nil
}

// Noop returns a Tracer that produces no spans, for tests and hosts
// that never call New.
func Noop() Tracer {
	return Tracer{t: noop.NewTracerProvider().Tracer("protobus-noop")}
}

// StartClientSpan opens a span for an outbound publish (RPC call or
// event) and returns the context to publish under plus a finish
// function that records the outcome.
func (tr Tracer) StartClientSpan(ctx context.Context, destination, correlationID string) (context.Context, func(error)) {
	return tr.start(ctx, "amqp.publish."+destination, destination, correlationID, "publish")
}

// StartServerSpan opens a span for an inbound delivery being handled.
func (tr Tracer) StartServerSpan(ctx context.Context, destination, correlationID string) (context.Context, func(error)) {
	return tr.start(ctx, "amqp.process."+destination, destination, correlationID, "process")
}

func (tr Tracer) start(ctx context.Context, name, destination, correlationID, operation string) (context.Context, func(error)) {
	spanCtx, span := tr.t.Start(ctx, name, trace.WithAttributes(
		attribute.String("messaging.system", "amqp"),
		attribute.String("messaging.destination", destination),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.message_id", correlationID),
	))
	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
