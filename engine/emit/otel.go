package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by turning every Event into an
// already-ended OpenTelemetry span — grounded directly on the teacher's
// graph/emit/otel.go OTelEmitter, adapted from the node/run vocabulary to
// this engine's job/step vocabulary. Each event is a point in time, not a
// duration, so the span is started and ended immediately; the step-level
// duration spans that matter for latency analysis are created directly by
// the Execution Engine around action invocation (engine/engine.go), not
// here.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter wraps tracer (typically otel.Tracer("strategyengine")).
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("strategyengine.job_id", event.JobID),
		attribute.String("strategyengine.severity", string(event.Severity)),
	)
	if event.StepName != "" {
		span.SetAttributes(attribute.String("strategyengine.step_name", event.StepName))
	}
	if event.StepIndex != nil {
		span.SetAttributes(attribute.Int("strategyengine.step_index", *event.StepIndex))
	}
	for k, v := range event.Data {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String(k, val))
		case int:
			span.SetAttributes(attribute.Int(k, val))
		case int64:
			span.SetAttributes(attribute.Int64(k, val))
		case float64:
			span.SetAttributes(attribute.Float64(k, val))
		case bool:
			span.SetAttributes(attribute.Bool(k, val))
		default:
			span.SetAttributes(attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	if event.Type == Error {
		span.SetStatus(codes.Error, event.Message)
		span.RecordError(fmt.Errorf("%s", event.Message))
	}
}

// Flush force-flushes the global tracer provider if it supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
