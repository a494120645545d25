package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating an OpenTelemetry span per
// event.
//
// Each event becomes a span with:
//   - Name: event.Msg (e.g., "step_started", "step_retry")
//   - Attributes: run_id, step_id, attempt, and all event.Meta fields
//   - Status: error if event.Meta["error_code"] is present
//
// Spans are created and ended immediately since an Event is a point in
// time, not a duration.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter builds an OTelEmitter from a tracer, typically
// otel.Tracer("workflow-engine").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	if errCode, ok := event.Meta["error_code"].(string); ok && errCode != "" {
		span.SetStatus(codes.Error, errCode)
		span.RecordError(fmt.Errorf("%s", errCode))
	}
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.addStandardAttributes(span, event)
		o.addMetadataAttributes(span, event.Meta)
		if errCode, ok := event.Meta["error_code"].(string); ok && errCode != "" {
			span.SetStatus(codes.Error, errCode)
			span.RecordError(fmt.Errorf("%s", errCode))
		}
		span.End()
	}
	return nil
}

// Flush forces export of any spans buffered by the active tracer provider's
// batch span processor, if the provider supports it.
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

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("workflow.run_id", event.RunID),
		attribute.String("workflow.step_id", event.StepID),
		attribute.Int("workflow.attempt", event.Attempt),
	)
}

// addMetadataAttributes converts event metadata to span attributes,
// skipping fields already carried as standard attributes.
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		if key == "run_id" || key == "step_id" || key == "attempt" {
			continue
		}
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}

var _ Emitter = (*OTelEmitter)(nil)
