// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// It converts engine observe.Event objects into OTel spans so that
// sessions, stage transitions, and action executions are visible in
// any OpenTelemetry-compatible backend (Jaeger, Zipkin, Grafana, etc.).
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tramitebot/tramitebot/observe"
)

const instrumentationName = "github.com/tramitebot/tramitebot"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	spanName := spanNameFor(event)
	ctx := context.Background()
	startTime := event.Timestamp

	_, span := s.tracer.Start(ctx, spanName, trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("workflow.event.kind", string(event.Kind)),
	}
	if event.SessionID != "" {
		attrs = append(attrs, attribute.String("workflow.session.id", event.SessionID))
	}
	if event.Stage != "" {
		attrs = append(attrs, attribute.String("workflow.stage", event.Stage))
	}
	if event.ActionID != "" {
		attrs = append(attrs, attribute.String("workflow.action.id", event.ActionID))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("workflow.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("workflow.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("workflow.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("workflow.duration_ms", event.DurationMs))
	}

	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("workflow.attr."+k, fmt.Sprintf("%v", v)))
	}

	span.SetAttributes(attrs...)

	if event.Status == observe.StatusFailed {
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	} else if event.Status == observe.StatusCompleted {
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindSession:
		return "workflow.session"
	case observe.KindStage:
		if event.Stage != "" {
			return "workflow.stage." + event.Stage
		}
		return "workflow.stage"
	case observe.KindAction:
		if event.Name != "" {
			return "workflow.action." + event.Name
		}
		return "workflow.action"
	case observe.KindApproval:
		return "workflow.approval"
	case observe.KindCheckpoint:
		return "workflow.checkpoint"
	default:
		if event.Name != "" {
			return "workflow." + event.Name
		}
		return "workflow.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
