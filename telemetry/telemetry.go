// Package telemetry wraps OpenTelemetry metrics and tracing for the
// workflow engine. It uses the global providers; configure them via
// otel.SetMeterProvider / otel.SetTracerProvider (typically through
// clue.ConfigureOpenTelemetry or OTEL_* environment variables) before
// starting a worker. With the default no-op providers every call here
// is free.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/grantjenks/go-durable"

// Metrics records engine counters through the global OTEL meter.
type Metrics struct {
	steps      metric.Int64Counter
	activities metric.Int64Counter
	timeouts   metric.Int64Counter
	dispatches metric.Int64Counter
	tracer     trace.Tracer
}

// New constructs a Metrics recorder bound to the global providers.
func New() *Metrics {
	meter := otel.Meter(scope)
	steps, _ := meter.Int64Counter("durable.workflow.steps",
		metric.WithDescription("Workflow steps executed"))
	activities, _ := meter.Int64Counter("durable.activity.executions",
		metric.WithDescription("Activity attempts executed"))
	timeouts, _ := meter.Int64Counter("durable.timeouts.enforced",
		metric.WithDescription("Timeout transitions enforced by the dispatcher"))
	dispatches, _ := meter.Int64Counter("durable.dispatches",
		metric.WithDescription("Tasks and workflow steps handed to followers"))
	return &Metrics{
		steps:      steps,
		activities: activities,
		timeouts:   timeouts,
		dispatches: dispatches,
		tracer:     otel.Tracer(scope),
	}
}

// RecordStep counts one workflow step with its outcome
// (completed, failed, suspended).
func (m *Metrics) RecordStep(ctx context.Context, workflow, outcome string) {
	if m == nil {
		return
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("outcome", outcome)))
}

// RecordActivity counts one activity attempt with its outcome
// (completed, failed, retried).
func (m *Metrics) RecordActivity(ctx context.Context, activity, outcome string) {
	if m == nil {
		return
	}
	m.activities.Add(ctx, 1, metric.WithAttributes(
		attribute.String("activity", activity),
		attribute.String("outcome", outcome)))
}

// RecordTimeout counts one enforced timeout by cause (activity_timeout,
// workflow_timeout, heartbeat_timeout).
func (m *Metrics) RecordTimeout(ctx context.Context, cause string) {
	if m == nil {
		return
	}
	m.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// RecordDispatch counts one unit of work handed to a follower
// (kind is "activity" or "workflow").
func (m *Metrics) RecordDispatch(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// StartSpan opens a trace span. The returned function ends it.
func (m *Metrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	if m == nil {
		return ctx, func(error) {}
	}
	ctx, span := m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
