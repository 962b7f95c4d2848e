package observability

import (
	"context"

	"dlgate/internal/tasks"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DecisionMetrics counts admission decisions by code.
type DecisionMetrics struct {
	decisions metric.Int64Counter
}

func NewDecisionMetrics() (*DecisionMetrics, error) {
	meter := otel.Meter("dlgate/admission")
	decisions, err := meter.Int64Counter(
		"admission.decisions",
		metric.WithDescription("Admission decisions by code"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	return &DecisionMetrics{decisions: decisions}, nil
}

func (m *DecisionMetrics) RecordDecision(ctx context.Context, code string, allowed, degraded bool) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", code),
		attribute.Bool("allowed", allowed),
		attribute.Bool("degraded", degraded),
	))
}

// RegisterTaskMetrics exports background executor counters, read from
// snapshot at collection time.
func RegisterTaskMetrics(snapshot func() tasks.Stats) error {
	meter := otel.Meter("dlgate/tasks")

	submitted, err := meter.Int64ObservableCounter("tasks.submitted",
		metric.WithDescription("Background tasks accepted"), metric.WithUnit("{task}"))
	if err != nil {
		return err
	}
	dropped, err := meter.Int64ObservableCounter("tasks.dropped",
		metric.WithDescription("Background tasks dropped on a full queue"), metric.WithUnit("{task}"))
	if err != nil {
		return err
	}
	failed, err := meter.Int64ObservableCounter("tasks.failed",
		metric.WithDescription("Background tasks that failed, timed out or panicked"), metric.WithUnit("{task}"))
	if err != nil {
		return err
	}
	queued, err := meter.Int64ObservableGauge("tasks.queued",
		metric.WithDescription("Background tasks waiting for a worker"), metric.WithUnit("{task}"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(submitted, s.Submitted)
		o.ObserveInt64(dropped, s.Dropped)
		o.ObserveInt64(failed, s.Failed)
		o.ObserveInt64(queued, int64(s.Queued))
		return nil
	}, submitted, dropped, failed, queued)
	return err
}
