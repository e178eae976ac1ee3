package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type mapMetrics struct {
	queues metric.Int64UpDownCounter
}

func newMapMetrics(logger pslog.Logger) *mapMetrics {
	meter := otel.Meter("pkt.systems/fapgate/dispatch")
	m := &mapMetrics{}
	var err error

	m.queues, err = meter.Int64UpDownCounter(
		"fapgate.dispatch.queues",
		metric.WithDescription("Live dispatch ordering queues"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "fapgate.dispatch.queues", "error", err)
	}
	return m
}

func (m *mapMetrics) recordQueues(ctx context.Context, kind string, delta int64) {
	if m == nil || m.queues == nil {
		return
	}
	m.queues.Add(ctx, delta, metric.WithAttributes(attribute.String("fapgate.dispatch.kind", kind)))
}
