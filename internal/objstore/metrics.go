package objstore

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type storeMetrics struct {
	grows     metric.Int64Counter
	capacity  metric.Int64Histogram
	exhausted metric.Int64Counter
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter("pkt.systems/fapgate/objstore")
	m := &storeMetrics{}
	var err error

	m.grows, err = meter.Int64Counter(
		"fapgate.objstore.grow",
		metric.WithDescription("Resource registry capacity extensions"),
	)
	logMetricInitError(logger, "fapgate.objstore.grow", err)

	m.capacity, err = meter.Int64Histogram(
		"fapgate.objstore.capacity",
		metric.WithDescription("Resource registry capacity after an extension"),
	)
	logMetricInitError(logger, "fapgate.objstore.capacity", err)

	m.exhausted, err = meter.Int64Counter(
		"fapgate.objstore.exhausted",
		metric.WithDescription("Resource registries that hit their maximum size"),
	)
	logMetricInitError(logger, "fapgate.objstore.exhausted", err)

	return m
}

func (m *storeMetrics) recordGrow(ctx context.Context, store string, size int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("fapgate.objstore.name", store))
	if m.grows != nil {
		m.grows.Add(ctx, 1, attrs)
	}
	if m.capacity != nil {
		m.capacity.Record(ctx, int64(size), attrs)
	}
}

func (m *storeMetrics) recordExhausted(ctx context.Context, store string) {
	if m == nil || m.exhausted == nil {
		return
	}
	m.exhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("fapgate.objstore.name", store)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
