package listener

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/pslog"
)

type listenerMetrics struct {
	requests metric.Int64Counter
}

func newListenerMetrics(logger pslog.Logger) *listenerMetrics {
	meter := otel.Meter("pkt.systems/fapgate/listener")
	m := &listenerMetrics{}
	var err error
	m.requests, err = meter.Int64Counter(
		"fapgate.listener.requests",
		metric.WithDescription("Requests handled after the handshake, by segment and outcome"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "fapgate.listener.requests", "error", err)
	}
	return m
}

func (m *listenerMetrics) recordRequest(ctx context.Context, kind string, t fap.SegmentType, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fapgate.listener.kind", kind),
		attribute.String("fapgate.segment", t.String()),
		attribute.String("fapgate.outcome", outcome),
	))
}
