package certwatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type watchMetrics struct {
	reloads metric.Int64Counter
}

func newWatchMetrics(logger pslog.Logger) *watchMetrics {
	meter := otel.Meter("pkt.systems/fapgate/certwatch")
	reloads, err := meter.Int64Counter(
		"fapgate.certwatch.reloads",
		metric.WithDescription("TLS key pair reloads by outcome"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "fapgate.certwatch.reloads", "error", err)
	}
	return &watchMetrics{reloads: reloads}
}

func (m *watchMetrics) recordReload(ctx context.Context, outcome string) {
	if m == nil || m.reloads == nil {
		return
	}
	m.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("fapgate.certwatch.outcome", outcome)))
}
