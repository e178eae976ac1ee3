package connguard

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type guardMetrics struct {
	suspicious metric.Int64Counter
	blocked    metric.Int64Counter
}

func newGuardMetrics(logger pslog.Logger) *guardMetrics {
	meter := otel.Meter("pkt.systems/fapgate/connguard")
	m := &guardMetrics{}
	var err error

	m.suspicious, err = meter.Int64Counter(
		"fapgate.connguard.suspicious",
		metric.WithDescription("Suspicious connection events by reason"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "fapgate.connguard.suspicious", "error", err)
	}

	m.blocked, err = meter.Int64Counter(
		"fapgate.connguard.blocked",
		metric.WithDescription("Remote hosts blocked by the connection guard"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "fapgate.connguard.blocked", "error", err)
	}
	return m
}

func (m *guardMetrics) recordSuspicious(ctx context.Context, reason string) {
	if m == nil || m.suspicious == nil {
		return
	}
	m.suspicious.Add(ctx, 1, metric.WithAttributes(attribute.String("fapgate.connguard.reason", reason)))
}

func (m *guardMetrics) recordBlocked(ctx context.Context, reason string) {
	if m == nil || m.blocked == nil {
		return
	}
	m.blocked.Add(ctx, 1, metric.WithAttributes(attribute.String("fapgate.connguard.reason", reason)))
}
