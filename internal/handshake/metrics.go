package handshake

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/pslog"
)

type handshakeMetrics struct {
	accepted metric.Int64Counter
	rejected metric.Int64Counter
	duration metric.Int64Histogram
}

func newHandshakeMetrics(logger pslog.Logger) *handshakeMetrics {
	meter := otel.Meter("pkt.systems/fapgate/handshake")
	m := &handshakeMetrics{}
	var err error

	m.accepted, err = meter.Int64Counter(
		"fapgate.handshake.accepted",
		metric.WithDescription("Handshakes accepted"),
	)
	logMetricInitError(logger, "fapgate.handshake.accepted", err)

	m.rejected, err = meter.Int64Counter(
		"fapgate.handshake.rejected",
		metric.WithDescription("Handshakes rejected"),
	)
	logMetricInitError(logger, "fapgate.handshake.rejected", err)

	m.duration, err = meter.Int64Histogram(
		"fapgate.handshake.duration_us",
		metric.WithDescription("Time spent negotiating an accepted handshake"),
		metric.WithUnit("us"),
	)
	logMetricInitError(logger, "fapgate.handshake.duration_us", err)

	return m
}

func (m *handshakeMetrics) recordAccepted(ctx context.Context, connType fap.ConnectionType, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("fapgate.connection_type", connType.String()))
	if m.accepted != nil {
		m.accepted.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Microseconds(), attrs)
	}
}

func (m *handshakeMetrics) recordRejected(ctx context.Context, reason Reason) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("fapgate.handshake.reason", reason.String())))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
