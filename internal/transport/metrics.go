package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/pslog"
)

type transportMetrics struct {
	links    metric.Int64UpDownCounter
	segments metric.Int64Counter
	bytes    metric.Int64Counter
}

func newTransportMetrics(logger pslog.Logger) *transportMetrics {
	meter := otel.Meter("pkt.systems/fapgate/transport")
	m := &transportMetrics{}
	var err error

	m.links, err = meter.Int64UpDownCounter(
		"fapgate.transport.links",
		metric.WithDescription("Open links"),
	)
	logMetricInitError(logger, "fapgate.transport.links", err)

	m.segments, err = meter.Int64Counter(
		"fapgate.transport.segments",
		metric.WithDescription("Segments read or written"),
	)
	logMetricInitError(logger, "fapgate.transport.segments", err)

	m.bytes, err = meter.Int64Counter(
		"fapgate.transport.payload_bytes",
		metric.WithDescription("Segment payload bytes read or written"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "fapgate.transport.payload_bytes", err)
	return m
}

func (m *transportMetrics) recordLinks(ctx context.Context, delta int64) {
	if m == nil || m.links == nil {
		return
	}
	m.links.Add(ctx, delta)
}

func (m *transportMetrics) recordSegment(ctx context.Context, direction string, t fap.SegmentType, size int) {
	if m == nil || m.segments == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("fapgate.direction", direction),
		attribute.String("fapgate.segment", t.String()),
	)
	m.segments.Add(ctx, 1, attrs)
	if m.bytes != nil && size > 0 {
		m.bytes.Add(ctx, int64(size), metric.WithAttributes(attribute.String("fapgate.direction", direction)))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
