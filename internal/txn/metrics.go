package txn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type ledgerMetrics struct {
	registered      metric.Int64Counter
	removed         metric.Int64Counter
	invariants      metric.Int64Counter
	cleanupFailures metric.Int64Counter
}

func newLedgerMetrics(logger pslog.Logger) *ledgerMetrics {
	meter := otel.Meter("pkt.systems/fapgate/txn")
	m := &ledgerMetrics{}
	var err error

	m.registered, err = meter.Int64Counter(
		"fapgate.txn.registered",
		metric.WithDescription("Transaction ledger entries registered"),
	)
	logMetricInitError(logger, "fapgate.txn.registered", err)

	m.removed, err = meter.Int64Counter(
		"fapgate.txn.removed",
		metric.WithDescription("Transaction ledger entries removed"),
	)
	logMetricInitError(logger, "fapgate.txn.removed", err)

	m.invariants, err = meter.Int64Counter(
		"fapgate.txn.invariant",
		metric.WithDescription("Transaction protocol invariant violations"),
	)
	logMetricInitError(logger, "fapgate.txn.invariant", err)

	m.cleanupFailures, err = meter.Int64Counter(
		"fapgate.txn.cleanup.failures",
		metric.WithDescription("Resource failures discarded during disconnect rollback"),
	)
	logMetricInitError(logger, "fapgate.txn.cleanup.failures", err)

	return m
}

func (m *ledgerMetrics) recordRegistered(ctx context.Context, kind Kind) {
	if m == nil || m.registered == nil {
		return
	}
	m.registered.Add(ctx, 1, metric.WithAttributes(attribute.String("fapgate.txn.kind", kind.String())))
}

func (m *ledgerMetrics) recordRemoved(ctx context.Context, kind Kind) {
	if m == nil || m.removed == nil {
		return
	}
	m.removed.Add(ctx, 1, metric.WithAttributes(attribute.String("fapgate.txn.kind", kind.String())))
}

func (m *ledgerMetrics) recordInvariant(ctx context.Context, op string) {
	if m == nil || m.invariants == nil {
		return
	}
	m.invariants.Add(ctx, 1, metric.WithAttributes(attribute.String("fapgate.txn.op", op)))
}

func (m *ledgerMetrics) recordCleanupFailure(ctx context.Context, mode, op string) {
	if m == nil || m.cleanupFailures == nil {
		return
	}
	ctx = metricContext(ctx)
	m.cleanupFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fapgate.txn.cleanup_mode", mode),
		attribute.String("fapgate.txn.op", op),
	))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
