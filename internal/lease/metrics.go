package lease

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// MeterName is the instrumentation scope for lease metrics.
const MeterName = "pkt.systems/bankd/lease"

type leaseMetrics struct {
	acquireCount  metric.Int64Counter
	renewCount    metric.Int64Counter
	renewFailures metric.Int64Counter
	renewDuration metric.Int64Histogram
	remaining     metric.Float64Histogram
	validGauge    metric.Int64ObservableGauge
	valid         atomic.Int64
}

func newLeaseMetrics(meter metric.Meter, logger pslog.Logger) *leaseMetrics {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	m := &leaseMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"bankd.lease.acquire",
		metric.WithDescription("Lease acquisitions"),
	)
	logMetricInitError(logger, "bankd.lease.acquire", err)

	m.renewCount, err = meter.Int64Counter(
		"bankd.lease.renew",
		metric.WithDescription("Lease renewals"),
	)
	logMetricInitError(logger, "bankd.lease.renew", err)

	m.renewFailures, err = meter.Int64Counter(
		"bankd.lease.renew.failures",
		metric.WithDescription("Failed lease renewals"),
	)
	logMetricInitError(logger, "bankd.lease.renew.failures", err)

	m.renewDuration, err = meter.Int64Histogram(
		"bankd.lease.renew.duration_ms",
		metric.WithDescription("Lease renewal duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "bankd.lease.renew.duration_ms", err)

	m.remaining, err = meter.Float64Histogram(
		"bankd.lease.remaining_validity",
		metric.WithDescription("Seconds of validity left when the lease is checked"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "bankd.lease.remaining_validity", err)

	m.validGauge, err = meter.Int64ObservableGauge(
		"bankd.lease.valid",
		metric.WithDescription("1 while the lease is valid"),
	)
	logMetricInitError(logger, "bankd.lease.valid", err)

	if m.validGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.validGauge, m.valid.Load())
			return nil
		}, m.validGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "bankd.lease.valid", "error", err)
		}
	}
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *leaseMetrics) recordAcquire(ctx context.Context, err error) {
	if m == nil || m.acquireCount == nil {
		return
	}
	m.acquireCount.Add(ctx, 1, metric.WithAttributes(attribute.String("bankd.lease.result", resultLabel(err))))
}

func (m *leaseMetrics) recordRenew(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("bankd.lease.result", resultLabel(err)))
	if m.renewCount != nil {
		m.renewCount.Add(ctx, 1, attrs)
	}
	if err != nil && m.renewFailures != nil {
		m.renewFailures.Add(ctx, 1)
	}
	if m.renewDuration != nil {
		m.renewDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *leaseMetrics) recordValidity(remaining time.Duration, valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.valid.Store(1)
	} else {
		m.valid.Store(0)
	}
	if m.remaining != nil {
		m.remaining.Record(context.Background(), remaining.Seconds())
	}
}
