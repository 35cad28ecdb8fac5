package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SessionMetrics carries the connectivity-layer instruments. A nil receiver
// is safe everywhere so callers never guard their record sites.
type SessionMetrics struct {
	environment string

	ordersSubmitted metric.Int64Counter
	ordersRejected  metric.Int64Counter
	execReports     metric.Int64Counter
	staleUpdates    metric.Int64Counter
	reconnects      metric.Int64Counter
	leaseRenewals   metric.Int64Counter
	rateBudgetUsed  metric.Float64Gauge
	orderAckLatency metric.Float64Histogram
}

// NewSessionMetrics registers the session instruments on the global meter.
func NewSessionMetrics(environment string) *SessionMetrics {
	meter := otel.Meter("tradelink.session")

	m := &SessionMetrics{
		environment:     environment,
		ordersSubmitted: nil,
		ordersRejected:  nil,
		execReports:     nil,
		staleUpdates:    nil,
		reconnects:      nil,
		leaseRenewals:   nil,
		rateBudgetUsed:  nil,
		orderAckLatency: nil,
	}

	m.ordersSubmitted, _ = meter.Int64Counter("tradelink_orders_submitted",
		metric.WithDescription("Total orders submitted to the exchange"),
		metric.WithUnit("{order}"))
	m.ordersRejected, _ = meter.Int64Counter("tradelink_orders_rejected",
		metric.WithDescription("Total order rejections reported by the exchange"),
		metric.WithUnit("{order}"))
	m.execReports, _ = meter.Int64Counter("tradelink_exec_reports",
		metric.WithDescription("Execution reports consumed from the user stream"),
		metric.WithUnit("{report}"))
	m.staleUpdates, _ = meter.Int64Counter("tradelink_stale_updates_discarded",
		metric.WithDescription("Order updates discarded for carrying an old sequence marker"),
		metric.WithUnit("{update}"))
	m.reconnects, _ = meter.Int64Counter("tradelink_stream_reconnects",
		metric.WithDescription("Stream reconnection attempts"),
		metric.WithUnit("{reconnect}"))
	m.leaseRenewals, _ = meter.Int64Counter("tradelink_lease_renewals",
		metric.WithDescription("User-stream lease keep-alive calls"),
		metric.WithUnit("{renewal}"))
	m.rateBudgetUsed, _ = meter.Float64Gauge("tradelink_rate_budget_utilization",
		metric.WithDescription("Fraction of the request-weight budget consumed in the current window"),
		metric.WithUnit("1"))
	m.orderAckLatency, _ = meter.Float64Histogram("tradelink_order_ack_latency",
		metric.WithDescription("Latency between order submission and exchange acknowledgement"),
		metric.WithUnit("ms"))

	return m
}

func (m *SessionMetrics) attrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	base := []attribute.KeyValue{attribute.String("environment", m.environment)}
	return metric.WithAttributes(append(base, extra...)...)
}

// RecordOrderSubmitted counts one order submission with its symbol.
func (m *SessionMetrics) RecordOrderSubmitted(ctx context.Context, symbol string) {
	if m == nil || m.ordersSubmitted == nil {
		return
	}
	m.ordersSubmitted.Add(ctx, 1, m.attrs(attribute.String("symbol", symbol)))
}

// RecordOrderRejected counts one exchange rejection.
func (m *SessionMetrics) RecordOrderRejected(ctx context.Context, symbol, reason string) {
	if m == nil || m.ordersRejected == nil {
		return
	}
	m.ordersRejected.Add(ctx, 1, m.attrs(
		attribute.String("symbol", symbol),
		attribute.String("reason", reason)))
}

// RecordExecReport counts one consumed execution report.
func (m *SessionMetrics) RecordExecReport(ctx context.Context, symbol string) {
	if m == nil || m.execReports == nil {
		return
	}
	m.execReports.Add(ctx, 1, m.attrs(attribute.String("symbol", symbol)))
}

// RecordStaleUpdate counts one discarded stale update.
func (m *SessionMetrics) RecordStaleUpdate(ctx context.Context) {
	if m == nil || m.staleUpdates == nil {
		return
	}
	m.staleUpdates.Add(ctx, 1, m.attrs())
}

// RecordReconnect counts one reconnect attempt on the named stream.
func (m *SessionMetrics) RecordReconnect(ctx context.Context, stream string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, m.attrs(attribute.String("stream", stream)))
}

// RecordLeaseRenewal counts one keep-alive with its outcome.
func (m *SessionMetrics) RecordLeaseRenewal(ctx context.Context, outcome string) {
	if m == nil || m.leaseRenewals == nil {
		return
	}
	m.leaseRenewals.Add(ctx, 1, m.attrs(attribute.String("outcome", outcome)))
}

// RecordRateBudget reports the consumed fraction of a weight-class budget.
func (m *SessionMetrics) RecordRateBudget(ctx context.Context, class string, used float64) {
	if m == nil || m.rateBudgetUsed == nil {
		return
	}
	m.rateBudgetUsed.Record(ctx, used, m.attrs(attribute.String("class", class)))
}

// RecordOrderAckLatency reports submit-to-ack latency.
func (m *SessionMetrics) RecordOrderAckLatency(ctx context.Context, symbol string, d time.Duration) {
	if m == nil || m.orderAckLatency == nil {
		return
	}
	m.orderAckLatency.Record(ctx, float64(d.Microseconds())/1000.0,
		m.attrs(attribute.String("symbol", symbol)))
}
