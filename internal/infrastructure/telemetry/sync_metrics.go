package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics records counters for synchronization runs
type SyncMetrics struct {
	runs     metric.Int64Counter
	sent     metric.Int64Counter
	received metric.Int64Counter
	errors   metric.Int64Counter
	pending  metric.Int64Gauge
	duration metric.Float64Histogram
}

// NewSyncMetrics registers the sync instruments on the given meter
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	m := &SyncMetrics{}
	var err error

	if m.runs, err = meter.Int64Counter("possync.sync.runs",
		metric.WithDescription("Synchronization runs by final status"), metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if m.sent, err = meter.Int64Counter("possync.sync.records_sent",
		metric.WithDescription("Records pushed to the central server"), metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if m.received, err = meter.Int64Counter("possync.sync.records_received",
		metric.WithDescription("Records pulled from the central server"), metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("possync.sync.errors",
		metric.WithDescription("Errors surfaced by synchronization"), metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.pending, err = meter.Int64Gauge("possync.sync.pending_changes",
		metric.WithDescription("Change log entries still waiting to be pushed"), metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("possync.sync.duration",
		metric.WithDescription("Duration of a synchronization run"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordEntity records the outcome of one entity's sync
func (m *SyncMetrics) RecordEntity(ctx context.Context, entity string, sent, received, pending, errs int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("entity", entity))
	m.sent.Add(ctx, int64(sent), attrs)
	m.received.Add(ctx, int64(received), attrs)
	m.errors.Add(ctx, int64(errs), attrs)
	m.pending.Record(ctx, int64(pending), attrs)
}

// RecordRun records a finished run
func (m *SyncMetrics) RecordRun(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}
