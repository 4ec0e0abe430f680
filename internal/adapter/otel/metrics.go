package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "forgesync"

// Metrics holds all ForgeSync metric instruments.
type Metrics struct {
	ChangesReceived   metric.Int64Counter
	CascadeComputes   metric.Int64Counter
	CascadeFailures   metric.Int64Counter
	BatchFlushes      metric.Int64Counter
	BatchSize         metric.Int64Histogram
	BatchDuplicates   metric.Int64Counter
	EnvelopesSent     metric.Int64Counter
	SendDrops         metric.Int64Counter
	ForcedResyncs     metric.Int64Counter
	ActiveConns       metric.Int64UpDownCounter
	SequenceAnomalies metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ChangesReceived, err = meter.Int64Counter("forgesync.changes.received",
		metric.WithDescription("Change events accepted for routing"))
	if err != nil {
		return nil, err
	}

	m.CascadeComputes, err = meter.Int64Counter("forgesync.cascade.computations",
		metric.WithDescription("Cascade recalculations performed"))
	if err != nil {
		return nil, err
	}

	m.CascadeFailures, err = meter.Int64Counter("forgesync.cascade.lookup_failures",
		metric.WithDescription("Ancestor summary lookups that failed"))
	if err != nil {
		return nil, err
	}

	m.BatchFlushes, err = meter.Int64Counter("forgesync.batch.flushes",
		metric.WithDescription("Batch windows flushed"))
	if err != nil {
		return nil, err
	}

	m.BatchSize, err = meter.Int64Histogram("forgesync.batch.size",
		metric.WithDescription("Events per flushed batch"))
	if err != nil {
		return nil, err
	}

	m.BatchDuplicates, err = meter.Int64Counter("forgesync.batch.duplicates_merged",
		metric.WithDescription("Cascade entries collapsed by the highest-sequence merge"))
	if err != nil {
		return nil, err
	}

	m.EnvelopesSent, err = meter.Int64Counter("forgesync.envelopes.sent",
		metric.WithDescription("Envelopes queued to connections"))
	if err != nil {
		return nil, err
	}

	m.SendDrops, err = meter.Int64Counter("forgesync.send.drops",
		metric.WithDescription("Envelopes dropped on full outbound queues"))
	if err != nil {
		return nil, err
	}

	m.ForcedResyncs, err = meter.Int64Counter("forgesync.forced_resyncs",
		metric.WithDescription("Connections closed after queue overflow or write failure"))
	if err != nil {
		return nil, err
	}

	m.ActiveConns, err = meter.Int64UpDownCounter("forgesync.connections.active",
		metric.WithDescription("Currently registered connections"))
	if err != nil {
		return nil, err
	}

	m.SequenceAnomalies, err = meter.Int64Counter("forgesync.sequence.anomalies",
		metric.WithDescription("Duplicate or regressed sequences observed at intake"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
