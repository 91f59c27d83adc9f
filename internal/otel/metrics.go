package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all ledgerd metrics instruments.
type Metrics struct {
	OpDuration     metric.Float64Histogram
	OpErrors       metric.Int64Counter
	SyncDelivered  metric.Int64Counter
	SyncDiscarded  metric.Int64Counter
	SyncQueueDepth metric.Int64UpDownCounter
	BackupBytes    metric.Int64Counter
	BackupRecords  metric.Int64Counter
	HealthFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OpDuration, err = meter.Float64Histogram("ledgerd.op.duration",
		metric.WithDescription("Tracked operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.OpErrors, err = meter.Int64Counter("ledgerd.op.errors",
		metric.WithDescription("Tracked operation error count"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDelivered, err = meter.Int64Counter("ledgerd.sync.delivered",
		metric.WithDescription("Sync entries delivered to the remote store"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDiscarded, err = meter.Int64Counter("ledgerd.sync.discarded",
		metric.WithDescription("Sync entries discarded (stale, overflow, rejected)"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncQueueDepth, err = meter.Int64UpDownCounter("ledgerd.sync.queue.depth",
		metric.WithDescription("Parked sync entries"),
	)
	if err != nil {
		return nil, err
	}

	m.BackupBytes, err = meter.Int64Counter("ledgerd.backup.bytes",
		metric.WithDescription("Compressed backup bytes written"),
	)
	if err != nil {
		return nil, err
	}

	m.BackupRecords, err = meter.Int64Counter("ledgerd.backup.records",
		metric.WithDescription("Records written to backup streams"),
	)
	if err != nil {
		return nil, err
	}

	m.HealthFailures, err = meter.Int64Counter("ledgerd.health.failures",
		metric.WithDescription("Health reports with at least one error"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
