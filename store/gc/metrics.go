package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the purge manager's OpenTelemetry instruments. Per-purge
// deletion counts are recorded by the stores themselves.
type Metrics struct {
	attemptsTotal    metric.Int64Counter
	busyTotal        metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	attemptsTotal, err := meter.Int64Counter(
		"narinfo_cache_gc_attempts_total",
		metric.WithDescription("Total number of purge attempts made by the manager"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	busyTotal, err := meter.Int64Counter(
		"narinfo_cache_gc_busy_total",
		metric.WithDescription("Purge attempts abandoned because another process held the store lock"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"narinfo_cache_gc_errors_total",
		metric.WithDescription("Total number of failed purge attempts"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"narinfo_cache_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of the last purge attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"narinfo_cache_gc_last_run_success",
		metric.WithDescription("Whether the last purge attempt succeeded (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		attemptsTotal:    attemptsTotal,
		busyTotal:        busyTotal,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
