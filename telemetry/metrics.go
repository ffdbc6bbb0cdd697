// Package telemetry provides OpenTelemetry metrics for the narinfo cache.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/narinfo-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	lookupsTotal metric.Int64Counter
	upsertsTotal metric.Int64Counter

	storeOpsTotal    metric.Int64Counter
	storeOpDuration  metric.Float64Histogram
	lockRetriesTotal metric.Int64Counter
	lockTimeouts     metric.Int64Counter

	cachesRemovedTotal metric.Int64Counter

	purgeRunsTotal    metric.Int64Counter
	purgeDeletedTotal metric.Int64Counter
	purgeDuration     metric.Float64Histogram

	upstreamFetchTotal    metric.Int64Counter
	upstreamFetchDuration metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "narinfo-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	m.lookupsTotal, err = meter.Int64Counter(
		"narinfo_cache_lookups_total",
		metric.WithDescription("Total entry lookups by outcome and entry kind"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	m.upsertsTotal, err = meter.Int64Counter(
		"narinfo_cache_upserts_total",
		metric.WithDescription("Total entry upserts by kind"),
		metric.WithUnit("{upsert}"),
	)
	if err != nil {
		return nil, err
	}

	m.storeOpsTotal, err = meter.Int64Counter(
		"narinfo_cache_store_ops_total",
		metric.WithDescription("Total store transactions"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return nil, err
	}

	m.storeOpDuration, err = meter.Float64Histogram(
		"narinfo_cache_store_op_duration_seconds",
		metric.WithDescription("Duration of store transactions including lock waits"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.lockRetriesTotal, err = meter.Int64Counter(
		"narinfo_cache_lock_retries_total",
		metric.WithDescription("Total retries caused by another process holding the store lock"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.lockTimeouts, err = meter.Int64Counter(
		"narinfo_cache_lock_timeouts_total",
		metric.WithDescription("Total operations that gave up waiting for the store lock"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return nil, err
	}

	m.cachesRemovedTotal, err = meter.Int64Counter(
		"narinfo_cache_caches_removed_total",
		metric.WithDescription("Total cache descriptors removed"),
		metric.WithUnit("{cache}"),
	)
	if err != nil {
		return nil, err
	}

	m.purgeRunsTotal, err = meter.Int64Counter(
		"narinfo_cache_purge_runs_total",
		metric.WithDescription("Total purge attempts by result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.purgeDeletedTotal, err = meter.Int64Counter(
		"narinfo_cache_purge_deleted_total",
		metric.WithDescription("Total rows deleted by purge passes"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	m.purgeDuration, err = meter.Float64Histogram(
		"narinfo_cache_purge_duration_seconds",
		metric.WithDescription("Duration of purge attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchTotal, err = meter.Int64Counter(
		"narinfo_cache_upstream_fetch_total",
		metric.WithDescription("Total upstream narinfo fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchDuration, err = meter.Float64Histogram(
		"narinfo_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream narinfo fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordLookup records one Lookup. kind is "positive", "negative" or "none".
func RecordLookup(ctx context.Context, outcome, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("kind", kind),
	))
}

// RecordUpsert records one upsert. kind is "positive" or "negative".
func RecordUpsert(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.upsertsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordStoreOp records a guarded store transaction.
func RecordStoreOp(ctx context.Context, backend, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordLockRetry records one retry caused by lock contention.
func RecordLockRetry(ctx context.Context, backend, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lockRetriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
	))
}

// RecordLockTimeout records an operation that gave up waiting for the lock.
func RecordLockTimeout(ctx context.Context, backend, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lockTimeouts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
	))
}

// RecordCacheRemoved records the removal of cache descriptors.
// reason is "explicit" or "unseen".
func RecordCacheRemoved(ctx context.Context, reason string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.cachesRemovedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPurgeCycle records one MaybePurge attempt. result is "ran", "skipped"
// or "error". Called unconditionally per attempt.
func RecordPurgeCycle(ctx context.Context, result string, entriesDeleted, cachesDeleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.purgeRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	globalMetrics.purgeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("result", result)))
	if entriesDeleted > 0 {
		globalMetrics.purgeDeletedTotal.Add(ctx, int64(entriesDeleted), metric.WithAttributes(attribute.String("kind", "entry")))
	}
	if cachesDeleted > 0 {
		globalMetrics.purgeDeletedTotal.Add(ctx, int64(cachesDeleted), metric.WithAttributes(attribute.String("kind", "cache")))
	}
}

// RecordUpstreamFetch records one upstream narinfo fetch. outcome is
// "found", "absent" or "error".
func RecordUpstreamFetch(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
