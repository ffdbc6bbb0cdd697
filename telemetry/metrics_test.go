package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs Metrics backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordLookup(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordLookup(ctx, "fresh", "positive")
	RecordLookup(ctx, "fresh", "positive")
	RecordLookup(ctx, "miss", "none")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "narinfo_cache_lookups_total")
	require.Len(t, dps, 2)

	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "outcome", "fresh"):
			require.True(t, hasAttr(dp.Attributes, "kind", "positive"))
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "outcome", "miss"):
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected data point %v", dp.Attributes)
		}
	}
}

func TestRecordStoreOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordStoreOp(ctx, "sqlite", "lookup", "ok", 3*time.Millisecond)
	RecordLockRetry(ctx, "sqlite", "upsert_negative")
	RecordLockTimeout(ctx, "sqlite", "upsert_negative")

	rm := collectMetrics(t, reader)

	ops := findCounter(rm, "narinfo_cache_store_ops_total")
	require.Len(t, ops, 1)
	require.True(t, hasAttr(ops[0].Attributes, "backend", "sqlite"))
	require.True(t, hasAttr(ops[0].Attributes, "op", "lookup"))
	require.True(t, hasAttr(ops[0].Attributes, "outcome", "ok"))

	hist := findHistogram(rm, "narinfo_cache_store_op_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)

	retries := findCounter(rm, "narinfo_cache_lock_retries_total")
	require.Len(t, retries, 1)
	require.EqualValues(t, 1, retries[0].Value)

	timeouts := findCounter(rm, "narinfo_cache_lock_timeouts_total")
	require.Len(t, timeouts, 1)
	require.True(t, hasAttr(timeouts[0].Attributes, "op", "upsert_negative"))
}

func TestRecordPurgeCycle(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPurgeCycle(ctx, "ran", 5, 1, 10*time.Millisecond)
	RecordPurgeCycle(ctx, "skipped", 0, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	runs := findCounter(rm, "narinfo_cache_purge_runs_total")
	require.Len(t, runs, 2)

	deleted := findCounter(rm, "narinfo_cache_purge_deleted_total")
	require.Len(t, deleted, 2)
	for _, dp := range deleted {
		if hasAttr(dp.Attributes, "kind", "entry") {
			require.EqualValues(t, 5, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "kind", "cache"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordCacheRemoved_IgnoresZero(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheRemoved(context.Background(), "explicit", 0)

	rm := collectMetrics(t, reader)
	require.Empty(t, findCounter(rm, "narinfo_cache_caches_removed_total"))
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// Should not panic
	RecordLookup(ctx, "miss", "none")
	RecordUpsert(ctx, "positive")
	RecordStoreOp(ctx, "bolt", "lookup", "ok", time.Millisecond)
	RecordLockRetry(ctx, "bolt", "lookup")
	RecordLockTimeout(ctx, "bolt", "lookup")
	RecordCacheRemoved(ctx, "explicit", 1)
	RecordPurgeCycle(ctx, "ran", 1, 0, time.Millisecond)
	RecordUpstreamFetch(ctx, "found", time.Millisecond)
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
