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

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
// The global state is cleared when the test finishes.
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

// findGauge finds an int64 gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
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

func findIntHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[int64]); ok {
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

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/content/abc", nil)
	r = InjectTags(r)
	SetSurface(r, "content")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "mintcache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "surface", "content"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "mintcache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "mintcache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/collections/primary/tokens", nil)
	r = InjectTags(r)
	SetSurface(r, "gallery")
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "tokens")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "mintcache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "surface", "gallery"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "tokens"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_NoDetailMetricWithoutEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r = InjectTags(r)
	SetSurface(r, "internal")
	SetCacheResult(r, CacheNA)

	RecordHTTP(context.Background(), r, http.StatusOK, 15, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "mintcache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "surface", "internal"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))

	require.Empty(t, findCounter(rm, "mintcache_http_requests_by_endpoint_total"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "mintcache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "surface", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordHelpers_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// None of these may panic before InitMetrics.
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "filesystem", "read", "ok", time.Millisecond, 10)
	RecordUpstreamFetch(ctx, "gateway", time.Millisecond, 10, "success")
	RecordContentLoad(ctx, "hit", "image")
	RecordContentEviction(ctx, "capacity", 1)
	UpdateContentEntries(ctx, 1)
	RecordHandleRelease(ctx, 0)
	UpdateHandlesLive(ctx, 0)
	RecordThumbnail(ctx, "captured", time.Millisecond)
	RecordPageResolution(ctx, "small", 3, false)
	RecordOwnerFallback(ctx, "empty")
}

func TestRecordContentLoadAndEviction(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordContentLoad(ctx, "miss", "video")
	RecordContentLoad(ctx, "hit", "video")
	RecordContentLoad(ctx, "hit", "video")
	RecordContentEviction(ctx, "capacity", 99)

	rm := collectMetrics(t, reader)

	loads := findCounter(rm, "mintcache_content_loads_total")
	require.Len(t, loads, 2)
	for _, dp := range loads {
		require.True(t, hasAttr(dp.Attributes, "category", "video"))
		if hasAttr(dp.Attributes, "result", "hit") {
			require.EqualValues(t, 2, dp.Value)
		}
	}

	ev := findCounter(rm, "mintcache_content_evictions_total")
	require.Len(t, ev, 1)
	require.True(t, hasAttr(ev[0].Attributes, "reason", "capacity"))

	entries := findGauge(rm, "mintcache_content_entries")
	require.Len(t, entries, 1)
	require.EqualValues(t, 99, entries[0].Value)
}

func TestRecordHandleRelease(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordHandleRelease(context.Background(), 3)
	RecordHandleRelease(context.Background(), 2)

	rm := collectMetrics(t, reader)

	rel := findCounter(rm, "mintcache_handle_releases_total")
	require.Len(t, rel, 1)
	require.EqualValues(t, 2, rel[0].Value)

	live := findGauge(rm, "mintcache_handles_live")
	require.Len(t, live, 1)
	require.EqualValues(t, 2, live[0].Value)
}

func TestRecordThumbnail(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordThumbnail(context.Background(), "timeout", 10*time.Second)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "mintcache_thumbnails_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "timeout"))

	hist := findHistogram(rm, "mintcache_thumbnail_duration_seconds")
	require.Len(t, hist, 1)
	require.InDelta(t, 10.0, hist[0].Sum, 0.001)
}

func TestRecordPageResolution(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordPageResolution(context.Background(), "large", 12, true)
	RecordPageResolution(context.Background(), "small", 2, false)

	rm := collectMetrics(t, reader)

	calls := findIntHistogram(rm, "mintcache_paginate_ledger_calls")
	require.Len(t, calls, 2)

	stale := findCounter(rm, "mintcache_paginate_stale_total_count_total")
	require.Len(t, stale, 1)
	require.True(t, hasAttr(stale[0].Attributes, "path", "large"))
}

func TestPrometheusHandler_NotFoundWithoutExporter(t *testing.T) {
	setupTestMetrics(t)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
