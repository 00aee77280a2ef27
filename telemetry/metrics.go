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
	meterName = "github.com/wolfeidau/mintcache"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	cacheLoadsTotal     metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter
	cacheEntries        metric.Int64Gauge
	handleReleasesTotal metric.Int64Counter
	handlesLive         metric.Int64Gauge

	thumbnailsTotal   metric.Int64Counter
	thumbnailDuration metric.Float64Histogram

	pageLedgerCalls    metric.Int64Histogram
	pageStaleTotal     metric.Int64Counter
	ownerFallbackTotal metric.Int64Counter

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
		cfg.ServiceName = "mintcache"
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

	secondsBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60)

	if m.requestsTotal, err = meter.Int64Counter(
		"mintcache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"mintcache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"mintcache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"mintcache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"mintcache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream requests (ledger, gateway, search)"),
		metric.WithUnit("s"),
		secondsBuckets,
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"mintcache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"mintcache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"mintcache_backend_request_duration_seconds",
		metric.WithDescription("Duration of disk tier backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"mintcache_backend_requests_total",
		metric.WithDescription("Total number of disk tier backend operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"mintcache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in disk tier backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheLoadsTotal, err = meter.Int64Counter(
		"mintcache_content_loads_total",
		metric.WithDescription("Content cache loads by result (hit, miss, coalesced, failed)"),
		metric.WithUnit("{load}"),
	); err != nil {
		return nil, err
	}

	if m.cacheEvictionsTotal, err = meter.Int64Counter(
		"mintcache_content_evictions_total",
		metric.WithDescription("Content cache entries removed by reason (capacity, invalidate, clear)"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cacheEntries, err = meter.Int64Gauge(
		"mintcache_content_entries",
		metric.WithDescription("Current number of content cache entries"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.handleReleasesTotal, err = meter.Int64Counter(
		"mintcache_handle_releases_total",
		metric.WithDescription("Native object handles released"),
		metric.WithUnit("{handle}"),
	); err != nil {
		return nil, err
	}

	if m.handlesLive, err = meter.Int64Gauge(
		"mintcache_handles_live",
		metric.WithDescription("Native object handles currently registered"),
		metric.WithUnit("{handle}"),
	); err != nil {
		return nil, err
	}

	if m.thumbnailsTotal, err = meter.Int64Counter(
		"mintcache_thumbnails_total",
		metric.WithDescription("Video thumbnail generations by outcome (captured, failed, timeout)"),
		metric.WithUnit("{thumbnail}"),
	); err != nil {
		return nil, err
	}

	if m.thumbnailDuration, err = meter.Float64Histogram(
		"mintcache_thumbnail_duration_seconds",
		metric.WithDescription("Duration of video thumbnail generation"),
		metric.WithUnit("s"),
		secondsBuckets,
	); err != nil {
		return nil, err
	}

	if m.pageLedgerCalls, err = meter.Int64Histogram(
		"mintcache_paginate_ledger_calls",
		metric.WithDescription("Ledger calls needed to resolve one page"),
		metric.WithUnit("{call}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10, 25, 50, 100, 250),
	); err != nil {
		return nil, err
	}

	if m.pageStaleTotal, err = meter.Int64Counter(
		"mintcache_paginate_stale_total_count_total",
		metric.WithDescription("Pages resolved against a stale total count"),
		metric.WithUnit("{page}"),
	); err != nil {
		return nil, err
	}

	if m.ownerFallbackTotal, err = meter.Int64Counter(
		"mintcache_materialize_owner_fallback_total",
		metric.WithDescription("Single-token owner lookups after a batch gap, by outcome"),
		metric.WithUnit("{lookup}"),
	); err != nil {
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Surface and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	surface := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Surface != "" {
			surface = tags.Surface
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {surface, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("surface", surface),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("surface", surface),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records disk tier backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an upstream request.
// upstream is "ledger", "gateway" or "search".
func RecordUpstreamFetch(ctx context.Context, upstream string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordContentLoad records one content cache load.
// result is one of the CacheResult values or "failed"; category is the
// content category of the entry.
func RecordContentLoad(ctx context.Context, result, category string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLoadsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("category", category),
	))
}

// RecordContentEviction records an entry leaving the content cache and the
// resulting entry count.
func RecordContentEviction(ctx context.Context, reason string, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
}

// UpdateContentEntries records the current content cache size.
func UpdateContentEntries(ctx context.Context, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
}

// RecordHandleRelease records a handle release and the remaining live count.
func RecordHandleRelease(ctx context.Context, live int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.handleReleasesTotal.Add(ctx, 1)
	globalMetrics.handlesLive.Record(ctx, int64(live))
}

// UpdateHandlesLive records the live handle count.
func UpdateHandlesLive(ctx context.Context, live int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.handlesLive.Record(ctx, int64(live))
}

// RecordThumbnail records one video thumbnail generation.
// outcome is "captured", "failed" or "timeout".
func RecordThumbnail(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.thumbnailsTotal.Add(ctx, 1, attrs)
	globalMetrics.thumbnailDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPageResolution records how many ledger calls a page needed.
// path is "empty", "past_end", "small" or "large".
func RecordPageResolution(ctx context.Context, path string, calls int, stale bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pageLedgerCalls.Record(ctx, int64(calls), metric.WithAttributes(attribute.String("path", path)))
	if stale {
		globalMetrics.pageStaleTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	}
}

// RecordOwnerFallback records a single-token owner lookup after a batch gap.
// outcome is "resolved" or "empty".
func RecordOwnerFallback(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.ownerFallbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
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

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
