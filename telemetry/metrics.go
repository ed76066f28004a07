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
	meterName = "github.com/wolfeidau/asset-pipeline"
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
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	cacheRequestsTotal      metric.Int64Counter
	cachePutsTotal          metric.Int64Counter
	cachePutBytesTotal      metric.Int64Counter
	cacheEvictionsTotal     metric.Int64Counter
	cacheEvictionBytesTotal metric.Int64Counter
	cacheSizeBytes          metric.Int64Gauge
	cacheEntries            metric.Int64Gauge
	sweepDuration           metric.Float64Histogram

	uploadsTotal    metric.Int64Counter
	uploadDuration  metric.Float64Histogram
	uploadBytes     metric.Int64Counter
	fetchTotal      metric.Int64Counter
	fetchDuration   metric.Float64Histogram
	fetchBytesTotal metric.Int64Counter

	resolutionsTotal metric.Int64Counter
	prefetchTotal    metric.Int64Counter

	storeRequestsTotal   metric.Int64Counter
	storeRequestDuration metric.Float64Histogram
	storeBytesTotal      metric.Int64Counter

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
		cfg.ServiceName = "asset-pipeline"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
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

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"asset_pipeline_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"asset_pipeline_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	cacheRequestsTotal, err := meter.Int64Counter(
		"asset_pipeline_cache_requests_total",
		metric.WithDescription("Total cache lookups by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	cachePutsTotal, err := meter.Int64Counter(
		"asset_pipeline_cache_puts_total",
		metric.WithDescription("Total cache puts by outcome"),
		metric.WithUnit("{put}"),
	)
	if err != nil {
		return err
	}

	cachePutBytesTotal, err := meter.Int64Counter(
		"asset_pipeline_cache_put_bytes_total",
		metric.WithDescription("Total bytes written into the cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"asset_pipeline_cache_evictions_total",
		metric.WithDescription("Total entries removed by compaction"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionBytesTotal, err := meter.Int64Counter(
		"asset_pipeline_cache_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by compaction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheSizeBytes, err := meter.Int64Gauge(
		"asset_pipeline_cache_size_bytes",
		metric.WithDescription("Current total size of cached blobs"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"asset_pipeline_cache_entries",
		metric.WithDescription("Current number of cache entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"asset_pipeline_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of periodic compaction sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	uploadsTotal, err := meter.Int64Counter(
		"asset_pipeline_uploads_total",
		metric.WithDescription("Total upload calls by outcome"),
		metric.WithUnit("{upload}"),
	)
	if err != nil {
		return err
	}

	uploadDuration, err := meter.Float64Histogram(
		"asset_pipeline_upload_duration_seconds",
		metric.WithDescription("Duration of upload calls including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	uploadBytes, err := meter.Int64Counter(
		"asset_pipeline_upload_bytes_total",
		metric.WithDescription("Total bytes uploaded to the remote store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	fetchTotal, err := meter.Int64Counter(
		"asset_pipeline_remote_fetch_total",
		metric.WithDescription("Total remote fetch requests by stage"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"asset_pipeline_remote_fetch_duration_seconds",
		metric.WithDescription("Duration of remote fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20),
	)
	if err != nil {
		return err
	}

	fetchBytesTotal, err := meter.Int64Counter(
		"asset_pipeline_remote_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the remote store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	resolutionsTotal, err := meter.Int64Counter(
		"asset_pipeline_loader_resolutions_total",
		metric.WithDescription("Total loader resolutions by source stage"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return err
	}

	prefetchTotal, err := meter.Int64Counter(
		"asset_pipeline_prefetch_total",
		metric.WithDescription("Total prefetch results by outcome"),
		metric.WithUnit("{asset}"),
	)
	if err != nil {
		return err
	}

	storeRequestsTotal, err := meter.Int64Counter(
		"asset_pipeline_store_requests_total",
		metric.WithDescription("Total local store operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storeRequestDuration, err := meter.Float64Histogram(
		"asset_pipeline_store_request_duration_seconds",
		metric.WithDescription("Duration of local store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	storeBytesTotal, err := meter.Int64Counter(
		"asset_pipeline_store_bytes_total",
		metric.WithDescription("Total bytes transferred in local store operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		requestDuration:         requestDuration,
		cacheRequestsTotal:      cacheRequestsTotal,
		cachePutsTotal:          cachePutsTotal,
		cachePutBytesTotal:      cachePutBytesTotal,
		cacheEvictionsTotal:     cacheEvictionsTotal,
		cacheEvictionBytesTotal: cacheEvictionBytesTotal,
		cacheSizeBytes:          cacheSizeBytes,
		cacheEntries:            cacheEntries,
		sweepDuration:           sweepDuration,
		uploadsTotal:            uploadsTotal,
		uploadDuration:          uploadDuration,
		uploadBytes:             uploadBytes,
		fetchTotal:              fetchTotal,
		fetchDuration:           fetchDuration,
		fetchBytesTotal:         fetchBytesTotal,
		resolutionsTotal:        resolutionsTotal,
		prefetchTotal:           prefetchTotal,
		storeRequestsTotal:      storeRequestsTotal,
		storeRequestDuration:    storeRequestDuration,
		storeBytesTotal:         storeBytesTotal,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
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
func RecordHTTP(ctx context.Context, endpoint string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheGet records a cache lookup.
// result is "hit", "miss", "expired" or "error".
func RecordCacheGet(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordCachePut records a cache put.
// outcome is "stored", "rejected" or "error".
func RecordCachePut(ctx context.Context, outcome string, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.cachePutsTotal.Add(ctx, 1, attrs)
	if outcome == "stored" && size > 0 {
		globalMetrics.cachePutBytesTotal.Add(ctx, size, attrs)
	}
}

// RecordEviction records entries removed by compaction.
// reason is "ttl" or "lru".
func RecordEviction(ctx context.Context, reason string, count int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.cacheEvictionsTotal.Add(ctx, int64(count), attrs)
	globalMetrics.cacheEvictionBytesTotal.Add(ctx, bytes, attrs)
}

// UpdateCacheUsage updates the cache usage gauges after a put or sweep.
func UpdateCacheUsage(ctx context.Context, entries int64, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, entries)
	globalMetrics.cacheSizeBytes.Record(ctx, bytes)
}

// RecordSweep records the duration of one compaction sweep.
func RecordSweep(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordUpload records an upload call including its retries.
// outcome is "success", "exhausted" or "permanent".
func RecordUpload(ctx context.Context, outcome string, attempts int, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("attempts", attempts),
	)
	globalMetrics.uploadsTotal.Add(ctx, 1, attrs)
	globalMetrics.uploadDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.uploadBytes.Add(ctx, bytes, attrs)
	}
}

// RecordRemoteFetch records a remote fetch request.
// stage is "upload", "thumbnail" or "asset"; outcome is "success",
// "unsupported", "not_found", "error" or "canceled".
func RecordRemoteFetch(ctx context.Context, stage, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	)
	globalMetrics.fetchTotal.Add(ctx, 1, attrs)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.fetchBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordLoaderResolution records which stage of the fallback chain resolved
// a load. source is "cache", "thumbnail", "asset" or "unavailable".
func RecordLoaderResolution(ctx context.Context, source string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.resolutionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)))
}

// RecordPrefetch records one prefetch batch's per-asset outcomes.
func RecordPrefetch(ctx context.Context, fetched, skipped, failed int) {
	if globalMetrics == nil {
		return
	}
	record := func(outcome string, n int) {
		if n > 0 {
			globalMetrics.prefetchTotal.Add(ctx, int64(n),
				metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
	record("fetched", fetched)
	record("skipped", skipped)
	record("failed", failed)
}

// RecordStoreOp records local store operation metrics.
func RecordStoreOp(ctx context.Context, store, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.storeRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.storeRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, attrs)
	}
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
