// Package telemetry wires up the Prometheus + OpenTelemetry exporters used
// across the project.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds the meter provider and the Prometheus exporter
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Query metrics
	QueriesTotal  metric.Int64Counter
	QueriesByType metric.Int64Counter
	QueryDuration metric.Float64Histogram

	// Block decision metrics
	BlockedQueries     metric.Int64Counter
	SynthesizedAnswers metric.Int64Counter
	NoAnswerResponses  metric.Int64Counter
	ForwardedQueries   metric.Int64Counter

	// Blocklist metrics
	BlocklistSize    metric.Int64UpDownCounter
	MatchCacheHits   metric.Int64Counter
	MatchCacheMisses metric.Int64Counter

	// Audit pipeline metrics
	AuditEventsDropped metric.Int64Counter
}

// New creates a new telemetry instance. When telemetry is disabled a no-op
// meter provider is installed so metric call sites need no guards.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if t.cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		t.prometheusExporter = exporter

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)

		t.meterProvider = provider
		otel.SetMeterProvider(provider)

		if err := t.startPrometheusServer(); err != nil {
			return fmt.Errorf("failed to start prometheus server: %w", err)
		}

		t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	} else {
		t.meterProvider = noop.NewMeterProvider()
	}

	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("sinkhole")

	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("Total number of DNS queries received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queriesByType, err := meter.Int64Counter(
		"dns.queries.by_type",
		metric.WithDescription("DNS queries by query type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries by type counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	blockedQueries, err := meter.Int64Counter(
		"dns.queries.blocked",
		metric.WithDescription("Number of DNS queries matched by the blocklist"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocked queries counter: %w", err)
	}

	synthesizedAnswers, err := meter.Int64Counter(
		"dns.answers.synthesized",
		metric.WithDescription("Number of synthesized A/AAAA answers returned"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesized answers counter: %w", err)
	}

	noAnswerResponses, err := meter.Int64Counter(
		"dns.answers.no_answer",
		metric.WithDescription("Number of blocked queries answered with an empty answer section"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create no-answer counter: %w", err)
	}

	forwardedQueries, err := meter.Int64Counter(
		"dns.queries.forwarded",
		metric.WithDescription("Number of queries forwarded upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarded queries counter: %w", err)
	}

	blocklistSize, err := meter.Int64UpDownCounter(
		"blocklist.size",
		metric.WithDescription("Number of suffixes in the active blocklist"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist size gauge: %w", err)
	}

	matchCacheHits, err := meter.Int64Counter(
		"blocklist.match_cache.hits",
		metric.WithDescription("Number of match decisions served from the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create match cache hits counter: %w", err)
	}

	matchCacheMisses, err := meter.Int64Counter(
		"blocklist.match_cache.misses",
		metric.WithDescription("Number of match decisions computed by the matcher"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create match cache misses counter: %w", err)
	}

	auditEventsDropped, err := meter.Int64Counter(
		"audit.events.dropped",
		metric.WithDescription("Number of audit events dropped due to full buffers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit events dropped counter: %w", err)
	}

	return &Metrics{
		QueriesTotal:       queriesTotal,
		QueriesByType:      queriesByType,
		QueryDuration:      queryDuration,
		BlockedQueries:     blockedQueries,
		SynthesizedAnswers: synthesizedAnswers,
		NoAnswerResponses:  noAnswerResponses,
		ForwardedQueries:   forwardedQueries,
		BlocklistSize:      blocklistSize,
		MatchCacheHits:     matchCacheHits,
		MatchCacheMisses:   matchCacheMisses,
		AuditEventsDropped: auditEventsDropped,
	}, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// AddDroppedEvent implements the storage.MetricsRecorder interface, which
// lets Metrics be handed to the storage layer without an import cycle.
func (m *Metrics) AddDroppedEvent(ctx context.Context, count int64) {
	if m != nil && m.AuditEventsDropped != nil {
		m.AuditEventsDropped.Add(ctx, count)
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
