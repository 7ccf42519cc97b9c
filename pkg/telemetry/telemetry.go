// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"smartguard/pkg/config"
	"smartguard/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Telemetry holds the meter provider and the Prometheus endpoint.
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	prometheusServer *http.Server
	logger           *logging.Logger
}

// Metrics holds all application instruments
type Metrics struct {
	// Relay
	QueriesTotal       metric.Int64Counter
	QueriesParseFailed metric.Int64Counter
	QueriesReplied     metric.Int64Counter
	QueriesDropped     metric.Int64Counter
	ForwardDuration    metric.Float64Histogram
	InFlight           metric.Int64UpDownCounter

	// Classification
	ClassifierCacheHits   metric.Int64Counter
	ClassifierCacheMisses metric.Int64Counter
	ClassifierOverrides   metric.Int64Counter
	ClassifierCalls       metric.Int64Counter
	ClassifierFallbacks   metric.Int64Counter

	// Storage
	StorageEventsDropped metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		t.meterProvider = noop.NewMeterProvider()
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
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

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics creates every instrument from the configured meter provider.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	return NewMetrics(t.meterProvider)
}

// NewMetrics creates every instrument from provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("smartguard")
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.QueriesTotal, "relay.queries.total", "DNS query datagrams received"},
		{&m.QueriesParseFailed, "relay.queries.parse_failed", "Datagrams whose question name could not be decoded"},
		{&m.QueriesReplied, "relay.queries.replied", "Upstream responses relayed back to the client"},
		{&m.QueriesDropped, "relay.queries.dropped", "Queries left unanswered after an upstream failure"},
		{&m.ClassifierCacheHits, "classifier.cache.hits", "Classification verdicts served from cache"},
		{&m.ClassifierCacheMisses, "classifier.cache.misses", "Classification cache misses"},
		{&m.ClassifierOverrides, "classifier.overrides", "Verdicts forced by the override list"},
		{&m.ClassifierCalls, "classifier.external.calls", "Requests sent to the classification service"},
		{&m.ClassifierFallbacks, "classifier.fallbacks", "Fallback verdicts produced after a service failure"},
		{&m.StorageEventsDropped, "storage.events.dropped", "DNS events dropped because the write buffer was full"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	duration, err := meter.Float64Histogram(
		"relay.forward.duration",
		metric.WithDescription("Upstream round trip duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward duration histogram: %w", err)
	}
	m.ForwardDuration = duration

	inflight, err := meter.Int64UpDownCounter(
		"relay.inflight",
		metric.WithDescription("Datagrams currently being handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight gauge: %w", err)
	}
	m.InFlight = inflight

	return m, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// AddDroppedEvent implements storage.MetricsRecorder without an import cycle.
func (m *Metrics) AddDroppedEvent(ctx context.Context, count int64) {
	if m != nil && m.StorageEventsDropped != nil {
		m.StorageEventsDropped.Add(ctx, count)
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

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
