package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metrics holds all application metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Cache metrics, labelled by namespace and layer
	CacheRequests metric.Int64Counter

	// Pool state reads (slot0)
	PoolReads        metric.Int64Counter
	PoolReadDuration metric.Float64Histogram

	// Pairing record lookups against the indexer
	PairingLookups metric.Int64Counter

	// Token / coin resolutions
	Resolutions        metric.Int64Counter
	ResolutionDuration metric.Float64Histogram

	// Upstream price feed
	FeedCalls    metric.Int64Counter
	FeedDuration metric.Float64Histogram

	// Native asset price
	NativePriceUSD  metric.Float64Gauge
	NativeFallbacks metric.Int64Counter

	// In-flight joins (callers that attached to an existing computation)
	InflightJoins metric.Int64Counter

	// RPC endpoint metrics
	RPCEndpointHealth metric.Int64Gauge

	// Circuit breaker metrics
	CircuitBreakerState metric.Int64Gauge

	// Best-effort write failures
	BestEffortFailures metric.Int64Counter

	exporter *prometheus.Exporter
}

// NewMetrics creates a new Metrics instance.
// When disabled, instruments are backed by a noop meter.
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		m := &Metrics{meter: noop.NewMeterProvider().Meter(serviceName)}
		if err := m.initMetrics(); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		return m, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	if m.CacheRequests, err = m.meter.Int64Counter(
		"pricer.cache.requests",
		metric.WithDescription("Cache lookups by namespace, layer and status"),
	); err != nil {
		return err
	}

	if m.PoolReads, err = m.meter.Int64Counter(
		"pricer.pool.reads",
		metric.WithDescription("On-chain slot0 reads"),
	); err != nil {
		return err
	}

	if m.PoolReadDuration, err = m.meter.Float64Histogram(
		"pricer.pool.read.duration",
		metric.WithDescription("slot0 read duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}

	if m.PairingLookups, err = m.meter.Int64Counter(
		"pricer.pairing.lookups",
		metric.WithDescription("Pairing record lookups against the indexer"),
	); err != nil {
		return err
	}

	if m.Resolutions, err = m.meter.Int64Counter(
		"pricer.resolutions",
		metric.WithDescription("Top-level USD price resolutions by outcome"),
	); err != nil {
		return err
	}

	if m.ResolutionDuration, err = m.meter.Float64Histogram(
		"pricer.resolution.duration",
		metric.WithDescription("Top-level resolution duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}

	if m.FeedCalls, err = m.meter.Int64Counter(
		"pricer.feed.calls",
		metric.WithDescription("Upstream price feed calls"),
	); err != nil {
		return err
	}

	if m.FeedDuration, err = m.meter.Float64Histogram(
		"pricer.feed.duration",
		metric.WithDescription("Upstream price feed call duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}

	if m.NativePriceUSD, err = m.meter.Float64Gauge(
		"pricer.native.price.usd",
		metric.WithDescription("Current native asset price in USD"),
		metric.WithUnit("USD"),
	); err != nil {
		return err
	}

	if m.NativeFallbacks, err = m.meter.Int64Counter(
		"pricer.native.stale_fallbacks",
		metric.WithDescription("Native price served from stale shared cache after feed failure"),
	); err != nil {
		return err
	}

	if m.InflightJoins, err = m.meter.Int64Counter(
		"pricer.inflight.joins",
		metric.WithDescription("Callers that joined an in-flight computation"),
	); err != nil {
		return err
	}

	if m.RPCEndpointHealth, err = m.meter.Int64Gauge(
		"pricer.rpc.endpoint.health",
		metric.WithDescription("RPC endpoint health (1=healthy, 0=unhealthy)"),
	); err != nil {
		return err
	}

	if m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"pricer.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	); err != nil {
		return err
	}

	if m.BestEffortFailures, err = m.meter.Int64Counter(
		"pricer.best_effort.failures",
		metric.WithDescription("Failed best-effort background writes"),
	); err != nil {
		return err
	}

	return nil
}

// RecordCacheRequest records a cache lookup
func (m *Metrics) RecordCacheRequest(ctx context.Context, namespace, layer string, hit bool) {
	if m == nil {
		return
	}
	status := "miss"
	if hit {
		status = "hit"
	}
	m.CacheRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("layer", layer),
		attribute.String("status", status),
	))
}

// RecordPoolRead records a slot0 read
func (m *Metrics) RecordPoolRead(ctx context.Context, chainID uint64, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("status", status),
	)
	m.PoolReads.Add(ctx, 1, attrs)
	m.PoolReadDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordPairingLookup records an indexer lookup outcome (found, absent, error)
func (m *Metrics) RecordPairingLookup(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.PairingLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordResolution records a top-level resolution
func (m *Metrics) RecordResolution(ctx context.Context, kind string, resolved bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "unresolvable"
	if resolved {
		outcome = "resolved"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)
	m.Resolutions.Add(ctx, 1, attrs)
	m.ResolutionDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordFeedCall records an upstream price feed call
func (m *Metrics) RecordFeedCall(ctx context.Context, feed, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("feed", feed),
		attribute.String("status", status),
	)
	m.FeedCalls.Add(ctx, 1, attrs)
	m.FeedDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordNativePrice records the current native price in USD
func (m *Metrics) RecordNativePrice(ctx context.Context, symbol string, priceUSD float64) {
	if m == nil {
		return
	}
	m.NativePriceUSD.Record(ctx, priceUSD, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordNativeFallback records a stale shared-cache fallback
func (m *Metrics) RecordNativeFallback(ctx context.Context, symbol string) {
	if m == nil {
		return
	}
	m.NativeFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordInflightJoin records a caller joining an existing computation
func (m *Metrics) RecordInflightJoin(ctx context.Context, group string) {
	if m == nil {
		return
	}
	m.InflightJoins.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group)))
}

// RecordRPCEndpointHealth records RPC endpoint health status
func (m *Metrics) RecordRPCEndpointHealth(ctx context.Context, chainID uint64, url string, healthy bool) {
	if m == nil {
		return
	}
	val := int64(0)
	if healthy {
		val = 1
	}
	m.RPCEndpointHealth.Record(ctx, val, metric.WithAttributes(
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("url", url),
	))
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// RecordBestEffortFailure records a failed background write
func (m *Metrics) RecordBestEffortFailure(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.BestEffortFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// Handler returns the HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	// The OpenTelemetry Prometheus exporter registers with the default registry
	return promhttp.Handler()
}
