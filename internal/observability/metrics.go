package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "hierplan"

// CompileMetrics holds custom metrics for plan compilation.
// A nil *CompileMetrics is valid and records nothing.
type CompileMetrics struct {
	durationHist    metric.Float64Histogram
	compileCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	dataSourcesHist metric.Int64Histogram
	prefetchHist    metric.Int64Histogram
	activeCompiles  metric.Int64UpDownCounter
	lastSuccessUnix atomic.Int64
}

// InitCompileMetrics initializes compilation metrics on the global meter provider.
func InitCompileMetrics() (*CompileMetrics, error) {
	meter := otel.Meter(meterName)

	durationHist, err := meter.Float64Histogram(
		"hierplan.compile.duration",
		metric.WithDescription("Duration of plan compilations in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile duration histogram: %w", err)
	}

	compileCounter, err := meter.Int64Counter(
		"hierplan.compile.total",
		metric.WithDescription("Total number of plan compilations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"hierplan.compile.errors",
		metric.WithDescription("Total number of failed plan compilations by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile error counter: %w", err)
	}

	dataSourcesHist, err := meter.Int64Histogram(
		"hierplan.plan.data_sources",
		metric.WithDescription("Number of data sources in compiled plans"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create data sources histogram: %w", err)
	}

	prefetchHist, err := meter.Int64Histogram(
		"hierplan.compile.prefetched_entities",
		metric.WithDescription("Number of distinct source entities fetched per compilation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prefetch histogram: %w", err)
	}

	activeCompiles, err := meter.Int64UpDownCounter(
		"hierplan.compile.active",
		metric.WithDescription("Number of compilations in progress"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active compilations counter: %w", err)
	}

	lastSuccessGauge, err := meter.Int64ObservableGauge(
		"hierplan.compile.last_success_unix",
		metric.WithDescription("Unix timestamp of the last successful compilation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create last success gauge: %w", err)
	}

	metrics := &CompileMetrics{
		durationHist:    durationHist,
		compileCounter:  compileCounter,
		errorCounter:    errorCounter,
		dataSourcesHist: dataSourcesHist,
		prefetchHist:    prefetchHist,
		activeCompiles:  activeCompiles,
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if value := metrics.lastSuccessUnix.Load(); value > 0 {
				observer.ObserveInt64(lastSuccessGauge, value)
			}
			return nil
		},
		lastSuccessGauge,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register last success gauge callback: %w", err)
	}

	return metrics, nil
}

// RecordCompile records one finished compilation. errorKind is empty on success.
func (m *CompileMetrics) RecordCompile(ctx context.Context, duration time.Duration, dataSources int, errorKind string) {
	if m == nil {
		return
	}
	success := errorKind == ""
	attrs := metric.WithAttributes(attribute.Bool("success", success))

	m.compileCounter.Add(ctx, 1, attrs)
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), attrs)

	if !success {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", errorKind)))
		return
	}

	m.dataSourcesHist.Record(ctx, int64(dataSources))
	m.lastSuccessUnix.Store(time.Now().Unix())
}

// RecordPrefetch records how many distinct source entities a compilation fetched.
func (m *CompileMetrics) RecordPrefetch(ctx context.Context, entities int) {
	if m == nil {
		return
	}
	m.prefetchHist.Record(ctx, int64(entities))
}

// IncrementActive marks a compilation as started.
func (m *CompileMetrics) IncrementActive(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeCompiles.Add(ctx, 1)
}

// DecrementActive marks a compilation as finished.
func (m *CompileMetrics) DecrementActive(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeCompiles.Add(ctx, -1)
}

// HTTPMetrics holds metrics for the plan service's HTTP surface.
// A nil *HTTPMetrics is valid and records nothing.
type HTTPMetrics struct {
	planRequests metric.Int64Counter
	rateLimited  metric.Int64Counter
}

// InitHTTPMetrics initializes HTTP surface metrics.
func InitHTTPMetrics() (*HTTPMetrics, error) {
	meter := otel.Meter(meterName)

	planRequests, err := meter.Int64Counter(
		"hierplan.http.plan_requests",
		metric.WithDescription("Plan requests by response status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan request counter: %w", err)
	}

	rateLimited, err := meter.Int64Counter(
		"hierplan.http.rate_limited",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limited counter: %w", err)
	}

	return &HTTPMetrics{planRequests: planRequests, rateLimited: rateLimited}, nil
}

// RecordPlanRequest records a plan request outcome.
func (m *HTTPMetrics) RecordPlanRequest(ctx context.Context, status int) {
	if m == nil {
		return
	}
	m.planRequests.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", status)))
}

// RecordRateLimited records a request rejected by the rate limiter. route
// should be a route pattern, not a raw path, to bound label cardinality.
func (m *HTTPMetrics) RecordRateLimited(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// Metrics bundles the service's custom instruments.
type Metrics struct {
	Compile *CompileMetrics
	HTTP    *HTTPMetrics
}

// InitMetrics initializes all custom metrics.
func InitMetrics(logger *slog.Logger) (*Metrics, error) {
	compile, err := InitCompileMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize compile metrics: %w", err)
	}
	httpMetrics, err := InitHTTPMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP metrics: %w", err)
	}

	logger.Info("custom metrics initialized")
	return &Metrics{Compile: compile, HTTP: httpMetrics}, nil
}
