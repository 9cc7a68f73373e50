// Package observability wires OpenTelemetry metrics, tracing, and log export for hierplan.
// Traces and logs go to OTLP (gRPC or HTTP); metrics are served through the Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"hierplan/internal/config"
)

// providerShutdownTimeout bounds each provider flush on shutdown.
const providerShutdownTimeout = 5 * time.Second

// Config holds the settings shared by every provider plus the OTLP
// exporter settings of one signal.
type Config struct {
	ServiceName      string
	ServiceVersion   string
	Environment      string
	TraceSampleRatio float64
	OTLP             config.OTLPConfig
}

// ConfigFor builds a provider Config from the observability section and the
// effective OTLP settings of one signal.
func ConfigFor(obs config.ObservabilityConfig, otlp config.OTLPConfig) Config {
	return Config{
		ServiceName:      obs.ServiceName,
		ServiceVersion:   obs.ServiceVersion,
		Environment:      obs.Environment,
		TraceSampleRatio: obs.TraceSampleRatio,
		OTLP:             otlp,
	}
}

// resource describes this process to every backend. It carries no schema
// URL so merging with resource.Default cannot conflict.
func (c Config) resource() (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("",
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.ServiceVersion),
		attribute.String("deployment.environment", c.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func flushProvider(ctx context.Context, logger *slog.Logger, kind string, shutdown func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, providerShutdownTimeout)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		logger.Error("provider shutdown failed", slog.String("provider", kind), slog.String("error", err.Error()))
		return err
	}
	logger.Info("provider shut down", slog.String("provider", kind))
	return nil
}

// MeterProvider owns the SDK meter provider and the Prometheus exporter
// that /metrics reads from.
type MeterProvider struct {
	provider *metric.MeterProvider
	exporter *prometheus.Exporter
}

// InitMeterProvider installs a global meter provider backed by the Prometheus exporter.
func InitMeterProvider(cfg Config) (*MeterProvider, error) {
	res, err := cfg.resource()
	if err != nil {
		return nil, err
	}
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := &MeterProvider{
		provider: metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exporter)),
		exporter: exporter,
	}
	otel.SetMeterProvider(mp.provider)
	return mp, nil
}

func (mp *MeterProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return flushProvider(ctx, logger, "meter", mp.provider.Shutdown)
}

// Exporter returns the Prometheus exporter backing /metrics.
func (mp *MeterProvider) Exporter() *prometheus.Exporter {
	return mp.exporter
}

// TracerProvider owns the SDK tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracerProvider installs a global tracer provider exporting spans over OTLP.
func InitTracerProvider(cfg Config) (*TracerProvider, error) {
	res, err := cfg.resource()
	if err != nil {
		return nil, err
	}
	exporter, err := newSpanExporter(context.Background(), cfg.OTLP)
	if err != nil {
		return nil, err
	}

	tp := &TracerProvider{provider: sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(samplerFor(cfg.TraceSampleRatio)),
	)}
	otel.SetTracerProvider(tp.provider)
	return tp, nil
}

// samplerFor honors the parent's decision for fractional ratios so a
// compile request is traced end to end or not at all.
func samplerFor(ratio float64) sdktrace.Sampler {
	if ratio <= 0 {
		return sdktrace.NeverSample()
	}
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func (tp *TracerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return flushProvider(ctx, logger, "tracer", tp.provider.Shutdown)
}

// LoggerProvider owns the SDK logger provider. It is not installed
// globally; the logging package bridges to it explicitly.
type LoggerProvider struct {
	provider *log.LoggerProvider
}

// InitLoggerProvider builds a logger provider exporting records over OTLP.
func InitLoggerProvider(cfg Config) (*LoggerProvider, error) {
	res, err := cfg.resource()
	if err != nil {
		return nil, err
	}
	exporter, err := newLogExporter(context.Background(), cfg.OTLP)
	if err != nil {
		return nil, err
	}
	return &LoggerProvider{provider: log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(exporter)),
	)}, nil
}

func (lp *LoggerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return flushProvider(ctx, logger, "logger", lp.provider.Shutdown)
}

// Provider returns the underlying logger provider.
func (lp *LoggerProvider) Provider() *log.LoggerProvider {
	return lp.provider
}
