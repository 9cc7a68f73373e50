package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"

	"hierplan/internal/config"
)

type otlpProtocol string

const (
	otlpProtocolGRPC otlpProtocol = "grpc"
	otlpProtocolHTTP otlpProtocol = "http/protobuf"
)

// Retry backoff for OTLP exports. Only the on/off switch is configurable.
var exportBackoff = struct{ initial, max, elapsed time.Duration }{
	initial: time.Second,
	max:     5 * time.Second,
	elapsed: 30 * time.Second,
}

func parseOTLPProtocol(value string) (otlpProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(otlpProtocolGRPC):
		return otlpProtocolGRPC, nil
	case "http", string(otlpProtocolHTTP):
		return otlpProtocolHTTP, nil
	default:
		return "", fmt.Errorf("unsupported OTLP protocol %q (use grpc or http/protobuf)", value)
	}
}

// exportSettings is an OTLPConfig resolved once, independent of signal, so
// the per-exporter option builders below are plain mappings.
type exportSettings struct {
	protocol    otlpProtocol
	endpoint    string
	endpointURL bool
	// tls is nil for plaintext connections.
	tls     *tls.Config
	headers map[string]string
	timeout time.Duration
	gzip    bool
	retry   bool
}

func resolveExportSettings(cfg config.OTLPConfig) (exportSettings, error) {
	protocol, err := parseOTLPProtocol(cfg.Protocol)
	if err != nil {
		return exportSettings{}, err
	}
	s := exportSettings{
		protocol:    protocol,
		endpoint:    cfg.Endpoint,
		endpointURL: strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://"),
		headers:     cfg.Headers,
		timeout:     cfg.Timeout,
		gzip:        cfg.Compression == "gzip",
		retry:       cfg.RetryEnabled && cfg.RetryMaxAttempts > 0,
	}
	if !cfg.Insecure {
		if s.tls, err = buildTLSConfig(cfg); err != nil {
			return exportSettings{}, err
		}
	}
	return s, nil
}

func buildTLSConfig(cfg config.OTLPConfig) (*tls.Config, error) {
	out := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCertFile != "" {
		pem, err := os.ReadFile(cfg.TLSCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read OTLP TLS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse OTLP TLS CA file")
		}
		out.RootCAs = pool
	}

	switch cert, key := cfg.TLSClientCertFile, cfg.TLSClientKeyFile; {
	case cert == "" && key == "":
	case cert == "" || key == "":
		return nil, errors.New("OTLP TLS client cert and key must both be set")
	default:
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load OTLP TLS client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}
	return out, nil
}

func (s exportSettings) traceGRPCOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.endpoint)}
	if s.tls == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(s.tls)))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlptracegrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled: true, InitialInterval: exportBackoff.initial, MaxInterval: exportBackoff.max, MaxElapsedTime: exportBackoff.elapsed,
		}))
	}
	return opts
}

func (s exportSettings) traceHTTPOptions() []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.endpoint)}
	if s.endpointURL {
		opts[0] = otlptracehttp.WithEndpointURL(s.endpoint)
	}
	if s.tls == nil {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(s.tls))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	if s.retry {
		opts = append(opts, otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled: true, InitialInterval: exportBackoff.initial, MaxInterval: exportBackoff.max, MaxElapsedTime: exportBackoff.elapsed,
		}))
	}
	return opts
}

func (s exportSettings) logGRPCOptions() []otlploggrpc.Option {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(s.endpoint)}
	if s.tls == nil {
		opts = append(opts, otlploggrpc.WithInsecure())
	} else {
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(s.tls)))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
			Enabled: true, InitialInterval: exportBackoff.initial, MaxInterval: exportBackoff.max, MaxElapsedTime: exportBackoff.elapsed,
		}))
	}
	return opts
}

func (s exportSettings) logHTTPOptions() []otlploghttp.Option {
	opts := []otlploghttp.Option{otlploghttp.WithEndpoint(s.endpoint)}
	if s.endpointURL {
		opts[0] = otlploghttp.WithEndpointURL(s.endpoint)
	}
	if s.tls == nil {
		opts = append(opts, otlploghttp.WithInsecure())
	} else {
		opts = append(opts, otlploghttp.WithTLSClientConfig(s.tls))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
	}
	if s.retry {
		opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
			Enabled: true, InitialInterval: exportBackoff.initial, MaxInterval: exportBackoff.max, MaxElapsedTime: exportBackoff.elapsed,
		}))
	}
	return opts
}

func newSpanExporter(ctx context.Context, cfg config.OTLPConfig) (sdktrace.SpanExporter, error) {
	s, err := resolveExportSettings(cfg)
	if err != nil {
		return nil, err
	}
	var exporter sdktrace.SpanExporter
	if s.protocol == otlpProtocolHTTP {
		exporter, err = otlptracehttp.New(ctx, s.traceHTTPOptions()...)
	} else {
		exporter, err = otlptracegrpc.New(ctx, s.traceGRPCOptions()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	return exporter, nil
}

func newLogExporter(ctx context.Context, cfg config.OTLPConfig) (log.Exporter, error) {
	s, err := resolveExportSettings(cfg)
	if err != nil {
		return nil, err
	}
	var exporter log.Exporter
	if s.protocol == otlpProtocolHTTP {
		exporter, err = otlploghttp.New(ctx, s.logHTTPOptions()...)
	} else {
		exporter, err = otlploggrpc.New(ctx, s.logGRPCOptions()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}
	return exporter, nil
}
