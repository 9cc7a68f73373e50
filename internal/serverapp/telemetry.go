package serverapp

import (
	"context"
	"log/slog"

	"hierplan/internal/config"
	"hierplan/internal/logging"
	"hierplan/internal/observability"
)

// InitLogger builds the process logger and installs it as the slog default.
// With log exports enabled the logger also feeds an OTLP logger provider,
// which the caller must shut down (see App.AttachLoggerProvider).
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	obs := cfg.Observability
	logCfg := logging.Config{Level: obs.Logging.Level, Format: obs.Logging.Format}

	if obs.Logging.ExportsEnabled {
		otlp := obs.GetLogsConfig()
		provider, err := observability.InitLoggerProvider(observability.ConfigFor(obs, otlp))
		if err != nil {
			return nil, nil, err
		}
		logCfg.LoggerProvider = provider.Provider()
		logger := logging.NewLogger(logCfg)
		slog.SetDefault(logger.Logger)
		logger.Info("log export enabled",
			slog.String("otlp_endpoint", otlp.Endpoint),
			slog.String("otlp_protocol", otlp.Protocol),
			slog.Bool("insecure", otlp.Insecure),
		)
		return logger, provider, nil
	}

	logger := logging.NewLogger(logCfg)
	slog.SetDefault(logger.Logger)
	return logger, nil, nil
}

// initMetrics returns nils when metrics are disabled.
func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.Metrics, error) {
	obs := cfg.Observability
	if !obs.MetricsEnabled {
		return nil, nil, nil
	}

	mp, err := observability.InitMeterProvider(observability.ConfigFor(obs, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, err
	}
	metrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		_ = mp.Shutdown(context.Background(), logger.Logger)
		return nil, nil, err
	}

	logger.Info("metrics enabled",
		slog.String("service_name", obs.ServiceName),
		slog.String("service_version", obs.ServiceVersion),
	)
	return mp, metrics, nil
}

// initTracing returns nil when tracing is disabled.
func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	obs := cfg.Observability
	if !obs.TracingEnabled {
		return nil, nil
	}

	otlp := obs.GetTracesConfig()
	tp, err := observability.InitTracerProvider(observability.ConfigFor(obs, otlp))
	if err != nil {
		return nil, err
	}
	logger.Info("tracing enabled",
		slog.String("otlp_endpoint", otlp.Endpoint),
		slog.String("otlp_protocol", otlp.Protocol),
		slog.Float64("sample_ratio", obs.TraceSampleRatio),
	)
	return tp, nil
}
