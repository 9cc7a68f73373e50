package serverapp

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"hierplan/internal/config"
	"hierplan/internal/logging"
	"hierplan/internal/middleware"
	"hierplan/internal/observability"
)

const (
	healthRoute  = "/health"
	metricsRoute = "/metrics"

	// unmatchedRoute names spans for paths outside the router.
	unmatchedRoute = "/*"

	defaultHealthCheckTimeout = 2 * time.Second
)

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, plans *planHandlers, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+planRoute, plans.plan)
	mux.HandleFunc("GET "+handlesRoute, plans.handles)
	mux.HandleFunc("GET "+healthRoute, healthHandler(db, cfg.Server.HealthCheckTimeout))

	if meterProvider != nil {
		mux.Handle("GET "+metricsRoute, promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", metricsRoute))
	}
	return mux
}

// wrapHTTPHandler applies, from the outside in: rate limiting, OTel
// instrumentation, and request logging.
func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, httpMetrics *observability.HTTPMetrics, handler http.Handler) http.Handler {
	handler = middleware.LoggingMiddleware(logger)(handler)

	if obs := cfg.Observability; obs.MetricsEnabled || obs.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return httpRootSpanName(r) }),
		)
	}

	return middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Enabled: cfg.Server.RateLimitEnabled,
		RPS:     cfg.Server.RateLimitRPS,
		Burst:   cfg.Server.RateLimitBurst,
		Metrics: httpMetrics,
		RouteOf: func(r *http.Request) string { return normalizeHTTPSpanRoute(r.URL.Path) },
	})(handler)
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP " + unmatchedRoute
	}
	method := cmp.Or(strings.TrimSpace(r.Method), "HTTP")
	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute folds destination ids out of span names to keep
// their cardinality bounded.
func normalizeHTTPSpanRoute(path string) string {
	if path == healthRoute || path == metricsRoute {
		return path
	}
	rest, ok := strings.CutPrefix(path, "/v1/destinations/")
	if !ok {
		return unmatchedRoute
	}
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return unmatchedRoute
	}
	switch action {
	case "plan":
		return planRoute
	case "handles":
		return handlesRoute
	}
	return unmatchedRoute
}

func buildServer(cfg *config.Config, handler http.Handler, addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// startServer runs ListenAndServe in the background. The returned channel
// receives at most one error and is never closed.
func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, addr string) chan error {
	attrs := []any{
		slog.String("address", addr),
		slog.String("plan_endpoint", planRoute),
		slog.String("metadata_source", cfg.Metadata.Source),
		slog.Bool("context_store", cfg.ContextStore.Enabled),
	}
	if cfg.Server.RateLimitEnabled {
		attrs = append(attrs,
			slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
			slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
		)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("server starting", attrs...)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return errs
}

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// healthHandler pings the metadata database. Without one the service is
// healthy as long as it answers.
func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, healthStatus{Status: "healthy", Database: "not_configured"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			logging.FromContext(r.Context()).Error("health check failed",
				slog.String("check", "database"),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "unhealthy", Database: "failed"})
			return
		}
		writeJSON(w, http.StatusOK, healthStatus{Status: "healthy", Database: "ok"})
	}
}
