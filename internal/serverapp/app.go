// Package serverapp wires configuration, metadata, and the plan compiler into
// a runnable service or a one-shot compilation.
package serverapp

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"hierplan/internal/compiler"
	"hierplan/internal/config"
	"hierplan/internal/contextstore"
	"hierplan/internal/logging"
	"hierplan/internal/metadata"
	"hierplan/internal/observability"
)

// App owns runtime resources for the hierplan lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	effectiveDatabase string
	databaseSource    string
	dsnPresent        bool

	meterProvider  *observability.MeterProvider
	metrics        *observability.Metrics
	tracerProvider *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }

	source   metadata.Source
	store    contextstore.Store
	compiler *compiler.Compiler

	mux     *http.ServeMux
	handler http.Handler

	serverAddr string
	srv        *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	app := &App{
		cfg:    cfg,
		logger: logger,
	}
	if needsDatabase(cfg) {
		effectiveDatabase, databaseSource, err := cfg.Database.EffectiveDatabaseName()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
		}
		app.effectiveDatabase = effectiveDatabase
		app.databaseSource = databaseSource
		app.dsnPresent = strings.TrimSpace(cfg.Database.ConnectionString) != ""
	}
	return app, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the wrapped HTTP handler. It is nil before Init and in
// one-shot compile mode.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}

func needsDatabase(cfg *config.Config) bool {
	return cfg.Metadata.UsesDatabase() || cfg.ContextStore.Enabled
}

func (a *App) compileMetrics() *observability.CompileMetrics {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.Compile
}

func (a *App) httpMetrics() *observability.HTTPMetrics {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.HTTP
}
