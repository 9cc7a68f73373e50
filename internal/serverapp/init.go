package serverapp

import (
	"context"
	"fmt"
	"log/slog"

	"hierplan/internal/compiler"
)

// Init acquires every runtime resource in dependency order: telemetry, the
// metadata database when one is used, the compiler, then the HTTP server
// unless the app runs a one-shot compile. A failure releases whatever was
// already acquired. Calling Init again after success is a no-op.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	done := a.initialized
	a.stateMu.Unlock()
	if done {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var cleanup cleanupStack
	stages := []struct {
		name string
		fn   func(context.Context, *cleanupStack) error
	}{
		{"telemetry", a.initTelemetry},
		{"database", a.initDatabase},
		{"compiler", a.initCompiler},
		{"http", a.initHTTP},
	}
	for _, stage := range stages {
		if err := stage.fn(ctx, &cleanup); err != nil {
			_ = cleanup.run(context.Background(), a.logger)
			return err
		}
	}

	a.stateMu.Lock()
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()
	return nil
}

func (a *App) initTelemetry(_ context.Context, cleanup *cleanupStack) error {
	if lp := a.loggerProvider; lp != nil {
		cleanup.push("logger provider", func(ctx context.Context) error { return lp.Shutdown(ctx, a.logger.Logger) })
	}

	meterProvider, metrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(ctx context.Context) error { return meterProvider.Shutdown(ctx, a.logger.Logger) })
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(ctx context.Context) error { return tracerProvider.Shutdown(ctx, a.logger.Logger) })
	}

	a.stateMu.Lock()
	a.meterProvider, a.metrics, a.tracerProvider = meterProvider, metrics, tracerProvider
	a.stateMu.Unlock()
	return nil
}

// initDatabase opens the metadata database only when the metadata source or
// the context store reads from it.
func (a *App) initDatabase(ctx context.Context, cleanup *cleanupStack) error {
	if !needsDatabase(a.cfg) {
		return nil
	}

	a.logger.Info("connecting to metadata database",
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("database_effective", a.effectiveDatabase),
		slog.String("database_source", a.databaseSource),
		slog.Bool("dsn_present", a.dsnPresent),
	)

	db, statsReg, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(context.Context) error {
		if statsReg != nil {
			if err := statsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})

	if err := configureDatabase(ctx, a.cfg, a.logger, db, a.effectiveDatabase, a.databaseSource, a.dsnPresent); err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}

	a.stateMu.Lock()
	a.db, a.dbStatsReg = db, statsReg
	a.stateMu.Unlock()
	return nil
}

func (a *App) initCompiler(context.Context, *cleanupStack) error {
	source, err := buildMetadataSource(a.cfg, a.logger, a.db)
	if err != nil {
		return fmt.Errorf("failed to initialize metadata source: %w", err)
	}
	store := buildContextStore(a.cfg, a.logger, a.db, source)

	c := compiler.New(source, store, compiler.Options{
		MaxConcurrency:    a.cfg.Compiler.MaxConcurrency,
		AllowDisconnected: a.cfg.Compiler.AllowDisconnected,
		Logger:            a.logger,
		Metrics:           a.compileMetrics(),
	})

	a.stateMu.Lock()
	a.source, a.store, a.compiler = source, store, c
	a.stateMu.Unlock()
	return nil
}

// initHTTP builds the router and server. Nothing listens until Start.
func (a *App) initHTTP(_ context.Context, cleanup *cleanupStack) error {
	if a.cfg.Compile.Enabled() {
		return nil
	}

	mux := buildRouter(a.cfg, a.logger, a.db, a.newPlanHandlers(), a.meterProvider)
	handler := wrapHTTPHandler(a.cfg, a.logger, a.httpMetrics(), mux)
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := buildServer(a.cfg, handler, addr)
	cleanup.push("HTTP server", srv.Shutdown)

	a.stateMu.Lock()
	a.mux, a.handler, a.serverAddr, a.srv = mux, handler, addr, srv
	a.stateMu.Unlock()
	return nil
}
