package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"hierplan/internal/config"
	"hierplan/internal/contextstore"
	"hierplan/internal/logging"
	"hierplan/internal/metadata"
)

// maxRetryInterval caps the backoff between connection attempts.
const maxRetryInterval = 30 * time.Second

type statsRegistration interface{ Unregister() error }

// connectDB opens the metadata database. The handle is wrapped with otelsql
// only when metrics or tracing are on; the returned registration is non-nil
// only when pool stats are exported.
func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, statsRegistration, error) {
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}
	dsn := cfg.Database.DSN()
	obs := cfg.Observability

	if !obs.MetricsEnabled && !obs.TracingEnabled {
		db, err := sql.Open("mysql", dsn)
		return db, nil, err
	}

	commenter := obs.SQLCommenterEnabled && obs.TracingEnabled
	if obs.SQLCommenterEnabled && !commenter {
		logger.Warn("sqlcommenter needs tracing; leaving it off")
	}

	opts := []otelsql.Option{otelsql.WithAttributes(semconv.DBSystemMySQL)}
	if obs.TracingEnabled {
		opts = append(opts,
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
			otelsql.WithSQLCommenter(commenter),
		)
	}
	db, err := otelsql.Open("mysql", dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var reg statsRegistration
	if obs.MetricsEnabled {
		if reg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemMySQL)); err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			reg = nil
		}
	}

	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", obs.MetricsEnabled),
		slog.Bool("tracing", obs.TracingEnabled),
		slog.Bool("sqlcommenter", commenter),
	)
	return db, reg, nil
}

// configureDatabase applies pool limits and waits for the first successful ping.
func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase, databaseSource string, dsnPresent bool) error {
	pool := cfg.Database.Pool
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg.Database, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database_effective", effectiveDatabase),
		slog.String("database_source", databaseSource),
		slog.Bool("dsn_present", dsnPresent),
		slog.Int("pool_max_open", pool.MaxOpen),
		slog.Int("pool_max_idle", pool.MaxIdle),
	)
	return nil
}

// waitForDatabase pings until the database answers or the connection
// timeout passes. A zero timeout pings exactly once. The retry interval
// doubles after every failure up to maxRetryInterval.
func waitForDatabase(ctx context.Context, dbCfg config.DatabaseConfig, logger *logging.Logger, db *sql.DB) error {
	if dbCfg.ConnectionTimeout == 0 {
		return db.PingContext(ctx)
	}

	interval := dbCfg.ConnectionRetryInterval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(dbCfg.ConnectionTimeout)

	attempt := 1
	for {
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("database not available after %v: %w", dbCfg.ConnectionTimeout, err)
		}

		logger.Warn("database not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		interval = min(2*interval, maxRetryInterval)
		attempt++
	}
}

// buildMetadataSource returns the configured metadata oracle: SQL tables in
// the connected database or a YAML catalog.
func buildMetadataSource(cfg *config.Config, logger *logging.Logger, db *sql.DB) (metadata.Source, error) {
	switch {
	case cfg.Metadata.Source == config.MetadataSourceCatalog:
		catalog, err := metadata.LoadCatalog(cfg.Metadata.CatalogFile)
		if err != nil {
			return nil, err
		}
		logger.Info("metadata catalog loaded", slog.String("file", cfg.Metadata.CatalogFile))
		return catalog, nil
	case db == nil:
		return nil, fmt.Errorf("sql metadata source requires a database connection")
	default:
		logger.Info("using SQL metadata source", slog.String("table_prefix", cfg.Metadata.TablePrefix))
		return metadata.NewSQLSource(db, cfg.Metadata.TablePrefix), nil
	}
}

// buildContextStore returns where high-water marks are read from. Without a
// database table, marks come from the catalog, if any.
func buildContextStore(cfg *config.Config, logger *logging.Logger, db *sql.DB, source metadata.Source) contextstore.Store {
	if cfg.ContextStore.Enabled && db != nil {
		logger.Info("using SQL context store", slog.String("table", cfg.ContextStore.Table))
		return contextstore.NewSQLStore(db, cfg.ContextStore.Table)
	}
	if catalog, ok := source.(*metadata.Catalog); ok {
		return contextstore.NewMemoryStore(catalog.HighWaterMarks())
	}
	return contextstore.NewMemoryStore(nil)
}
