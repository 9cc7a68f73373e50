// Command hierplan serves extraction plans over HTTP, or compiles a single
// plan and exits when --compile.destination is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"hierplan/internal/config"
	"hierplan/internal/logging"
	"hierplan/internal/serverapp"
)

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = "none"
)

var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func main() {
	if err := run(); err != nil {
		slog.Error("hierplan failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	showVersion := pflag.Bool("version", false, "Print version and exit")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *showVersion {
		fmt.Println(versionString())
		return nil
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}
	if err := checkConfig(cfg, slog.Default()); err != nil {
		return err
	}

	logger, loggerProvider, err := serverapp.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	app, err := serverapp.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	app.AttachLoggerProvider(loggerProvider)

	ctx, cancel := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer cancel()

	if err := app.Init(ctx); err != nil {
		return err
	}
	if cfg.Compile.Enabled() {
		return errors.Join(app.RunCompile(ctx, os.Stdout), shutdown(app, cfg))
	}
	return serve(app, cfg, logger)
}

// serve runs the HTTP server until a shutdown signal or a server failure.
func serve(app *serverapp.App, cfg *config.Config, logger *logging.Logger) error {
	serverErrors, err := app.Start()
	if err != nil {
		return errors.Join(err, shutdown(app, cfg))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, shutdownSignals...)
	defer signal.Stop(stop)

	reason, waitErr := app.WaitForStop(stop, serverErrors)
	logger.Info("shutting down", slog.String("reason", reason))

	if err := errors.Join(waitErr, shutdown(app, cfg)); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func shutdown(app *serverapp.App, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return app.Shutdown(ctx)
}

// checkConfig logs every validation finding and fails when any is an error.
func checkConfig(cfg *config.Config, logger *slog.Logger) error {
	result := cfg.Validate()
	for _, w := range result.Warnings {
		logger.Warn("configuration warning", slog.String("field", w.Field), slog.String("message", w.Message), slog.String("hint", w.Hint))
	}
	for _, e := range result.Errors {
		logger.Error("configuration error", slog.String("field", e.Field), slog.String("message", e.Message), slog.String("hint", e.Hint))
	}
	if n := len(result.Errors); n > 0 {
		return fmt.Errorf("configuration validation failed with %d error(s)", n)
	}
	return nil
}

func versionString() string {
	return fmt.Sprintf("hierplan %s (%s)", Version, Commit)
}
