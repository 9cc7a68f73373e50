package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"hierplan/internal/logging"
)

// Stop reasons reported by WaitForStop.
const (
	stopReasonSignal      = "signal"
	stopReasonServerError = "server_error"
)

type cleanupFunc struct {
	name string
	fn   func(context.Context) error
}

// cleanupStack releases resources in reverse order of acquisition.
type cleanupStack []cleanupFunc

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	*s = append(*s, cleanupFunc{name: name, fn: fn})
}

// run releases every resource, newest first, and keeps going past failures.
// The returned error joins each failure prefixed with its resource name.
func (s cleanupStack) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		err := c.fn(ctx)
		if logger != nil {
			if err != nil {
				logger.Warn("cleanup failed", slog.String("component", c.name), slog.String("error", err.Error()))
			} else {
				logger.Debug("released", slog.String("component", c.name))
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// Start begins serving in the background and returns the server's error
// channel. Repeated calls return the same channel.
func (a *App) Start() (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	switch {
	case !a.initialized:
		return nil, errors.New("app is not initialized")
	case a.started:
		return a.serverErrors, nil
	case a.srv == nil:
		return nil, errors.New("no HTTP server in compile mode")
	}

	a.serverErrors = startServer(a.cfg, a.logger, a.srv, a.serverAddr)
	a.started = true
	return a.serverErrors, nil
}

// WaitForStop blocks until a signal arrives on stop or the server fails.
// A nil serverErrors means the channel returned by Start.
func (a *App) WaitForStop(stop <-chan os.Signal, serverErrors <-chan error) (reason string, err error) {
	if serverErrors == nil {
		a.stateMu.Lock()
		serverErrors = a.serverErrors
		a.stateMu.Unlock()
	}
	if stop == nil && serverErrors == nil {
		return "", errors.New("nothing to wait on: stop and serverErrors are both nil")
	}

	select {
	case sig := <-stop:
		if a.logger != nil {
			a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		}
		return stopReasonSignal, nil
	case err := <-serverErrors:
		if err == nil {
			err = errors.New("server stopped unexpectedly")
		} else {
			err = fmt.Errorf("server failed: %w", err)
		}
		return stopReasonServerError, err
	}
}

// Shutdown releases everything Init acquired. Only the first call does any
// work and reports cleanup failures; later calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.started = false
		a.stateMu.Unlock()

		err = cleanup.run(ctx, a.logger)
	})
	return err
}
