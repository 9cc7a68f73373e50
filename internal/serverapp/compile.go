package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"hierplan/internal/compiler"
	"hierplan/internal/config"
)

// RunCompile compiles the plan named by the compile section of the
// configuration and writes it as indented JSON to the configured output file,
// or to stdout when none is set. It requires Init to have completed.
func (a *App) RunCompile(ctx context.Context, stdout io.Writer) (err error) {
	a.stateMu.Lock()
	initialized := a.initialized
	a.stateMu.Unlock()
	if !initialized {
		return fmt.Errorf("app is not initialized")
	}

	q, err := compileQuery(a.cfg.Compile)
	if err != nil {
		return err
	}

	job, err := compilePlan(ctx, a.source, a.compiler, q)
	if err != nil {
		return fmt.Errorf("failed to compile plan for destination %d: %w", q.DestinationID, err)
	}

	out := stdout
	if path := a.cfg.Compile.Output; path != "" {
		f, createErr := os.Create(path)
		if createErr != nil {
			return fmt.Errorf("failed to create output file: %w", createErr)
		}
		defer func() {
			if closeErr := f.Close(); closeErr != nil {
				err = errors.Join(err, fmt.Errorf("failed to close output file: %w", closeErr))
			}
		}()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}

	a.logger.Info("plan compiled",
		slog.Int64("destination_id", q.DestinationID),
		slog.Int("data_sources", len(job.DataSources)),
		slog.String("output", outputName(a.cfg.Compile.Output)),
	)
	return nil
}

func compileQuery(cc config.CompileConfig) (planQuery, error) {
	loadType, err := compiler.ParseLoadType(cc.LoadType)
	if err != nil {
		return planQuery{}, err
	}
	start, err := cc.IncrementalStartTime()
	if err != nil {
		return planQuery{}, fmt.Errorf("invalid compile.incremental_start: %w", err)
	}
	return planQuery{
		DestinationID: cc.Destination,
		BindingID:     cc.Binding,
		Execution: compiler.Execution{
			BindingExecutionID: cc.BindingExecution,
			LoadType:           loadType,
			IncrementalStart:   start,
		},
	}, nil
}

func outputName(path string) string {
	if path == "" {
		return "stdout"
	}
	return path
}
