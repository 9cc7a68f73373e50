package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hierplan/internal/metadata"
	"hierplan/internal/plan"
)

// incrementalFilters builds the root's "changed since" predicates. An explicit
// start time applies to every configuration; otherwise each configuration
// reads its own high-water mark in a session of its own. Configurations
// without a mark are skipped.
func (c *Compiler) incrementalFilters(ctx context.Context, root metadata.Binding, entity metadata.Entity, fields []metadata.Field, exec Execution) ([]plan.IncrementalColumn, error) {
	if exec.LoadType != LoadTypeIncremental || len(root.IncrementalConfigurations) == 0 {
		return nil, nil
	}

	var filters []plan.IncrementalColumn
	for _, cfg := range root.IncrementalConfigurations {
		mark, ok, err := c.highWaterMark(ctx, cfg, exec)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.logger.Debug("no high-water mark, skipping incremental filter",
				slog.Int64("configuration_id", cfg.ID),
				slog.String("column", cfg.ColumnName),
			)
			continue
		}

		field, found := findField(fields, cfg.ColumnName)
		if !found {
			return nil, &DataError{
				Kind:   ErrIncrementalColumnNotFound,
				Entity: entity.Name,
				Detail: fmt.Sprintf("column %q of configuration %d", cfg.ColumnName, cfg.ID),
			}
		}

		filters = append(filters, plan.IncrementalColumn{
			Name:     cfg.ColumnName,
			Operator: plan.OperatorGreaterThanOrEqualTo,
			Type:     field.DataType,
			Value:    FormatHighWaterMark(mark),
		})
	}
	return filters, nil
}

// highWaterMark resolves the mark for one configuration. The session is
// closed before returning, on every path.
func (c *Compiler) highWaterMark(ctx context.Context, cfg metadata.IncrementalConfiguration, exec Execution) (mark time.Time, ok bool, err error) {
	if exec.IncrementalStart != nil {
		return *exec.IncrementalStart, true, nil
	}

	session, err := c.store.Open(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to open context store for configuration %d: %w", cfg.ID, err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close context store session: %w", closeErr))
		}
	}()

	mark, ok, err = session.LastHighWaterMark(ctx, cfg)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read high-water mark for configuration %d: %w", cfg.ID, err)
	}
	return mark, ok, nil
}

// FormatHighWaterMark renders a mark as a bare UTC timestamp literal, so one
// instant always yields the same filter value.
func FormatHighWaterMark(mark time.Time) string {
	return mark.UTC().Format(time.RFC3339Nano)
}

func findField(fields []metadata.Field, name string) (metadata.Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return metadata.Field{}, false
}
