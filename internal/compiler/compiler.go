// Package compiler turns a destination's binding graph into an ordered
// extraction plan.
//
// Compilation validates the graph, finds the topmost binding, walks the tree
// of direct edges in pre-order, and emits one data source per visited binding
// with its column projection, ancestor joins and, for the root, its key and
// incremental filters. A compilation either returns a complete plan or fails.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"hierplan/internal/contextstore"
	"hierplan/internal/logging"
	"hierplan/internal/metadata"
	"hierplan/internal/observability"
	"hierplan/internal/plan"
	"hierplan/internal/sqlutil"
)

// DefaultMaxConcurrency bounds concurrent metadata lookups when unset.
const DefaultMaxConcurrency = 4

// LoadType selects full or incremental extraction.
type LoadType string

const (
	LoadTypeFull        LoadType = "full"
	LoadTypeIncremental LoadType = "incremental"
)

// ParseLoadType accepts "full" or "incremental" in any case. Empty means full.
func ParseLoadType(raw string) (LoadType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(LoadTypeFull):
		return LoadTypeFull, nil
	case string(LoadTypeIncremental):
		return LoadTypeIncremental, nil
	default:
		return "", fmt.Errorf("unknown load type %q", raw)
	}
}

// Execution is the context of the run the plan is compiled for.
type Execution struct {
	BindingExecutionID int64
	LoadType           LoadType
	// IncrementalStart overrides recorded high-water marks when set.
	IncrementalStart *time.Time
}

// Request asks for the plan of one destination.
type Request struct {
	// Binding is the compilation root. A zero ID selects the topmost binding.
	Binding metadata.Binding
	// Destination must carry its fields.
	Destination metadata.Entity
	Execution   Execution
}

// Options tunes a Compiler.
type Options struct {
	// MaxConcurrency bounds concurrent entity lookups; <= 0 means DefaultMaxConcurrency.
	MaxConcurrency int
	// AllowDisconnected compiles only the reachable subtree instead of
	// failing when some bindings cannot be reached from the root.
	AllowDisconnected bool
	Logger            *logging.Logger
	Metrics           *observability.CompileMetrics
}

// Compiler compiles plans. It holds no per-compilation state and is safe for
// concurrent use.
type Compiler struct {
	source  metadata.Source
	store   contextstore.Store
	opts    Options
	logger  *logging.Logger
	metrics *observability.CompileMetrics
}

// New returns a Compiler reading metadata from source and high-water marks
// from store. A nil store behaves as one with no recorded marks.
func New(source metadata.Source, store contextstore.Store, opts Options) *Compiler {
	if store == nil {
		store = contextstore.NewMemoryStore(nil)
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Compiler{
		source:  source,
		store:   store,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// sourceInfo is the prefetched metadata of one source entity.
type sourceInfo struct {
	entity metadata.Entity
	fields []metadata.Field
	table  string
}

// Compile builds the plan for req.Destination.
func (c *Compiler) Compile(ctx context.Context, req Request) (job *plan.JobData, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "compiler.compile",
		attribute.Int64("hierplan.destination_id", req.Destination.ID),
		attribute.Int64("hierplan.binding_id", req.Binding.ID),
		attribute.String("hierplan.load_type", string(req.Execution.LoadType)),
	)
	c.metrics.IncrementActive(ctx)
	defer func() {
		c.metrics.DecrementActive(ctx)
		count := 0
		if job != nil {
			count = len(job.DataSources)
		}
		c.metrics.RecordCompile(ctx, time.Since(start), count, ErrorKind(err))
		recordSpanError(span, err)
		span.SetAttributes(attribute.Int("hierplan.data_sources", count))
		span.End()
	}()

	logger := c.logger.WithFields(
		slog.Int64("destination_id", req.Destination.ID),
		slog.Int64("binding_execution_id", req.Execution.BindingExecutionID),
	)

	bindings, err := c.source.BindingsForDestination(ctx, req.Destination.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings for destination %d: %w", req.Destination.ID, err)
	}
	logger.Debug("bindings loaded", slog.Int("count", len(bindings)))

	g, err := NewGraph(bindings)
	if err != nil {
		return nil, err
	}

	rootID := req.Binding.ID
	if rootID == 0 {
		top, err := TopMost(g)
		if err != nil {
			return nil, err
		}
		rootID = top.ID
	}
	// Validate guarantees rootID has no ancestors. Other roots, if any, are
	// left to CheckConnected.
	if err := Validate(g, rootID); err != nil {
		return nil, err
	}
	logger.Debug("root resolved", slog.Int64("root_binding_id", rootID))

	sources, err := c.prefetch(ctx, g)
	if err != nil {
		return nil, err
	}
	infoOf := func(b metadata.Binding) sourceInfo {
		return sources[b.SourcedBy[0].SourceEntityID]
	}
	aliasOf := func(b metadata.Binding) string {
		if alias := b.SourcedBy[0].SourceAlias; alias != "" {
			return alias
		}
		return infoOf(b).entity.Name
	}
	tableOf := func(bindingID int64) string {
		b, _ := g.Binding(bindingID)
		return infoOf(b).table
	}

	nodes, err := Walk(g, rootID, aliasOf)
	if err != nil {
		return nil, err
	}
	if err := CheckConnected(g, nodes); err != nil {
		if !c.opts.AllowDisconnected {
			return nil, err
		}
		logger.Warn("compiling reachable bindings only",
			slog.Any("unreachable_binding_ids", Unreachable(g, nodes)),
		)
	}

	destination := destinationIndex(req.Destination.Fields)
	dataSources := make([]plan.DataSource, 0, len(nodes))
	for _, node := range nodes {
		info := infoOf(node.Binding)
		ds := plan.DataSource{
			Path:          node.Path,
			TableOrView:   info.table,
			Columns:       projectColumns(info.fields, destination, aliasOf(node.Binding)),
			Relationships: relationshipsFor(g, node.Binding.ID, tableOf),
		}

		if node.IsRoot() {
			key, ok := primaryKey(info.fields)
			if !ok {
				return nil, &DataError{Kind: ErrNoPrimaryKey, Entity: info.entity.Name, Detail: info.table}
			}
			ds.Key = key
			ds.IncrementalColumns, err = c.incrementalFilters(ctx, node.Binding, info.entity, info.fields, req.Execution)
			if err != nil {
				return nil, err
			}
		} else {
			ds.Cardinality = node.Parent.Cardinality
		}

		logger.Debug("data source emitted",
			slog.String("path", ds.Path),
			slog.String("table", ds.TableOrView),
			slog.Int("columns", len(ds.Columns)),
			slog.Int("relationships", len(ds.Relationships)),
		)
		dataSources = append(dataSources, ds)
	}

	return plan.NewJobData(dataSources), nil
}

// prefetch loads every distinct source entity and its fields concurrently.
// Results are keyed by source entity id; the first failure cancels the rest.
func (c *Compiler) prefetch(ctx context.Context, g *Graph) (map[int64]sourceInfo, error) {
	ids := g.SourceEntityIDs()
	ctx, span := startSpan(ctx, "compiler.prefetch", attribute.Int("hierplan.entities", len(ids)))
	defer span.End()
	c.metrics.RecordPrefetch(ctx, len(ids))

	results := make([]sourceInfo, len(ids))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.opts.MaxConcurrency)
	for i, id := range ids {
		eg.Go(func() error {
			entity, err := c.source.Entity(egCtx, id)
			if err != nil {
				return fmt.Errorf("failed to load source entity %d: %w", id, err)
			}
			fields, err := c.source.Fields(egCtx, entity)
			if err != nil {
				return fmt.Errorf("failed to load fields for source entity %d: %w", id, err)
			}
			results[i] = sourceInfo{
				entity: entity,
				fields: fields,
				table:  sqlutil.QualifiedTableName(entity.DatabaseName, entity.SchemaName, entity.Name),
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	out := make(map[int64]sourceInfo, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("hierplan/compiler")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
