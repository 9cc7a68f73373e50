package metadata

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hierplan/internal/sqlutil"
)

// Queryer is the subset of *sql.DB used by SQLSource.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Metadata store tables, before the configured prefix is applied.
const (
	tableEntities               = "entities"
	tableEntityFields           = "entity_fields"
	tableBindings               = "bindings"
	tableBindingSources         = "binding_sources"
	tableObjectRelationships    = "object_relationships"
	tableRelationshipAttributes = "object_relationship_attributes"
	tableIncrementalConfigs     = "incremental_configurations"
)

// SQLSource reads bindings and entities from a MySQL metadata store.
type SQLSource struct {
	db     Queryer
	prefix string
}

// NewSQLSource returns a Source backed by db. tablePrefix is prepended to
// every metadata table name.
func NewSQLSource(db Queryer, tablePrefix string) *SQLSource {
	return &SQLSource{db: db, prefix: tablePrefix}
}

func (s *SQLSource) table(name string) string {
	return sqlutil.PrefixedTable(s.prefix, name)
}

// BindingsForDestination loads every binding for the destination along with
// its source references, parsed relationships and incremental configurations.
func (s *SQLSource) BindingsForDestination(ctx context.Context, destinationEntityID int64) (bindings []Binding, err error) {
	ctx, span := startSpan(ctx, "metadata.bindings",
		attribute.Int64("metadata.destination_id", destinationEntityID),
	)
	defer func() {
		recordSpanError(span, err)
		span.SetAttributes(attribute.Int("metadata.bindings", len(bindings)))
		span.End()
	}()

	bindings, err = s.loadBindings(ctx, destinationEntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings for destination %d: %w", destinationEntityID, err)
	}
	if len(bindings) == 0 {
		return nil, nil
	}

	index := make(map[int64]int, len(bindings))
	ids := make([]int64, len(bindings))
	for i, b := range bindings {
		index[b.ID] = i
		ids[i] = b.ID
	}

	if err = s.loadSources(ctx, ids, bindings, index); err != nil {
		return nil, fmt.Errorf("failed to load binding sources: %w", err)
	}
	if err = s.loadRelationships(ctx, ids, bindings, index); err != nil {
		return nil, err
	}
	if err = s.loadIncrementalConfigurations(ctx, ids, bindings, index); err != nil {
		return nil, fmt.Errorf("failed to load incremental configurations: %w", err)
	}
	return bindings, nil
}

func (s *SQLSource) loadBindings(ctx context.Context, destinationEntityID int64) ([]Binding, error) {
	query, args, err := sq.Select("id", "binding_type").
		From(s.table(tableBindings)).
		Where(sq.Eq{"destination_entity_id": destinationEntityID}).
		OrderBy("id").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var bindings []Binding
	for rows.Next() {
		b := Binding{DestinationEntityID: destinationEntityID}
		if err := rows.Scan(&b.ID, &b.Type); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bindings, nil
}

func (s *SQLSource) loadSources(ctx context.Context, ids []int64, bindings []Binding, index map[int64]int) error {
	query, args, err := sq.Select("binding_id", "source_entity_id", "source_alias").
		From(s.table(tableBindingSources)).
		Where(sq.Eq{"binding_id": ids}).
		OrderBy("binding_id", "id").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var bindingID int64
		var ref SourceEntityReference
		var alias sql.NullString
		if err := rows.Scan(&bindingID, &ref.SourceEntityID, &alias); err != nil {
			return err
		}
		ref.SourceAlias = alias.String
		if i, ok := index[bindingID]; ok {
			bindings[i].SourcedBy = append(bindings[i].SourcedBy, ref)
		}
	}
	return rows.Err()
}

func (s *SQLSource) loadRelationships(ctx context.Context, ids []int64, bindings []Binding, index map[int64]int) error {
	query, args, err := sq.Select(
		"r.id", "r.parent_binding_id", "r.child_object_id", "r.child_object_type",
		"a.attribute_name", "a.attribute_value",
	).
		From(s.table(tableObjectRelationships) + " r").
		LeftJoin(s.table(tableRelationshipAttributes) + " a ON a.relationship_id = r.id").
		Where(sq.Eq{"r.parent_binding_id": ids}).
		OrderBy("r.parent_binding_id", "r.ordinal_position", "r.id", "a.id").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build relationship query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load binding relationships: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var (
		raws    []ObjectRelationship
		lastID  int64
		started bool
	)
	for rows.Next() {
		var relID int64
		var raw ObjectRelationship
		var name, value sql.NullString
		if err := rows.Scan(&relID, &raw.ParentBindingID, &raw.ChildObjectID, &raw.ChildObjectType, &name, &value); err != nil {
			return fmt.Errorf("failed to scan binding relationship: %w", err)
		}
		if !started || relID != lastID {
			raws = append(raws, raw)
			lastID = relID
			started = true
		}
		if name.Valid {
			cur := &raws[len(raws)-1]
			cur.Attributes = append(cur.Attributes, AttributeValue{Name: name.String, Value: value.String})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load binding relationships: %w", err)
	}

	for _, raw := range raws {
		if raw.ChildObjectType != ChildObjectTypeBinding {
			continue
		}
		rel, err := ParseRelationship(raw)
		if err != nil {
			return err
		}
		i := index[raw.ParentBindingID]
		bindings[i].Relationships = append(bindings[i].Relationships, rel)
	}
	return nil
}

func (s *SQLSource) loadIncrementalConfigurations(ctx context.Context, ids []int64, bindings []Binding, index map[int64]int) error {
	query, args, err := sq.Select("id", "binding_id", "column_name").
		From(s.table(tableIncrementalConfigs)).
		Where(sq.Eq{"binding_id": ids}).
		OrderBy("binding_id", "id").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var cfg IncrementalConfiguration
		if err := rows.Scan(&cfg.ID, &cfg.BindingID, &cfg.ColumnName); err != nil {
			return err
		}
		if i, ok := index[cfg.BindingID]; ok {
			bindings[i].IncrementalConfigurations = append(bindings[i].IncrementalConfigurations, cfg)
		}
	}
	return rows.Err()
}

// Entity resolves an entity by id. Unknown ids return ErrEntityNotFound.
func (s *SQLSource) Entity(ctx context.Context, entityID int64) (entity Entity, err error) {
	ctx, span := startSpan(ctx, "metadata.entity", attribute.Int64("metadata.entity_id", entityID))
	defer func() {
		recordSpanError(span, err)
		span.End()
	}()

	query, args, err := sq.Select("id", "entity_name", "database_name", "schema_name").
		From(s.table(tableEntities)).
		Where(sq.Eq{"id": entityID}).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return Entity{}, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to load entity %d: %w", entityID, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Entity{}, fmt.Errorf("failed to load entity %d: %w", entityID, err)
		}
		return Entity{}, entityNotFound(entityID)
	}
	if err := rows.Scan(&entity.ID, &entity.Name, &entity.DatabaseName, &entity.SchemaName); err != nil {
		return Entity{}, fmt.Errorf("failed to scan entity %d: %w", entityID, err)
	}
	return entity, nil
}

// Fields returns the entity's fields in ordinal order.
func (s *SQLSource) Fields(ctx context.Context, entity Entity) (fields []Field, err error) {
	ctx, span := startSpan(ctx, "metadata.fields",
		attribute.Int64("metadata.entity_id", entity.ID),
		attribute.String("metadata.entity", entity.Name),
	)
	defer func() {
		recordSpanError(span, err)
		span.End()
	}()

	query, args, err := sq.Select("field_name", "data_type", "is_primary_key", "status").
		From(s.table(tableEntityFields)).
		Where(sq.Eq{"entity_id": entity.ID}).
		OrderBy("ordinal_position", "id").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load fields for %s: %w", entity.Name, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var f Field
		var status sql.NullString
		if err := rows.Scan(&f.Name, &f.DataType, &f.IsPrimaryKey, &status); err != nil {
			return nil, fmt.Errorf("failed to scan field of %s: %w", entity.Name, err)
		}
		f.Status = ParseFieldStatus(status.String)
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load fields for %s: %w", entity.Name, err)
	}
	return fields, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("hierplan/metadata")
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
