package compiler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hierplan/internal/contextstore"
	"hierplan/internal/metadata"
	"hierplan/internal/plan"
)

type fakeSource struct {
	bindings map[int64][]metadata.Binding
	entities map[int64]metadata.Entity
	fields   map[int64][]metadata.Field

	bindingsErr error
	entityErr   map[int64]error

	mu          sync.Mutex
	entityCalls map[int64]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		bindings:    make(map[int64][]metadata.Binding),
		entities:    make(map[int64]metadata.Entity),
		fields:      make(map[int64][]metadata.Field),
		entityErr:   make(map[int64]error),
		entityCalls: make(map[int64]int),
	}
}

func (f *fakeSource) addEntity(id int64, db, schema, name string, fields ...metadata.Field) {
	f.entities[id] = metadata.Entity{ID: id, Name: name, DatabaseName: db, SchemaName: schema}
	f.fields[id] = fields
}

func (f *fakeSource) BindingsForDestination(_ context.Context, destinationEntityID int64) ([]metadata.Binding, error) {
	if f.bindingsErr != nil {
		return nil, f.bindingsErr
	}
	return f.bindings[destinationEntityID], nil
}

func (f *fakeSource) Entity(ctx context.Context, entityID int64) (metadata.Entity, error) {
	f.mu.Lock()
	f.entityCalls[entityID]++
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return metadata.Entity{}, err
	}
	if err := f.entityErr[entityID]; err != nil {
		return metadata.Entity{}, err
	}
	e, ok := f.entities[entityID]
	if !ok {
		return metadata.Entity{}, metadata.ErrEntityNotFound
	}
	return e, nil
}

func (f *fakeSource) Fields(_ context.Context, entity metadata.Entity) ([]metadata.Field, error) {
	return f.fields[entity.ID], nil
}

func (f *fakeSource) calls(entityID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entityCalls[entityID]
}

type fakeStore struct {
	marks   map[int64]time.Time
	openErr error
	readErr error

	opens  atomic.Int32
	closes atomic.Int32
}

func (s *fakeStore) Open(context.Context) (contextstore.Session, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opens.Add(1)
	return &fakeSession{store: s}, nil
}

type fakeSession struct {
	store *fakeStore
}

func (s *fakeSession) LastHighWaterMark(_ context.Context, cfg metadata.IncrementalConfiguration) (time.Time, bool, error) {
	if s.store.readErr != nil {
		return time.Time{}, false, s.store.readErr
	}
	mark, ok := s.store.marks[cfg.ID]
	return mark, ok, nil
}

func (s *fakeSession) Close() error {
	s.store.closes.Add(1)
	return nil
}

func pk(name string) metadata.Field {
	return metadata.Field{Name: name, DataType: "int", IsPrimaryKey: true, Status: metadata.FieldStatusActive}
}

func col(name, dataType string) metadata.Field {
	return metadata.Field{Name: name, DataType: dataType, Status: metadata.FieldStatusActive}
}

func omitted(name string) metadata.Field {
	return metadata.Field{Name: name, DataType: "varchar", Status: metadata.FieldStatusOmitted}
}

func rel(child int64, gap int, cardinality plan.Cardinality, parentKey, childKey string) metadata.Relationship {
	if cardinality == "" {
		cardinality = plan.CardinalityObject
	}
	return metadata.Relationship{
		ChildBindingID:  child,
		GenerationGap:   gap,
		Cardinality:     cardinality,
		ParentKeyFields: []string{parentKey},
		ChildKeyFields:  []string{childKey},
	}
}

func nested(id, sourceEntityID int64, alias string, rels ...metadata.Relationship) metadata.Binding {
	return metadata.Binding{
		ID:                  id,
		Type:                metadata.BindingTypeNested,
		DestinationEntityID: destinationID,
		SourcedBy:           []metadata.SourceEntityReference{{SourceEntityID: sourceEntityID, SourceAlias: alias}},
		Relationships:       rels,
	}
}

const destinationID = 100

// grandparentFixture is L0 -> L1 -> L2 with an extra skip-level edge L0 -> L2.
func grandparentFixture() (*fakeSource, metadata.Entity) {
	src := newFakeSource()
	src.addEntity(10, "DB", "S0", "E0", pk("id0"), col("name", "varchar"), col("secret", "varchar"), col("updated_at", "datetime"))
	src.addEntity(11, "DB", "S1", "E1", pk("id1"), col("id0", "int"))
	src.addEntity(12, "DB", "S2", "E2", pk("id2"), col("id1", "int"), col("id0", "int"), omitted("legacy"))

	src.bindings[destinationID] = []metadata.Binding{
		nested(1, 10, "",
			rel(2, 1, plan.CardinalityArray, "id0", "id0"),
			rel(3, 2, "", "id0", "id0"),
		),
		nested(2, 11, "", rel(3, 1, "", "id1", "id1")),
		nested(3, 12, ""),
	}

	dest := metadata.Entity{
		ID:   destinationID,
		Name: "Document",
		Fields: []metadata.Field{
			col("E0__id0", "int"),
			col("E0__name", "varchar"),
			col("E0__updated_at", "datetime"),
			col("E1__id1", "int"),
			col("E1__id0", "int"),
			col("E2__id2", "int"),
			omitted("E2__id1"),
			col("E2__id0", "int"),
			col("E2__legacy", "varchar"),
		},
	}
	return src, dest
}
