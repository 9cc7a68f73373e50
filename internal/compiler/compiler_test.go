package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hierplan/internal/logging"
	"hierplan/internal/metadata"
	"hierplan/internal/plan"
)

func TestCompile_GrandparentScenario(t *testing.T) {
	src, dest := grandparentFixture()
	c := New(src, nil, Options{})

	job, err := c.Compile(context.Background(), Request{Destination: dest})
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, []string{"$", "$.E1", "$.E1.E2"}, job.Paths())
	assert.Same(t, &job.DataSources[0], job.TopLevel)

	root := job.DataSources[0]
	assert.Equal(t, "[DB].[S0].[E0]", root.TableOrView)
	assert.Equal(t, []string{"id0", "name", "updated_at"}, root.ColumnNames())
	assert.Equal(t, "id0", root.Key)
	assert.Empty(t, root.Cardinality)
	assert.NotNil(t, root.Relationships)
	assert.Empty(t, root.Relationships)
	assert.Empty(t, root.IncrementalColumns)

	l1 := job.DataSources[1]
	assert.Equal(t, "[DB].[S1].[E1]", l1.TableOrView)
	assert.Equal(t, []string{"id1", "id0"}, l1.ColumnNames())
	assert.Equal(t, plan.CardinalityArray, l1.Cardinality)
	assert.Empty(t, l1.Key)
	assert.Equal(t, []plan.Relationship{{
		Source:      plan.RelationshipEntity{Entity: "[DB].[S0].[E0]", Key: "id0"},
		Destination: plan.RelationshipEntity{Entity: "[DB].[S1].[E1]", Key: "id0"},
	}}, l1.Relationships)

	l2 := job.DataSources[2]
	assert.Equal(t, "[DB].[S2].[E2]", l2.TableOrView)
	assert.Equal(t, []string{"id2", "id0"}, l2.ColumnNames())
	assert.Equal(t, plan.CardinalityObject, l2.Cardinality)
	assert.Equal(t, []plan.Relationship{
		{
			Source:      plan.RelationshipEntity{Entity: "[DB].[S0].[E0]", Key: "id0"},
			Destination: plan.RelationshipEntity{Entity: "[DB].[S2].[E2]", Key: "id0"},
		},
		{
			Source:      plan.RelationshipEntity{Entity: "[DB].[S1].[E1]", Key: "id1"},
			Destination: plan.RelationshipEntity{Entity: "[DB].[S2].[E2]", Key: "id1"},
		},
	}, l2.Relationships)
}

func TestCompile_ExplicitRootBinding(t *testing.T) {
	src, dest := grandparentFixture()
	c := New(src, nil, Options{})

	job, err := c.Compile(context.Background(), Request{Binding: metadata.Binding{ID: 1}, Destination: dest})
	require.NoError(t, err)
	assert.Len(t, job.DataSources, 3)

	_, err = c.Compile(context.Background(), Request{Binding: metadata.Binding{ID: 2}, Destination: dest})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRootHasAncestors)

	_, err = c.Compile(context.Background(), Request{Binding: metadata.Binding{ID: 42}, Destination: dest})
	assert.ErrorIs(t, err, ErrUnknownBinding)
}

func TestCompile_AliasesAndSiblingOrder(t *testing.T) {
	src := newFakeSource()
	src.addEntity(10, "EDW", "dbo", "Patient", pk("PatientID"), col("Name", "varchar"))
	src.addEntity(20, "EDW", "dbo", "Encounter", pk("EncounterID"), col("PatientID", "int"))
	src.addEntity(30, "EDW", "dbo", "Allergy", pk("AllergyID"), col("PatientID", "int"))
	src.addEntity(40, "EDW", "dbo", "Diagnosis", pk("DiagnosisID"), col("EncounterID", "int"))

	src.bindings[destinationID] = []metadata.Binding{
		nested(1, 10, "",
			rel(3, 1, plan.CardinalityArray, "PatientID", "PatientID"),
			rel(2, 1, plan.CardinalityArray, "PatientID", "PatientID"),
		),
		nested(2, 20, "Visits", rel(4, 1, plan.CardinalityArray, "EncounterID", "EncounterID")),
		nested(3, 30, ""),
		nested(4, 40, "Dx"),
	}
	dest := metadata.Entity{ID: destinationID, Fields: []metadata.Field{
		col("Patient__PatientID", "int"),
		col("Visits__EncounterID", "int"),
		col("Encounter__PatientID", "int"),
		col("Allergy__AllergyID", "int"),
		col("Dx__DiagnosisID", "int"),
	}}

	job, err := New(src, nil, Options{}).Compile(context.Background(), Request{Destination: dest})
	require.NoError(t, err)

	assert.Equal(t, []string{"$", "$.Allergy", "$.Visits", "$.Visits.Dx"}, job.Paths())

	visits, ok := job.Find("$.Visits")
	require.True(t, ok)
	assert.Equal(t, []string{"EncounterID"}, visits.ColumnNames(), "alias prefixes destination fields")

	dx, ok := job.Find("$.Visits.Dx")
	require.True(t, ok)
	assert.Equal(t, []string{"DiagnosisID"}, dx.ColumnNames())
}

func TestCompile_Cardinality(t *testing.T) {
	for _, raw := range []string{"array", "Array", "ARRAY", "object", "objects", ""} {
		t.Run(raw, func(t *testing.T) {
			src := newFakeSource()
			src.addEntity(10, "D", "S", "A", pk("id"))
			src.addEntity(20, "D", "S", "B", pk("id"))
			src.bindings[destinationID] = []metadata.Binding{
				nested(1, 10, "", rel(2, 1, metadata.ParseCardinality(raw), "id", "id")),
				nested(2, 20, ""),
			}

			job, err := New(src, nil, Options{}).Compile(context.Background(), Request{Destination: metadata.Entity{ID: destinationID}})
			require.NoError(t, err)

			want := plan.CardinalityObject
			if raw == "array" || raw == "Array" || raw == "ARRAY" {
				want = plan.CardinalityArray
			}
			assert.Equal(t, want, job.DataSources[1].Cardinality)
			assert.Empty(t, job.DataSources[0].Cardinality)
		})
	}
}

func TestCompile_NoPrimaryKey(t *testing.T) {
	src := newFakeSource()
	src.addEntity(10, "D", "S", "A", col("a", "int"))
	src.addEntity(20, "D", "S", "B", pk("id"))
	src.bindings[destinationID] = []metadata.Binding{
		nested(1, 10, "", rel(2, 1, "", "a", "id")),
		nested(2, 20, ""),
	}

	job, err := New(src, nil, Options{}).Compile(context.Background(), Request{Destination: metadata.Entity{ID: destinationID}})
	require.Error(t, err)
	assert.Nil(t, job)
	assert.ErrorIs(t, err, ErrNoPrimaryKey)
	assert.True(t, IsData(err))
	assert.Equal(t, "data", ErrorKind(err))

	var dataErr *DataError
	require.True(t, errors.As(err, &dataErr))
	assert.Equal(t, "A", dataErr.Entity)
}

func TestCompile_CompositePrimaryKey(t *testing.T) {
	src := newFakeSource()
	src.addEntity(10, "D", "S", "A", pk("k1"), col("x", "int"), pk("k2"))
	src.addEntity(20, "D", "S", "B", pk("id"))
	src.bindings[destinationID] = []metadata.Binding{
		nested(1, 10, "", rel(2, 1, "", "k1", "id")),
		nested(2, 20, ""),
	}

	job, err := New(src, nil, Options{}).Compile(context.Background(), Request{Destination: metadata.Entity{ID: destinationID}})
	require.NoError(t, err)
	assert.Equal(t, "k1,k2", job.TopLevel.Key)
}

func TestCompile_StructuralErrors(t *testing.T) {
	tests := []struct {
		name     string
		bindings []metadata.Binding
		want     error
	}{
		{
			name: "no bindings",
			want: ErrNoBindings,
		},
		{
			name: "every binding has an ancestor",
			bindings: []metadata.Binding{
				nested(1, 10, "", rel(2, 1, "", "id", "id")),
				nested(2, 20, "", rel(1, 1, "", "id", "id")),
			},
			want: ErrNoRoot,
		},
		{
			name: "two roots",
			bindings: []metadata.Binding{
				nested(1, 10, "", rel(2, 1, "", "id", "id")),
				nested(2, 20, ""),
				nested(3, 10, "", rel(4, 1, "", "id", "id")),
				nested(4, 20, ""),
			},
			want: ErrAmbiguousRoot,
		},
		{
			name: "binding without source",
			bindings: []metadata.Binding{
				nested(1, 10, "", rel(2, 1, "", "id", "id")),
				{ID: 2, Type: metadata.BindingTypeNested},
			},
			want: ErrSourceEntityCount,
		},
		{
			name: "binding with two sources",
			bindings: []metadata.Binding{
				nested(1, 10, "", rel(2, 1, "", "id", "id")),
				{ID: 2, Type: metadata.BindingTypeNested, SourcedBy: []metadata.SourceEntityReference{{SourceEntityID: 20}, {SourceEntityID: 10}}},
			},
			want: ErrSourceEntityCount,
		},
		{
			name: "isolated binding",
			bindings: []metadata.Binding{
				nested(1, 10, ""),
			},
			want: ErrIsolatedBinding,
		},
		{
			name: "binding reachable only by skip-level edge",
			bindings: []metadata.Binding{
				nested(1, 10, "", rel(2, 1, "", "id", "id"), rel(3, 2, "", "id", "id")),
				nested(2, 20, ""),
				nested(3, 20, ""),
			},
			want: ErrDisconnected,
		},
		{
			name: "binding with two direct parents",
			bindings: []metadata.Binding{
				nested(1, 10, "", rel(2, 1, "", "id", "id"), rel(3, 1, "", "id", "id")),
				nested(2, 20, "", rel(4, 1, "", "id", "id")),
				nested(3, 20, "", rel(4, 1, "", "id", "id")),
				nested(4, 10, ""),
			},
			want: ErrRevisited,
		},
		{
			name: "duplicate edge",
			bindings: []metadata.Binding{
				nested(1, 10, "", rel(2, 1, "", "id", "id"), rel(2, 1, "", "id", "id")),
				nested(2, 20, ""),
			},
			want: ErrInvalidRelationship,
		},
		{
			name: "edge to unknown binding",
			bindings: []metadata.Binding{
				nested(1, 10, "", rel(9, 1, "", "id", "id")),
			},
			want: ErrUnknownBinding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			src.addEntity(10, "D", "S", "A", pk("id"))
			src.addEntity(20, "D", "S", "B", pk("id"))
			src.bindings[destinationID] = tt.bindings

			job, err := New(src, nil, Options{}).Compile(context.Background(), Request{Destination: metadata.Entity{ID: destinationID}})
			require.Error(t, err)
			assert.Nil(t, job)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsStructural(err))
			assert.Equal(t, "structural", ErrorKind(err))
		})
	}
}

func TestCompile_AllowDisconnected(t *testing.T) {
	src := newFakeSource()
	src.addEntity(10, "D", "S", "A", pk("id"))
	src.addEntity(20, "D", "S", "B", pk("id"))
	src.addEntity(30, "D", "S", "C", pk("id"))
	src.bindings[destinationID] = []metadata.Binding{
		nested(1, 10, "", rel(2, 1, "", "id", "id"), rel(3, 2, "", "id", "id")),
		nested(2, 20, ""),
		nested(3, 30, ""),
	}

	job, err := New(src, nil, Options{AllowDisconnected: true}).Compile(context.Background(), Request{Destination: metadata.Entity{ID: destinationID}})
	require.NoError(t, err)
	assert.Equal(t, []string{"$", "$.B"}, job.Paths())
}

func TestCompile_ForestWithExplicitRoot(t *testing.T) {
	forest := func() *fakeSource {
		src := newFakeSource()
		src.addEntity(10, "D", "S", "A", pk("id"))
		src.addEntity(20, "D", "S", "B", pk("id"))
		src.addEntity(30, "D", "S", "C", pk("id"))
		src.addEntity(40, "D", "S", "E", pk("id"))
		src.bindings[destinationID] = []metadata.Binding{
			nested(1, 10, "", rel(2, 1, "", "id", "id")),
			nested(2, 20, ""),
			nested(3, 30, "", rel(4, 1, "", "id", "id")),
			nested(4, 40, ""),
		}
		return src
	}
	req := Request{Binding: metadata.Binding{ID: 1}, Destination: metadata.Entity{ID: destinationID}}

	t.Run("allowed compiles the reachable tree", func(t *testing.T) {
		var buf bytes.Buffer
		logger := logging.NewLogger(logging.Config{Level: "warn", Format: "json", Output: &buf})

		job, err := New(forest(), nil, Options{AllowDisconnected: true, Logger: logger}).Compile(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []string{"$", "$.B"}, job.Paths())
		assert.Contains(t, buf.String(), "compiling reachable bindings only")
		assert.Contains(t, buf.String(), `"unreachable_binding_ids":[3,4]`)
	})

	t.Run("disallowed fails as disconnected", func(t *testing.T) {
		_, err := New(forest(), nil, Options{}).Compile(context.Background(), req)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDisconnected)
	})

	t.Run("implicit root stays ambiguous", func(t *testing.T) {
		_, err := New(forest(), nil, Options{AllowDisconnected: true}).Compile(context.Background(),
			Request{Destination: metadata.Entity{ID: destinationID}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAmbiguousRoot)
	})
}

func TestFormatHighWaterMark(t *testing.T) {
	tests := []struct {
		mark time.Time
		want string
	}{
		{time.Date(2024, 1, 15, 9, 30, 0, 0, time.FixedZone("EET", 2*3600)), "2024-01-15T07:30:00Z"},
		{time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC), "2024-01-15T07:30:00Z"},
		{time.Date(2023, 12, 31, 18, 59, 59, 500_000_000, time.FixedZone("EST", -5*3600)), "2023-12-31T23:59:59.5Z"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatHighWaterMark(tt.mark), "mark %s", tt.mark)
	}
}

func TestCompile_CollaboratorErrors(t *testing.T) {
	boom := errors.New("metadata store unavailable")

	t.Run("bindings", func(t *testing.T) {
		src, dest := grandparentFixture()
		src.bindingsErr = boom
		_, err := New(src, nil, Options{}).Compile(context.Background(), Request{Destination: dest})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "collaborator", ErrorKind(err))
	})

	t.Run("entity", func(t *testing.T) {
		src, dest := grandparentFixture()
		src.entityErr[11] = boom
		_, err := New(src, nil, Options{MaxConcurrency: 1}).Compile(context.Background(), Request{Destination: dest})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.False(t, IsStructural(err))
	})

	t.Run("missing entity", func(t *testing.T) {
		src, dest := grandparentFixture()
		delete(src.entities, 12)
		_, err := New(src, nil, Options{}).Compile(context.Background(), Request{Destination: dest})
		require.Error(t, err)
		assert.ErrorIs(t, err, metadata.ErrEntityNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		src, dest := grandparentFixture()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := New(src, nil, Options{}).Compile(ctx, Request{Destination: dest})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCompile_PrefetchesEachEntityOnce(t *testing.T) {
	src := newFakeSource()
	src.addEntity(10, "D", "S", "Node", pk("id"), col("parent_id", "int"))
	src.bindings[destinationID] = []metadata.Binding{
		nested(1, 10, "Root", rel(2, 1, "", "id", "parent_id")),
		nested(2, 10, "Child", rel(3, 1, "", "id", "parent_id")),
		nested(3, 10, "Grandchild"),
	}

	job, err := New(src, nil, Options{MaxConcurrency: 2}).Compile(context.Background(), Request{Destination: metadata.Entity{ID: destinationID}})
	require.NoError(t, err)
	assert.Equal(t, []string{"$", "$.Child", "$.Child.Grandchild"}, job.Paths())
	assert.Equal(t, 1, src.calls(10))
}

func TestCompile_ConcurrentCompilations(t *testing.T) {
	src, dest := grandparentFixture()
	c := New(src, nil, Options{MaxConcurrency: 3})

	var wg sync.WaitGroup
	errs := make([]error, 16)
	paths := make([][]string, 16)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := c.Compile(context.Background(), Request{Destination: dest})
			errs[i] = err
			paths[i] = job.Paths()
		}()
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"$", "$.E1", "$.E1.E2"}, paths[i])
	}
}

func TestCompile_Incremental(t *testing.T) {
	explicit := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	recorded := time.Date(2023, 12, 31, 23, 59, 59, 500_000_000, time.UTC)

	withConfigs := func(cfgs ...metadata.IncrementalConfiguration) (*fakeSource, metadata.Entity) {
		src, dest := grandparentFixture()
		src.bindings[destinationID][0].IncrementalConfigurations = cfgs
		return src, dest
	}
	updatedAt := metadata.IncrementalConfiguration{ID: 5, BindingID: 1, ColumnName: "updated_at"}
	name := metadata.IncrementalConfiguration{ID: 6, BindingID: 1, ColumnName: "name"}

	t.Run("full load ignores configurations", func(t *testing.T) {
		src, dest := withConfigs(updatedAt)
		store := &fakeStore{marks: map[int64]time.Time{5: recorded}}
		job, err := New(src, store, Options{}).Compile(context.Background(), Request{
			Destination: dest,
			Execution:   Execution{LoadType: LoadTypeFull},
		})
		require.NoError(t, err)
		assert.Empty(t, job.TopLevel.IncrementalColumns)
		assert.Zero(t, store.opens.Load())
	})

	t.Run("explicit start wins", func(t *testing.T) {
		src, dest := withConfigs(updatedAt, name)
		store := &fakeStore{marks: map[int64]time.Time{5: recorded}}
		job, err := New(src, store, Options{}).Compile(context.Background(), Request{
			Destination: dest,
			Execution:   Execution{LoadType: LoadTypeIncremental, IncrementalStart: &explicit},
		})
		require.NoError(t, err)
		assert.Equal(t, []plan.IncrementalColumn{
			{Name: "updated_at", Operator: plan.OperatorGreaterThanOrEqualTo, Type: "datetime", Value: "2024-01-15T09:30:00Z"},
			{Name: "name", Operator: plan.OperatorGreaterThanOrEqualTo, Type: "varchar", Value: "2024-01-15T09:30:00Z"},
		}, job.TopLevel.IncrementalColumns)
		assert.Zero(t, store.opens.Load())
	})

	t.Run("recorded mark used and missing mark omitted", func(t *testing.T) {
		src, dest := withConfigs(updatedAt, name)
		store := &fakeStore{marks: map[int64]time.Time{5: recorded}}
		job, err := New(src, store, Options{}).Compile(context.Background(), Request{
			Destination: dest,
			Execution:   Execution{LoadType: LoadTypeIncremental},
		})
		require.NoError(t, err)
		assert.Equal(t, []plan.IncrementalColumn{
			{Name: "updated_at", Operator: plan.OperatorGreaterThanOrEqualTo, Type: "datetime", Value: "2023-12-31T23:59:59.5Z"},
		}, job.TopLevel.IncrementalColumns)
		assert.Equal(t, int32(2), store.opens.Load())
		assert.Equal(t, int32(2), store.closes.Load())
	})

	t.Run("no mark anywhere emits no filter", func(t *testing.T) {
		src, dest := withConfigs(updatedAt)
		job, err := New(src, &fakeStore{}, Options{}).Compile(context.Background(), Request{
			Destination: dest,
			Execution:   Execution{LoadType: LoadTypeIncremental},
		})
		require.NoError(t, err)
		assert.Nil(t, job.TopLevel.IncrementalColumns)
	})

	t.Run("unknown column", func(t *testing.T) {
		src, dest := withConfigs(metadata.IncrementalConfiguration{ID: 7, BindingID: 1, ColumnName: "modified"})
		_, err := New(src, nil, Options{}).Compile(context.Background(), Request{
			Destination: dest,
			Execution:   Execution{LoadType: LoadTypeIncremental, IncrementalStart: &explicit},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIncrementalColumnNotFound)
		assert.True(t, IsData(err))
	})

	t.Run("store read failure closes session", func(t *testing.T) {
		src, dest := withConfigs(updatedAt)
		boom := errors.New("context store timeout")
		store := &fakeStore{readErr: boom}
		_, err := New(src, store, Options{}).Compile(context.Background(), Request{
			Destination: dest,
			Execution:   Execution{LoadType: LoadTypeIncremental},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, store.opens.Load(), store.closes.Load())
	})

	t.Run("store open failure", func(t *testing.T) {
		src, dest := withConfigs(updatedAt)
		boom := errors.New("pool exhausted")
		_, err := New(src, &fakeStore{openErr: boom}, Options{}).Compile(context.Background(), Request{
			Destination: dest,
			Execution:   Execution{LoadType: LoadTypeIncremental},
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestParseLoadType(t *testing.T) {
	tests := map[string]LoadType{
		"":            LoadTypeFull,
		"full":        LoadTypeFull,
		"Incremental": LoadTypeIncremental,
	}
	for raw, want := range tests {
		got, err := ParseLoadType(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
	_, err := ParseLoadType("delta")
	assert.Error(t, err)
}

func TestCompile_JobDataIsIndependentPerCall(t *testing.T) {
	src, dest := grandparentFixture()
	c := New(src, nil, Options{})

	first, err := c.Compile(context.Background(), Request{Destination: dest})
	require.NoError(t, err)
	first.DataSources[0].Columns[0].Name = "mutated"

	second, err := c.Compile(context.Background(), Request{Destination: dest})
	require.NoError(t, err)
	assert.Equal(t, "id0", second.DataSources[0].Columns[0].Name)
	assert.Equal(t, fmt.Sprint(first.Paths()), fmt.Sprint(second.Paths()))
}
