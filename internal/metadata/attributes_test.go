package metadata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hierplan/internal/plan"
)

func attrs(kv ...string) []AttributeValue {
	out := make([]AttributeValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, AttributeValue{Name: kv[i], Value: kv[i+1]})
	}
	return out
}

func TestParseRelationship(t *testing.T) {
	tests := []struct {
		name        string
		attributes  []AttributeValue
		want        Relationship
		wantErrAttr string
	}{
		{
			name: "direct array edge",
			attributes: attrs(
				AttributeCardinality, "Array",
				AttributeGenerationGap, "1",
				AttributeParentKeyFields, `["id"]`,
				AttributeChildKeyFields, `["parent_id"]`,
			),
			want: Relationship{
				ChildBindingID:  2,
				GenerationGap:   1,
				Cardinality:     plan.CardinalityArray,
				ParentKeyFields: []string{"id"},
				ChildKeyFields:  []string{"parent_id"},
			},
		},
		{
			name: "skip-level edge defaults to object",
			attributes: attrs(
				AttributeGenerationGap, " 2 ",
				AttributeParentKeyFields, `["id0","id1"]`,
				AttributeChildKeyFields, `["c0","c1"]`,
			),
			want: Relationship{
				ChildBindingID:  2,
				GenerationGap:   2,
				Cardinality:     plan.CardinalityObject,
				ParentKeyFields: []string{"id0", "id1"},
				ChildKeyFields:  []string{"c0", "c1"},
			},
		},
		{
			name: "missing generation gap",
			attributes: attrs(
				AttributeParentKeyFields, `["id"]`,
				AttributeChildKeyFields, `["id"]`,
			),
			wantErrAttr: AttributeGenerationGap,
		},
		{
			name: "zero generation gap",
			attributes: attrs(
				AttributeGenerationGap, "0",
				AttributeParentKeyFields, `["id"]`,
				AttributeChildKeyFields, `["id"]`,
			),
			wantErrAttr: AttributeGenerationGap,
		},
		{
			name: "non-numeric generation gap",
			attributes: attrs(
				AttributeGenerationGap, "one",
				AttributeParentKeyFields, `["id"]`,
				AttributeChildKeyFields, `["id"]`,
			),
			wantErrAttr: AttributeGenerationGap,
		},
		{
			name: "missing parent keys",
			attributes: attrs(
				AttributeGenerationGap, "1",
				AttributeChildKeyFields, `["id"]`,
			),
			wantErrAttr: AttributeParentKeyFields,
		},
		{
			name: "empty child keys",
			attributes: attrs(
				AttributeGenerationGap, "1",
				AttributeParentKeyFields, `["id"]`,
				AttributeChildKeyFields, `[]`,
			),
			wantErrAttr: AttributeChildKeyFields,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRelationship(ObjectRelationship{
				ParentBindingID: 1,
				ChildObjectID:   2,
				ChildObjectType: ChildObjectTypeBinding,
				Attributes:      tt.attributes,
			})
			if tt.wantErrAttr != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidRelationship))
				var relErr *RelationshipError
				require.True(t, errors.As(err, &relErr))
				assert.Equal(t, tt.wantErrAttr, relErr.Attribute)
				assert.Equal(t, int64(1), relErr.ParentBindingID)
				assert.Equal(t, int64(2), relErr.ChildBindingID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseKeyFields(t *testing.T) {
	tests := []struct {
		raw     string
		want    []string
		wantErr bool
	}{
		{raw: `["id0","id1"]`, want: []string{"id0", "id1"}},
		{raw: `[ "id0" ]`, want: []string{"id0"}},
		{raw: `['id0']`, want: []string{"'id0'"}},
		{raw: `['id0', 'id1']`, want: []string{"'id0'", "'id1'"}},
		{raw: `id0, id1`, want: []string{"id0", "id1"}},
		{raw: `["id0", "id1"`, want: []string{"id0", "id1"}},
		{raw: ``, wantErr: true},
		{raw: `[]`, wantErr: true},
		{raw: `[ , ]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseKeyFields(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCardinality(t *testing.T) {
	assert.Equal(t, plan.CardinalityArray, ParseCardinality("array"))
	assert.Equal(t, plan.CardinalityArray, ParseCardinality("ARRAY"))
	assert.Equal(t, plan.CardinalityObject, ParseCardinality("object"))
	assert.Equal(t, plan.CardinalityObject, ParseCardinality("list"))
	assert.Equal(t, plan.CardinalityObject, ParseCardinality(""))
}

func TestBindingHelpers(t *testing.T) {
	b := Binding{
		Type:      BindingTypeNested,
		SourcedBy: []SourceEntityReference{{SourceEntityID: 10, SourceAlias: "P"}},
		Relationships: []Relationship{
			{ChildBindingID: 2, GenerationGap: 1},
			{ChildBindingID: 3, GenerationGap: 2},
			{ChildBindingID: 4, GenerationGap: 1},
		},
	}
	assert.True(t, b.IsNested())
	ref, ok := b.SourceReference()
	require.True(t, ok)
	assert.Equal(t, int64(10), ref.SourceEntityID)

	direct := b.DirectChildren()
	require.Len(t, direct, 2)
	assert.Equal(t, int64(2), direct[0].ChildBindingID)
	assert.Equal(t, int64(4), direct[1].ChildBindingID)

	b.SourcedBy = nil
	_, ok = b.SourceReference()
	assert.False(t, ok)

	assert.Equal(t, "Patient__PatientID", DestinationFieldName("Patient", "PatientID"))
	assert.Equal(t, FieldStatusOmitted, ParseFieldStatus(" omitted "))
	assert.Equal(t, FieldStatusActive, ParseFieldStatus(""))
}
