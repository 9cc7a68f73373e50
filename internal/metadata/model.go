// Package metadata models the binding hierarchy read from the metadata store:
// bindings, their typed relationship edges, and the source and destination
// entities they map between. All values are read-only snapshots.
package metadata

import (
	"strings"

	"hierplan/internal/plan"
)

// BindingTypeNested marks a binding that participates in a hierarchy.
const BindingTypeNested = "Nested"

// SourceAliasSeparator joins a source alias and a source field name in
// destination field names, e.g. "Patient__PatientID".
const SourceAliasSeparator = "__"

// FieldStatus is the lifecycle state of a field.
type FieldStatus string

const (
	FieldStatusActive  FieldStatus = "Active"
	FieldStatusOmitted FieldStatus = "Omitted"
)

// ParseFieldStatus maps a stored status to a FieldStatus.
// Anything other than "Omitted" (case-insensitive) is active.
func ParseFieldStatus(raw string) FieldStatus {
	if strings.EqualFold(strings.TrimSpace(raw), string(FieldStatusOmitted)) {
		return FieldStatusOmitted
	}
	return FieldStatusActive
}

// Field is a column of an entity.
type Field struct {
	Name         string
	DataType     string
	IsPrimaryKey bool
	Status       FieldStatus
}

// IsOmitted reports whether the field is excluded.
func (f Field) IsOmitted() bool {
	return f.Status == FieldStatusOmitted
}

// Entity is a table or view (source) or a flat output schema (destination).
type Entity struct {
	ID           int64
	Name         string
	DatabaseName string
	SchemaName   string
	// Fields is populated for destination entities; source entity fields
	// are fetched separately through Source.Fields.
	Fields []Field
}

// SourceEntityReference points a binding at the entity it is sourced by.
type SourceEntityReference struct {
	SourceEntityID int64
	// SourceAlias overrides the entity name in paths and destination field names.
	SourceAlias string
}

// Relationship is a typed edge from a parent binding to a descendant binding.
type Relationship struct {
	ChildBindingID int64
	// GenerationGap is 1 for a direct parent/child edge and >1 for a
	// skip-level edge to a non-immediate descendant.
	GenerationGap   int
	Cardinality     plan.Cardinality
	ParentKeyFields []string
	ChildKeyFields  []string
}

// IsDirect reports whether the edge is a tree edge.
func (r Relationship) IsDirect() bool {
	return r.GenerationGap == 1
}

// IncrementalConfiguration declares a column used for incremental loads.
type IncrementalConfiguration struct {
	ID         int64
	BindingID  int64
	ColumnName string
}

// Binding maps one source entity into a position of the output hierarchy.
type Binding struct {
	ID                  int64
	Type                string
	DestinationEntityID int64
	SourcedBy           []SourceEntityReference
	// Relationships are outgoing edges in declaration order.
	Relationships             []Relationship
	IncrementalConfigurations []IncrementalConfiguration
}

// IsNested reports whether the binding participates in a hierarchy.
func (b Binding) IsNested() bool {
	return b.Type == BindingTypeNested
}

// SourceReference returns the single source-entity reference.
// ok is false unless exactly one reference exists.
func (b Binding) SourceReference() (ref SourceEntityReference, ok bool) {
	if len(b.SourcedBy) != 1 {
		return SourceEntityReference{}, false
	}
	return b.SourcedBy[0], true
}

// DirectChildren returns the generation-gap-1 edges in declaration order.
func (b Binding) DirectChildren() []Relationship {
	var out []Relationship
	for _, rel := range b.Relationships {
		if rel.IsDirect() {
			out = append(out, rel)
		}
	}
	return out
}

// DestinationFieldName builds the flattened destination field name for a
// source field under the given alias.
func DestinationFieldName(alias, sourceField string) string {
	return alias + SourceAliasSeparator + sourceField
}
