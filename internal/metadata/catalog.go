package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout of a YAML metadata catalog.
type catalogFile struct {
	Entities       []catalogEntity        `yaml:"entities"`
	Bindings       []catalogBinding       `yaml:"bindings"`
	HighWaterMarks []catalogHighWaterMark `yaml:"high_water_marks"`
}

type catalogEntity struct {
	ID       int64          `yaml:"id"`
	Name     string         `yaml:"name"`
	Database string         `yaml:"database"`
	Schema   string         `yaml:"schema"`
	Fields   []catalogField `yaml:"fields"`
}

type catalogField struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	PrimaryKey bool   `yaml:"primary_key"`
	Status     string `yaml:"status"`
}

type catalogBinding struct {
	ID            int64                 `yaml:"id"`
	Type          string                `yaml:"type"`
	Destination   int64                 `yaml:"destination"`
	Sources       []catalogSource       `yaml:"sources"`
	Relationships []catalogRelationship `yaml:"relationships"`
	Incremental   []catalogIncremental  `yaml:"incremental"`
}

type catalogSource struct {
	Entity int64  `yaml:"entity"`
	Alias  string `yaml:"alias"`
}

type catalogRelationship struct {
	Child      int64             `yaml:"child"`
	ChildType  string            `yaml:"child_type"`
	Attributes map[string]string `yaml:"attributes"`
}

type catalogIncremental struct {
	ID     int64  `yaml:"id"`
	Column string `yaml:"column"`
}

type catalogHighWaterMark struct {
	Configuration int64     `yaml:"configuration"`
	Value         time.Time `yaml:"value"`
}

// Catalog is an in-memory Source loaded from a YAML file. It lets plans be
// compiled without a metadata database.
type Catalog struct {
	entities       map[int64]Entity
	bindings       map[int64][]Binding
	highWaterMarks map[int64]time.Time
}

// LoadCatalog reads and parses a YAML catalog from path. "@-" reads stdin.
func LoadCatalog(path string) (*Catalog, error) {
	var data []byte
	var err error
	if path == "@-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses YAML catalog data. Unknown keys are rejected.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	c := &Catalog{
		entities:       make(map[int64]Entity, len(file.Entities)),
		bindings:       make(map[int64][]Binding),
		highWaterMarks: make(map[int64]time.Time, len(file.HighWaterMarks)),
	}

	for _, ce := range file.Entities {
		if _, dup := c.entities[ce.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate entity id %d", ce.ID)
		}
		entity := Entity{
			ID:           ce.ID,
			Name:         ce.Name,
			DatabaseName: ce.Database,
			SchemaName:   ce.Schema,
		}
		for _, cf := range ce.Fields {
			entity.Fields = append(entity.Fields, Field{
				Name:         cf.Name,
				DataType:     cf.Type,
				IsPrimaryKey: cf.PrimaryKey,
				Status:       ParseFieldStatus(cf.Status),
			})
		}
		c.entities[ce.ID] = entity
	}

	seen := make(map[int64]bool, len(file.Bindings))
	for _, cb := range file.Bindings {
		if seen[cb.ID] {
			return nil, fmt.Errorf("catalog: duplicate binding id %d", cb.ID)
		}
		seen[cb.ID] = true

		b, err := cb.toBinding()
		if err != nil {
			return nil, err
		}
		c.bindings[b.DestinationEntityID] = append(c.bindings[b.DestinationEntityID], b)
	}

	for _, hwm := range file.HighWaterMarks {
		c.highWaterMarks[hwm.Configuration] = hwm.Value
	}
	return c, nil
}

func (cb catalogBinding) toBinding() (Binding, error) {
	b := Binding{
		ID:                  cb.ID,
		Type:                cb.Type,
		DestinationEntityID: cb.Destination,
	}
	if b.Type == "" {
		b.Type = BindingTypeNested
	}
	for _, src := range cb.Sources {
		b.SourcedBy = append(b.SourcedBy, SourceEntityReference{
			SourceEntityID: src.Entity,
			SourceAlias:    src.Alias,
		})
	}
	for _, cr := range cb.Relationships {
		childType := cr.ChildType
		if childType == "" {
			childType = ChildObjectTypeBinding
		}
		if childType != ChildObjectTypeBinding {
			continue
		}
		rel, err := ParseRelationship(ObjectRelationship{
			ParentBindingID: cb.ID,
			ChildObjectID:   cr.Child,
			ChildObjectType: childType,
			Attributes:      sortedAttributes(cr.Attributes),
		})
		if err != nil {
			return Binding{}, err
		}
		b.Relationships = append(b.Relationships, rel)
	}
	for _, ci := range cb.Incremental {
		b.IncrementalConfigurations = append(b.IncrementalConfigurations, IncrementalConfiguration{
			ID:         ci.ID,
			BindingID:  cb.ID,
			ColumnName: ci.Column,
		})
	}
	return b, nil
}

func sortedAttributes(attrs map[string]string) []AttributeValue {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]AttributeValue, 0, len(names))
	for _, name := range names {
		out = append(out, AttributeValue{Name: name, Value: attrs[name]})
	}
	return out
}

// BindingsForDestination returns the catalog's bindings for the destination
// in file order.
func (c *Catalog) BindingsForDestination(_ context.Context, destinationEntityID int64) ([]Binding, error) {
	bindings := c.bindings[destinationEntityID]
	if len(bindings) == 0 {
		return nil, nil
	}
	out := make([]Binding, len(bindings))
	copy(out, bindings)
	return out, nil
}

// Entity resolves an entity id without its fields.
func (c *Catalog) Entity(_ context.Context, entityID int64) (Entity, error) {
	entity, ok := c.entities[entityID]
	if !ok {
		return Entity{}, entityNotFound(entityID)
	}
	entity.Fields = nil
	return entity, nil
}

// Fields returns a copy of the entity's fields.
func (c *Catalog) Fields(_ context.Context, entity Entity) ([]Field, error) {
	stored, ok := c.entities[entity.ID]
	if !ok {
		return nil, entityNotFound(entity.ID)
	}
	fields := make([]Field, len(stored.Fields))
	copy(fields, stored.Fields)
	return fields, nil
}

// HighWaterMarks returns the recorded high-water marks keyed by incremental
// configuration id.
func (c *Catalog) HighWaterMarks() map[int64]time.Time {
	out := make(map[int64]time.Time, len(c.highWaterMarks))
	for id, ts := range c.highWaterMarks {
		out[id] = ts
	}
	return out
}
