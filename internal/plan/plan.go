// Package plan defines the compiled extraction plan handed to the downstream
// extraction pipeline. Values are produced once per compilation and never
// mutated afterwards.
package plan

// Cardinality describes how a nested data source attaches to its parent.
type Cardinality string

const (
	// CardinalityObject nests a single object under the parent.
	CardinalityObject Cardinality = "object"
	// CardinalityArray nests an array of objects under the parent.
	CardinalityArray Cardinality = "array"
)

// OperatorGreaterThanOrEqualTo is the only incremental filter operator emitted.
const OperatorGreaterThanOrEqualTo = "GreaterThanOrEqualTo"

// RootPath is the path of the top-level data source.
const RootPath = "$"

// ColumnMapping is a single projected source column.
type ColumnMapping struct {
	Name string `json:"name"`
}

// RelationshipEntity is one side of a join.
type RelationshipEntity struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
}

// Relationship joins a data source to one of its ancestor tables.
// Source is the ancestor side, Destination is the data source's own table.
type Relationship struct {
	Source      RelationshipEntity `json:"source"`
	Destination RelationshipEntity `json:"destination"`
}

// IncrementalColumn is a "changed since" predicate on the root table.
type IncrementalColumn struct {
	Name     string `json:"name"`
	Operator string `json:"operator"`
	Type     string `json:"type"`
	Value    string `json:"value"`
}

// DataSource describes one table to extract and where its rows nest.
type DataSource struct {
	Path          string          `json:"path"`
	TableOrView   string          `json:"tableOrView"`
	Columns       []ColumnMapping `json:"columns"`
	Cardinality   Cardinality     `json:"cardinality,omitempty"`
	Relationships []Relationship  `json:"relationships"`

	// Root only.
	Key                string              `json:"key,omitempty"`
	IncrementalColumns []IncrementalColumn `json:"incrementalColumns,omitempty"`
}

// IsRoot reports whether the data source is the top-level one.
func (d DataSource) IsRoot() bool {
	return d.Path == RootPath
}

// ColumnNames returns the projected column names in order.
func (d DataSource) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// JobData is the compiled plan: ordered data sources, the first being the root.
type JobData struct {
	TopLevel    *DataSource  `json:"topLevelDataSource"`
	DataSources []DataSource `json:"dataSources"`
}

// NewJobData assembles a plan from data sources in walk order.
// It returns nil when sources is empty.
func NewJobData(sources []DataSource) *JobData {
	if len(sources) == 0 {
		return nil
	}
	job := &JobData{DataSources: sources}
	job.TopLevel = &job.DataSources[0]
	return job
}

// Paths returns each data source path in plan order.
func (j *JobData) Paths() []string {
	if j == nil {
		return nil
	}
	paths := make([]string, len(j.DataSources))
	for i, ds := range j.DataSources {
		paths[i] = ds.Path
	}
	return paths
}

// Find returns the data source at path, if present.
func (j *JobData) Find(path string) (DataSource, bool) {
	if j == nil {
		return DataSource{}, false
	}
	for _, ds := range j.DataSources {
		if ds.Path == path {
			return ds, true
		}
	}
	return DataSource{}, false
}
