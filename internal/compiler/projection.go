package compiler

import (
	"strings"

	"hierplan/internal/metadata"
	"hierplan/internal/plan"
)

// destinationIndex maps destination field names to fields. When a name
// repeats, a non-omitted entry wins over omitted ones.
func destinationIndex(fields []metadata.Field) map[string]metadata.Field {
	index := make(map[string]metadata.Field, len(fields))
	for _, f := range fields {
		if prev, ok := index[f.Name]; !ok || (prev.IsOmitted() && !f.IsOmitted()) {
			index[f.Name] = f
		}
	}
	return index
}

// projectColumns keeps the active source fields whose {alias}__{field}
// destination field exists and is not omitted, in source field order.
func projectColumns(sourceFields []metadata.Field, destination map[string]metadata.Field, alias string) []plan.ColumnMapping {
	columns := make([]plan.ColumnMapping, 0, len(sourceFields))
	for _, f := range sourceFields {
		if f.IsOmitted() {
			continue
		}
		dest, ok := destination[metadata.DestinationFieldName(alias, f.Name)]
		if !ok || dest.IsOmitted() {
			continue
		}
		columns = append(columns, plan.ColumnMapping{Name: f.Name})
	}
	return columns
}

// primaryKey joins the primary key field names in field order.
func primaryKey(fields []metadata.Field) (string, bool) {
	var keys []string
	for _, f := range fields {
		if f.IsPrimaryKey {
			keys = append(keys, f.Name)
		}
	}
	if len(keys) == 0 {
		return "", false
	}
	return strings.Join(keys, ","), true
}
