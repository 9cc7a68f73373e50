package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"hierplan/internal/plan"
)

// Attribute names carried on binding relationships.
const (
	AttributeCardinality     = "Cardinality"
	AttributeGenerationGap   = "GenerationGap"
	AttributeParentKeyFields = "ParentKeyFields"
	AttributeChildKeyFields  = "ChildKeyFields"
)

// ChildObjectTypeBinding is the only relationship target type that forms
// hierarchy edges; relationships to other object types are ignored.
const ChildObjectTypeBinding = "Binding"

// AttributeValue is a schema-free key/value pair as stored in the metadata store.
type AttributeValue struct {
	Name  string
	Value string
}

// ObjectRelationship is an untyped relationship as stored, before parsing.
type ObjectRelationship struct {
	ParentBindingID int64
	ChildObjectID   int64
	ChildObjectType string
	Attributes      []AttributeValue
}

// ErrInvalidRelationship is matched by every RelationshipError.
var ErrInvalidRelationship = errors.New("invalid binding relationship")

// RelationshipError reports a relationship whose attributes cannot be parsed.
type RelationshipError struct {
	ParentBindingID int64
	ChildBindingID  int64
	Attribute       string
	Message         string
}

func (e *RelationshipError) Error() string {
	return fmt.Sprintf("relationship %d -> %d: attribute %s: %s",
		e.ParentBindingID, e.ChildBindingID, e.Attribute, e.Message)
}

// Is lets errors.Is match ErrInvalidRelationship.
func (e *RelationshipError) Is(target error) bool {
	return target == ErrInvalidRelationship
}

// lookupAttribute returns the first value stored under name.
func lookupAttribute(attrs []AttributeValue, name string) (string, bool) {
	for _, attr := range attrs {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return "", false
}

// ParseRelationship validates the attribute bag of a stored relationship and
// returns the typed edge. GenerationGap and both key-field lists are required;
// Cardinality defaults to object.
func ParseRelationship(raw ObjectRelationship) (Relationship, error) {
	fail := func(attr, format string, args ...any) (Relationship, error) {
		return Relationship{}, &RelationshipError{
			ParentBindingID: raw.ParentBindingID,
			ChildBindingID:  raw.ChildObjectID,
			Attribute:       attr,
			Message:         fmt.Sprintf(format, args...),
		}
	}

	gapRaw, ok := lookupAttribute(raw.Attributes, AttributeGenerationGap)
	if !ok {
		return fail(AttributeGenerationGap, "missing")
	}
	gap, err := strconv.Atoi(strings.TrimSpace(gapRaw))
	if err != nil {
		return fail(AttributeGenerationGap, "not an integer: %q", gapRaw)
	}
	if gap < 1 {
		return fail(AttributeGenerationGap, "must be at least 1, got %d", gap)
	}

	parentRaw, ok := lookupAttribute(raw.Attributes, AttributeParentKeyFields)
	if !ok {
		return fail(AttributeParentKeyFields, "missing")
	}
	parentKeys, err := ParseKeyFields(parentRaw)
	if err != nil {
		return fail(AttributeParentKeyFields, "%v", err)
	}

	childRaw, ok := lookupAttribute(raw.Attributes, AttributeChildKeyFields)
	if !ok {
		return fail(AttributeChildKeyFields, "missing")
	}
	childKeys, err := ParseKeyFields(childRaw)
	if err != nil {
		return fail(AttributeChildKeyFields, "%v", err)
	}

	cardinalityRaw, _ := lookupAttribute(raw.Attributes, AttributeCardinality)

	return Relationship{
		ChildBindingID:  raw.ChildObjectID,
		GenerationGap:   gap,
		Cardinality:     ParseCardinality(cardinalityRaw),
		ParentKeyFields: parentKeys,
		ChildKeyFields:  childKeys,
	}, nil
}

// ParseCardinality returns array for the case-insensitive literal "array"
// and object for anything else, including an empty value.
func ParseCardinality(raw string) plan.Cardinality {
	if strings.EqualFold(strings.TrimSpace(raw), string(plan.CardinalityArray)) {
		return plan.CardinalityArray
	}
	return plan.CardinalityObject
}

// ParseKeyFields decodes a key-field list. Valid JSON string arrays are
// decoded directly. Anything else has its bracket syntax and double quotes
// stripped and is split on commas, so legacy values such as ['id0'] keep
// their single quotes.
func ParseKeyFields(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("empty key field list")
	}

	var decoded []string
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		keys := make([]string, 0, len(decoded))
		for _, k := range decoded {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return nil, errors.New("key field list has no names")
		}
		return keys, nil
	}

	cleaned := strings.NewReplacer("[", "", "]", "", `"`, " ").Replace(trimmed)
	var keys []string
	for _, part := range strings.Split(cleaned, ",") {
		if part = strings.TrimSpace(part); part != "" {
			keys = append(keys, part)
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("key field list has no names")
	}
	return keys, nil
}

// JoinKeyFields renders a key list the way the extraction pipeline expects it.
func JoinKeyFields(keys []string) string {
	return strings.Join(keys, ",")
}
