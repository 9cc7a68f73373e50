package compiler

import (
	"errors"
	"fmt"

	"hierplan/internal/metadata"
)

// Structural error kinds.
var (
	ErrNoBindings        = errors.New("no bindings for destination")
	ErrNoRoot            = errors.New("no topmost binding")
	ErrAmbiguousRoot     = errors.New("more than one topmost binding")
	ErrSourceEntityCount = errors.New("binding must have exactly one source entity")
	ErrRootHasAncestors  = errors.New("root binding has ancestors")
	ErrIsolatedBinding   = errors.New("binding has no relationships")
	ErrUnknownBinding    = errors.New("unknown binding")
	ErrDuplicateBinding  = errors.New("duplicate binding id")
	ErrDisconnected      = errors.New("bindings unreachable from root")
	ErrRevisited         = errors.New("binding reached by more than one direct edge")

	// ErrInvalidRelationship also matches metadata.RelationshipError.
	ErrInvalidRelationship = metadata.ErrInvalidRelationship
)

// Data error kinds.
var (
	ErrNoPrimaryKey              = errors.New("root source entity has no primary key")
	ErrIncrementalColumnNotFound = errors.New("incremental column not found on root source entity")
)

// StructuralError reports a binding graph that cannot be compiled.
type StructuralError struct {
	Kind      error
	BindingID int64
	Detail    string
}

func (e *StructuralError) Error() string {
	msg := e.Kind.Error()
	if e.BindingID != 0 {
		msg = fmt.Sprintf("%s (binding %d)", msg, e.BindingID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *StructuralError) Unwrap() error {
	return e.Kind
}

func structuralf(kind error, bindingID int64, format string, args ...any) *StructuralError {
	return &StructuralError{Kind: kind, BindingID: bindingID, Detail: fmt.Sprintf(format, args...)}
}

// DataError reports source metadata that does not support the plan.
type DataError struct {
	Kind   error
	Entity string
	Detail string
}

func (e *DataError) Error() string {
	msg := e.Kind.Error()
	if e.Entity != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Entity)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DataError) Unwrap() error {
	return e.Kind
}

// IsStructural reports whether err stems from an invalid binding graph,
// including unparseable relationship attributes.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se) || errors.Is(err, ErrInvalidRelationship)
}

// IsData reports whether err stems from unusable source metadata.
func IsData(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// ErrorKind returns a short label for metrics and logs. It is empty for nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsStructural(err):
		return "structural"
	case IsData(err):
		return "data"
	case errors.Is(err, metadata.ErrEntityNotFound):
		return "not_found"
	default:
		return "collaborator"
	}
}
