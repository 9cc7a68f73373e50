package metadata

import (
	"context"
	"errors"
	"fmt"
)

// ErrEntityNotFound is returned when an entity id does not resolve.
var ErrEntityNotFound = errors.New("entity not found")

// Source is the read-only metadata oracle consulted during compilation.
// Implementations must be safe for concurrent use.
type Source interface {
	// BindingsForDestination returns every binding targeting the destination entity.
	BindingsForDestination(ctx context.Context, destinationEntityID int64) ([]Binding, error)
	// Entity resolves an entity id.
	Entity(ctx context.Context, entityID int64) (Entity, error)
	// Fields returns the ordered field list of an entity.
	Fields(ctx context.Context, entity Entity) ([]Field, error)
}

// DestinationWithFields resolves a destination entity and attaches its fields.
func DestinationWithFields(ctx context.Context, src Source, destinationEntityID int64) (Entity, error) {
	entity, err := src.Entity(ctx, destinationEntityID)
	if err != nil {
		return Entity{}, err
	}
	fields, err := src.Fields(ctx, entity)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to load fields for destination entity %d: %w", destinationEntityID, err)
	}
	entity.Fields = fields
	return entity, nil
}

func entityNotFound(id int64) error {
	return fmt.Errorf("%w: id %d", ErrEntityNotFound, id)
}
