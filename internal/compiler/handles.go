package compiler

import (
	"context"
	"fmt"

	"hierplan/internal/metadata"
)

// CanHandle reports whether binding is a nested binding that roots its
// destination's hierarchy, i.e. whether compiling it yields the whole plan.
func (c *Compiler) CanHandle(ctx context.Context, binding metadata.Binding, destination metadata.Entity) (bool, error) {
	if !binding.IsNested() {
		return false, nil
	}
	top, err := c.topMostFor(ctx, destination.ID)
	if err != nil {
		return false, err
	}
	return top.ID == binding.ID, nil
}

// IsNestedChild reports whether binding is a nested binding below the root of
// its destination. Such bindings are covered by the root's plan and should
// not be extracted on their own.
func (c *Compiler) IsNestedChild(ctx context.Context, binding metadata.Binding, destination metadata.Entity) (bool, error) {
	if !binding.IsNested() {
		return false, nil
	}
	top, err := c.topMostFor(ctx, destination.ID)
	if err != nil {
		return false, err
	}
	return top.ID != binding.ID, nil
}

// HandlesDestination reports whether any binding of the destination is nested.
func (c *Compiler) HandlesDestination(ctx context.Context, destination metadata.Entity) (bool, error) {
	bindings, err := c.source.BindingsForDestination(ctx, destination.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load bindings for destination %d: %w", destination.ID, err)
	}
	for _, b := range bindings {
		if b.IsNested() {
			return true, nil
		}
	}
	return false, nil
}

func (c *Compiler) topMostFor(ctx context.Context, destinationID int64) (metadata.Binding, error) {
	bindings, err := c.source.BindingsForDestination(ctx, destinationID)
	if err != nil {
		return metadata.Binding{}, fmt.Errorf("failed to load bindings for destination %d: %w", destinationID, err)
	}
	g, err := NewGraph(bindings)
	if err != nil {
		return metadata.Binding{}, err
	}
	return TopMost(g)
}
