package compiler

import "hierplan/internal/metadata"

// Edge is a relationship as seen from its child.
type Edge struct {
	ParentID int64
	metadata.Relationship
}

type edgeKey struct {
	parent int64
	child  int64
	gap    int
}

// Graph is an id-indexed view over one destination's bindings.
// Incoming edges are kept in binding-set order, then declaration order.
type Graph struct {
	bindings []metadata.Binding
	index    map[int64]int
	incoming map[int64][]Edge
}

// NewGraph indexes bindings. Duplicate binding ids, edges to bindings outside
// the set, self edges and repeated (parent, child, gap) edges are rejected.
func NewGraph(bindings []metadata.Binding) (*Graph, error) {
	g := &Graph{
		bindings: bindings,
		index:    make(map[int64]int, len(bindings)),
		incoming: make(map[int64][]Edge),
	}
	for i, b := range bindings {
		if _, dup := g.index[b.ID]; dup {
			return nil, structuralf(ErrDuplicateBinding, b.ID, "binding appears more than once")
		}
		g.index[b.ID] = i
	}

	seen := make(map[edgeKey]bool)
	for _, b := range bindings {
		for _, rel := range b.Relationships {
			if rel.ChildBindingID == b.ID {
				return nil, structuralf(ErrInvalidRelationship, b.ID, "relationship points at itself")
			}
			if _, ok := g.index[rel.ChildBindingID]; !ok {
				return nil, structuralf(ErrUnknownBinding, b.ID, "relationship targets binding %d outside the set", rel.ChildBindingID)
			}
			key := edgeKey{parent: b.ID, child: rel.ChildBindingID, gap: rel.GenerationGap}
			if seen[key] {
				return nil, structuralf(ErrInvalidRelationship, b.ID,
					"duplicate relationship to binding %d with generation gap %d", rel.ChildBindingID, rel.GenerationGap)
			}
			seen[key] = true
			g.incoming[rel.ChildBindingID] = append(g.incoming[rel.ChildBindingID], Edge{ParentID: b.ID, Relationship: rel})
		}
	}
	return g, nil
}

// Len returns the number of bindings.
func (g *Graph) Len() int {
	return len(g.bindings)
}

// Bindings returns the bindings in set order. Callers must not modify the result.
func (g *Graph) Bindings() []metadata.Binding {
	return g.bindings
}

// Binding looks up a binding by id.
func (g *Graph) Binding(id int64) (metadata.Binding, bool) {
	i, ok := g.index[id]
	if !ok {
		return metadata.Binding{}, false
	}
	return g.bindings[i], true
}

// Contains reports whether id is in the set.
func (g *Graph) Contains(id int64) bool {
	_, ok := g.index[id]
	return ok
}

// Incoming returns every edge pointing at id, of any generation gap.
func (g *Graph) Incoming(id int64) []Edge {
	return g.incoming[id]
}

// HasAncestors reports whether any edge points at id.
func (g *Graph) HasAncestors(id int64) bool {
	return len(g.incoming[id]) > 0
}

// HasDescendants reports whether id declares any outgoing edge.
func (g *Graph) HasDescendants(id int64) bool {
	b, ok := g.Binding(id)
	return ok && len(b.Relationships) > 0
}

// SourceEntityIDs returns the distinct source entity ids in first-seen order.
// Bindings without exactly one source reference are skipped.
func (g *Graph) SourceEntityIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, b := range g.bindings {
		ref, ok := b.SourceReference()
		if !ok || seen[ref.SourceEntityID] {
			continue
		}
		seen[ref.SourceEntityID] = true
		ids = append(ids, ref.SourceEntityID)
	}
	return ids
}
