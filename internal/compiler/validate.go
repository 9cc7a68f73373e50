package compiler

import (
	"fmt"
	"strings"
)

// Validate checks the structural invariants of the graph for a compilation
// rooted at rootID. It returns the first violation as a *StructuralError:
// every binding has exactly one source entity, the root has no ancestors,
// and no binding is isolated.
//
// Validate does not check that every binding is reachable from the root;
// see CheckConnected.
func Validate(g *Graph, rootID int64) error {
	if g.Len() == 0 {
		return &StructuralError{Kind: ErrNoBindings}
	}
	if !g.Contains(rootID) {
		return structuralf(ErrUnknownBinding, rootID, "root is not among the destination's bindings")
	}

	for _, b := range g.Bindings() {
		if n := len(b.SourcedBy); n != 1 {
			return structuralf(ErrSourceEntityCount, b.ID, "found %d source entities", n)
		}
	}

	if incoming := g.Incoming(rootID); len(incoming) > 0 {
		return structuralf(ErrRootHasAncestors, rootID, "%d incoming relationships, first from binding %d",
			len(incoming), incoming[0].ParentID)
	}

	for _, b := range g.Bindings() {
		if !g.HasDescendants(b.ID) && !g.HasAncestors(b.ID) {
			return structuralf(ErrIsolatedBinding, b.ID, "binding is neither an ancestor nor a descendant")
		}
	}
	return nil
}

// Unreachable returns the ids of bindings not in visited, in set order.
func Unreachable(g *Graph, visited []Node) []int64 {
	seen := make(map[int64]bool, len(visited))
	for _, n := range visited {
		seen[n.Binding.ID] = true
	}
	var ids []int64
	for _, b := range g.Bindings() {
		if !seen[b.ID] {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// CheckConnected fails with ErrDisconnected when the walk did not reach
// every binding in the graph.
func CheckConnected(g *Graph, visited []Node) error {
	missing := Unreachable(g, visited)
	if len(missing) == 0 {
		return nil
	}
	var rootID int64
	if len(visited) > 0 {
		rootID = visited[0].Binding.ID
	}
	return structuralf(ErrDisconnected, rootID, "unreachable bindings %s", formatIDs(missing))
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
