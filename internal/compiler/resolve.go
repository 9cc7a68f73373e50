package compiler

import (
	"hierplan/internal/metadata"
	"hierplan/internal/plan"
)

// Node is one binding visited by the walk.
type Node struct {
	Binding metadata.Binding
	Path    string
	// Parent is the direct edge the node was reached by; nil at the root.
	Parent *Edge
}

// IsRoot reports whether the node is the walk's starting point.
func (n Node) IsRoot() bool {
	return n.Parent == nil
}

// TopMost returns the unique binding with no incoming edge of any generation gap.
func TopMost(g *Graph) (metadata.Binding, error) {
	if g.Len() == 0 {
		return metadata.Binding{}, &StructuralError{Kind: ErrNoBindings}
	}

	var roots []metadata.Binding
	for _, b := range g.Bindings() {
		if !g.HasAncestors(b.ID) {
			roots = append(roots, b)
		}
	}

	switch len(roots) {
	case 0:
		return metadata.Binding{}, &StructuralError{Kind: ErrNoRoot, Detail: "every binding has an ancestor"}
	case 1:
		return roots[0], nil
	default:
		ids := make([]int64, len(roots))
		for i, r := range roots {
			ids[i] = r.ID
		}
		return metadata.Binding{}, structuralf(ErrAmbiguousRoot, 0, "candidates %s", formatIDs(ids))
	}
}

// AliasFunc names a binding's path segment and destination field prefix.
type AliasFunc func(metadata.Binding) string

// Walk visits the tree rooted at rootID in pre-order, following only direct
// (generation gap 1) edges in declaration order. The root's path is "$";
// each child appends "." and its alias.
func Walk(g *Graph, rootID int64, aliasOf AliasFunc) ([]Node, error) {
	root, ok := g.Binding(rootID)
	if !ok {
		return nil, structuralf(ErrUnknownBinding, rootID, "root is not among the destination's bindings")
	}

	w := walker{graph: g, aliasOf: aliasOf, visited: make(map[int64]bool, g.Len())}
	if err := w.visit(root, plan.RootPath, nil); err != nil {
		return nil, err
	}
	return w.nodes, nil
}

type walker struct {
	graph   *Graph
	aliasOf AliasFunc
	visited map[int64]bool
	nodes   []Node
}

func (w *walker) visit(b metadata.Binding, path string, parent *Edge) error {
	if w.visited[b.ID] {
		return structuralf(ErrRevisited, b.ID, "reached again at %s", path)
	}
	w.visited[b.ID] = true
	w.nodes = append(w.nodes, Node{Binding: b, Path: path, Parent: parent})

	for _, rel := range b.DirectChildren() {
		child, ok := w.graph.Binding(rel.ChildBindingID)
		if !ok {
			return structuralf(ErrUnknownBinding, b.ID, "relationship targets binding %d outside the set", rel.ChildBindingID)
		}
		edge := &Edge{ParentID: b.ID, Relationship: rel}
		if err := w.visit(child, path+"."+w.aliasOf(child), edge); err != nil {
			return err
		}
	}
	return nil
}
