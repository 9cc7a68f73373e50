package compiler

import (
	"hierplan/internal/metadata"
	"hierplan/internal/plan"
)

// relationshipsFor emits one join per edge pointing at bindingID, direct or
// skip-level, in incoming-edge order. Edges are never merged.
func relationshipsFor(g *Graph, bindingID int64, tableOf func(bindingID int64) string) []plan.Relationship {
	incoming := g.Incoming(bindingID)
	out := make([]plan.Relationship, 0, len(incoming))
	own := tableOf(bindingID)
	for _, edge := range incoming {
		out = append(out, plan.Relationship{
			Source: plan.RelationshipEntity{
				Entity: tableOf(edge.ParentID),
				Key:    metadata.JoinKeyFields(edge.ParentKeyFields),
			},
			Destination: plan.RelationshipEntity{
				Entity: own,
				Key:    metadata.JoinKeyFields(edge.ChildKeyFields),
			},
		})
	}
	return out
}
