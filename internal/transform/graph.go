package transform

import (
	"sort"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
)

// linkGraph is the bundle-local adjacency view of the link table, supporting
// transitive ancestor and descendant traversal.
type linkGraph struct {
	children map[metadata.EntityReference][]metadata.EntityReference
	parents  map[metadata.EntityReference][]metadata.EntityReference
}

func newLinkGraph(b *metadata.Bundle) *linkGraph {
	g := &linkGraph{
		children: make(map[metadata.EntityReference][]metadata.EntityReference),
		parents:  make(map[metadata.EntityReference][]metadata.EntityReference),
	}
	for _, link := range b.Links {
		g.children[link.Source] = append(g.children[link.Source], link.Target)
		g.parents[link.Target] = append(g.parents[link.Target], link.Source)
	}
	return g
}

// descendants returns every entity transitively reachable from ref along
// child edges, sorted for determinism. ref itself is excluded.
func (g *linkGraph) descendants(ref metadata.EntityReference) []metadata.EntityReference {
	return g.walk(ref, g.children)
}

// ancestors returns every entity transitively reachable from ref along
// parent edges, sorted for determinism. ref itself is excluded.
func (g *linkGraph) ancestors(ref metadata.EntityReference) []metadata.EntityReference {
	return g.walk(ref, g.parents)
}

func (g *linkGraph) walk(start metadata.EntityReference, edges map[metadata.EntityReference][]metadata.EntityReference) []metadata.EntityReference {
	visited := map[metadata.EntityReference]bool{start: true}
	queue := []metadata.EntityReference{start}
	var out []metadata.EntityReference
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}
