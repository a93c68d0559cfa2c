package memory

import (
	"github.com/tidwall/btree"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/storage"
)

const (
	dirOut byte = 'o'
	dirIn  byte = 'i'
)

// adjKey is one adjacency entry. Keys sort by vertex, then direction, then
// edge type, so every edge of a vertex in one direction is a contiguous range.
type adjKey struct {
	Vertex string
	Dir    byte
	Type   graph.EdgeType
	EdgeID string
}

func adjLess(a, b adjKey) bool {
	if a.Vertex != b.Vertex {
		return a.Vertex < b.Vertex
	}
	if a.Dir != b.Dir {
		return a.Dir < b.Dir
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.EdgeID < b.EdgeID
}

// secondaryKey indexes vertices by kind or uuid.
type secondaryKey struct {
	Value string
	ID    string
}

func secondaryLess(a, b secondaryKey) bool {
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.ID < b.ID
}

// graphIndex holds the whole graph. It is not safe for concurrent use; the
// Store guards it.
type graphIndex struct {
	vertices  btree.Map[string, graph.Entity]
	edges     btree.Map[string, graph.Edge]
	adjacency *btree.BTreeG[adjKey]
	byKind    *btree.BTreeG[secondaryKey]
	byUUID    *btree.BTreeG[secondaryKey]
}

func newGraphIndex() *graphIndex {
	return &graphIndex{
		adjacency: btree.NewBTreeG[adjKey](adjLess),
		byKind:    btree.NewBTreeG[secondaryKey](secondaryLess),
		byUUID:    btree.NewBTreeG[secondaryKey](secondaryLess),
	}
}

func (g *graphIndex) putVertex(v graph.Entity) {
	if old, ok := g.vertices.Get(v.ID); ok {
		g.byKind.Delete(secondaryKey{old.Kind, old.ID})
		g.byUUID.Delete(secondaryKey{old.UUID, old.ID})
	}
	g.vertices.Set(v.ID, v)
	g.byKind.Set(secondaryKey{v.Kind, v.ID})
	g.byUUID.Set(secondaryKey{v.UUID, v.ID})
}

func (g *graphIndex) putEdge(e graph.Edge) {
	g.edges.Set(e.ID, e)
	g.adjacency.Set(adjKey{e.Source, dirOut, e.Type, e.ID})
	g.adjacency.Set(adjKey{e.Target, dirIn, e.Type, e.ID})
}

func (g *graphIndex) matchVertices(q storage.VertexQuery) []graph.Entity {
	var out []graph.Entity
	collect := func(idx *btree.BTreeG[secondaryKey], value string) {
		idx.Ascend(secondaryKey{Value: value}, func(k secondaryKey) bool {
			if k.Value != value {
				return false
			}
			if v, ok := g.vertices.Get(k.ID); ok && q.Matches(v) {
				out = append(out, v.Clone())
			}
			return true
		})
	}

	switch {
	case q.UUID != "":
		collect(g.byUUID, q.UUID)
	case q.Kind != "":
		collect(g.byKind, q.Kind)
	default:
		g.vertices.Scan(func(_ string, v graph.Entity) bool {
			if q.Matches(v) {
				out = append(out, v.Clone())
			}
			return true
		})
	}
	return out
}

func (g *graphIndex) matchEdges(q storage.EdgeQuery) []graph.Edge {
	var dirs []byte
	switch q.Direction {
	case graph.Outbound:
		dirs = []byte{dirOut}
	case graph.Inbound:
		dirs = []byte{dirIn}
	default:
		dirs = []byte{dirOut, dirIn}
	}

	seen := make(map[string]struct{})
	var out []graph.Edge
	visit := func(k adjKey) {
		if _, dup := seen[k.EdgeID]; dup {
			return
		}
		seen[k.EdgeID] = struct{}{}
		if e, ok := g.edges.Get(k.EdgeID); ok && q.Matches(e) {
			out = append(out, e.Clone())
		}
	}

	for _, d := range dirs {
		if len(q.Types) == 0 {
			g.adjacency.Ascend(adjKey{Vertex: q.Vertex, Dir: d}, func(k adjKey) bool {
				if k.Vertex != q.Vertex || k.Dir != d {
					return false
				}
				visit(k)
				return true
			})
			continue
		}
		for _, t := range q.Types {
			g.adjacency.Ascend(adjKey{Vertex: q.Vertex, Dir: d, Type: t}, func(k adjKey) bool {
				if k.Vertex != q.Vertex || k.Dir != d || k.Type != t {
					return false
				}
				visit(k)
				return true
			})
		}
	}
	return q.Finish(out)
}
