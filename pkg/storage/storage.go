// Package storage defines the contract branchgraph expects from a graph
// storage engine. Implementations live in the sub-packages memory, sqlite
// and badger; storagetest holds the conformance suite they all run.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/temporal"
)

// Backend stores vertices and temporal edges. Implementations must be safe
// for concurrent use and must serialize writes.
type Backend interface {
	CreateVertex(ctx context.Context, v graph.Entity) error
	Vertex(ctx context.Context, id string) (graph.Entity, error)
	MatchVertices(ctx context.Context, q VertexQuery) ([]graph.Entity, error)
	// SetVertexProperty updates one property in place. It is reserved for
	// bookkeeping vertices (root, branch records); data is versioned through
	// edges instead.
	SetVertexProperty(ctx context.Context, id, key string, value any) error

	CreateEdge(ctx context.Context, e graph.Edge) error
	Edge(ctx context.Context, id string) (graph.Edge, error)
	// CloseEdge sets To on an open edge and returns the updated edge. Closing
	// an edge that is already closed fails with graph.ErrImmutableHistory.
	CloseEdge(ctx context.Context, id string, to graph.Timestamp) (graph.Edge, error)
	MatchEdges(ctx context.Context, q EdgeQuery) ([]graph.Edge, error)

	Close() error
}

// VertexQuery selects vertices; zero fields match everything.
type VertexQuery struct {
	Class graph.Class
	Kind  string
	UUID  string
	Label string
}

// Matches reports whether v satisfies the query.
func (q VertexQuery) Matches(v graph.Entity) bool {
	if q.Class != "" && v.Class != q.Class {
		return false
	}
	if q.Kind != "" && v.Kind != q.Kind {
		return false
	}
	if q.UUID != "" && v.UUID != q.UUID {
		return false
	}
	if q.Label != "" && !v.HasLabel(q.Label) {
		return false
	}
	return true
}

// EdgeQuery selects the edges touching one vertex.
type EdgeQuery struct {
	Vertex    string
	Direction graph.Direction
	Types     []graph.EdgeType
	// Peer restricts the other end of the edge.
	Peer string
	// Filter applies temporal visibility. Nil returns every edge ever
	// written, which is how history is read.
	Filter *temporal.Predicate
	Status graph.Status
	// Ordered sorts results with temporal.Less.
	Ordered bool
	Limit   int
}

// Matches applies every criterion except ordering and limit.
func (q EdgeQuery) Matches(e graph.Edge) bool {
	switch q.Direction {
	case graph.Outbound:
		if e.Source != q.Vertex {
			return false
		}
	case graph.Inbound:
		if e.Target != q.Vertex {
			return false
		}
	default:
		if e.Source != q.Vertex && e.Target != q.Vertex {
			return false
		}
	}
	if q.Peer != "" && e.Peer(q.Vertex) != q.Peer {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if q.Filter != nil && !q.Filter.Visible(e) {
		return false
	}
	return true
}

// Finish applies ordering and limit to an already-filtered result set.
func (q EdgeQuery) Finish(edges []graph.Edge) []graph.Edge {
	if q.Ordered {
		temporal.Sort(edges)
	}
	if q.Limit > 0 && len(edges) > q.Limit {
		edges = edges[:q.Limit]
	}
	return edges
}

// EncodeProperties serializes a property map for backends that store blobs.
func EncodeProperties(p map[string]any) ([]byte, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// DecodeProperties is the inverse of EncodeProperties. Integral numbers come
// back as int64 so timestamps survive the round trip.
func DecodeProperties(data []byte) (map[string]any, error) {
	if len(data) == 0 || string(data) == "{}" || string(data) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := DecodeJSON(data, &out); err != nil {
		return nil, err
	}
	return NormalizeProperties(out), nil
}

// DecodeJSON unmarshals data keeping numbers as json.Number.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// NormalizeProperties converts json.Number values left by DecodeJSON into
// int64 or float64.
func NormalizeProperties(p map[string]any) map[string]any {
	if len(p) == 0 {
		return nil
	}
	for k, v := range p {
		p[k] = NormalizeValue(v)
	}
	return p
}

// NormalizeValue is NormalizeProperties for a single value.
func NormalizeValue(v any) any {
	return normalizeNumber(v)
}

func normalizeNumber(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalizeNumber(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumber(x[k])
		}
		return x
	}
	return v
}

// ErrDuplicate is returned when a vertex or edge ID is already taken.
var ErrDuplicate = errors.New("duplicate id")
