// Package storagetest is a conformance suite for storage.Backend
// implementations. Each backend's tests call Run with a constructor.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/storage"
	"github.com/sanonone/branchgraph/pkg/temporal"
)

// Opener returns a fresh, empty backend. The suite closes it.
type Opener func(t *testing.T) storage.Backend

// Run executes every conformance scenario against backends built by open.
func Run(t *testing.T, open Opener) {
	t.Run("Vertices", func(t *testing.T) { testVertices(t, open(t)) })
	t.Run("VertexProperty", func(t *testing.T) { testVertexProperty(t, open(t)) })
	t.Run("EdgeMatching", func(t *testing.T) { testEdgeMatching(t, open(t)) })
	t.Run("TemporalFilter", func(t *testing.T) { testTemporalFilter(t, open(t)) })
	t.Run("OrderedLimit", func(t *testing.T) { testOrderedLimit(t, open(t)) })
	t.Run("OrderedByOrigin", func(t *testing.T) { testOrderedByOrigin(t, open(t)) })
	t.Run("CloseEdge", func(t *testing.T) { testCloseEdge(t, open(t)) })
}

type scopes []graph.BranchScope

func (s scopes) AncestryOf(name string) ([]graph.BranchScope, error) {
	for i, sc := range s {
		if sc.Name == name {
			return s[i:], nil
		}
	}
	return nil, graph.BranchNotFound(name)
}

func (s scopes) AllScopes() []graph.BranchScope { return s }

// feature -> main -> global, as a linear chain.
var chain = scopes{
	{Name: "feature", Level: 2},
	{Name: graph.DefaultBranch, Level: 1},
	{Name: graph.GlobalBranch, Level: 1},
}

func filter(t *testing.T, branch string, at graph.Timestamp) *temporal.Predicate {
	t.Helper()
	p, err := temporal.Build(chain, branch, at)
	require.NoError(t, err)
	return &p
}

func vertex(id, kind string) graph.Entity {
	return graph.Entity{ID: id, UUID: "u-" + id, Class: graph.ClassNode, Kind: kind, CreatedAt: 1}
}

func edge(id, src, dst string, typ graph.EdgeType, branch string, level int, from, to graph.Timestamp) graph.Edge {
	return graph.Edge{
		ID: id, Type: typ, Source: src, Target: dst,
		Branch: branch, BranchLevel: level, Status: graph.StatusActive,
		From: from, To: to,
	}
}

func ids(edges []graph.Edge) []string {
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.ID
	}
	return out
}

func testVertices(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	v := vertex("n1", "CoreAccount")
	v.Labels = []string{"Node", "CoreAccount"}
	v.Properties = map[string]any{"name": "alice", "created": int64(1_700_000_000_123_456_789)}
	require.NoError(t, b.CreateVertex(ctx, v))
	require.NoError(t, b.CreateVertex(ctx, vertex("n2", "CoreGroup")))

	err := b.CreateVertex(ctx, vertex("n1", "CoreAccount"))
	require.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := b.Vertex(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "CoreAccount", got.Kind)
	assert.Equal(t, "u-n1", got.UUID)
	assert.Equal(t, "alice", got.Prop("name"))
	assert.Equal(t, int64(1_700_000_000_123_456_789), graph.Int64Prop(got.Properties, "created"))
	assert.True(t, got.HasLabel("CoreAccount"))

	_, err = b.Vertex(ctx, "missing")
	require.ErrorIs(t, err, graph.ErrElementNotFound)

	byKind, err := b.MatchVertices(ctx, storage.VertexQuery{Kind: "CoreGroup"})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "n2", byKind[0].ID)

	byUUID, err := b.MatchVertices(ctx, storage.VertexQuery{UUID: "u-n1"})
	require.NoError(t, err)
	require.Len(t, byUUID, 1)

	byLabel, err := b.MatchVertices(ctx, storage.VertexQuery{Label: "CoreAccount"})
	require.NoError(t, err)
	require.Len(t, byLabel, 1)

	all, err := b.MatchVertices(ctx, storage.VertexQuery{Class: graph.ClassNode})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testVertexProperty(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.CreateVertex(ctx, graph.Entity{ID: graph.RootID, UUID: graph.RootID, Class: graph.ClassRoot}))
	require.NoError(t, b.SetVertexProperty(ctx, graph.RootID, "graph_version", 3))
	require.NoError(t, b.SetVertexProperty(ctx, graph.RootID, "graph_version", 4))

	root, err := b.Vertex(ctx, graph.RootID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), graph.Int64Prop(root.Properties, "graph_version"))

	err = b.SetVertexProperty(ctx, "missing", "x", 1)
	require.ErrorIs(t, err, graph.ErrElementNotFound)
}

func testEdgeMatching(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.CreateVertex(ctx, vertex(id, "K")))
	}
	e1 := edge("e1", "a", "b", graph.HasAttribute, graph.DefaultBranch, 1, 10, 0)
	e1.Properties = map[string]any{"weight": "high"}
	require.NoError(t, b.CreateEdge(ctx, e1))
	require.NoError(t, b.CreateEdge(ctx, edge("e2", "a", "c", graph.IsRelated, graph.DefaultBranch, 1, 10, 0)))
	require.NoError(t, b.CreateEdge(ctx, edge("e3", "c", "a", graph.IsRelated, graph.DefaultBranch, 1, 10, 0)))
	del := edge("e4", "a", "b", graph.HasAttribute, "feature", 2, 20, 0)
	del.Status = graph.StatusDeleted
	require.NoError(t, b.CreateEdge(ctx, del))

	require.ErrorIs(t, b.CreateEdge(ctx, del), storage.ErrDuplicate)

	got, err := b.Edge(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "high", graph.StringProp(got.Properties, "weight"))
	assert.Equal(t, graph.Timestamp(10), got.From)
	assert.True(t, got.Open())

	_, err = b.Edge(ctx, "nope")
	require.ErrorIs(t, err, graph.ErrElementNotFound)

	cases := []struct {
		name string
		q    storage.EdgeQuery
		want []string
	}{
		{"outbound", storage.EdgeQuery{Vertex: "a", Direction: graph.Outbound}, []string{"e1", "e2", "e4"}},
		{"inbound", storage.EdgeQuery{Vertex: "a", Direction: graph.Inbound}, []string{"e3"}},
		{"both", storage.EdgeQuery{Vertex: "a", Direction: graph.Both}, []string{"e1", "e2", "e3", "e4"}},
		{"types", storage.EdgeQuery{Vertex: "a", Direction: graph.Both, Types: []graph.EdgeType{graph.IsRelated}}, []string{"e2", "e3"}},
		{"peer", storage.EdgeQuery{Vertex: "a", Direction: graph.Outbound, Peer: "b"}, []string{"e1", "e4"}},
		{"status", storage.EdgeQuery{Vertex: "a", Direction: graph.Outbound, Status: graph.StatusDeleted}, []string{"e4"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			edges, err := b.MatchEdges(ctx, c.q)
			require.NoError(t, err)
			assert.ElementsMatch(t, c.want, ids(edges))
		})
	}
}

func testTemporalFilter(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.CreateVertex(ctx, vertex("a", "K")))
	require.NoError(t, b.CreateVertex(ctx, vertex("b", "K")))
	require.NoError(t, b.CreateEdge(ctx, edge("closed", "a", "b", graph.HasValue, graph.DefaultBranch, 1, 10, 20)))
	require.NoError(t, b.CreateEdge(ctx, edge("open", "a", "b", graph.HasValue, graph.DefaultBranch, 1, 20, 0)))
	require.NoError(t, b.CreateEdge(ctx, edge("feat", "a", "b", graph.HasValue, "feature", 2, 15, 0)))
	require.NoError(t, b.CreateEdge(ctx, edge("other", "a", "b", graph.HasValue, "other", 2, 1, 0)))

	cases := []struct {
		branch string
		at     graph.Timestamp
		want   []string
	}{
		{graph.DefaultBranch, 5, nil},
		{graph.DefaultBranch, 10, []string{"closed"}},
		{graph.DefaultBranch, 19, []string{"closed"}},
		{graph.DefaultBranch, 20, []string{"open"}},
		{"feature", 15, []string{"closed", "feat"}},
		{"feature", 25, []string{"open", "feat"}},
		{graph.GlobalBranch, 25, nil},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s@%d", c.branch, c.at), func(t *testing.T) {
			edges, err := b.MatchEdges(ctx, storage.EdgeQuery{
				Vertex: "a", Direction: graph.Outbound, Filter: filter(t, c.branch, c.at),
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, c.want, ids(edges))
		})
	}

	history, err := b.MatchEdges(ctx, storage.EdgeQuery{Vertex: "a", Direction: graph.Outbound})
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func testOrderedLimit(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.CreateVertex(ctx, vertex("a", "K")))
	require.NoError(t, b.CreateVertex(ctx, vertex("b", "K")))
	for _, e := range []graph.Edge{
		edge("m1", "a", "b", graph.HasValue, graph.DefaultBranch, 1, 10, 0),
		edge("m2", "a", "b", graph.HasValue, graph.DefaultBranch, 1, 30, 0),
		edge("f1", "a", "b", graph.HasValue, "feature", 2, 5, 0),
		edge("f2", "a", "b", graph.HasValue, "feature", 2, 5, 0),
		edge("g1", "a", "b", graph.HasValue, graph.GlobalBranch, 1, 30, 0),
	} {
		require.NoError(t, b.CreateEdge(ctx, e))
	}

	all, err := b.MatchEdges(ctx, storage.EdgeQuery{
		Vertex: "a", Direction: graph.Outbound, Filter: filter(t, "feature", 100), Ordered: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"f2", "f1", "m2", "g1", "m1"}, ids(all))

	top, err := b.MatchEdges(ctx, storage.EdgeQuery{
		Vertex: "a", Direction: graph.Outbound, Filter: filter(t, graph.DefaultBranch, 100), Ordered: true, Limit: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(top))
}

func testOrderedByOrigin(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.CreateVertex(ctx, vertex("a", "K")))
	require.NoError(t, b.CreateVertex(ctx, vertex("b", "K")))
	carried := func(id, branch string, origin graph.Timestamp) graph.Edge {
		e := edge(id, "a", "b", graph.HasValue, branch, 1, 50, 0)
		e.Origin = origin
		return e
	}
	// Same level and From: the later origin wins regardless of the edge ID.
	for _, e := range []graph.Edge{
		carried("z-global", graph.GlobalBranch, 10),
		carried("a-main", graph.DefaultBranch, 20),
		edge("plain", "a", "b", graph.HasValue, graph.DefaultBranch, 1, 50, 0),
	} {
		require.NoError(t, b.CreateEdge(ctx, e))
	}

	all, err := b.MatchEdges(ctx, storage.EdgeQuery{
		Vertex: "a", Direction: graph.Outbound, Filter: filter(t, graph.DefaultBranch, 100), Ordered: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"plain", "a-main", "z-global"}, ids(all))
	assert.Equal(t, graph.Timestamp(20), all[1].Origin)
}

func testCloseEdge(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.CreateVertex(ctx, vertex("a", "K")))
	require.NoError(t, b.CreateVertex(ctx, vertex("b", "K")))
	require.NoError(t, b.CreateEdge(ctx, edge("e", "a", "b", graph.HasValue, graph.DefaultBranch, 1, 10, 0)))

	closed, err := b.CloseEdge(ctx, "e", 40)
	require.NoError(t, err)
	assert.Equal(t, graph.Timestamp(40), closed.To)

	reread, err := b.Edge(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, graph.Timestamp(40), reread.To)

	_, err = b.CloseEdge(ctx, "e", 50)
	require.ErrorIs(t, err, graph.ErrImmutableHistory)

	_, err = b.CloseEdge(ctx, "missing", 50)
	require.ErrorIs(t, err, graph.ErrElementNotFound)

	visible, err := b.MatchEdges(ctx, storage.EdgeQuery{
		Vertex: "a", Direction: graph.Outbound, Filter: filter(t, graph.DefaultBranch, 40),
	})
	require.NoError(t, err)
	assert.Empty(t, visible)
}
