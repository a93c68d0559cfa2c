package rewrite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/graphstore"
	"github.com/sanonone/branchgraph/pkg/storage"
	"github.com/sanonone/branchgraph/pkg/storage/memory"
)

type env struct {
	ctx   context.Context
	store *graphstore.Store
	dir   *branch.Directory
	rw    *Rewriter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	backend := memory.New()
	t.Cleanup(func() { backend.Close() })
	ctx := context.Background()
	dir := branch.NewDirectory(backend, nil)
	require.NoError(t, dir.Bootstrap(ctx))
	s := graphstore.New(backend, dir)
	require.NoError(t, s.EnsureRoot(ctx))
	return &env{ctx: ctx, store: s, dir: dir, rw: New(s, nil)}
}

func (e *env) branch(t *testing.T, name string, opts branch.CreateOptions) {
	t.Helper()
	_, err := e.dir.Create(e.ctx, name, opts)
	require.NoError(t, err)
}

func (e *env) node(t *testing.T, kind string, attrs map[string]any, at graph.Timestamp) graph.Entity {
	t.Helper()
	n, err := e.store.CreateNode(e.ctx, kind, attrs, graph.DefaultBranch, at)
	require.NoError(t, err)
	return n
}

func (e *env) requireValue(t *testing.T, node, attr, branchName string, at graph.Timestamp, want any) {
	t.Helper()
	got, err := e.store.AttributeValue(e.ctx, node, attr, branchName, at)
	require.NoError(t, err, "%s@%s", attr, branchName)
	assert.Equal(t, want, got, "%s@%s", attr, branchName)
}

func (e *env) requireMissing(t *testing.T, node, attr, branchName string, at graph.Timestamp) {
	t.Helper()
	_, err := e.store.AttributeValue(e.ctx, node, attr, branchName, at)
	require.ErrorIs(t, err, graph.ErrElementNotFound, "%s@%s", attr, branchName)
}

// requireNoTies fails when two edges of vertex that compete in the resolved
// view of branchName share their whole ordering key, leaving the edge ID to
// pick the winner.
func (e *env) requireNoTies(t *testing.T, vertex, branchName string, at graph.Timestamp) {
	t.Helper()
	p, err := e.store.Filter(branchName, at)
	require.NoError(t, err)
	edges, err := e.store.VisibleEdges(e.ctx, graphstore.Match{Vertex: vertex, Direction: graph.Both}, p)
	require.NoError(t, err)
	for i, a := range edges {
		for _, b := range edges[i+1:] {
			if a.Type != b.Type || (a.Source == vertex) != (b.Source == vertex) {
				continue
			}
			// Deletion markers only compete for their own peer.
			compete := a.Peer(vertex) == b.Peer(vertex) ||
				a.Source == vertex && a.Type.SingleValued() && a.IsActive() && b.IsActive()
			if !compete {
				continue
			}
			tied := a.BranchLevel == b.BranchLevel && a.From == b.From && a.OriginFrom() == b.OriginFrom()
			assert.False(t, tied, "%s ties with %s on %s", a, b, branchName)
		}
	}
}

func (e *env) attrID(t *testing.T, node, name, branchName string, at graph.Timestamp) string {
	t.Helper()
	attr, _, err := e.store.Attribute(e.ctx, node, name, branchName, at)
	require.NoError(t, err)
	return attr.ID
}

var rename = AttributeRename{NodeKind: "CoreAccount", PreviousName: "type", NewName: "account_type"}

func TestGlobalAttributeRename(t *testing.T) {
	e := newEnv(t)
	e.branch(t, "feature", branch.CreateOptions{At: 100})
	e.branch(t, "feature/sub", branch.CreateOptions{From: "feature", At: 150})
	acct := e.node(t, "CoreAccount", map[string]any{"type": "admin"}, 200)
	require.NoError(t, e.store.SetAttribute(e.ctx, acct.ID, "type", "ops", "feature", 300))

	old, _, err := e.store.Attribute(e.ctx, acct.ID, "type", graph.DefaultBranch, 999)
	require.NoError(t, err)

	rep, err := e.rw.Apply(e.ctx, rename, graph.GlobalBranch, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Matched)
	assert.Equal(t, 1, rep.EntitiesCreated)
	assert.Equal(t, 3, rep.EdgesCopied)
	assert.Equal(t, 3, rep.EdgesSuperseded)

	want := map[string]string{graph.DefaultBranch: "admin", "feature": "ops", "feature/sub": "ops"}
	for b, v := range want {
		for _, at := range []graph.Timestamp{1000, 5000} {
			e.requireMissing(t, acct.ID, "type", b, at)
			e.requireValue(t, acct.ID, "account_type", b, at, v)
		}
		// History before the rename is untouched.
		e.requireValue(t, acct.ID, "type", b, 999, v)
		e.requireMissing(t, acct.ID, "account_type", b, 999)
	}

	renamed, _, err := e.store.Attribute(e.ctx, acct.ID, "account_type", graph.DefaultBranch, 1000)
	require.NoError(t, err)
	assert.Equal(t, old.UUID, renamed.UUID)
	assert.NotEqual(t, old.ID, renamed.ID)

	history, err := e.store.History(e.ctx, graphstore.Match{Vertex: old.ID, Direction: graph.Outbound, Type: graph.HasValue})
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, h := range history {
		assert.Equal(t, graph.Timestamp(1000), h.To)
	}

	_, err = e.rw.Apply(e.ctx, rename, graph.GlobalBranch, 1001)
	require.ErrorIs(t, err, graph.ErrElementNotFound)
}

func TestDefaultBranchRenameReachesIsolatedBranchOnRebase(t *testing.T) {
	e := newEnv(t)
	acct := e.node(t, "CoreAccount", map[string]any{"type": "admin"}, 100)
	e.branch(t, "feature", branch.CreateOptions{At: 200})
	e.branch(t, "iso", branch.CreateOptions{At: 200, Isolated: true})

	_, err := e.rw.Apply(e.ctx, rename, graph.DefaultBranch, 1000)
	require.NoError(t, err)

	e.requireValue(t, acct.ID, "account_type", graph.DefaultBranch, 2000, "admin")
	e.requireValue(t, acct.ID, "account_type", "feature", 2000, "admin")
	e.requireValue(t, acct.ID, "type", "iso", 2000, "admin")
	e.requireMissing(t, acct.ID, "account_type", "iso", 2000)

	_, err = e.dir.Rebase(e.ctx, "iso", 1500)
	require.NoError(t, err)
	e.requireMissing(t, acct.ID, "type", "iso", 2000)
	e.requireValue(t, acct.ID, "account_type", "iso", 2000, "admin")
}

func TestFeatureBranchRenameIsIsolated(t *testing.T) {
	e := newEnv(t)
	acct := e.node(t, "CoreAccount", map[string]any{"type": "admin"}, 100)
	e.branch(t, "feature", branch.CreateOptions{At: 200})
	e.branch(t, "other", branch.CreateOptions{At: 200})

	rep, err := e.rw.Apply(e.ctx, rename, "feature", 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.EdgesCopied)
	assert.Equal(t, 2, rep.EdgesSuperseded)

	e.requireMissing(t, acct.ID, "type", "feature", 2000)
	e.requireValue(t, acct.ID, "account_type", "feature", 2000, "admin")
	for _, b := range []string{graph.DefaultBranch, "other"} {
		e.requireValue(t, acct.ID, "type", b, 2000, "admin")
		e.requireMissing(t, acct.ID, "account_type", b, 2000)
	}

	// Trunk writes to the old attribute no longer reach the feature branch.
	require.NoError(t, e.store.SetAttribute(e.ctx, acct.ID, "type", "root", graph.DefaultBranch, 3000))
	e.requireValue(t, acct.ID, "type", graph.DefaultBranch, 3000, "root")
	e.requireMissing(t, acct.ID, "type", "feature", 3000)

	_, err = e.rw.Apply(e.ctx, rename, "feature", 4000)
	require.ErrorIs(t, err, graph.ErrElementNotFound)
}

func TestBranchRenameKeepsBranchValue(t *testing.T) {
	for i := 0; i < 10; i++ {
		e := newEnv(t)
		e.branch(t, "feature", branch.CreateOptions{At: 100})
		acct := e.node(t, "CoreAccount", map[string]any{"type": "admin"}, 200)
		require.NoError(t, e.store.SetAttribute(e.ctx, acct.ID, "type", "ops", "feature", 300))

		rep, err := e.rw.Apply(e.ctx, rename, "feature", 1000)
		require.NoError(t, err)
		// The inherited main value is hidden but not carried.
		assert.Equal(t, 2, rep.EdgesCopied)
		assert.Equal(t, 3, rep.EdgesSuperseded)

		e.requireValue(t, acct.ID, "account_type", "feature", 2000, "ops")
		e.requireMissing(t, acct.ID, "type", "feature", 2000)
		e.requireValue(t, acct.ID, "type", graph.DefaultBranch, 2000, "admin")
		e.requireNoTies(t, e.attrID(t, acct.ID, "account_type", "feature", 2000), "feature", 2000)
	}
}

func TestDefaultRenameLeavesGlobalView(t *testing.T) {
	e := newEnv(t)
	e.branch(t, "feature", branch.CreateOptions{At: 50})
	acct, err := e.store.CreateNode(e.ctx, "CoreAccount", map[string]any{"type": "g"}, graph.GlobalBranch, 100)
	require.NoError(t, err)
	require.NoError(t, e.store.SetAttribute(e.ctx, acct.ID, "type", "m", graph.DefaultBranch, 200))

	rep, err := e.rw.Apply(e.ctx, rename, graph.DefaultBranch, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.EdgesCopied)
	assert.Equal(t, 2, rep.EdgesSuperseded)

	for _, b := range []string{graph.DefaultBranch, "feature"} {
		e.requireValue(t, acct.ID, "account_type", b, 2000, "m")
		e.requireMissing(t, acct.ID, "type", b, 2000)
	}
	e.requireValue(t, acct.ID, "type", graph.GlobalBranch, 2000, "g")
	e.requireMissing(t, acct.ID, "account_type", graph.GlobalBranch, 2000)
}

func TestGlobalRenameKeepsTrunkLayers(t *testing.T) {
	for i := 0; i < 10; i++ {
		e := newEnv(t)
		e.branch(t, "feature", branch.CreateOptions{At: 50})
		acct, err := e.store.CreateNode(e.ctx, "CoreAccount", map[string]any{"type": "g"}, graph.GlobalBranch, 100)
		require.NoError(t, err)
		require.NoError(t, e.store.SetAttribute(e.ctx, acct.ID, "type", "m", graph.DefaultBranch, 200))

		_, err = e.rw.Apply(e.ctx, rename, graph.GlobalBranch, 1000)
		require.NoError(t, err)

		e.requireValue(t, acct.ID, "account_type", graph.GlobalBranch, 2000, "g")
		for _, b := range []string{graph.DefaultBranch, "feature"} {
			e.requireValue(t, acct.ID, "account_type", b, 2000, "m")
			e.requireMissing(t, acct.ID, "type", b, 2000)
			e.requireNoTies(t, e.attrID(t, acct.ID, "account_type", b, 2000), b, 2000)
		}
	}
}

func TestGlobalRenameReachesIsolatedBranch(t *testing.T) {
	e := newEnv(t)
	acct := e.node(t, "CoreAccount", map[string]any{"type": "admin"}, 100)
	other := e.node(t, "CoreAccount", map[string]any{"type": "admin"}, 100)
	e.branch(t, "iso", branch.CreateOptions{At: 200, Isolated: true})
	e.branch(t, "iso/child", branch.CreateOptions{From: "iso", At: 250})
	require.NoError(t, e.store.SetAttribute(e.ctx, other.ID, "type", "ops", "iso", 300))

	rep, err := e.rw.Apply(e.ctx, rename, graph.GlobalBranch, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Matched)
	assert.Equal(t, 8, rep.EdgesCopied)
	assert.Equal(t, 9, rep.EdgesSuperseded)

	for _, b := range []string{"iso", "iso/child"} {
		for _, at := range []graph.Timestamp{1000, 2000} {
			e.requireMissing(t, acct.ID, "type", b, at)
			e.requireValue(t, acct.ID, "account_type", b, at, "admin")
			e.requireMissing(t, other.ID, "type", b, at)
			e.requireValue(t, other.ID, "account_type", b, at, "ops")
		}
		e.requireValue(t, acct.ID, "type", b, 999, "admin")
		e.requireNoTies(t, e.attrID(t, other.ID, "account_type", b, 2000), b, 2000)
	}
	e.requireValue(t, other.ID, "account_type", graph.DefaultBranch, 2000, "admin")

	_, err = e.rw.Apply(e.ctx, rename, graph.GlobalBranch, 1001)
	require.ErrorIs(t, err, graph.ErrElementNotFound)

	// Rebasing past the rename keeps the same shape.
	_, err = e.dir.Rebase(e.ctx, "iso", 1500)
	require.NoError(t, err)
	e.requireMissing(t, acct.ID, "type", "iso", 2000)
	e.requireValue(t, acct.ID, "account_type", "iso", 2000, "admin")
	e.requireValue(t, other.ID, "account_type", "iso", 2000, "ops")
}

func TestAttributeRenameConflict(t *testing.T) {
	e := newEnv(t)
	e.node(t, "CoreAccount", map[string]any{"type": "admin", "account_type": "user"}, 100)

	_, err := e.rw.Apply(e.ctx, rename, graph.DefaultBranch, 1000)
	require.ErrorIs(t, err, graph.ErrTopologyConflict)
}

func TestAttributeRenameNothingToDo(t *testing.T) {
	e := newEnv(t)
	e.node(t, "CoreAccount", map[string]any{"name": "x"}, 100)

	_, err := e.rw.Apply(e.ctx, rename, graph.DefaultBranch, 1000)
	require.ErrorIs(t, err, graph.ErrElementNotFound)
}

func TestNodeDuplicate(t *testing.T) {
	e := newEnv(t)
	acct := e.node(t, "CoreAccount", map[string]any{"name": "alice"}, 100)
	group := e.node(t, "CoreGroup", nil, 100)
	_, err := e.store.Relate(e.ctx, acct.ID, group.ID, "member_of", graph.DefaultBranch, 100)
	require.NoError(t, err)

	op := NodeDuplicate{
		Previous: SchemaInfo{Kind: "CoreAccount"},
		New:      SchemaInfo{Kind: "GenericAccount", Labels: []string{"Node", "GenericAccount", "CoreAccount"}},
	}
	rep, err := e.rw.Apply(e.ctx, op, graph.DefaultBranch, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Matched)
	assert.Equal(t, 3, rep.EdgesCopied)

	found, err := e.store.FindEntities(e.ctx, storage.VertexQuery{Kind: "GenericAccount"}, graph.DefaultBranch, 600)
	require.NoError(t, err)
	require.Len(t, found, 1)
	moved := found[0]
	assert.Equal(t, acct.UUID, moved.UUID)
	assert.NotEqual(t, acct.ID, moved.ID)
	assert.True(t, moved.HasLabel("CoreAccount"))

	e.requireValue(t, moved.ID, "name", graph.DefaultBranch, 600, "alice")
	peers, err := e.store.Peers(e.ctx, moved.ID, "member_of", graph.DefaultBranch, 600)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, group.ID, peers[0].ID)

	before, err := e.store.FindEntities(e.ctx, storage.VertexQuery{Kind: "CoreAccount"}, graph.DefaultBranch, 400)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, acct.ID, before[0].ID)
	after, err := e.store.FindEntities(e.ctx, storage.VertexQuery{Kind: "CoreAccount"}, graph.DefaultBranch, 600)
	require.NoError(t, err)
	assert.Empty(t, after)

	byUUID, err := e.store.EntityByUUID(e.ctx, acct.UUID, graph.DefaultBranch, 600)
	require.NoError(t, err)
	assert.Equal(t, moved.ID, byUUID.ID)
}

func TestNodeDuplicateConflict(t *testing.T) {
	e := newEnv(t)
	acct := e.node(t, "CoreAccount", nil, 100)
	twin, err := e.store.CreateEntityWith(e.ctx, graphstore.EntitySpec{Kind: "CoreAccount", UUID: acct.UUID})
	require.NoError(t, err)
	_, err = e.store.AddToRoot(e.ctx, twin.ID, graph.DefaultBranch, 100)
	require.NoError(t, err)

	op := NodeDuplicate{Previous: SchemaInfo{Kind: "CoreAccount"}, New: SchemaInfo{Kind: "GenericAccount"}}
	_, err = e.rw.Apply(e.ctx, op, graph.DefaultBranch, 500)
	require.ErrorIs(t, err, graph.ErrTopologyConflict)
	var conflict *graph.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, acct.UUID, conflict.UUID)
}

func TestRelationshipDuplicate(t *testing.T) {
	e := newEnv(t)
	acct := e.node(t, "CoreAccount", nil, 100)
	group := e.node(t, "CoreGroup", nil, 100)
	rel, err := e.store.Relate(e.ctx, acct.ID, group.ID, "member_of", graph.DefaultBranch, 100)
	require.NoError(t, err)

	t.Run("wrong destination kind", func(t *testing.T) {
		op := RelationshipDuplicate{
			Previous: RelInfo{Name: "member_of", SourceKind: "CoreAccount", DestinationKind: "CoreTag"},
			New:      RelInfo{Name: "groups", SourceKind: "CoreAccount", DestinationKind: "CoreTag"},
		}
		_, err := e.rw.Apply(e.ctx, op, graph.GlobalBranch, 500)
		require.ErrorIs(t, err, graph.ErrElementNotFound)
	})

	t.Run("renamed everywhere", func(t *testing.T) {
		op := RelationshipDuplicate{
			Previous: RelInfo{Name: "member_of", SourceKind: "CoreAccount", DestinationKind: "CoreGroup"},
			New:      RelInfo{Name: "groups", SourceKind: "CoreAccount", DestinationKind: "CoreGroup"},
		}
		rep, err := e.rw.Apply(e.ctx, op, graph.GlobalBranch, 500)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Matched)

		peers, err := e.store.Peers(e.ctx, acct.ID, "groups", graph.DefaultBranch, 600)
		require.NoError(t, err)
		require.Len(t, peers, 1)
		assert.Equal(t, group.ID, peers[0].ID)

		old, err := e.store.Peers(e.ctx, acct.ID, "member_of", graph.DefaultBranch, 600)
		require.NoError(t, err)
		assert.Empty(t, old)

		rels, err := e.store.Relationships(e.ctx, acct.ID, "groups", graph.DefaultBranch, 600)
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, rel.UUID, rels[0].UUID)
	})
}

func TestRelationshipDuplicateConflict(t *testing.T) {
	e := newEnv(t)
	acct := e.node(t, "CoreAccount", nil, 100)
	g1 := e.node(t, "CoreGroup", nil, 100)
	g2 := e.node(t, "CoreGroup", nil, 100)
	rel, err := e.store.Relate(e.ctx, acct.ID, g1.ID, "member_of", graph.DefaultBranch, 100)
	require.NoError(t, err)
	_, err = e.store.Attach(e.ctx, rel.ID, g2.ID, graph.IsRelated, graph.DefaultBranch, 150, nil)
	require.NoError(t, err)

	op := RelationshipDuplicate{
		Previous: RelInfo{Name: "member_of", SourceKind: "CoreAccount", DestinationKind: "CoreGroup"},
		New:      RelInfo{Name: "groups"},
	}
	_, err = e.rw.Apply(e.ctx, op, graph.DefaultBranch, 500)
	require.ErrorIs(t, err, graph.ErrTopologyConflict)
}

func TestElementRetireIsIdempotent(t *testing.T) {
	for _, target := range []string{graph.DefaultBranch, "feature"} {
		t.Run(target, func(t *testing.T) {
			e := newEnv(t)
			e.branch(t, "feature", branch.CreateOptions{At: 50})
			_, err := e.store.DefineKind(e.ctx, graphstore.KindDefinition{
				Kind:          "Account",
				Attributes:    []string{"name", "type"},
				Relationships: []string{"groups"},
			}, graph.DefaultBranch, 100)
			require.NoError(t, err)

			op := ElementRetire{ElementNames: []string{"name", "groups"}, NodeKind: "Account"}
			rep, err := e.rw.Apply(e.ctx, op, target, 500)
			require.NoError(t, err)
			assert.Equal(t, 2, rep.Matched)

			names := func(b string) []string {
				els, err := e.store.SchemaElements(e.ctx, "Account", b, 600)
				require.NoError(t, err)
				var out []string
				for _, el := range els {
					out = append(out, el.Name)
				}
				return out
			}
			assert.Equal(t, []string{"type"}, names(target))

			_, err = e.rw.Apply(e.ctx, op, target, 700)
			require.ErrorIs(t, err, graph.ErrElementNotFound)
			assert.Equal(t, []string{"type"}, names(target))

			if target == "feature" {
				assert.Equal(t, []string{"name", "type", "groups"}, names(graph.DefaultBranch))
			}
		})
	}
}

func TestApplyRejectsClosedBranch(t *testing.T) {
	e := newEnv(t)
	e.branch(t, "feature", branch.CreateOptions{At: 50})
	require.NoError(t, e.dir.Close(e.ctx, "feature"))

	_, err := e.rw.Apply(e.ctx, rename, "feature", 100)
	require.ErrorIs(t, err, graph.ErrBranchClosed)

	_, err = e.rw.Apply(e.ctx, rename, "ghost", 100)
	require.ErrorIs(t, err, graph.ErrBranchNotFound)
}

func TestOperationValidation(t *testing.T) {
	e := newEnv(t)
	ops := []Operation{
		AttributeRename{NodeKind: "CoreAccount", PreviousName: "a", NewName: "a"},
		AttributeRename{NodeKind: "CoreAccount"},
		NodeDuplicate{},
		RelationshipDuplicate{},
		ElementRetire{NodeKind: "Account"},
	}
	for _, op := range ops {
		_, err := e.rw.Apply(e.ctx, op, graph.DefaultBranch, 100)
		require.Error(t, err, op.Name())
		assert.NotErrorIs(t, err, graph.ErrElementNotFound, op.Name())
	}
}
