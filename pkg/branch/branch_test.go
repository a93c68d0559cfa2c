package branch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/storage/memory"
)

func newDirectory(t *testing.T) (*Directory, *memory.Store) {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })
	d := NewDirectory(st, nil)
	require.NoError(t, d.Bootstrap(context.Background()))
	return d, st
}

func names(scopes []graph.BranchScope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = s.Name
	}
	return out
}

func TestBootstrap(t *testing.T) {
	d, _ := newDirectory(t)

	main, err := d.Resolve(graph.DefaultBranch)
	require.NoError(t, err)
	assert.True(t, main.IsDefault)
	assert.Equal(t, 1, main.Level)

	global, err := d.Global()
	require.NoError(t, err)
	assert.True(t, global.IsGlobal)
	assert.Equal(t, 1, global.Level)

	// Idempotent.
	require.NoError(t, d.Bootstrap(context.Background()))
	assert.Len(t, d.List(), 2)
}

func TestAncestry(t *testing.T) {
	d, _ := newDirectory(t)
	ctx := context.Background()

	_, err := d.Create(ctx, "feature", CreateOptions{At: 10})
	require.NoError(t, err)
	sub, err := d.Create(ctx, "feature/sub", CreateOptions{From: "feature", At: 20})
	require.NoError(t, err)
	assert.Equal(t, 3, sub.Level)

	cases := []struct {
		branch string
		want   []string
	}{
		{graph.GlobalBranch, []string{graph.GlobalBranch}},
		{graph.DefaultBranch, []string{graph.DefaultBranch, graph.GlobalBranch}},
		{"feature", []string{"feature", graph.DefaultBranch, graph.GlobalBranch}},
		{"feature/sub", []string{"feature/sub", "feature", graph.DefaultBranch, graph.GlobalBranch}},
	}
	for _, c := range cases {
		t.Run(c.branch, func(t *testing.T) {
			scopes, err := d.AncestryOf(c.branch)
			require.NoError(t, err)
			assert.Equal(t, c.want, names(scopes))
			for _, s := range scopes {
				assert.Zero(t, s.Until)
			}
		})
	}

	_, err = d.AncestryOf("missing")
	require.ErrorIs(t, err, graph.ErrBranchNotFound)

	assert.True(t, d.IsAncestor(graph.DefaultBranch, "feature/sub"))
	assert.True(t, d.IsAncestor("feature", "feature/sub"))
	assert.False(t, d.IsAncestor("feature/sub", "feature"))
	assert.False(t, d.IsAncestor("feature", "feature"))
}

func TestIsolatedAncestryIsCapped(t *testing.T) {
	d, _ := newDirectory(t)
	ctx := context.Background()

	_, err := d.Create(ctx, "iso", CreateOptions{At: 100, Isolated: true})
	require.NoError(t, err)
	_, err = d.Create(ctx, "iso/child", CreateOptions{From: "iso", At: 200})
	require.NoError(t, err)

	scopes, err := d.AncestryOf("iso/child")
	require.NoError(t, err)
	require.Len(t, scopes, 4)
	assert.Equal(t, graph.Timestamp(0), scopes[0].Until)
	assert.Equal(t, graph.Timestamp(0), scopes[1].Until) // iso itself, seen by its non-isolated child
	assert.Equal(t, graph.Timestamp(100), scopes[2].Until)
	assert.Equal(t, graph.Timestamp(0), scopes[3].Until) // global

	rebased, err := d.Rebase(ctx, "iso", 300)
	require.NoError(t, err)
	assert.Equal(t, graph.Timestamp(300), rebased.BranchedAt)

	scopes, err = d.AncestryOf("iso")
	require.NoError(t, err)
	assert.Equal(t, graph.Timestamp(300), scopes[1].Until)
}

func TestCreateValidation(t *testing.T) {
	d, _ := newDirectory(t)
	ctx := context.Background()

	_, err := d.Create(ctx, "Bad Name", CreateOptions{})
	require.ErrorIs(t, err, graph.ErrInvalidBranchName)

	_, err = d.Create(ctx, graph.DefaultBranch, CreateOptions{})
	require.ErrorIs(t, err, graph.ErrBranchExists)

	_, err = d.Create(ctx, "x", CreateOptions{From: "nope"})
	require.ErrorIs(t, err, graph.ErrBranchNotFound)

	_, err = d.Create(ctx, "x", CreateOptions{From: graph.GlobalBranch})
	require.Error(t, err)
}

func TestCloseAndReload(t *testing.T) {
	d, st := newDirectory(t)
	ctx := context.Background()

	_, err := d.Create(ctx, "feature", CreateOptions{At: 5, Description: "work"})
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx, "feature"))

	b, err := d.Resolve("feature")
	require.NoError(t, err)
	require.ErrorIs(t, b.Writable(), graph.ErrBranchClosed)

	_, err = d.Create(ctx, "feature/sub", CreateOptions{From: "feature"})
	require.ErrorIs(t, err, graph.ErrBranchClosed)

	require.ErrorIs(t, d.Close(ctx, graph.DefaultBranch), graph.ErrImmutableHistory)

	reloaded := NewDirectory(st, nil)
	require.NoError(t, reloaded.Bootstrap(ctx))
	got, err := reloaded.Resolve("feature")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, 2, got.Level)
	assert.Equal(t, graph.Timestamp(5), got.BranchedAt)
	assert.Equal(t, "work", got.Description)
	assert.Len(t, reloaded.List(), 3)
}
