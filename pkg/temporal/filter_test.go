package temporal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/branchgraph/pkg/graph"
)

type fakeAncestry map[string][]graph.BranchScope

func (f fakeAncestry) AncestryOf(name string) ([]graph.BranchScope, error) {
	s, ok := f[name]
	if !ok {
		return nil, graph.BranchNotFound(name)
	}
	return s, nil
}

func (f fakeAncestry) AllScopes() []graph.BranchScope {
	var out []graph.BranchScope
	for name, s := range f {
		out = append(out, graph.BranchScope{Name: name, Level: s[0].Level})
	}
	return out
}

func testAncestry() fakeAncestry {
	global := graph.BranchScope{Name: graph.GlobalBranch, Level: 1}
	main := graph.BranchScope{Name: graph.DefaultBranch, Level: 1}
	return fakeAncestry{
		graph.GlobalBranch:  {global},
		graph.DefaultBranch: {main, global},
		"feature":           {{Name: "feature", Level: 2}, main, global},
		"isolated":          {{Name: "isolated", Level: 2}, {Name: graph.DefaultBranch, Level: 1, Until: 50}, global},
	}
}

func TestVisibleHalfOpen(t *testing.T) {
	e := graph.Edge{ID: "e", Branch: graph.DefaultBranch, BranchLevel: 1, Status: graph.StatusActive, From: 10, To: 20}

	cases := []struct {
		at   graph.Timestamp
		want bool
	}{
		{9, false},
		{10, true},
		{19, true},
		{20, false},
		{21, false},
	}
	for _, c := range cases {
		p, err := Build(testAncestry(), graph.DefaultBranch, c.at)
		require.NoError(t, err)
		assert.Equal(t, c.want, p.Visible(e), "at=%d", c.at)
	}
}

func TestVisibleOpenEnded(t *testing.T) {
	e := graph.Edge{ID: "e", Branch: graph.DefaultBranch, From: 10}
	p, err := Build(testAncestry(), "feature", 1_000_000)
	require.NoError(t, err)
	assert.True(t, p.Visible(e))
}

func TestBranchIsolation(t *testing.T) {
	onFeature := graph.Edge{ID: "f", Branch: "feature", BranchLevel: 2, From: 1}

	main, err := Build(testAncestry(), graph.DefaultBranch, 100)
	require.NoError(t, err)
	assert.False(t, main.Visible(onFeature))

	global, err := Build(testAncestry(), graph.GlobalBranch, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{graph.GlobalBranch}, global.Branches())
}

func TestScopeCap(t *testing.T) {
	// Trunk edge written after the isolated branch forked stays invisible.
	late := graph.Edge{ID: "late", Branch: graph.DefaultBranch, BranchLevel: 1, From: 60}
	early := graph.Edge{ID: "early", Branch: graph.DefaultBranch, BranchLevel: 1, From: 40}

	p, err := Build(testAncestry(), "isolated", 100)
	require.NoError(t, err)
	assert.False(t, p.Visible(late))
	assert.True(t, p.Visible(early))

	// Closed after the cap: still visible to the isolated branch.
	closed := graph.Edge{ID: "c", Branch: graph.DefaultBranch, From: 40, To: 70}
	assert.True(t, p.Visible(closed))
}

func TestUnknownBranch(t *testing.T) {
	_, err := Build(testAncestry(), "nope", 0)
	require.ErrorIs(t, err, graph.ErrBranchNotFound)
}

func TestZeroInstantMeansNow(t *testing.T) {
	before := graph.Now()
	p, err := Build(testAncestry(), graph.DefaultBranch, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(p.At), int64(before))
}

func TestResolutionOrder(t *testing.T) {
	edges := []graph.Edge{
		{ID: "a", BranchLevel: 1, From: 30},
		{ID: "b", BranchLevel: 2, From: 10},
		{ID: "c", BranchLevel: 1, From: 30},
		{ID: "d", BranchLevel: 2, From: 20},
	}

	// Every permutation must agree on the winner.
	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}
	for _, perm := range perms {
		in := make([]graph.Edge, len(perm))
		for i, j := range perm {
			in[i] = edges[j]
		}
		top, ok := Top(in)
		require.True(t, ok)
		assert.Equal(t, "d", top.ID)

		Sort(in)
		got := []string{in[0].ID, in[1].ID, in[2].ID, in[3].ID}
		assert.Equal(t, []string{"d", "b", "c", "a"}, got)
	}
}

func TestCarriedEdgesKeepOriginOrder(t *testing.T) {
	// Two copies written at the same instant on the same level. The one
	// carried from the later edge wins even though its ID sorts lower.
	older := graph.Edge{ID: "z", BranchLevel: 1, From: 100, Origin: 10}
	newer := graph.Edge{ID: "a", BranchLevel: 1, From: 100, Origin: 20}
	plain := graph.Edge{ID: "m", BranchLevel: 1, From: 100}

	assert.True(t, Less(newer, older))
	assert.False(t, Less(older, newer))
	assert.True(t, Less(plain, newer), "an edge written at the instant outranks copies of older edges")

	top, ok := Top([]graph.Edge{older, newer})
	require.True(t, ok)
	assert.Equal(t, "a", top.ID)
}

func TestBuildAll(t *testing.T) {
	p := BuildAll(testAncestry(), 100)
	assert.True(t, p.All)
	assert.True(t, p.Visible(graph.Edge{Branch: "feature", From: 1}))
	assert.True(t, p.Visible(graph.Edge{Branch: graph.GlobalBranch, From: 1}))
}
