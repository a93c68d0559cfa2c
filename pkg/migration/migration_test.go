package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/graphstore"
	"github.com/sanonone/branchgraph/pkg/rewrite"
	"github.com/sanonone/branchgraph/pkg/storage/memory"
)

type env struct {
	ctx   context.Context
	store *graphstore.Store
	rw    *rewrite.Rewriter
	acct  graph.Entity
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
	_, err := dir.Create(ctx, "feature", branch.CreateOptions{At: 50})
	require.NoError(t, err)
	acct, err := s.CreateNode(ctx, "CoreAccount", map[string]any{"type": "admin", "name": "alice"}, graph.DefaultBranch, 100)
	require.NoError(t, err)
	return &env{ctx: ctx, store: s, rw: rewrite.New(s, nil), acct: acct}
}

// ticker returns a clock advancing by one from start on every call.
func ticker(start graph.Timestamp) func() graph.Timestamp {
	next := start
	return func() graph.Timestamp {
		next++
		return next
	}
}

func (e *env) runner(t *testing.T, migrations []Migration, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithClock(ticker(1000))}, opts...)
	r, err := NewRunner(e.store, e.rw, migrations, opts...)
	require.NoError(t, err)
	return r
}

func renameType() Migration {
	return Migration{
		Name:    "rename-account-type",
		Version: 1,
		Operations: []Step{
			{Operation: rewrite.AttributeRename{NodeKind: "CoreAccount", PreviousName: "type", NewName: "account_type"}},
		},
		Validate: All(
			AttributeExists("CoreAccount", "account_type", ""),
			AttributeAbsent("CoreAccount", "type", "feature"),
		),
	}
}

func TestRunAppliesInOrderAndRecordsVersion(t *testing.T) {
	e := newEnv(t)
	second := Migration{
		Name:           "rename-account-name",
		Version:        2,
		MinimumVersion: 1,
		Operations: []Step{
			{Operation: rewrite.AttributeRename{NodeKind: "CoreAccount", PreviousName: "name", NewName: "label"}, Branch: graph.DefaultBranch},
		},
	}
	r := e.runner(t, []Migration{renameType(), second}, WithFingerprint("abc"))
	assert.Equal(t, StatePending, r.Status().State)

	st, err := r.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 2, st.Version)
	require.Len(t, st.Results, 2)
	for _, res := range st.Results {
		assert.Equal(t, "completed", res.State)
		require.Len(t, res.Reports, 1)
	}
	assert.Equal(t, graph.GlobalBranch, st.Results[0].Reports[0].Branch)
	assert.Equal(t, graph.DefaultBranch, st.Results[1].Reports[0].Branch)

	v, err := r.CurrentVersion(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	root, err := e.store.Entity(e.ctx, graph.RootID)
	require.NoError(t, err)
	assert.Equal(t, "abc", root.Prop(PropGraphVersionHash))

	got, err := e.store.AttributeValue(e.ctx, e.acct.ID, "label", "feature", 5000)
	require.NoError(t, err)
	assert.Equal(t, "alice", got)
}

func TestRunSkipsAppliedMigrations(t *testing.T) {
	e := newEnv(t)
	r := e.runner(t, []Migration{renameType()})
	_, err := r.Run(e.ctx)
	require.NoError(t, err)

	// A fresh runner reads the version back from the graph.
	again := e.runner(t, []Migration{renameType()})
	st, err := again.Run(e.ctx)
	require.NoError(t, err)
	require.Len(t, st.Results, 1)
	assert.Equal(t, "skipped", st.Results[0].State)
	assert.Equal(t, 1, st.Version)
}

func TestRunToleratesElementNotFound(t *testing.T) {
	e := newEnv(t)
	m := Migration{
		Name:    "retire-missing",
		Version: 1,
		Operations: []Step{
			{Operation: rewrite.ElementRetire{ElementNames: []string{"nope"}, NodeKind: "Ghost"}},
		},
	}
	st, err := e.runner(t, []Migration{m}).Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Version)
	assert.Empty(t, st.Results[0].Reports)
}

func TestRunMinimumVersionGate(t *testing.T) {
	e := newEnv(t)
	m := renameType()
	m.Version = 3
	m.MinimumVersion = 2

	r := e.runner(t, []Migration{m})
	st, err := r.Run(e.ctx)
	require.ErrorIs(t, err, ErrMigrationFailed)
	require.ErrorIs(t, err, ErrVersionTooLow)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "rename-account-type", failed.Name)
	assert.Equal(t, 0, failed.Position)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 0, st.Version)

	// Nothing ran.
	got, err := e.store.AttributeValue(e.ctx, e.acct.ID, "type", graph.DefaultBranch, 5000)
	require.NoError(t, err)
	assert.Equal(t, "admin", got)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	e := newEnv(t)
	twin, err := e.store.CreateEntityWith(e.ctx, graphstore.EntitySpec{Kind: "CoreAccount", UUID: e.acct.UUID})
	require.NoError(t, err)
	_, err = e.store.AddToRoot(e.ctx, twin.ID, graph.DefaultBranch, 100)
	require.NoError(t, err)

	broken := Migration{
		Name:    "re-kind-accounts",
		Version: 2,
		Operations: []Step{
			{Operation: rewrite.AttributeRename{NodeKind: "CoreGroup", PreviousName: "x", NewName: "y"}},
			{Operation: rewrite.NodeDuplicate{
				Previous: rewrite.SchemaInfo{Kind: "CoreAccount"},
				New:      rewrite.SchemaInfo{Kind: "GenericAccount"},
			}},
		},
	}
	never := Migration{Name: "never", Version: 3}

	first := renameType()
	first.Validate = nil
	r := e.runner(t, []Migration{first, broken, never})
	st, err := r.Run(e.ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, graph.ErrTopologyConflict)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "re-kind-accounts", failed.Name)
	assert.Equal(t, 1, failed.Position)
	assert.Equal(t, 1, failed.Step)

	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 1, st.Version)
	require.Len(t, st.Results, 2)
	assert.Equal(t, "failed", st.Results[1].State)
	assert.NotEmpty(t, st.Error)

	v, err := r.CurrentVersion(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRunValidationFailure(t *testing.T) {
	e := newEnv(t)
	m := Migration{
		Name:     "check-only",
		Version:  1,
		Validate: AttributeExists("CoreAccount", "missing", ""),
	}
	_, err := e.runner(t, []Migration{m}).Run(e.ctx)
	require.ErrorIs(t, err, ErrMigrationFailed)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, -1, failed.Step)
	assert.False(t, errors.Is(err, graph.ErrElementNotFound))
}

func TestRunHonoursCancellation(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(e.ctx)
	cancel()

	_, err := e.runner(t, []Migration{renameType()}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrMigrationFailed)
}

func TestNewRunnerRejectsBadSequences(t *testing.T) {
	e := newEnv(t)
	cases := map[string][]Migration{
		"unnamed":        {{Version: 1}},
		"duplicate name": {{Name: "a", Version: 1}, {Name: "a", Version: 2}},
		"not increasing": {{Name: "a", Version: 2}, {Name: "b", Version: 2}},
		"zero version":   {{Name: "a"}},
	}
	for name, ms := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRunner(e.store, e.rw, ms)
			require.Error(t, err)
		})
	}
}

const manifestYAML = `
migrations:
  - name: rename-account-type
    version: 1
    operations:
      - attribute_rename:
          node_kind: CoreAccount
          previous_name: type
          new_name: account_type
    validate:
      - attribute_exists: {node_kind: CoreAccount, name: account_type}
      - attribute_absent: {node_kind: CoreAccount, name: type, branch: feature}
  - name: generic-accounts
    version: 2
    minimum_version: 1
    branch: main
    operations:
      - node_duplicate:
          previous: {kind: CoreAccount}
          new: {kind: GenericAccount, labels: [Node, GenericAccount]}
      - element_retire:
          node_kind: CoreAccount
          element_names: [type]
        branch: feature
`

func TestManifestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Migrations, 2)
	assert.Len(t, m.Fingerprint, 64)

	gen := m.Migrations[1]
	assert.Equal(t, graph.DefaultBranch, gen.Branch)
	require.Len(t, gen.Operations, 2)
	assert.Equal(t, rewrite.OpNodeDuplicate, gen.Operations[0].Operation.Name())
	assert.Equal(t, "feature", gen.Operations[1].Branch)

	e := newEnv(t)
	r := e.runner(t, m.Migrations, WithFingerprint(m.Fingerprint))
	st, err := r.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Version)

	root, err := e.store.Entity(e.ctx, graph.RootID)
	require.NoError(t, err)
	assert.Equal(t, m.Fingerprint, root.Prop(PropGraphVersionHash))
}

func TestParseManifestErrors(t *testing.T) {
	cases := map[string]string{
		"unknown field": `
migrations:
  - name: a
    version: 1
    colour: blue
`,
		"two operations": `
migrations:
  - name: a
    version: 1
    operations:
      - attribute_rename: {node_kind: K, previous_name: a, new_name: b}
        element_retire: {node_kind: K, element_names: [a]}
`,
		"empty operation": `
migrations:
  - name: a
    version: 1
    operations:
      - branch: main
`,
		"empty validation": `
migrations:
  - name: a
    version: 1
    validate:
      - {}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestManifestFingerprintIsStable(t *testing.T) {
	a, err := ParseManifest([]byte(manifestYAML))
	require.NoError(t, err)
	b, err := ParseManifest([]byte(manifestYAML))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	c, err := ParseManifest([]byte(manifestYAML + "\n# changed\n"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}
