package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(append([]string{"--backend", "sqlite", "--data-dir", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestBranchCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "branch", "create", "feature", "--at", "10", "--isolated")
	require.NoError(t, err)
	assert.Contains(t, out, "created feature (level 2, from main")

	out, err = run(t, dir, "branch", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "-global-")
	assert.Contains(t, out, "feature")

	_, err = run(t, dir, "branch", "create", "feature")
	assert.ErrorContains(t, err, "already exists")

	out, err = run(t, dir, "branch", "rebase", "feature", "--at", "20")
	require.NoError(t, err)
	assert.Contains(t, out, "rebased feature")

	_, err = run(t, dir, "branch", "close", "feature")
	require.NoError(t, err)
	_, err = run(t, dir, "branch", "close", "main")
	assert.Error(t, err)

	_, err = run(t, dir, "branch", "create")
	assert.Error(t, err)
}

func TestMigrateCommands(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(t.TempDir(), "migrations.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
migrations:
  - name: retire-legacy
    version: 1
    operations:
      - element_retire: {node_kind: CoreAccount, element_names: [legacy]}
`), 0o644))

	out, err := run(t, dir, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "version 0")

	// Nothing matches, which counts as already applied.
	out, err = run(t, dir, "migrate", "up", "--manifest", manifest)
	require.NoError(t, err)
	assert.Contains(t, out, "retire-legacy")
	assert.Contains(t, out, "graph at version 1 (completed)")

	out, err = run(t, dir, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "version 1")

	_, err = run(t, dir, "migrate", "up")
	assert.ErrorContains(t, err, "no migration manifest configured")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}
