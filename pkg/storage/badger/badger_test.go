package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/storage"
	"github.com/sanonone/branchgraph/pkg/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		db, err := Open(InMemoryConfig())
		require.NoError(t, err)
		return db
	})
}

func TestPersistentReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	cfg.GCInterval = 0

	ctx := context.Background()
	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.CreateVertex(ctx, graph.Entity{ID: "branch:feature/x", UUID: "u1", Class: graph.ClassBranch}))
	require.NoError(t, db.CreateVertex(ctx, graph.Entity{ID: "branch:feature", UUID: "u2", Class: graph.ClassBranch}))
	require.NoError(t, db.CreateEdge(ctx, graph.Edge{
		ID: "e", Type: graph.IsPartOf, Source: "branch:feature/x", Target: "branch:feature",
		Branch: graph.GlobalBranch, BranchLevel: 1, Status: graph.StatusActive, From: 1,
	}))
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	// A vertex id that is a prefix of another must not pick up its edges.
	out, err := db.MatchEdges(ctx, storage.EdgeQuery{Vertex: "branch:feature", Direction: graph.Outbound})
	require.NoError(t, err)
	assert.Empty(t, out)

	in, err := db.MatchEdges(ctx, storage.EdgeQuery{Vertex: "branch:feature", Direction: graph.Inbound})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "e", in[0].ID)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
