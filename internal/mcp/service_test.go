package mcp

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/config"
	"github.com/sanonone/branchgraph/pkg/engine"
	"github.com/sanonone/branchgraph/pkg/graph"
)

func openEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	eng, err := engine.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestServiceTools(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t)
	_, err := eng.Branches.Create(ctx, "feature", branch.CreateOptions{At: 10})
	require.NoError(t, err)
	node, err := eng.Store.CreateNode(ctx, "CoreAccount", map[string]any{"name": "A"}, graph.DefaultBranch, 100)
	require.NoError(t, err)
	require.NoError(t, eng.Store.SetAttribute(ctx, node.ID, "name", "B", "feature", 200))

	svc := NewService(eng)

	_, branches, err := svc.ListBranches(ctx, nil, ListBranchesArgs{})
	require.NoError(t, err)
	assert.Len(t, branches.Branches, 3)

	_, nodes, err := svc.FindNodes(ctx, nil, FindNodesArgs{Kind: "CoreAccount"})
	require.NoError(t, err)
	require.Len(t, nodes.Nodes, 1)
	assert.Equal(t, node.ID, nodes.Nodes[0].ID)

	_, attr, err := svc.ResolveAttribute(ctx, nil, ResolveAttributeArgs{
		NodeID: node.ID,
		Name:   "name",
		Branch: "feature",
		At:     "300",
	})
	require.NoError(t, err)
	assert.True(t, attr.Found)
	assert.Equal(t, "B", attr.Value)

	_, attr, err = svc.ResolveAttribute(ctx, nil, ResolveAttributeArgs{
		NodeID: node.ID,
		Name:   "name",
		At:     "50",
	})
	require.NoError(t, err)
	assert.False(t, attr.Found)

	_, _, err = svc.ResolveAttribute(ctx, nil, ResolveAttributeArgs{NodeID: node.ID, Name: "name", Branch: "nope"})
	assert.Error(t, err)

	_, version, err := svc.SchemaVersion(ctx, nil, SchemaVersionArgs{})
	require.NoError(t, err)
	assert.Equal(t, 0, version.Version)
}

func TestServerListsTools(t *testing.T) {
	ctx := context.Background()
	server := NewMCPServer(openEngine(t))

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"list_branches", "find_nodes", "resolve_attribute", "describe_schema", "schema_version"}, names)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "schema_version", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.IsError)
}
