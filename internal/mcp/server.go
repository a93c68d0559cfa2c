package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/branchgraph/pkg/engine"
)

// Version is reported to MCP clients.
var Version = "dev"

func NewMCPServer(eng *engine.Engine) *mcp.Server {
	service := NewService(eng)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "branchgraph",
		Version: Version,
	}, nil)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_branches",
		Description: "List every branch with its level, parent, fork point and status.",
	}, service.ListBranches)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "find_nodes",
		Description: "List the nodes of a kind that are live on a branch at an instant.",
	}, service.FindNodes)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "resolve_attribute",
		Description: "Read the value of a node attribute as seen by a branch at an instant.",
	}, service.ResolveAttribute)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "describe_schema",
		Description: "List the attributes and relationships declared for a node kind.",
	}, service.DescribeSchema)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "schema_version",
		Description: "Report the migration version applied to the graph.",
	}, service.SchemaVersion)

	return s
}
