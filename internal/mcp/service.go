package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/branchgraph/pkg/engine"
	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/storage"
)

// Service exposes read-only graph queries as MCP tools.
type Service struct {
	engine *engine.Engine
}

func NewService(eng *engine.Engine) *Service {
	return &Service{engine: eng}
}

// view applies the defaults of the optional branch and at arguments. An
// unknown branch is an error.
func (s *Service) view(branchName, rawAt string) (string, graph.Timestamp, error) {
	name := branchName
	if name == "" {
		name = graph.DefaultBranch
	}
	at, err := graph.ParseTimestamp(rawAt)
	if err != nil {
		return "", 0, fmt.Errorf("invalid 'at': %w", err)
	}
	if at == 0 {
		at = graph.Now()
	}
	if _, err := s.engine.Branches.Resolve(name); err != nil {
		return "", 0, err
	}
	return name, at, nil
}

// --- Tool Handlers ---

func (s *Service) ListBranches(ctx context.Context, req *mcp.CallToolRequest, args ListBranchesArgs) (*mcp.CallToolResult, ListBranchesResult, error) {
	return nil, ListBranchesResult{Branches: s.engine.Branches.List()}, nil
}

func (s *Service) FindNodes(ctx context.Context, req *mcp.CallToolRequest, args FindNodesArgs) (*mcp.CallToolResult, FindNodesResult, error) {
	if args.Kind == "" {
		return nil, FindNodesResult{}, fmt.Errorf("kind is required")
	}
	name, at, err := s.view(args.Branch, args.At)
	if err != nil {
		return nil, FindNodesResult{}, err
	}
	nodes, err := s.engine.Store.FindEntities(ctx, storage.VertexQuery{Class: graph.ClassNode, Kind: args.Kind}, name, at)
	if err != nil {
		return nil, FindNodesResult{}, err
	}
	if nodes == nil {
		nodes = []graph.Entity{}
	}
	return nil, FindNodesResult{Nodes: nodes}, nil
}

// ResolveAttribute reports a missing attribute as Found=false rather than
// as a tool error.
func (s *Service) ResolveAttribute(ctx context.Context, req *mcp.CallToolRequest, args ResolveAttributeArgs) (*mcp.CallToolResult, ResolveAttributeResult, error) {
	name, at, err := s.view(args.Branch, args.At)
	if err != nil {
		return nil, ResolveAttributeResult{}, err
	}
	res := ResolveAttributeResult{Branch: name, At: int64(at)}
	v, err := s.engine.Store.AttributeValue(ctx, args.NodeID, args.Name, name, at)
	switch {
	case err == nil:
		res.Found = true
		res.Value = v
	case graph.IsNotFound(err):
	default:
		return nil, ResolveAttributeResult{}, err
	}
	return nil, res, nil
}

func (s *Service) DescribeSchema(ctx context.Context, req *mcp.CallToolRequest, args DescribeSchemaArgs) (*mcp.CallToolResult, DescribeSchemaResult, error) {
	name, at, err := s.view(args.Branch, args.At)
	if err != nil {
		return nil, DescribeSchemaResult{}, err
	}
	elements, err := s.engine.Store.SchemaElements(ctx, args.Kind, name, at)
	if err != nil {
		return nil, DescribeSchemaResult{}, err
	}
	res := DescribeSchemaResult{Kind: args.Kind, Attributes: make([]SchemaElement, 0, len(elements))}
	for _, el := range elements {
		res.Attributes = append(res.Attributes, SchemaElement{Name: el.Name, Type: string(el.Type)})
	}
	return nil, res, nil
}

func (s *Service) SchemaVersion(ctx context.Context, req *mcp.CallToolRequest, args SchemaVersionArgs) (*mcp.CallToolResult, SchemaVersionResult, error) {
	v, hash, err := s.engine.SchemaVersion(ctx)
	if err != nil {
		return nil, SchemaVersionResult{}, err
	}
	return nil, SchemaVersionResult{Version: v, Hash: hash}, nil
}
