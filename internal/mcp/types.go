package mcp

import (
	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/graph"
)

// --- Tool Arguments ---

type ListBranchesArgs struct{}

type ListBranchesResult struct {
	Branches []branch.Branch `json:"branches"`
}

type FindNodesArgs struct {
	Kind   string `json:"kind" jsonschema:"Node kind to list (e.g. 'CoreAccount')"`
	Branch string `json:"branch,omitempty" jsonschema:"Branch to read from. Defaults to 'main'"`
	At     string `json:"at,omitempty" jsonschema:"Instant to read at, as Unix nanoseconds or RFC3339. Defaults to now"`
}

type FindNodesResult struct {
	Nodes []graph.Entity `json:"nodes"`
}

type ResolveAttributeArgs struct {
	NodeID string `json:"node_id" jsonschema:"ID of the node vertex"`
	Name   string `json:"name" jsonschema:"Attribute name"`
	Branch string `json:"branch,omitempty" jsonschema:"Branch to read from. Defaults to 'main'"`
	At     string `json:"at,omitempty" jsonschema:"Instant to read at, as Unix nanoseconds or RFC3339. Defaults to now"`
}

type ResolveAttributeResult struct {
	Found  bool   `json:"found"`
	Value  any    `json:"value,omitempty"`
	Branch string `json:"branch"`
	At     int64  `json:"at"`
}

type DescribeSchemaArgs struct {
	Kind   string `json:"kind" jsonschema:"Node kind whose schema to describe"`
	Branch string `json:"branch,omitempty" jsonschema:"Branch to read from. Defaults to 'main'"`
	At     string `json:"at,omitempty" jsonschema:"Instant to read at, as Unix nanoseconds or RFC3339. Defaults to now"`
}

type SchemaElement struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type DescribeSchemaResult struct {
	Kind       string          `json:"kind"`
	Attributes []SchemaElement `json:"elements"`
}

type SchemaVersionArgs struct{}

type SchemaVersionResult struct {
	Version int    `json:"version"`
	Hash    string `json:"hash,omitempty"`
}
