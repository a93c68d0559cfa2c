package server

import (
	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/graph"
)

// CreateBranchRequest is the body of POST /branches.
type CreateBranchRequest struct {
	Name        string `json:"name"`
	From        string `json:"from,omitempty"`
	At          string `json:"at,omitempty"`
	Isolated    bool   `json:"isolated,omitempty"`
	Description string `json:"description,omitempty"`
}

// RebaseBranchRequest is the body of POST /branches/{name}/rebase.
type RebaseBranchRequest struct {
	At string `json:"at,omitempty"`
}

// BranchListResponse lists every branch in the directory.
type BranchListResponse struct {
	Branches []branch.Branch `json:"branches"`
}

// CreateNodeRequest is the body of POST /nodes.
type CreateNodeRequest struct {
	Kind       string         `json:"kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	At         string         `json:"at,omitempty"`
}

// SetAttributeRequest is the body of PUT /nodes/{id}/attributes/{name}.
type SetAttributeRequest struct {
	Value  any    `json:"value"`
	Branch string `json:"branch,omitempty"`
	At     string `json:"at,omitempty"`
}

// NodeListResponse lists the live nodes of a kind.
type NodeListResponse struct {
	Nodes []graph.Entity `json:"nodes"`
}

// AttributeResponse is a resolved attribute value.
type AttributeResponse struct {
	Node   string          `json:"node"`
	Name   string          `json:"name"`
	Value  any             `json:"value"`
	Branch string          `json:"branch"`
	At     graph.Timestamp `json:"at"`
}

// EdgeListResponse lists edges around a vertex.
type EdgeListResponse struct {
	Edges []graph.Edge `json:"edges"`
}

// SchemaElementResponse is one declared attribute or relationship.
type SchemaElementResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// SchemaResponse describes a kind's schema as seen by a branch.
type SchemaResponse struct {
	Kind     string                  `json:"kind"`
	Elements []SchemaElementResponse `json:"elements"`
}

// SchemaVersionResponse reports the applied migration version.
type SchemaVersionResponse struct {
	Version int    `json:"version"`
	Hash    string `json:"hash,omitempty"`
}

// TaskResponse is returned when an asynchronous task is accepted.
type TaskResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}
