package graphstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/storage"
)

// Kinds and relationship names used to store the schema as graph data.
const (
	KindSchemaNode         = "SchemaNode"
	KindSchemaAttribute    = "SchemaAttribute"
	KindSchemaRelationship = "SchemaRelationship"

	RelSchemaAttributes    = "schema__node__attributes"
	RelSchemaRelationships = "schema__node__relationships"
)

// ElementType distinguishes schema element vertices.
type ElementType string

const (
	ElementAttribute    ElementType = "attribute"
	ElementRelationship ElementType = "relationship"
)

// SchemaElement is one attribute or relationship declared for a kind.
type SchemaElement struct {
	Entity graph.Entity
	Name   string
	Type   ElementType
}

// KindDefinition declares a node kind.
type KindDefinition struct {
	Kind          string
	Attributes    []string
	Relationships []string
}

// DefineKind stores def as a SchemaNode with its elements.
func (s *Store) DefineKind(ctx context.Context, def KindDefinition, branchName string, at graph.Timestamp) (graph.Entity, error) {
	if at == 0 {
		at = graph.Now()
	}
	node, err := s.CreateNode(ctx, KindSchemaNode, map[string]any{PropName: def.Kind}, branchName, at)
	if err != nil {
		return graph.Entity{}, fmt.Errorf("define %s: %w", def.Kind, err)
	}
	add := func(kind, rel string, names []string) error {
		for _, name := range names {
			el, err := s.CreateNode(ctx, kind, map[string]any{PropName: name}, branchName, at)
			if err != nil {
				return err
			}
			if _, err := s.Relate(ctx, node.ID, el.ID, rel, branchName, at); err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(KindSchemaAttribute, RelSchemaAttributes, def.Attributes); err != nil {
		return graph.Entity{}, fmt.Errorf("define %s: %w", def.Kind, err)
	}
	if err := add(KindSchemaRelationship, RelSchemaRelationships, def.Relationships); err != nil {
		return graph.Entity{}, fmt.Errorf("define %s: %w", def.Kind, err)
	}
	s.logger.Debug("Kind defined", "kind", def.Kind, "branch", branchName,
		"attributes", len(def.Attributes), "relationships", len(def.Relationships))
	return node, nil
}

// SchemaNode returns the live SchemaNode describing kind.
func (s *Store) SchemaNode(ctx context.Context, kind, branchName string, at graph.Timestamp) (graph.Entity, error) {
	nodes, err := s.FindEntities(ctx, storage.VertexQuery{Kind: KindSchemaNode}, branchName, at)
	if err != nil {
		return graph.Entity{}, err
	}
	for _, n := range nodes {
		name, err := s.AttributeValue(ctx, n.ID, PropName, branchName, at)
		if errors.Is(err, graph.ErrElementNotFound) {
			continue
		}
		if err != nil {
			return graph.Entity{}, err
		}
		if graph.SameValue(name, kind) {
			return n, nil
		}
	}
	return graph.Entity{}, graph.ElementNotFound("schema node", kind)
}

// SchemaElements lists the live attribute and relationship elements of
// kind, sorted by type then name.
func (s *Store) SchemaElements(ctx context.Context, kind, branchName string, at graph.Timestamp) ([]SchemaElement, error) {
	node, err := s.SchemaNode(ctx, kind, branchName, at)
	if err != nil {
		return nil, err
	}
	var out []SchemaElement
	for _, group := range []struct {
		rel string
		typ ElementType
	}{
		{RelSchemaAttributes, ElementAttribute},
		{RelSchemaRelationships, ElementRelationship},
	} {
		peers, err := s.Peers(ctx, node.ID, group.rel, branchName, at)
		if err != nil {
			return nil, err
		}
		for _, p := range peers {
			name, err := s.AttributeValue(ctx, p.ID, PropName, branchName, at)
			if errors.Is(err, graph.ErrElementNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, SchemaElement{Entity: p, Name: fmt.Sprint(name), Type: group.typ})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
