package rewrite

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/graphstore"
	"github.com/sanonone/branchgraph/pkg/storage"
)

// Operation names, as used in migration manifests.
const (
	OpAttributeRename       = "attribute_rename"
	OpNodeDuplicate         = "node_duplicate"
	OpRelationshipDuplicate = "relationship_duplicate"
	OpElementRetire         = "element_retire"
)

// AttributeRename renames attribute PreviousName to NewName on every node of
// NodeKind. The new attribute vertex keeps the old one's uuid.
type AttributeRename struct {
	NodeKind     string `yaml:"node_kind" json:"node_kind"`
	PreviousName string `yaml:"previous_name" json:"previous_name"`
	NewName      string `yaml:"new_name" json:"new_name"`
}

func (AttributeRename) Name() string { return OpAttributeRename }

func (op AttributeRename) apply(ctx context.Context, sc *scope, rep *Report) error {
	if op.NodeKind == "" || op.PreviousName == "" || op.NewName == "" {
		return fmt.Errorf("%s: node kind, previous and new name are required", op.Name())
	}
	if op.PreviousName == op.NewName {
		return fmt.Errorf("%s: previous and new name are both %q", op.Name(), op.NewName)
	}
	nodes, err := sc.nodes(ctx, storage.VertexQuery{Class: graph.ClassNode, Kind: op.NodeKind})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		olds, err := sc.attributes(ctx, n.ID, op.PreviousName)
		if err != nil {
			return err
		}
		for _, old := range olds {
			if err := sc.checkTarget(ctx, n.ID, op.NewName, old.UUID); err != nil {
				return err
			}
			props := renamed(old.Properties, op.NewName)
			repl, err := sc.replacement(ctx, old,
				storage.VertexQuery{Class: graph.ClassAttribute, UUID: old.UUID},
				func(v graph.Entity) bool { return v.Prop(graphstore.PropName) == op.NewName },
				graphstore.EntitySpec{
					Class:      graph.ClassAttribute,
					UUID:       old.UUID,
					Labels:     old.Labels,
					Properties: props,
				}, rep)
			if err != nil {
				return err
			}
			if err := sc.move(ctx, old.ID, repl.ID, rep); err != nil {
				return fmt.Errorf("rename %s.%s: %w", n.ID, op.PreviousName, err)
			}
			rep.Matched++
		}
	}
	if rep.Matched == 0 {
		return graph.ElementNotFound("attribute", op.NodeKind+"."+op.PreviousName)
	}
	return nil
}

// attributes collects the attribute vertices named name on node across the
// scope's views.
func (sc *scope) attributes(ctx context.Context, node, name string) ([]graph.Entity, error) {
	found := make(map[string]graph.Entity)
	for _, v := range sc.views() {
		attr, _, err := sc.store.Attribute(ctx, node, name, v, sc.at)
		if errors.Is(err, graph.ErrElementNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found[attr.ID] = attr
	}
	return sortedEntities(found), nil
}

// checkTarget fails when node already carries an unrelated attribute named
// name in any view.
func (sc *scope) checkTarget(ctx context.Context, node, name, uuid string) error {
	existing, err := sc.attributes(ctx, node, name)
	if err != nil {
		return err
	}
	for _, a := range existing {
		if a.UUID != uuid {
			return &graph.ConflictError{UUID: a.UUID, Reason: fmt.Sprintf("node %s already has attribute %q", node, name)}
		}
	}
	return nil
}

func renamed(props map[string]any, name string) map[string]any {
	out := graph.CloneProperties(props)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out[graphstore.PropName] = name
	return out
}

// SchemaInfo identifies a node kind and the labels its vertices carry.
type SchemaInfo struct {
	Kind   string   `yaml:"kind" json:"kind"`
	Labels []string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

func (s SchemaInfo) labels() []string {
	if len(s.Labels) > 0 {
		return s.Labels
	}
	return []string{"Node", s.Kind}
}

// NodeDuplicate re-kinds every live node of Previous.Kind in place: the
// replacement keeps the uuid and takes over every edge.
type NodeDuplicate struct {
	Previous SchemaInfo `yaml:"previous" json:"previous"`
	New      SchemaInfo `yaml:"new" json:"new"`
}

func (NodeDuplicate) Name() string { return OpNodeDuplicate }

func (op NodeDuplicate) apply(ctx context.Context, sc *scope, rep *Report) error {
	if op.Previous.Kind == "" || op.New.Kind == "" {
		return fmt.Errorf("%s: previous and new kind are required", op.Name())
	}
	nodes, err := sc.nodes(ctx, storage.VertexQuery{Class: graph.ClassNode, Kind: op.Previous.Kind})
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return graph.ElementNotFound("node kind", op.Previous.Kind)
	}
	byUUID := make(map[string]int, len(nodes))
	for _, n := range nodes {
		byUUID[n.UUID]++
		if byUUID[n.UUID] > 1 {
			return &graph.ConflictError{UUID: n.UUID, Reason: fmt.Sprintf("several live %s vertices", op.Previous.Kind)}
		}
	}

	for _, n := range nodes {
		repl, err := sc.replacement(ctx, n,
			storage.VertexQuery{Class: graph.ClassNode, Kind: op.New.Kind, UUID: n.UUID},
			nil,
			graphstore.EntitySpec{
				Class:      graph.ClassNode,
				Kind:       op.New.Kind,
				UUID:       n.UUID,
				Labels:     op.New.labels(),
				Properties: n.Properties,
			}, rep)
		if err != nil {
			return err
		}
		if err := sc.move(ctx, n.ID, repl.ID, rep); err != nil {
			return fmt.Errorf("re-kind %s: %w", n.ID, err)
		}
		rep.Matched++
	}
	return nil
}

// RelInfo identifies a relationship by name and the kinds it bridges.
type RelInfo struct {
	Name            string `yaml:"name" json:"name"`
	SourceKind      string `yaml:"source_kind" json:"source_kind"`
	DestinationKind string `yaml:"destination_kind" json:"destination_kind"`
}

// RelationshipDuplicate renames the relationships named Previous.Name that
// link a Previous.SourceKind node to a Previous.DestinationKind node.
type RelationshipDuplicate struct {
	Previous RelInfo `yaml:"previous" json:"previous"`
	New      RelInfo `yaml:"new" json:"new"`
}

func (RelationshipDuplicate) Name() string { return OpRelationshipDuplicate }

func (op RelationshipDuplicate) apply(ctx context.Context, sc *scope, rep *Report) error {
	if op.Previous.Name == "" || op.New.Name == "" || op.Previous.SourceKind == "" {
		return fmt.Errorf("%s: previous name, source kind and new name are required", op.Name())
	}
	sources, err := sc.nodes(ctx, storage.VertexQuery{Class: graph.ClassNode, Kind: op.Previous.SourceKind})
	if err != nil {
		return err
	}
	rels := make(map[string]graph.Entity)
	for _, src := range sources {
		for _, v := range sc.views() {
			found, err := sc.store.Relationships(ctx, src.ID, op.Previous.Name, v, sc.at)
			if err != nil {
				return err
			}
			for _, r := range found {
				rels[r.ID] = r
			}
		}
	}

	for _, rel := range sortedEntities(rels) {
		ins, err := sc.activePeers(ctx, rel.ID, graph.IsRelated, graph.Inbound)
		if err != nil {
			return err
		}
		outs, err := sc.activePeers(ctx, rel.ID, graph.IsRelated, graph.Outbound)
		if err != nil {
			return err
		}
		if len(ins) > 1 || len(outs) > 1 {
			return &graph.ConflictError{
				UUID:   rel.UUID,
				Reason: fmt.Sprintf("relationship %q has %d sources and %d destinations", op.Previous.Name, len(ins), len(outs)),
			}
		}
		if len(ins) == 0 || len(outs) == 0 {
			continue
		}
		dst, err := sc.store.Entity(ctx, outs[0])
		if err != nil {
			return err
		}
		if op.Previous.DestinationKind != "" && dst.Kind != op.Previous.DestinationKind {
			continue
		}

		props := renamed(rel.Properties, op.New.Name)
		repl, err := sc.replacement(ctx, rel,
			storage.VertexQuery{Class: graph.ClassRelationship, UUID: rel.UUID},
			func(v graph.Entity) bool { return v.Prop(graphstore.PropName) == op.New.Name },
			graphstore.EntitySpec{
				Class:      graph.ClassRelationship,
				UUID:       rel.UUID,
				Labels:     rel.Labels,
				Properties: props,
			}, rep)
		if err != nil {
			return err
		}
		if err := sc.move(ctx, rel.ID, repl.ID, rep); err != nil {
			return fmt.Errorf("rename relationship %s: %w", rel.ID, err)
		}
		rep.Matched++
	}
	if rep.Matched == 0 {
		return graph.ElementNotFound("relationship", fmt.Sprintf("%s-%s->%s", op.Previous.SourceKind, op.Previous.Name, op.Previous.DestinationKind))
	}
	return nil
}

// ElementRetire detaches the schema elements of NodeKind named in
// ElementNames. The element vertices stay in history but are no longer
// reachable.
type ElementRetire struct {
	ElementNames []string `yaml:"element_names" json:"element_names"`
	NodeKind     string   `yaml:"node_kind" json:"node_kind"`
}

func (ElementRetire) Name() string { return OpElementRetire }

func (op ElementRetire) apply(ctx context.Context, sc *scope, rep *Report) error {
	if op.NodeKind == "" || len(op.ElementNames) == 0 {
		return fmt.Errorf("%s: node kind and element names are required", op.Name())
	}
	wanted := make(map[string]bool, len(op.ElementNames))
	for _, n := range op.ElementNames {
		wanted[n] = true
	}

	found := make(map[string]graph.Entity)
	for _, v := range sc.views() {
		elements, err := sc.store.SchemaElements(ctx, op.NodeKind, v, sc.at)
		if errors.Is(err, graph.ErrElementNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		for _, el := range elements {
			if wanted[el.Name] {
				found[el.Entity.ID] = el.Entity
			}
		}
	}
	if len(found) == 0 {
		names := append([]string(nil), op.ElementNames...)
		sort.Strings(names)
		return graph.ElementNotFound("schema element", fmt.Sprintf("%s%v", op.NodeKind, names))
	}

	for _, el := range sortedEntities(found) {
		if err := sc.retire(ctx, el.ID, rep); err != nil {
			return err
		}
		rep.Matched++
	}
	return nil
}
