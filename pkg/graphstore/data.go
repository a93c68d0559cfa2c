package graphstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/temporal"
)

// Property keys on data vertices.
const (
	PropName  = "name"
	PropValue = "value"
)

// CreateNode creates a live node of kind on branchName with the given
// attribute values.
func (s *Store) CreateNode(ctx context.Context, kind string, attrs map[string]any, branchName string, at graph.Timestamp) (graph.Entity, error) {
	if at == 0 {
		at = graph.Now()
	}
	if _, err := s.writable(branchName); err != nil {
		return graph.Entity{}, err
	}
	node, err := s.CreateEntity(ctx, kind, nil)
	if err != nil {
		return graph.Entity{}, err
	}
	if _, err := s.AddToRoot(ctx, node.ID, branchName, at); err != nil {
		return graph.Entity{}, err
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.SetAttribute(ctx, node.ID, name, attrs[name], branchName, at); err != nil {
			return graph.Entity{}, err
		}
	}
	return node, nil
}

// Attribute returns the attribute vertex called name on node together with
// the HAS_ATTRIBUTE edge that links it.
func (s *Store) Attribute(ctx context.Context, node, name, branchName string, at graph.Timestamp) (graph.Entity, graph.Edge, error) {
	edges, err := s.ActiveEdges(ctx, Match{Vertex: node, Direction: graph.Outbound, Type: graph.HasAttribute}, branchName, at)
	if err != nil {
		return graph.Entity{}, graph.Edge{}, err
	}
	return s.pickNamed(ctx, edges, node, name, "attribute")
}

// pickNamed returns the peer whose name property equals name. When several
// match, the edge ranked first by resolution order wins.
func (s *Store) pickNamed(ctx context.Context, edges []graph.Edge, vertex, name, what string) (graph.Entity, graph.Edge, error) {
	var (
		best     graph.Edge
		bestPeer graph.Entity
		found    bool
	)
	for _, e := range edges {
		peer, err := s.backend.Vertex(ctx, e.Peer(vertex))
		if err != nil {
			return graph.Entity{}, graph.Edge{}, err
		}
		if peer.Prop(PropName) != name {
			continue
		}
		if !found || temporal.Less(e, best) {
			best, bestPeer, found = e, peer, true
		}
	}
	if !found {
		return graph.Entity{}, graph.Edge{}, graph.ElementNotFound(what, vertex+"."+name)
	}
	return bestPeer, best, nil
}

// AttributeValue returns the value of attribute name on node.
func (s *Store) AttributeValue(ctx context.Context, node, name, branchName string, at graph.Timestamp) (any, error) {
	attr, _, err := s.Attribute(ctx, node, name, branchName, at)
	if err != nil {
		return nil, err
	}
	e, err := s.ResolveActive(ctx, attr.ID, graph.HasValue, branchName, at)
	if err != nil {
		return nil, fmt.Errorf("value of %s.%s: %w", node, name, err)
	}
	v, err := s.backend.Vertex(ctx, e.Target)
	if err != nil {
		return nil, err
	}
	return v.Properties[PropValue], nil
}

// SetAttribute writes value for attribute name on node. Writing the value
// already in effect is a no-op. The previous value edge is closed when the
// branch owns it and shadowed when an ancestor on the same level owns it. A
// lower-level ancestor's value is simply outranked by the new edge.
func (s *Store) SetAttribute(ctx context.Context, node, name string, value any, branchName string, at graph.Timestamp) error {
	b, err := s.writable(branchName)
	if err != nil {
		return err
	}
	if at == 0 {
		at = graph.Now()
	}

	attr, _, err := s.Attribute(ctx, node, name, branchName, at)
	if errors.Is(err, graph.ErrElementNotFound) {
		attr, err = s.CreateEntityWith(ctx, EntitySpec{
			Class:      graph.ClassAttribute,
			Labels:     []string{"Attribute"},
			Properties: map[string]any{PropName: name},
		})
		if err != nil {
			return err
		}
		if _, err := s.Attach(ctx, node, attr.ID, graph.HasAttribute, branchName, at, nil); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	current, err := s.ResolveActive(ctx, attr.ID, graph.HasValue, branchName, at)
	switch {
	case err == nil:
		v, verr := s.backend.Vertex(ctx, current.Target)
		if verr != nil {
			return verr
		}
		if graph.SameValue(v.Properties[PropValue], value) {
			return nil
		}
		if s.CanClose(b, current) || current.BranchLevel >= b.Level {
			if _, err := s.Supersede(ctx, current, branchName, at); err != nil {
				return err
			}
		}
	case !errors.Is(err, graph.ErrElementNotFound):
		return err
	}

	val, err := s.CreateEntityWith(ctx, EntitySpec{
		Class:      graph.ClassAttributeValue,
		Labels:     []string{"AttributeValue"},
		Properties: map[string]any{PropValue: value},
	})
	if err != nil {
		return err
	}
	_, err = s.Attach(ctx, attr.ID, val.ID, graph.HasValue, branchName, at, nil)
	return err
}

// Relate links src to dst through a Relationship vertex named relName:
// (src)-[IS_RELATED]->(rel)-[IS_RELATED]->(dst).
func (s *Store) Relate(ctx context.Context, src, dst, relName, branchName string, at graph.Timestamp) (graph.Entity, error) {
	if at == 0 {
		at = graph.Now()
	}
	if _, err := s.writable(branchName); err != nil {
		return graph.Entity{}, err
	}
	rel, err := s.CreateEntityWith(ctx, EntitySpec{
		Class:      graph.ClassRelationship,
		Labels:     []string{"Relationship"},
		Properties: map[string]any{PropName: relName},
	})
	if err != nil {
		return graph.Entity{}, err
	}
	if _, err := s.Attach(ctx, src, rel.ID, graph.IsRelated, branchName, at, nil); err != nil {
		return graph.Entity{}, err
	}
	if _, err := s.Attach(ctx, rel.ID, dst, graph.IsRelated, branchName, at, nil); err != nil {
		return graph.Entity{}, err
	}
	return rel, nil
}

// Relationships returns the relationship vertices named relName leaving src.
func (s *Store) Relationships(ctx context.Context, src, relName, branchName string, at graph.Timestamp) ([]graph.Entity, error) {
	edges, err := s.ActiveEdges(ctx, Match{Vertex: src, Direction: graph.Outbound, Type: graph.IsRelated}, branchName, at)
	if err != nil {
		return nil, err
	}
	var out []graph.Entity
	for _, e := range edges {
		rel, err := s.backend.Vertex(ctx, e.Target)
		if err != nil {
			return nil, err
		}
		if rel.Class == graph.ClassRelationship && rel.Prop(PropName) == relName {
			out = append(out, rel)
		}
	}
	return out, nil
}

// Peers returns the vertices reached from src through relationships named
// relName, ordered by id.
func (s *Store) Peers(ctx context.Context, src, relName, branchName string, at graph.Timestamp) ([]graph.Entity, error) {
	rels, err := s.Relationships(ctx, src, relName, branchName, at)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []graph.Entity
	for _, rel := range rels {
		edges, err := s.ActiveEdges(ctx, Match{Vertex: rel.ID, Direction: graph.Outbound, Type: graph.IsRelated}, branchName, at)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if seen[e.Target] {
				continue
			}
			peer, err := s.backend.Vertex(ctx, e.Target)
			if err != nil {
				return nil, err
			}
			seen[e.Target] = true
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Unrelate removes every relationship named relName between src and dst.
func (s *Store) Unrelate(ctx context.Context, src, dst, relName, branchName string, at graph.Timestamp) error {
	if at == 0 {
		at = graph.Now()
	}
	rels, err := s.Relationships(ctx, src, relName, branchName, at)
	if err != nil {
		return err
	}
	removed := 0
	for _, rel := range rels {
		toDst, err := s.Resolve(ctx, Match{Vertex: rel.ID, Direction: graph.Outbound, Type: graph.IsRelated, Peer: dst}, branchName, at)
		if errors.Is(err, graph.ErrElementNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		fromSrc, err := s.Resolve(ctx, Match{Vertex: rel.ID, Direction: graph.Inbound, Type: graph.IsRelated, Peer: src}, branchName, at)
		if err != nil {
			return err
		}
		for _, e := range []graph.Edge{fromSrc, toDst} {
			if _, err := s.Supersede(ctx, e, branchName, at); err != nil {
				return err
			}
		}
		removed++
	}
	if removed == 0 {
		return graph.ElementNotFound("relationship", fmt.Sprintf("%s-%s->%s", src, relName, dst))
	}
	return nil
}

// DeleteNode supersedes every active edge touching id, root membership
// included.
func (s *Store) DeleteNode(ctx context.Context, id, branchName string, at graph.Timestamp) error {
	if at == 0 {
		at = graph.Now()
	}
	live, err := s.IsLive(ctx, id, branchName, at)
	if err != nil {
		return err
	}
	if !live {
		return graph.ElementNotFound("node", id)
	}
	edges, err := s.ActiveEdges(ctx, Match{Vertex: id, Direction: graph.Both}, branchName, at)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := s.Supersede(ctx, e, branchName, at); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}
