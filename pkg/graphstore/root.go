package graphstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/storage"
)

func rootMatch(id string) Match {
	return Match{Vertex: id, Direction: graph.Outbound, Type: graph.IsPartOf, Peer: graph.RootID}
}

// AddToRoot makes id live on branchName from at.
func (s *Store) AddToRoot(ctx context.Context, id, branchName string, at graph.Timestamp) (graph.Edge, error) {
	return s.Attach(ctx, id, graph.RootID, graph.IsPartOf, branchName, at, nil)
}

// RemoveFromRoot supersedes the membership edge of id.
func (s *Store) RemoveFromRoot(ctx context.Context, id, branchName string, at graph.Timestamp) error {
	e, err := s.Resolve(ctx, rootMatch(id), branchName, at)
	if err != nil {
		return err
	}
	_, err = s.Supersede(ctx, e, branchName, at)
	return err
}

// IsLive reports whether id is attached to the root for (branchName, at).
func (s *Store) IsLive(ctx context.Context, id, branchName string, at graph.Timestamp) (bool, error) {
	_, err := s.Resolve(ctx, rootMatch(id), branchName, at)
	if errors.Is(err, graph.ErrElementNotFound) {
		return false, nil
	}
	return err == nil, err
}

// FindEntities returns the vertices matching q that are live for
// (branchName, at), ordered by id. Liveness is resolved concurrently.
func (s *Store) FindEntities(ctx context.Context, q storage.VertexQuery, branchName string, at graph.Timestamp) ([]graph.Entity, error) {
	if at == 0 {
		at = graph.Now()
	}
	if _, err := s.branches.Resolve(branchName); err != nil {
		return nil, err
	}
	return s.findLive(ctx, q, func(ctx context.Context, id string) (bool, error) {
		return s.IsLive(ctx, id, branchName, at)
	})
}

// FindEntitiesAll returns the vertices matching q that are live on at
// least one branch at at.
func (s *Store) FindEntitiesAll(ctx context.Context, q storage.VertexQuery, at graph.Timestamp) ([]graph.Entity, error) {
	if at == 0 {
		at = graph.Now()
	}
	return s.findLive(ctx, q, func(ctx context.Context, id string) (bool, error) {
		edges, err := s.ActiveEdgesAll(ctx, rootMatch(id), at)
		return len(edges) > 0, err
	})
}

func (s *Store) findLive(ctx context.Context, q storage.VertexQuery, live func(context.Context, string) (bool, error)) ([]graph.Entity, error) {
	candidates, err := s.backend.MatchVertices(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("match vertices: %w", err)
	}

	keep := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			ok, err := live(gctx, c.ID)
			if err != nil {
				return fmt.Errorf("resolve membership of %s: %w", c.ID, err)
			}
			keep[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]graph.Entity, 0, len(candidates))
	for i, c := range candidates {
		if keep[i] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EntityByUUID returns the live vertex carrying uuid. Two live vertices for
// one uuid is a topology conflict.
func (s *Store) EntityByUUID(ctx context.Context, id, branchName string, at graph.Timestamp) (graph.Entity, error) {
	found, err := s.FindEntities(ctx, storage.VertexQuery{UUID: id}, branchName, at)
	if err != nil {
		return graph.Entity{}, err
	}
	switch len(found) {
	case 0:
		return graph.Entity{}, graph.ElementNotFound("uuid", id)
	case 1:
		return found[0], nil
	default:
		return graph.Entity{}, &graph.ConflictError{UUID: id, Reason: fmt.Sprintf("%d live vertices", len(found))}
	}
}
