// Package graphstore is the versioned entity/edge model. Every read takes an
// explicit (branch, at) pair and resolves the single active edge for each
// (vertex, type, peer) with the branch-level ordering of package temporal.
// Writes only ever append edges or close an open window.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/metrics"
	"github.com/sanonone/branchgraph/pkg/storage"
	"github.com/sanonone/branchgraph/pkg/temporal"
)

// Store wraps a storage backend with branch-aware temporal semantics.
type Store struct {
	backend     storage.Backend
	branches    *branch.Directory
	logger      *slog.Logger
	concurrency int
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithConcurrency bounds the fan-out of bulk reads such as FindEntities.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New returns a Store. The directory must already be bootstrapped.
func New(backend storage.Backend, branches *branch.Directory, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		branches:    branches,
		logger:      slog.Default(),
		concurrency: 8,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Backend() storage.Backend    { return s.backend }
func (s *Store) Branches() *branch.Directory { return s.branches }

// Filter builds the visibility predicate for (branchName, at).
func (s *Store) Filter(branchName string, at graph.Timestamp) (temporal.Predicate, error) {
	return temporal.Build(s.branches, branchName, at)
}

// EnsureRoot creates the root vertex if it does not exist yet.
func (s *Store) EnsureRoot(ctx context.Context) error {
	_, err := s.backend.Vertex(ctx, graph.RootID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, graph.ErrElementNotFound) {
		return err
	}
	err = s.backend.CreateVertex(ctx, graph.Entity{
		ID:        graph.RootID,
		UUID:      graph.RootID,
		Class:     graph.ClassRoot,
		Kind:      "Root",
		CreatedAt: graph.Now(),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil
	}
	return err
}

// EntitySpec describes a vertex to create. Empty UUID means a fresh one.
type EntitySpec struct {
	Class      graph.Class
	Kind       string
	UUID       string
	Labels     []string
	Properties map[string]any
}

// CreateEntity creates a Node vertex of the given kind. It is invisible to
// every query until something attaches it.
func (s *Store) CreateEntity(ctx context.Context, kind string, properties map[string]any) (graph.Entity, error) {
	return s.CreateEntityWith(ctx, EntitySpec{
		Class:      graph.ClassNode,
		Kind:       kind,
		Labels:     []string{"Node", kind},
		Properties: properties,
	})
}

// CreateEntityWith creates a vertex from spec.
func (s *Store) CreateEntityWith(ctx context.Context, spec EntitySpec) (graph.Entity, error) {
	if spec.Class == "" {
		spec.Class = graph.ClassNode
	}
	if !spec.Class.Valid() {
		return graph.Entity{}, fmt.Errorf("unknown vertex class %q", spec.Class)
	}
	e := graph.Entity{
		ID:         uuid.NewString(),
		UUID:       spec.UUID,
		Class:      spec.Class,
		Kind:       spec.Kind,
		Labels:     append([]string(nil), spec.Labels...),
		Properties: graph.CloneProperties(spec.Properties),
		CreatedAt:  graph.Now(),
	}
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	if err := s.backend.CreateVertex(ctx, e); err != nil {
		return graph.Entity{}, fmt.Errorf("create %s vertex: %w", e.Class, err)
	}
	return e, nil
}

// Entity returns a vertex by id.
func (s *Store) Entity(ctx context.Context, id string) (graph.Entity, error) {
	return s.backend.Vertex(ctx, id)
}

func (s *Store) writable(name string) (branch.Branch, error) {
	b, err := s.branches.Resolve(name)
	if err != nil {
		return branch.Branch{}, err
	}
	if err := b.Writable(); err != nil {
		return branch.Branch{}, err
	}
	return b, nil
}

// Attach writes a new active edge on branchName valid from at (now when
// zero). The edge's level is the branch's hierarchy level.
func (s *Store) Attach(ctx context.Context, from, to string, typ graph.EdgeType, branchName string, at graph.Timestamp, props map[string]any) (graph.Edge, error) {
	b, err := s.writable(branchName)
	if err != nil {
		return graph.Edge{}, err
	}
	if at == 0 {
		at = graph.Now()
	}
	return s.WriteEdge(ctx, graph.Edge{
		Type:        typ,
		Source:      from,
		Target:      to,
		Branch:      b.Name,
		BranchLevel: b.Level,
		Status:      graph.StatusActive,
		From:        at,
		Properties:  props,
	})
}

// WriteEdge stores e as given, assigning an ID when it has none. Rewrites
// that need a specific branch stamp or origin use it instead of Attach. The stamped branch must exist and be open.
func (s *Store) WriteEdge(ctx context.Context, e graph.Edge) (graph.Edge, error) {
	if _, err := s.writable(e.Branch); err != nil {
		return graph.Edge{}, err
	}
	if e.From == 0 {
		return graph.Edge{}, fmt.Errorf("edge %s -> %s: missing from", e.Source, e.Target)
	}
	if e.Status == "" {
		e.Status = graph.StatusActive
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.To = 0
	e.Properties = graph.CloneProperties(e.Properties)
	if err := s.backend.CreateEdge(ctx, e); err != nil {
		return graph.Edge{}, fmt.Errorf("write %s edge: %w", e.Type, err)
	}
	kind := "attach"
	if e.Status == graph.StatusDeleted {
		kind = "shadow"
	}
	metrics.EdgeWrites.WithLabelValues(kind, e.Branch).Inc()
	return e, nil
}

// Match selects candidate edges around one vertex.
type Match struct {
	Vertex    string
	Direction graph.Direction
	// Type is optional; empty matches every type.
	Type graph.EdgeType
	// Peer is optional and restricts the other end.
	Peer string
}

func (m Match) query(filter *temporal.Predicate) storage.EdgeQuery {
	q := storage.EdgeQuery{
		Vertex:    m.Vertex,
		Direction: m.Direction,
		Peer:      m.Peer,
		Filter:    filter,
	}
	if m.Type != "" {
		q.Types = []graph.EdgeType{m.Type}
	}
	return q
}

func (m Match) String() string {
	return fmt.Sprintf("%s %s %s %s", m.Vertex, m.Direction, m.Type, m.Peer)
}

// ResolveActive returns the active outbound edge of the given type from
// vertex from, as seen by (branchName, at). Candidates compete per peer: the
// top-ranked edge to a peer wins regardless of its status, so a deletion on a
// higher-level branch hides the ancestor edge to that peer only. The result
// is the top-ranked winner that is active, or ErrElementNotFound.
func (s *Store) ResolveActive(ctx context.Context, from string, typ graph.EdgeType, branchName string, at graph.Timestamp) (graph.Edge, error) {
	return s.Resolve(ctx, Match{Vertex: from, Direction: graph.Outbound, Type: typ}, branchName, at)
}

// Resolve is ResolveActive for an arbitrary match.
func (s *Store) Resolve(ctx context.Context, m Match, branchName string, at graph.Timestamp) (graph.Edge, error) {
	p, err := s.Filter(branchName, at)
	if err != nil {
		return graph.Edge{}, err
	}
	q := m.query(&p)
	q.Ordered = true
	if m.Peer != "" {
		q.Limit = 1
	}
	edges, err := s.backend.MatchEdges(ctx, q)
	if err != nil {
		return graph.Edge{}, err
	}
	if len(edges) == 0 {
		metrics.Resolutions.WithLabelValues("missing").Inc()
		return graph.Edge{}, graph.ElementNotFound("edge", m.String())
	}
	seen := make(map[groupKey]bool)
	for _, e := range edges {
		k := groupKey{typ: e.Type, peer: e.Peer(m.Vertex)}
		if seen[k] {
			continue
		}
		seen[k] = true
		if e.IsActive() {
			metrics.Resolutions.WithLabelValues("found").Inc()
			return e, nil
		}
	}
	metrics.Resolutions.WithLabelValues("shadowed").Inc()
	return graph.Edge{}, graph.ElementNotFound("edge", m.String())
}

type groupKey struct {
	typ          graph.EdgeType
	peer, branch string
}

func resolveGroups(vertex string, edges []graph.Edge, perBranch bool) []graph.Edge {
	top := make(map[groupKey]graph.Edge)
	for _, e := range edges {
		k := groupKey{typ: e.Type, peer: e.Peer(vertex)}
		if perBranch {
			k.branch = e.Branch
		}
		if cur, ok := top[k]; !ok || temporal.Less(e, cur) {
			top[k] = e
		}
	}
	out := make([]graph.Edge, 0, len(top))
	for _, e := range top {
		if e.IsActive() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if pa, pb := a.Peer(vertex), b.Peer(vertex); pa != pb {
			return pa < pb
		}
		if a.Branch != b.Branch {
			return a.Branch < b.Branch
		}
		return a.ID < b.ID
	})
	return out
}

// ActiveEdges resolves every (type, peer) pair around m.Vertex
// independently and returns the active winners.
func (s *Store) ActiveEdges(ctx context.Context, m Match, branchName string, at graph.Timestamp) ([]graph.Edge, error) {
	p, err := s.Filter(branchName, at)
	if err != nil {
		return nil, err
	}
	edges, err := s.backend.MatchEdges(ctx, m.query(&p))
	if err != nil {
		return nil, err
	}
	return resolveGroups(m.Vertex, edges, false), nil
}

// ActiveEdgesAll resolves per (branch, type, peer) across every branch.
// Global-branch rewrites use it to reach data no single ancestry covers.
func (s *Store) ActiveEdgesAll(ctx context.Context, m Match, at graph.Timestamp) ([]graph.Edge, error) {
	p := temporal.BuildAll(s.branches, at)
	edges, err := s.backend.MatchEdges(ctx, m.query(&p))
	if err != nil {
		return nil, err
	}
	return resolveGroups(m.Vertex, edges, true), nil
}

// VisibleEdges returns every edge passing p without resolution, both
// statuses included.
func (s *Store) VisibleEdges(ctx context.Context, m Match, p temporal.Predicate) ([]graph.Edge, error) {
	q := m.query(&p)
	q.Ordered = true
	return s.backend.MatchEdges(ctx, q)
}

// History returns every edge ever written for m, in resolution order.
// Consumers must not assume the active edge is the only version.
func (s *Store) History(ctx context.Context, m Match) ([]graph.Edge, error) {
	q := m.query(nil)
	q.Ordered = true
	return s.backend.MatchEdges(ctx, q)
}

// CanClose reports whether branchName may close e outright. The global
// branch may close anything; every other branch only its own edges.
func (s *Store) CanClose(b branch.Branch, e graph.Edge) bool {
	return b.IsGlobal || e.Branch == b.Name
}

// Supersede ends e as seen from branchName at instant at. If the branch
// may close e, its window is closed at at. If e belongs to an ancestor of
// branchName, a deleted edge is written on branchName instead so the ancestor
// keeps its view; a shadow on the ancestor's own level must come strictly
// after e.From to outrank it. Anything else is ErrImmutableHistory.
func (s *Store) Supersede(ctx context.Context, e graph.Edge, branchName string, at graph.Timestamp) (graph.Edge, error) {
	b, err := s.writable(branchName)
	if err != nil {
		return graph.Edge{}, err
	}
	if at == 0 {
		at = graph.Now()
	}
	if !e.Open() {
		return graph.Edge{}, &graph.HistoryError{EdgeID: e.ID, Reason: "already closed"}
	}
	if at < e.From {
		return graph.Edge{}, &graph.HistoryError{EdgeID: e.ID, Reason: fmt.Sprintf("cannot close at %d before from %d", at, e.From)}
	}

	if s.CanClose(b, e) {
		closed, err := s.backend.CloseEdge(ctx, e.ID, at)
		if err != nil {
			return graph.Edge{}, err
		}
		metrics.EdgeWrites.WithLabelValues("close", b.Name).Inc()
		return closed, nil
	}

	if !b.IsGlobal && s.branches.IsAncestor(e.Branch, b.Name) {
		if e.BranchLevel >= b.Level && at <= e.From {
			return graph.Edge{}, &graph.HistoryError{EdgeID: e.ID, Reason: fmt.Sprintf("cannot shadow at %d, not after from %d", at, e.From)}
		}
		return s.WriteEdge(ctx, graph.Edge{
			Type:        e.Type,
			Source:      e.Source,
			Target:      e.Target,
			Branch:      b.Name,
			BranchLevel: b.Level,
			Status:      graph.StatusDeleted,
			From:        at,
		})
	}
	return graph.Edge{}, &graph.HistoryError{
		EdgeID: e.ID,
		Reason: fmt.Sprintf("branch %q cannot supersede an edge of branch %q", b.Name, e.Branch),
	}
}
