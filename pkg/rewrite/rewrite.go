// Package rewrite implements in-place schema changes on the temporal graph.
//
// An operation never deletes anything. It copies the edges of the element it
// replaces onto a new vertex and supersedes the old ones, so history stays
// queryable at any earlier instant. The target branch decides the scope:
//
//   - global: every branch. Edges keep their original branch stamp and the
//     old ones are closed outright. Isolated branches, which cannot see the
//     copies until they rebase, get copies and deletion markers of their own.
//   - any other branch, main included: its resolved view. Copies are stamped
//     with the branch and ancestor edges are shadowed, so the ancestors and
//     siblings keep the old shape.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/graphstore"
	"github.com/sanonone/branchgraph/pkg/metrics"
	"github.com/sanonone/branchgraph/pkg/storage"
	"github.com/sanonone/branchgraph/pkg/temporal"
)

// Operation is one schema rewrite. The set of operations is closed.
type Operation interface {
	// Name is the stable identifier used in manifests and metrics.
	Name() string
	apply(ctx context.Context, sc *scope, rep *Report) error
}

// Report summarizes what an operation wrote.
type Report struct {
	Operation       string          `json:"operation"`
	Branch          string          `json:"branch"`
	At              graph.Timestamp `json:"at"`
	Matched         int             `json:"matched"`
	EntitiesCreated int             `json:"entities_created"`
	EdgesCopied     int             `json:"edges_copied"`
	EdgesSuperseded int             `json:"edges_superseded"`
	EdgesSkipped    int             `json:"edges_skipped"`
}

// Rewriter applies operations against a store.
type Rewriter struct {
	store  *graphstore.Store
	logger *slog.Logger
}

// New returns a Rewriter. A nil logger means slog.Default().
func New(store *graphstore.Store, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{store: store, logger: logger}
}

// Apply runs op on branchName at instant at (now when zero). A
// graph.ErrElementNotFound result means there was nothing to rewrite.
func (r *Rewriter) Apply(ctx context.Context, op Operation, branchName string, at graph.Timestamp) (Report, error) {
	sc, err := r.newScope(branchName, at)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Operation: op.Name(), Branch: sc.branch.Name, At: sc.at}

	start := time.Now()
	err = op.apply(ctx, sc, &rep)
	switch {
	case err == nil:
		metrics.RewriteOperations.WithLabelValues(op.Name(), "applied").Inc()
		r.logger.Info("Rewrite applied",
			"operation", op.Name(),
			"branch", rep.Branch,
			"matched", rep.Matched,
			"created", rep.EntitiesCreated,
			"copied", rep.EdgesCopied,
			"superseded", rep.EdgesSuperseded,
			"duration", time.Since(start))
	case errors.Is(err, graph.ErrElementNotFound):
		metrics.RewriteOperations.WithLabelValues(op.Name(), "noop").Inc()
		r.logger.Debug("Rewrite found nothing to do", "operation", op.Name(), "branch", rep.Branch, "error", err)
	default:
		metrics.RewriteOperations.WithLabelValues(op.Name(), "failed").Inc()
		r.logger.Error("Rewrite failed", "operation", op.Name(), "branch", rep.Branch, "error", err)
	}
	return rep, err
}

// scope carries the target branch and instant through one operation.
type scope struct {
	store  *graphstore.Store
	branch branch.Branch
	at     graph.Timestamp
	// pred spans every branch; only set for global targets.
	pred   temporal.Predicate
	logger *slog.Logger
}

func (r *Rewriter) newScope(branchName string, at graph.Timestamp) (*scope, error) {
	dir := r.store.Branches()
	b, err := dir.Resolve(branchName)
	if err != nil {
		return nil, err
	}
	if err := b.Writable(); err != nil {
		return nil, err
	}
	if at == 0 {
		at = graph.Now()
	}
	sc := &scope{store: r.store, branch: b, at: at, logger: r.logger}
	if b.IsGlobal {
		sc.pred = temporal.BuildAll(dir, at)
	}
	return sc, nil
}

// views lists the branches whose resolved view is searched for elements.
func (sc *scope) views() []string {
	if !sc.branch.IsGlobal {
		return []string{sc.branch.Name}
	}
	all := sc.store.Branches().List()
	names := make([]string, len(all))
	for i, b := range all {
		names[i] = b.Name
	}
	return names
}

// nodes returns the vertices matching q that are live in scope.
func (sc *scope) nodes(ctx context.Context, q storage.VertexQuery) ([]graph.Entity, error) {
	if sc.branch.IsGlobal {
		return sc.store.FindEntitiesAll(ctx, q, sc.at)
	}
	return sc.store.FindEntities(ctx, q, sc.branch.Name, sc.at)
}

// edgesOf returns the edges of vertex that the operation must carry. A
// global target takes every open edge on any branch, deletions included, so
// branch overrides move with the element. Other targets take their resolved
// view.
func (sc *scope) edgesOf(ctx context.Context, vertex string) ([]graph.Edge, error) {
	m := graphstore.Match{Vertex: vertex, Direction: graph.Both}
	if !sc.branch.IsGlobal {
		return sc.store.ActiveEdges(ctx, m, sc.branch.Name, sc.at)
	}
	visible, err := sc.store.VisibleEdges(ctx, m, sc.pred)
	if err != nil {
		return nil, err
	}
	out := visible[:0]
	for _, e := range visible {
		if e.Open() {
			out = append(out, e)
		}
	}
	return out, nil
}

// frozen reports whether e lives on a closed branch. Global rewrites leave
// such edges alone.
func (sc *scope) frozen(e graph.Edge) bool {
	b, err := sc.store.Branches().Resolve(e.Branch)
	return err != nil || b.Writable() != nil
}

// replacement returns the vertex that takes over from old: the first
// vertex matching q and accept (left behind by an interrupted run), or a
// new one built from spec.
func (sc *scope) replacement(ctx context.Context, old graph.Entity, q storage.VertexQuery, accept func(graph.Entity) bool, spec graphstore.EntitySpec, rep *Report) (graph.Entity, error) {
	existing, err := sc.store.Backend().MatchVertices(ctx, q)
	if err != nil {
		return graph.Entity{}, err
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].ID < existing[j].ID })
	for _, v := range existing {
		if v.ID != old.ID && (accept == nil || accept(v)) {
			return v, nil
		}
	}
	v, err := sc.store.CreateEntityWith(ctx, spec)
	if err != nil {
		return graph.Entity{}, err
	}
	rep.EntitiesCreated++
	return v, nil
}

func carryKey(e graph.Edge) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", e.Type, e.Source, e.Target, e.Branch, e.Status)
}

// winners returns the ids of the resolved edges of vertex worth carrying:
// all of them, except that a single-valued outbound type keeps only its
// top-ranked edge. Copies written at one instant on one level would
// otherwise tie.
func winners(vertex string, edges []graph.Edge) map[string]bool {
	top := make(map[graph.EdgeType]graph.Edge)
	out := make(map[string]bool, len(edges))
	for _, e := range edges {
		if e.Source != vertex || !e.Type.SingleValued() {
			out[e.ID] = true
			continue
		}
		if cur, ok := top[e.Type]; !ok || temporal.Less(e, cur) {
			top[e.Type] = e
		}
	}
	for _, e := range top {
		out[e.ID] = true
	}
	return out
}

// carried is the copy of e that moves from oldID to newID.
func (sc *scope) carried(e graph.Edge, oldID, newID string) graph.Edge {
	c := e.Clone()
	c.ID = ""
	c.From = sc.at
	c.To = 0
	c.Origin = 0
	if c.Source == oldID {
		c.Source = newID
	}
	if c.Target == oldID {
		c.Target = newID
	}
	return c
}

// stamped is c restamped as an assertion of branch b.
func stamped(c graph.Edge, b branch.Branch) graph.Edge {
	c.Branch = b.Name
	c.BranchLevel = b.Level
	c.Status = graph.StatusActive
	return c
}

// openKeys returns the carry keys of the open edges already on vertex.
func (sc *scope) openKeys(ctx context.Context, vertex string) (map[string]bool, error) {
	existing, err := sc.store.History(ctx, graphstore.Match{Vertex: vertex, Direction: graph.Both})
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, e := range existing {
		if e.Open() {
			have[carryKey(e)] = true
		}
	}
	return have, nil
}

func (sc *scope) write(ctx context.Context, c graph.Edge, have map[string]bool, rep *Report) error {
	k := carryKey(c)
	if have[k] {
		return nil
	}
	if _, err := sc.store.WriteEdge(ctx, c); err != nil {
		return fmt.Errorf("carry %s: %w", c, err)
	}
	have[k] = true
	rep.EdgesCopied++
	return nil
}

// move copies the edges of oldID onto newID, then supersedes the originals.
// Copies already present from an interrupted run are not written twice.
func (sc *scope) move(ctx context.Context, oldID, newID string, rep *Report) error {
	isolated, err := sc.isolatedViews(ctx, oldID)
	if err != nil {
		return err
	}
	edges, err := sc.edgesOf(ctx, oldID)
	if err != nil {
		return err
	}
	have, err := sc.openKeys(ctx, newID)
	if err != nil {
		return err
	}

	if sc.branch.IsGlobal {
		for _, e := range edges {
			if sc.frozen(e) {
				rep.EdgesSkipped++
				continue
			}
			c := sc.carried(e, oldID, newID)
			c.Origin = e.OriginFrom()
			if err := sc.write(ctx, c, have, rep); err != nil {
				return err
			}
			if _, err := sc.store.Supersede(ctx, e, sc.branch.Name, sc.at); err != nil {
				return fmt.Errorf("supersede %s: %w", e, err)
			}
			rep.EdgesSuperseded++
		}
		return sc.coverIsolated(ctx, isolated, oldID, newID, have, rep)
	}

	keep := winners(oldID, edges)
	for _, e := range edges {
		if keep[e.ID] {
			if err := sc.write(ctx, stamped(sc.carried(e, oldID, newID), sc.branch), have, rep); err != nil {
				return err
			}
		}
		if _, err := sc.store.Supersede(ctx, e, sc.branch.Name, sc.at); err != nil {
			return fmt.Errorf("supersede %s: %w", e, err)
		}
		rep.EdgesSuperseded++
	}
	return nil
}

// retire supersedes every active edge touching vertex.
func (sc *scope) retire(ctx context.Context, vertex string, rep *Report) error {
	isolated, err := sc.isolatedViews(ctx, vertex)
	if err != nil {
		return err
	}
	edges, err := sc.edgesOf(ctx, vertex)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if !e.IsActive() {
			continue
		}
		if sc.branch.IsGlobal && sc.frozen(e) {
			rep.EdgesSkipped++
			continue
		}
		if _, err := sc.store.Supersede(ctx, e, sc.branch.Name, sc.at); err != nil {
			return fmt.Errorf("retire %s: %w", e, err)
		}
		rep.EdgesSuperseded++
	}
	return sc.coverIsolated(ctx, isolated, vertex, "", nil, rep)
}

// isolatedView is the resolved view an isolated branch has of one vertex.
type isolatedView struct {
	branch branch.Branch
	edges  []graph.Edge
	// capped holds the ids of edges seen through an ancestor scope capped at
	// the branch's fork point.
	capped map[string]bool
}

// isolatedViews returns, for a global target, the view of vertex from every
// open isolated branch that sees part of it through a capped ancestor. Those
// branches would keep the old shape until they rebase.
func (sc *scope) isolatedViews(ctx context.Context, vertex string) ([]isolatedView, error) {
	if !sc.branch.IsGlobal {
		return nil, nil
	}
	var out []isolatedView
	for _, b := range sc.store.Branches().List() {
		if !b.Isolated || b.Writable() != nil {
			continue
		}
		p, err := sc.store.Filter(b.Name, sc.at)
		if err != nil {
			return nil, err
		}
		edges, err := sc.store.ActiveEdges(ctx, graphstore.Match{Vertex: vertex, Direction: graph.Both}, b.Name, sc.at)
		if err != nil {
			return nil, err
		}
		v := isolatedView{branch: b, edges: edges, capped: make(map[string]bool)}
		for _, e := range edges {
			if s, ok := p.ScopeFor(e.Branch); ok && p.InstantFor(s) < sc.at {
				v.capped[e.ID] = true
			}
		}
		if len(v.capped) > 0 {
			out = append(out, v)
		}
	}
	return out, nil
}

// coverIsolated hides the capped edges of each isolated view behind
// deletion markers on the isolated branch. For a move (newID set) the
// carried ones are also copied onto newID, stamped with that branch.
func (sc *scope) coverIsolated(ctx context.Context, views []isolatedView, oldID, newID string, have map[string]bool, rep *Report) error {
	for _, v := range views {
		keep := winners(oldID, v.edges)
		for _, e := range v.edges {
			if !v.capped[e.ID] {
				continue
			}
			if newID != "" && keep[e.ID] {
				if err := sc.write(ctx, stamped(sc.carried(e, oldID, newID), v.branch), have, rep); err != nil {
					return err
				}
			}
			if _, err := sc.store.WriteEdge(ctx, graph.Edge{
				Type:        e.Type,
				Source:      e.Source,
				Target:      e.Target,
				Branch:      v.branch.Name,
				BranchLevel: v.branch.Level,
				Status:      graph.StatusDeleted,
				From:        sc.at,
			}); err != nil {
				return fmt.Errorf("hide %s on %s: %w", e, v.branch.Name, err)
			}
			rep.EdgesSuperseded++
		}
	}
	return nil
}

// activePeers returns the distinct peers of vertex over active edges of
// type typ in direction dir.
func (sc *scope) activePeers(ctx context.Context, vertex string, typ graph.EdgeType, dir graph.Direction) ([]string, error) {
	edges, err := sc.edgesOf(ctx, vertex)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range edges {
		if !e.IsActive() || e.Type != typ {
			continue
		}
		if dir == graph.Outbound && e.Source != vertex || dir == graph.Inbound && e.Target != vertex {
			continue
		}
		p := e.Peer(vertex)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func sortedEntities(m map[string]graph.Entity) []graph.Entity {
	out := make([]graph.Entity, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
