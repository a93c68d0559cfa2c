// Package temporal builds the visibility predicate used by every read: an
// edge is visible for (branch, at) when its branch belongs to the ancestry
// of branch and its window [From, To) contains at.
//
// Predicates are immutable values, so a single Predicate may be shared by
// concurrent readers.
package temporal

import (
	"fmt"
	"sort"

	"github.com/sanonone/branchgraph/pkg/graph"
)

// Ancestry is the subset of the branch directory the filter depends on.
type Ancestry interface {
	AncestryOf(name string) ([]graph.BranchScope, error)
	AllScopes() []graph.BranchScope
}

// Predicate is the resolved (branch ancestry, instant) visibility test.
type Predicate struct {
	Branch string
	At     graph.Timestamp
	Scopes []graph.BranchScope

	// All is set by BuildAll: every branch is in scope and results must be
	// grouped per branch by the caller.
	All bool

	index map[string]int
}

// Build returns the predicate for (branch, at). A zero at means now.
func Build(a Ancestry, branch string, at graph.Timestamp) (Predicate, error) {
	scopes, err := a.AncestryOf(branch)
	if err != nil {
		return Predicate{}, fmt.Errorf("build filter for %q: %w", branch, err)
	}
	return newPredicate(branch, at, scopes, false), nil
}

// BuildAll returns a predicate that accepts edges of every known branch,
// each judged against its own scope.
func BuildAll(a Ancestry, at graph.Timestamp) Predicate {
	return newPredicate(graph.GlobalBranch, at, a.AllScopes(), true)
}

// FromScopes builds a predicate from an explicit ancestry.
func FromScopes(branch string, at graph.Timestamp, scopes []graph.BranchScope) Predicate {
	return newPredicate(branch, at, scopes, false)
}

func newPredicate(branch string, at graph.Timestamp, scopes []graph.BranchScope, all bool) Predicate {
	if at == 0 {
		at = graph.Now()
	}
	p := Predicate{
		Branch: branch,
		At:     at,
		Scopes: append([]graph.BranchScope(nil), scopes...),
		All:    all,
		index:  make(map[string]int, len(scopes)),
	}
	for i, s := range p.Scopes {
		p.index[s.Name] = i
	}
	return p
}

// ScopeFor returns the scope entry for the named branch.
func (p Predicate) ScopeFor(branch string) (graph.BranchScope, bool) {
	i, ok := p.index[branch]
	if !ok {
		return graph.BranchScope{}, false
	}
	return p.Scopes[i], true
}

// InstantFor is the instant edges of scope s are judged at.
func (p Predicate) InstantFor(s graph.BranchScope) graph.Timestamp {
	if s.Until != 0 && s.Until < p.At {
		return s.Until
	}
	return p.At
}

// Visible reports whether e passes the predicate.
func (p Predicate) Visible(e graph.Edge) bool {
	s, ok := p.ScopeFor(e.Branch)
	if !ok {
		return false
	}
	return e.ValidAt(p.InstantFor(s))
}

// Branches lists the branch names in scope, in ancestry order.
func (p Predicate) Branches() []string {
	out := make([]string, len(p.Scopes))
	for i, s := range p.Scopes {
		out[i] = s.Name
	}
	return out
}

// Less is the resolution order: higher branch level first, then the most
// recent From, then the most recent origin of a carried edge. Edge ID
// descending only makes the order total; writers never rely on it.
func Less(a, b graph.Edge) bool {
	if a.BranchLevel != b.BranchLevel {
		return a.BranchLevel > b.BranchLevel
	}
	if a.From != b.From {
		return a.From > b.From
	}
	if ao, bo := a.OriginFrom(), b.OriginFrom(); ao != bo {
		return ao > bo
	}
	return a.ID > b.ID
}

// Sort orders edges by Less in place.
func Sort(edges []graph.Edge) {
	sort.SliceStable(edges, func(i, j int) bool { return Less(edges[i], edges[j]) })
}

// Top returns the first edge in resolution order.
func Top(edges []graph.Edge) (graph.Edge, bool) {
	if len(edges) == 0 {
		return graph.Edge{}, false
	}
	best := edges[0]
	for _, e := range edges[1:] {
		if Less(e, best) {
			best = e
		}
	}
	return best, true
}
