// Package branch keeps the branch directory: branch metadata and the
// ancestry relation that drives temporal visibility.
//
// Branch records are stored as vertices of class Branch so they travel with
// the rest of the graph.
package branch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/metrics"
	"github.com/sanonone/branchgraph/pkg/storage"
)

// Status of a branch.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Branch is one named line of history.
type Branch struct {
	Name         string          `json:"name"`
	Level        int             `json:"hierarchy_level"`
	IsGlobal     bool            `json:"is_global"`
	IsDefault    bool            `json:"is_default"`
	Status       Status          `json:"status"`
	BranchedFrom string          `json:"branched_from,omitempty"`
	BranchedAt   graph.Timestamp `json:"branched_at,omitempty"`
	Isolated     bool            `json:"isolated"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    graph.Timestamp `json:"created_at"`
}

// IsTrunk reports whether b is the global or the default branch.
func (b Branch) IsTrunk() bool { return b.IsGlobal || b.IsDefault }

// Writable returns ErrBranchClosed for closed branches.
func (b Branch) Writable() error {
	if b.Status == StatusClosed {
		return fmt.Errorf("branch %q: %w", b.Name, graph.ErrBranchClosed)
	}
	return nil
}

const vertexPrefix = "branch:"

func vertexID(name string) string { return vertexPrefix + name }

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_./-]{0,249}$`)

// ValidateName checks a user-supplied branch name.
func ValidateName(name string) error {
	if name == graph.GlobalBranch || nameRe.MatchString(name) {
		return nil
	}
	return fmt.Errorf("%q: %w", name, graph.ErrInvalidBranchName)
}

// Directory is the in-process view of every branch, backed by the store.
// It is safe for concurrent use.
type Directory struct {
	backend storage.Backend
	logger  *slog.Logger

	mu       sync.RWMutex
	branches map[string]Branch
}

// NewDirectory returns an empty directory. Call Bootstrap before use.
func NewDirectory(backend storage.Backend, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		backend:  backend,
		logger:   logger,
		branches: make(map[string]Branch),
	}
}

// Bootstrap loads stored branches and creates the global and default
// branches when they are missing.
func (d *Directory) Bootstrap(ctx context.Context) error {
	if err := d.Load(ctx); err != nil {
		return err
	}
	now := graph.Now()
	for _, b := range []Branch{
		{Name: graph.GlobalBranch, Level: 1, IsGlobal: true, Status: StatusOpen, CreatedAt: now},
		{Name: graph.DefaultBranch, Level: 1, IsDefault: true, Status: StatusOpen, CreatedAt: now},
	} {
		if _, err := d.Resolve(b.Name); err == nil {
			continue
		}
		if err := d.store(ctx, b); err != nil {
			return err
		}
		d.logger.Info("Branch created", "branch", b.Name, "level", b.Level)
	}
	return nil
}

// Load replaces the cached view with what is stored.
func (d *Directory) Load(ctx context.Context) error {
	vertices, err := d.backend.MatchVertices(ctx, storage.VertexQuery{Class: graph.ClassBranch})
	if err != nil {
		return fmt.Errorf("load branches: %w", err)
	}
	loaded := make(map[string]Branch, len(vertices))
	for _, v := range vertices {
		b := fromVertex(v)
		loaded[b.Name] = b
	}
	d.mu.Lock()
	d.branches = loaded
	d.mu.Unlock()
	metrics.Branches.Set(float64(len(loaded)))
	return nil
}

func fromVertex(v graph.Entity) Branch {
	p := v.Properties
	return Branch{
		Name:         graph.StringProp(p, "name"),
		Level:        int(graph.Int64Prop(p, "hierarchy_level")),
		IsGlobal:     graph.BoolProp(p, "is_global"),
		IsDefault:    graph.BoolProp(p, "is_default"),
		Status:       Status(graph.StringProp(p, "status")),
		BranchedFrom: graph.StringProp(p, "branched_from"),
		BranchedAt:   graph.Timestamp(graph.Int64Prop(p, "branched_at")),
		Isolated:     graph.BoolProp(p, "isolated"),
		Description:  graph.StringProp(p, "description"),
		CreatedAt:    v.CreatedAt,
	}
}

func toVertex(b Branch) graph.Entity {
	return graph.Entity{
		ID:     vertexID(b.Name),
		UUID:   uuid.NewString(),
		Class:  graph.ClassBranch,
		Kind:   "Branch",
		Labels: []string{"Branch"},
		Properties: map[string]any{
			"name":            b.Name,
			"hierarchy_level": int64(b.Level),
			"is_global":       b.IsGlobal,
			"is_default":      b.IsDefault,
			"status":          string(b.Status),
			"branched_from":   b.BranchedFrom,
			"branched_at":     int64(b.BranchedAt),
			"isolated":        b.Isolated,
			"description":     b.Description,
		},
		CreatedAt: b.CreatedAt,
	}
}

func (d *Directory) store(ctx context.Context, b Branch) error {
	if err := d.backend.CreateVertex(ctx, toVertex(b)); err != nil {
		return fmt.Errorf("store branch %q: %w", b.Name, err)
	}
	d.mu.Lock()
	d.branches[b.Name] = b
	count := len(d.branches)
	d.mu.Unlock()
	metrics.Branches.Set(float64(count))
	return nil
}

// Resolve returns the named branch.
func (d *Directory) Resolve(name string) (Branch, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.branches[name]
	if !ok {
		return Branch{}, graph.BranchNotFound(name)
	}
	return b, nil
}

// Global returns the global branch.
func (d *Directory) Global() (Branch, error) { return d.Resolve(graph.GlobalBranch) }

// Default returns the default branch.
func (d *Directory) Default() (Branch, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, b := range d.branches {
		if b.IsDefault {
			return b, nil
		}
	}
	return Branch{}, graph.BranchNotFound(graph.DefaultBranch)
}

// List returns every branch ordered by level, then name.
func (d *Directory) List() []Branch {
	d.mu.RLock()
	out := make([]Branch, 0, len(d.branches))
	for _, b := range d.branches {
		out = append(out, b)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// AncestryOf returns the scopes visible from name: the branch itself, its
// parent chain up to the default branch, then the global branch. When a
// branch on the chain is isolated, every scope above it is capped at its
// BranchedAt. The global branch is never capped.
func (d *Directory) AncestryOf(name string) ([]graph.BranchScope, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.branches[name]
	if !ok {
		return nil, graph.BranchNotFound(name)
	}
	global, hasGlobal := d.branches[graph.GlobalBranch]
	if b.IsGlobal {
		return []graph.BranchScope{{Name: b.Name, Level: b.Level}}, nil
	}

	scopes := []graph.BranchScope{{Name: b.Name, Level: b.Level}}
	var limit graph.Timestamp
	cur := b
	for hops := 0; !cur.IsDefault && hops < len(d.branches); hops++ {
		if cur.Isolated && cur.BranchedAt != 0 && (limit == 0 || cur.BranchedAt < limit) {
			limit = cur.BranchedAt
		}
		parent, ok := d.branches[cur.BranchedFrom]
		if !ok || parent.IsGlobal {
			parent, ok = d.defaultLocked()
			if !ok {
				break
			}
		}
		scopes = append(scopes, graph.BranchScope{Name: parent.Name, Level: parent.Level, Until: limit})
		cur = parent
	}
	if hasGlobal {
		scopes = append(scopes, graph.BranchScope{Name: global.Name, Level: global.Level})
	}
	return scopes, nil
}

func (d *Directory) defaultLocked() (Branch, bool) {
	for _, b := range d.branches {
		if b.IsDefault {
			return b, true
		}
	}
	return Branch{}, false
}

// AllScopes returns every branch as an uncapped scope.
func (d *Directory) AllScopes() []graph.BranchScope {
	branches := d.List()
	out := make([]graph.BranchScope, len(branches))
	for i, b := range branches {
		out[i] = graph.BranchScope{Name: b.Name, Level: b.Level}
	}
	return out
}

// IsAncestor reports whether ancestor is strictly above name in its
// ancestry.
func (d *Directory) IsAncestor(ancestor, name string) bool {
	if ancestor == name {
		return false
	}
	scopes, err := d.AncestryOf(name)
	if err != nil {
		return false
	}
	for _, s := range scopes[1:] {
		if s.Name == ancestor {
			return true
		}
	}
	return false
}

// CreateOptions controls Create.
type CreateOptions struct {
	// From is the parent branch; empty means the default branch.
	From        string
	At          graph.Timestamp
	Isolated    bool
	Description string
}

// Create forks a new branch. Its level is one more than its parent's.
func (d *Directory) Create(ctx context.Context, name string, opts CreateOptions) (Branch, error) {
	if err := ValidateName(name); err != nil {
		return Branch{}, err
	}
	if _, err := d.Resolve(name); err == nil {
		return Branch{}, fmt.Errorf("%q: %w", name, graph.ErrBranchExists)
	}

	var (
		parent Branch
		err    error
	)
	if opts.From == "" {
		parent, err = d.Default()
	} else {
		parent, err = d.Resolve(opts.From)
	}
	if err != nil {
		return Branch{}, err
	}
	if parent.IsGlobal {
		return Branch{}, fmt.Errorf("cannot branch from the global branch: %w", graph.ErrInvalidBranchName)
	}
	if err := parent.Writable(); err != nil {
		return Branch{}, err
	}

	at := opts.At
	if at == 0 {
		at = graph.Now()
	}
	b := Branch{
		Name:         name,
		Level:        parent.Level + 1,
		Status:       StatusOpen,
		BranchedFrom: parent.Name,
		BranchedAt:   at,
		Isolated:     opts.Isolated,
		Description:  opts.Description,
		CreatedAt:    graph.Now(),
	}
	if err := d.store(ctx, b); err != nil {
		return Branch{}, err
	}
	d.logger.Info("Branch created", "branch", name, "from", parent.Name, "level", b.Level, "isolated", b.Isolated)
	return b, nil
}

// Rebase moves the fork point of name to at (now when zero). For isolated
// branches this exposes every ancestor write made up to at.
func (d *Directory) Rebase(ctx context.Context, name string, at graph.Timestamp) (Branch, error) {
	b, err := d.mutable(name)
	if err != nil {
		return Branch{}, err
	}
	if at == 0 {
		at = graph.Now()
	}
	if err := d.backend.SetVertexProperty(ctx, vertexID(name), "branched_at", int64(at)); err != nil {
		return Branch{}, fmt.Errorf("rebase %q: %w", name, err)
	}
	b.BranchedAt = at
	d.mu.Lock()
	d.branches[name] = b
	d.mu.Unlock()
	d.logger.Info("Branch rebased", "branch", name, "at", at)
	return b, nil
}

// Close marks name closed. Writes on closed branches fail.
func (d *Directory) Close(ctx context.Context, name string) error {
	b, err := d.mutable(name)
	if err != nil {
		return err
	}
	if err := d.backend.SetVertexProperty(ctx, vertexID(name), "status", string(StatusClosed)); err != nil {
		return fmt.Errorf("close %q: %w", name, err)
	}
	b.Status = StatusClosed
	d.mu.Lock()
	d.branches[name] = b
	d.mu.Unlock()
	d.logger.Info("Branch closed", "branch", name)
	return nil
}

func (d *Directory) mutable(name string) (Branch, error) {
	b, err := d.Resolve(name)
	if err != nil {
		return Branch{}, err
	}
	if b.IsTrunk() {
		return Branch{}, fmt.Errorf("branch %q is a trunk branch: %w", name, graph.ErrImmutableHistory)
	}
	if err := b.Writable(); err != nil {
		return Branch{}, err
	}
	return b, nil
}
