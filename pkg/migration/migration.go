// Package migration runs ordered, versioned schema migrations built from
// rewrite operations. The applied version is recorded on the root vertex.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/graphstore"
	"github.com/sanonone/branchgraph/pkg/metrics"
	"github.com/sanonone/branchgraph/pkg/rewrite"
)

// Root vertex properties holding the applied schema version.
const (
	PropGraphVersion     = "graph_version"
	PropGraphVersionHash = "graph_version_hash"
)

var (
	ErrMigrationFailed = errors.New("migration failed")
	ErrAlreadyRunning  = errors.New("migrations already running")
	ErrVersionTooLow   = errors.New("graph version below migration minimum")
)

// FailedError identifies the migration that aborted a run. Position is the
// migration's index in the sequence, Step the operation index or -1 when
// the failure happened outside an operation.
type FailedError struct {
	Name     string
	Position int
	Step     int
	Err      error
}

func (e *FailedError) Error() string {
	if e.Step >= 0 {
		return fmt.Sprintf("migration %q (#%d) step %d: %v", e.Name, e.Position, e.Step, e.Err)
	}
	return fmt.Sprintf("migration %q (#%d): %v", e.Name, e.Position, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

func (e *FailedError) Is(target error) bool { return target == ErrMigrationFailed }

// State of a runner.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Step is one rewrite operation and the branch it targets. An empty Branch
// uses the migration's branch.
type Step struct {
	Operation rewrite.Operation
	Branch    string
}

// ValidateFunc is a post-condition evaluated after a migration's steps.
type ValidateFunc func(ctx context.Context, store *graphstore.Store, at graph.Timestamp) error

// Migration is a versioned sequence of rewrite steps.
type Migration struct {
	Name           string
	Version        int
	MinimumVersion int
	// Branch is the default target of the steps; empty means the global
	// branch.
	Branch     string
	Operations []Step
	Validate   ValidateFunc
}

func (m Migration) target(s Step) string {
	switch {
	case s.Branch != "":
		return s.Branch
	case m.Branch != "":
		return m.Branch
	default:
		return graph.GlobalBranch
	}
}

// Result records the outcome of one migration within a run.
type Result struct {
	Name     string           `json:"name"`
	Version  int              `json:"version"`
	State    string           `json:"state"`
	Reports  []rewrite.Report `json:"reports,omitempty"`
	Duration time.Duration    `json:"duration"`
	Error    string           `json:"error,omitempty"`
}

// Status is a snapshot of the runner.
type Status struct {
	State   State    `json:"state"`
	Version int      `json:"version"`
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// Runner applies migrations strictly in order.
type Runner struct {
	store       *graphstore.Store
	rewriter    *rewrite.Rewriter
	migrations  []Migration
	logger      *slog.Logger
	fingerprint string
	clock       func() graph.Timestamp

	mu      sync.Mutex
	state   State
	version int
	results []Result
	lastErr error
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithFingerprint sets the manifest hash recorded with each applied version.
func WithFingerprint(f string) Option {
	return func(r *Runner) { r.fingerprint = f }
}

// WithClock replaces graph.Now as the source of operation instants.
func WithClock(c func() graph.Timestamp) Option {
	return func(r *Runner) { r.clock = c }
}

// NewRunner checks that migrations are uniquely named and strictly
// increasing in version.
func NewRunner(store *graphstore.Store, rw *rewrite.Rewriter, migrations []Migration, opts ...Option) (*Runner, error) {
	seen := make(map[string]bool, len(migrations))
	for i, m := range migrations {
		if m.Name == "" {
			return nil, fmt.Errorf("migration #%d has no name", i)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("duplicate migration %q", m.Name)
		}
		seen[m.Name] = true
		if m.Version <= 0 {
			return nil, fmt.Errorf("migration %q: version must be positive", m.Name)
		}
		if i > 0 && m.Version <= migrations[i-1].Version {
			return nil, fmt.Errorf("migration %q: version %d does not follow %d", m.Name, m.Version, migrations[i-1].Version)
		}
	}
	r := &Runner{
		store:      store,
		rewriter:   rw,
		migrations: append([]Migration(nil), migrations...),
		logger:     slog.Default(),
		clock:      graph.Now,
		state:      StatePending,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// CurrentVersion reads the applied version from the root vertex.
func (r *Runner) CurrentVersion(ctx context.Context) (int, error) {
	return CurrentVersion(ctx, r.store)
}

// CurrentVersion reads the applied version from the root vertex of store.
func CurrentVersion(ctx context.Context, store *graphstore.Store) (int, error) {
	root, err := store.Entity(ctx, graph.RootID)
	if err != nil {
		return 0, fmt.Errorf("read graph version: %w", err)
	}
	return int(graph.Int64Prop(root.Properties, PropGraphVersion)), nil
}

// Status returns a copy of the runner state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		State:   r.state,
		Version: r.version,
		Results: append([]Result(nil), r.results...),
	}
	if r.lastErr != nil {
		st.Error = r.lastErr.Error()
	}
	return st
}

func (r *Runner) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		return ErrAlreadyRunning
	}
	r.state = StateRunning
	r.results = nil
	r.lastErr = nil
	return nil
}

func (r *Runner) record(res Result, version int) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.version = version
	r.mu.Unlock()
}

func (r *Runner) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	if err != nil {
		r.state = StateFailed
	} else {
		r.state = StateCompleted
	}
}

// Run applies every pending migration in order. Already applied
// migrations are skipped. The first failure stops the run and is returned
// as a *FailedError; steps committed before it are kept.
func (r *Runner) Run(ctx context.Context) (Status, error) {
	if err := r.begin(); err != nil {
		return r.Status(), err
	}
	err := r.run(ctx)
	r.finish(err)
	return r.Status(), err
}

func (r *Runner) run(ctx context.Context) error {
	current, err := r.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.version = current
	r.mu.Unlock()
	metrics.GraphVersion.Set(float64(current))

	for i, m := range r.migrations {
		if err := ctx.Err(); err != nil {
			return r.fail(m, i, -1, err, Result{Name: m.Name, Version: m.Version}, time.Now(), current)
		}
		if m.Version <= current {
			r.logger.Debug("Migration already applied", "migration", m.Name, "version", m.Version, "current", current)
			r.record(Result{Name: m.Name, Version: m.Version, State: "skipped"}, current)
			continue
		}
		if current < m.MinimumVersion {
			err := fmt.Errorf("requires version %d, graph is at %d: %w", m.MinimumVersion, current, ErrVersionTooLow)
			return r.fail(m, i, -1, err, Result{Name: m.Name, Version: m.Version}, time.Now(), current)
		}

		res, err := r.apply(ctx, m, i, current)
		if err != nil {
			return err
		}
		current = m.Version
		r.record(res, current)
	}
	r.logger.Info("Migrations complete", "version", current)
	return nil
}

func (r *Runner) apply(ctx context.Context, m Migration, pos, prev int) (Result, error) {
	start := time.Now()
	res := Result{Name: m.Name, Version: m.Version}
	r.logger.Info("Migration started", "migration", m.Name, "version", m.Version, "steps", len(m.Operations))

	for j, step := range m.Operations {
		if err := ctx.Err(); err != nil {
			return res, r.fail(m, pos, j, err, res, start, prev)
		}
		rep, err := r.rewriter.Apply(ctx, step.Operation, m.target(step), r.clock())
		if errors.Is(err, graph.ErrElementNotFound) {
			r.logger.Info("Migration step already applied", "migration", m.Name, "step", j, "operation", step.Operation.Name())
			continue
		}
		if err != nil {
			return res, r.fail(m, pos, j, err, res, start, prev)
		}
		res.Reports = append(res.Reports, rep)
	}

	if m.Validate != nil {
		if err := m.Validate(ctx, r.store, r.clock()); err != nil {
			return res, r.fail(m, pos, -1, fmt.Errorf("validate: %w", err), res, start, prev)
		}
	}
	if err := r.setVersion(ctx, m.Version); err != nil {
		return res, r.fail(m, pos, -1, err, res, start, prev)
	}

	res.State = string(StateCompleted)
	res.Duration = time.Since(start)
	metrics.MigrationRuns.WithLabelValues(m.Name, "completed").Inc()
	metrics.MigrationDuration.WithLabelValues(m.Name).Observe(res.Duration.Seconds())
	r.logger.Info("Migration completed", "migration", m.Name, "version", m.Version, "duration", res.Duration)
	return res, nil
}

func (r *Runner) fail(m Migration, pos, step int, err error, res Result, start time.Time, version int) error {
	ferr := &FailedError{Name: m.Name, Position: pos, Step: step, Err: err}
	res.State = string(StateFailed)
	res.Duration = time.Since(start)
	res.Error = err.Error()
	r.record(res, version)
	metrics.MigrationRuns.WithLabelValues(m.Name, "failed").Inc()
	r.logger.Error("Migration failed", "migration", m.Name, "position", pos, "step", step, "error", err)
	return ferr
}

func (r *Runner) setVersion(ctx context.Context, version int) error {
	backend := r.store.Backend()
	if err := backend.SetVertexProperty(ctx, graph.RootID, PropGraphVersion, int64(version)); err != nil {
		return fmt.Errorf("record version %d: %w", version, err)
	}
	if r.fingerprint != "" {
		if err := backend.SetVertexProperty(ctx, graph.RootID, PropGraphVersionHash, r.fingerprint); err != nil {
			return fmt.Errorf("record version hash: %w", err)
		}
	}
	metrics.GraphVersion.Set(float64(version))
	return nil
}
