// Package engine provides the embedded, high-level interface to a
// branchgraph dataset.
//
// It opens the configured storage backend, loads the branch directory and
// wires the temporal graph store, the schema rewriter and the migration
// runner on top of it.
//
// Basic usage:
//
//	cfg := config.DefaultConfig()
//	cfg.Storage.DataDir = "./data"
//	eng, err := engine.Open(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/config"
	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/graphstore"
	"github.com/sanonone/branchgraph/pkg/migration"
	"github.com/sanonone/branchgraph/pkg/rewrite"
	"github.com/sanonone/branchgraph/pkg/storage"
	"github.com/sanonone/branchgraph/pkg/storage/badger"
	"github.com/sanonone/branchgraph/pkg/storage/memory"
	"github.com/sanonone/branchgraph/pkg/storage/sqlite"
)

// ErrNotSupported is returned for maintenance the backend does not offer.
var ErrNotSupported = errors.New("not supported by this storage backend")

// Engine is the main entry point. Use Open to create one and Close to shut
// it down.
type Engine struct {
	Backend  storage.Backend
	Branches *branch.Directory
	Store    *graphstore.Store
	Rewriter *rewrite.Rewriter

	cfg    config.Config
	logger *slog.Logger

	// Serializes migration runs and backend maintenance.
	adminMu   sync.Mutex
	closeOnce sync.Once
}

// Open opens the backend described by cfg, bootstraps the global and
// default branches and the root vertex. A nil logger means slog.Default().
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	dir := branch.NewDirectory(backend, logger)
	if err := dir.Bootstrap(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("bootstrap branches: %w", err)
	}
	store := graphstore.New(backend, dir,
		graphstore.WithLogger(logger),
		graphstore.WithConcurrency(cfg.Graph.Concurrency))
	if err := store.EnsureRoot(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("create root: %w", err)
	}

	e := &Engine{
		Backend:  backend,
		Branches: dir,
		Store:    store,
		Rewriter: rewrite.New(store, logger),
		cfg:      cfg,
		logger:   logger,
	}
	logger.Info("Engine ready", "backend", cfg.Storage.Backend, "data_dir", cfg.Storage.DataDir, "branches", len(dir.List()))
	return e, nil
}

func openBackend(cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.Open(memory.Options{
			DataDir:              cfg.DataDir,
			LogFilename:          "branchgraph.aof",
			LazyLog:              cfg.LazyLog,
			AutoSaveInterval:     cfg.AutoSaveInterval,
			AutoSaveThreshold:    cfg.AutoSaveThreshold,
			LogRewritePercentage: cfg.LogRewritePercentage,
			MaintenanceInterval:  cfg.MaintenanceInterval,
			Logger:               logger,
		})
	case config.BackendSQLite:
		return sqlite.Open(filepath.Join(cfg.DataDir, "branchgraph.db"), logger)
	case config.BackendBadger:
		return badger.Open(badger.Config{
			Path:           filepath.Join(cfg.DataDir, "badger"),
			SyncWrites:     cfg.SyncWrites,
			Logger:         logger,
			GCInterval:     cfg.GCInterval,
			GCDiscardRatio: 0.5,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config { return e.cfg }

// SchemaVersion returns the applied migration version and manifest hash.
func (e *Engine) SchemaVersion(ctx context.Context) (int, string, error) {
	root, err := e.Store.Entity(ctx, graph.RootID)
	if err != nil {
		return 0, "", err
	}
	return int(graph.Int64Prop(root.Properties, migration.PropGraphVersion)),
		graph.StringProp(root.Properties, migration.PropGraphVersionHash), nil
}

// LoadMigrations reads the manifest named in the configuration.
func (e *Engine) LoadMigrations() (*migration.Manifest, error) {
	if e.cfg.Migrations.Manifest == "" {
		return nil, errors.New("no migration manifest configured")
	}
	return migration.LoadManifest(e.cfg.Migrations.Manifest)
}

// NewRunner builds a migration runner over the engine's store.
func (e *Engine) NewRunner(m *migration.Manifest) (*migration.Runner, error) {
	return migration.NewRunner(e.Store, e.Rewriter, m.Migrations,
		migration.WithLogger(e.logger),
		migration.WithFingerprint(m.Fingerprint))
}

// Migrate runs every pending migration of m. Only one run happens at a
// time per engine.
func (e *Engine) Migrate(ctx context.Context, m *migration.Manifest) (migration.Status, error) {
	r, err := e.NewRunner(m)
	if err != nil {
		return migration.Status{}, err
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	return r.Run(ctx)
}

// SaveSnapshot writes a snapshot on backends that keep one.
func (e *Engine) SaveSnapshot() error {
	s, ok := e.Backend.(interface{ SaveSnapshot() error })
	if !ok {
		return ErrNotSupported
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	return s.SaveSnapshot()
}

// RewriteLog compacts the command log on backends that keep one.
func (e *Engine) RewriteLog() error {
	s, ok := e.Backend.(interface{ RewriteLog() error })
	if !ok {
		return ErrNotSupported
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	return s.RewriteLog()
}

// Close shuts the backend down. It is safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.Backend.Close()
	})
	return err
}
