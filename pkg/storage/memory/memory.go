// Package memory is an embedded storage engine that keeps the whole graph in
// B-tree indexes and makes it durable with an append-only command log plus
// periodic compressed snapshots.
//
// Basic usage:
//
//	opts := memory.DefaultOptions("./data")
//	st, err := memory.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// An empty DataDir gives a purely in-memory store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/persistence"
	"github.com/sanonone/branchgraph/pkg/storage"
)

// Options configures durability and maintenance.
type Options struct {
	// DataDir holds the log and snapshot. Empty disables persistence.
	DataDir string

	// LogFilename is the command log name; the snapshot sits next to it
	// with a .snap extension.
	LogFilename string

	// LazyLog batches log writes and fsyncs once per second instead of on
	// every mutation.
	LazyLog bool

	// AutoSaveInterval and AutoSaveThreshold must both be met before a
	// background snapshot is taken. Zero disables auto-save.
	AutoSaveInterval  time.Duration
	AutoSaveThreshold int64

	// LogRewritePercentage rewrites the log once it grows past its base size
	// by this percentage. Zero disables rewriting.
	LogRewritePercentage int

	// MaintenanceInterval is how often the policies above are evaluated.
	MaintenanceInterval time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns options suitable for a server process.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:              dataDir,
		LogFilename:          "branchgraph.aof",
		LazyLog:              true,
		AutoSaveInterval:     60 * time.Second,
		AutoSaveThreshold:    1000,
		LogRewritePercentage: 100,
		MaintenanceInterval:  time.Second,
	}
}

// Store implements storage.Backend.
type Store struct {
	mu    sync.RWMutex
	index *graphIndex

	opts     Options
	logger   *slog.Logger
	log      persistence.Log
	logPath  string
	snapPath string

	logBaseSize  int64
	dirtyCounter int64
	lastSaveTime time.Time

	adminMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ storage.Backend = (*Store)(nil)

// New returns a non-persistent store.
func New() *Store {
	s, _ := Open(Options{})
	return s
}

// Open loads the snapshot, replays the log and starts background
// maintenance. It blocks until the graph is fully loaded.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		index:        newGraphIndex(),
		opts:         opts,
		logger:       logger,
		lastSaveTime: time.Now(),
		closed:       make(chan struct{}),
	}
	if opts.DataDir == "" {
		return s, nil
	}

	if opts.LogFilename == "" {
		opts.LogFilename = "branchgraph.aof"
		s.opts.LogFilename = opts.LogFilename
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s.logPath = filepath.Join(opts.DataDir, opts.LogFilename)
	s.snapPath = strings.TrimSuffix(s.logPath, filepath.Ext(s.logPath)) + ".snap"

	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	replayed, err := persistence.Replay(s.logPath, logger, s.applyCommand)
	if err != nil {
		return nil, fmt.Errorf("replay log: %w", err)
	}

	w, err := persistence.NewAOFWriter(s.logPath)
	if err != nil {
		return nil, err
	}
	if opts.LazyLog {
		s.log = persistence.NewLazyAOFWriter(w, persistence.LazyConfig{Logger: logger})
	} else {
		s.log = w
	}
	s.logBaseSize, _ = s.log.Size()

	logger.Info("Memory store opened",
		"data_dir", opts.DataDir,
		"vertices", s.index.vertices.Len(),
		"edges", s.index.edges.Len(),
		"replayed", replayed,
	)

	s.wg.Add(1)
	go s.backgroundTasks()
	return s, nil
}

// Close stops maintenance and closes the log. Everything written is
// already in the log, so no final snapshot is taken.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		if s.log != nil {
			err = s.log.Close()
		}
	})
	return err
}

func (s *Store) persistent() bool { return s.log != nil }

// append logs cmd. The caller holds s.mu.
func (s *Store) append(cmd persistence.Command) error {
	if !s.persistent() {
		return nil
	}
	if err := s.log.Append(cmd); err != nil {
		return fmt.Errorf("append %s: %w", cmd.Name, err)
	}
	if !s.opts.LazyLog {
		if err := s.log.Flush(); err != nil {
			return err
		}
	}
	atomic.AddInt64(&s.dirtyCounter, 1)
	return nil
}

func (s *Store) CreateVertex(ctx context.Context, v graph.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.vertices.Get(v.ID); ok {
		return fmt.Errorf("vertex %s: %w", v.ID, storage.ErrDuplicate)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.append(persistence.NewCommand(persistence.CmdVertex, string(payload))); err != nil {
		return err
	}
	s.index.putVertex(v.Clone())
	return nil
}

func (s *Store) Vertex(ctx context.Context, id string) (graph.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.index.vertices.Get(id)
	if !ok {
		return graph.Entity{}, graph.ElementNotFound("vertex", id)
	}
	return v.Clone(), nil
}

func (s *Store) MatchVertices(ctx context.Context, q storage.VertexQuery) ([]graph.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.matchVertices(q), nil
}

func (s *Store) SetVertexProperty(ctx context.Context, id, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.index.vertices.Get(id)
	if !ok {
		return graph.ElementNotFound("vertex", id)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.append(persistence.NewCommand(persistence.CmdVertexProp, id, key, string(payload))); err != nil {
		return err
	}
	v = v.Clone()
	if v.Properties == nil {
		v.Properties = make(map[string]any)
	}
	v.Properties[key] = value
	s.index.putVertex(v)
	return nil
}

func (s *Store) CreateEdge(ctx context.Context, e graph.Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.edges.Get(e.ID); ok {
		return fmt.Errorf("edge %s: %w", e.ID, storage.ErrDuplicate)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.append(persistence.NewCommand(persistence.CmdEdge, string(payload))); err != nil {
		return err
	}
	s.index.putEdge(e.Clone())
	return nil
}

func (s *Store) Edge(ctx context.Context, id string) (graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index.edges.Get(id)
	if !ok {
		return graph.Edge{}, graph.ElementNotFound("edge", id)
	}
	return e.Clone(), nil
}

func (s *Store) CloseEdge(ctx context.Context, id string, to graph.Timestamp) (graph.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index.edges.Get(id)
	if !ok {
		return graph.Edge{}, graph.ElementNotFound("edge", id)
	}
	if !e.Open() {
		return graph.Edge{}, &graph.HistoryError{EdgeID: id, Reason: "already closed"}
	}
	cmd := persistence.NewCommand(persistence.CmdCloseEdge, id, strconv.FormatInt(int64(to), 10))
	if err := s.append(cmd); err != nil {
		return graph.Edge{}, err
	}
	e.To = to
	s.index.edges.Set(id, e)
	return e.Clone(), nil
}

func (s *Store) MatchEdges(ctx context.Context, q storage.EdgeQuery) ([]graph.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.matchEdges(q), nil
}

// Stats reports the number of stored vertices and edges.
func (s *Store) Stats() (vertices, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.vertices.Len(), s.index.edges.Len()
}

func (s *Store) backgroundTasks() {
	defer s.wg.Done()
	interval := s.opts.MaintenanceInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.checkMaintenance()
		}
	}
}

// checkMaintenance applies the auto-save and log rewrite policies.
func (s *Store) checkMaintenance() {
	dirty := atomic.LoadInt64(&s.dirtyCounter)
	if s.opts.AutoSaveThreshold > 0 && s.opts.AutoSaveInterval > 0 {
		if dirty >= s.opts.AutoSaveThreshold && time.Since(s.lastSaveTime) >= s.opts.AutoSaveInterval {
			if err := s.SaveSnapshot(); err != nil {
				s.logger.Error("Background snapshot failed", "error", err)
			}
			return
		}
	}

	if s.opts.LogRewritePercentage <= 0 {
		return
	}
	size, err := s.log.Size()
	if err != nil {
		return
	}
	threshold := s.logBaseSize + s.logBaseSize*int64(s.opts.LogRewritePercentage)/100
	if threshold < 1<<20 {
		threshold = 1 << 20
	}
	if size > threshold {
		if err := s.RewriteLog(); err != nil {
			s.logger.Error("Background log rewrite failed", "error", err)
		}
	}
}
