// Package badger stores the temporal graph in BadgerDB. Vertices and edges
// are JSON values; adjacency and secondary indexes are empty-valued keys
// scanned by prefix.
//
// Key layout (fields separated by 0x00):
//
//	v  <id>                          vertex
//	e  <id>                          edge
//	k  <kind> <id>                   vertex by kind
//	u  <uuid> <id>                   vertex by uuid
//	a  <vertex> <o|i> <type> <edge>  adjacency
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/storage"
)

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in memory. Useful for tests.
	InMemory bool

	SyncWrites bool

	// Logger receives Badger's internal logs. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB implements storage.Backend on BadgerDB.
type DB struct {
	db *badger.DB

	// Serialized writers never hit ErrConflict.
	writeMu sync.Mutex

	stopGC chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Backend = (*DB)(nil)

// Open opens the database described by cfg.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	d := &DB{db: bdb, stopGC: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.wg.Add(1)
		go d.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return d, nil
}

func (d *DB) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("Value log GC failed", "error", err)
			}
		}
	}
}

func (d *DB) Close() error {
	close(d.stopGC)
	d.wg.Wait()
	return d.db.Close()
}

func key(parts ...string) []byte {
	return []byte(joinKey(parts...))
}

func joinKey(parts ...string) string {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(p)
	}
	return b.String()
}

// prefix is key(parts...) plus a trailing separator.
func prefix(parts ...string) []byte {
	return append(key(parts...), 0)
}

func lastPart(k []byte) string {
	i := bytes.LastIndexByte(k, 0)
	return string(k[i+1:])
}

func (d *DB) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.db.Update(fn)
}

func (d *DB) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

func exists(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return storage.DecodeJSON(val, v)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

// scanKeys calls fn with the last key component of every key under p.
func scanKeys(txn *badger.Txn, p []byte, fn func(id string) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := fn(lastPart(it.Item().Key())); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) CreateVertex(ctx context.Context, v graph.Entity) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		vk := key("v", v.ID)
		ok, err := exists(txn, vk)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("vertex %s: %w", v.ID, storage.ErrDuplicate)
		}
		if err := setJSON(txn, vk, v); err != nil {
			return err
		}
		if err := txn.Set(key("k", v.Kind, v.ID), nil); err != nil {
			return err
		}
		return txn.Set(key("u", v.UUID, v.ID), nil)
	})
}

func readVertex(txn *badger.Txn, id string) (graph.Entity, error) {
	var v graph.Entity
	err := getJSON(txn, key("v", id), &v)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return graph.Entity{}, graph.ElementNotFound("vertex", id)
	}
	if err != nil {
		return graph.Entity{}, err
	}
	v.Properties = storage.NormalizeProperties(v.Properties)
	return v, nil
}

func (d *DB) Vertex(ctx context.Context, id string) (graph.Entity, error) {
	var v graph.Entity
	err := d.view(ctx, func(txn *badger.Txn) error {
		var err error
		v, err = readVertex(txn, id)
		return err
	})
	return v, err
}

func (d *DB) MatchVertices(ctx context.Context, q storage.VertexQuery) ([]graph.Entity, error) {
	var out []graph.Entity
	err := d.view(ctx, func(txn *badger.Txn) error {
		collect := func(id string) error {
			v, err := readVertex(txn, id)
			if err != nil {
				return err
			}
			if q.Matches(v) {
				out = append(out, v)
			}
			return nil
		}
		switch {
		case q.UUID != "":
			return scanKeys(txn, prefix("u", q.UUID), collect)
		case q.Kind != "":
			return scanKeys(txn, prefix("k", q.Kind), collect)
		default:
			return scanKeys(txn, prefix("v"), collect)
		}
	})
	return out, err
}

func (d *DB) SetVertexProperty(ctx context.Context, id, k string, value any) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		v, err := readVertex(txn, id)
		if err != nil {
			return err
		}
		if v.Properties == nil {
			v.Properties = make(map[string]any)
		}
		v.Properties[k] = value
		return setJSON(txn, key("v", id), v)
	})
}

func (d *DB) CreateEdge(ctx context.Context, e graph.Edge) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		ek := key("e", e.ID)
		ok, err := exists(txn, ek)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("edge %s: %w", e.ID, storage.ErrDuplicate)
		}
		if err := setJSON(txn, ek, e); err != nil {
			return err
		}
		if err := txn.Set(key("a", e.Source, "o", string(e.Type), e.ID), nil); err != nil {
			return err
		}
		return txn.Set(key("a", e.Target, "i", string(e.Type), e.ID), nil)
	})
}

func readEdge(txn *badger.Txn, id string) (graph.Edge, error) {
	var e graph.Edge
	err := getJSON(txn, key("e", id), &e)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return graph.Edge{}, graph.ElementNotFound("edge", id)
	}
	if err != nil {
		return graph.Edge{}, err
	}
	e.Properties = storage.NormalizeProperties(e.Properties)
	return e, nil
}

func (d *DB) Edge(ctx context.Context, id string) (graph.Edge, error) {
	var e graph.Edge
	err := d.view(ctx, func(txn *badger.Txn) error {
		var err error
		e, err = readEdge(txn, id)
		return err
	})
	return e, err
}

func (d *DB) CloseEdge(ctx context.Context, id string, to graph.Timestamp) (graph.Edge, error) {
	var e graph.Edge
	err := d.update(ctx, func(txn *badger.Txn) error {
		var err error
		e, err = readEdge(txn, id)
		if err != nil {
			return err
		}
		if !e.Open() {
			return &graph.HistoryError{EdgeID: id, Reason: "already closed"}
		}
		e.To = to
		return setJSON(txn, key("e", id), e)
	})
	if err != nil {
		return graph.Edge{}, err
	}
	return e, nil
}

func (d *DB) MatchEdges(ctx context.Context, q storage.EdgeQuery) ([]graph.Edge, error) {
	var dirs []string
	switch q.Direction {
	case graph.Outbound:
		dirs = []string{"o"}
	case graph.Inbound:
		dirs = []string{"i"}
	default:
		dirs = []string{"o", "i"}
	}

	var out []graph.Edge
	seen := make(map[string]struct{})
	err := d.view(ctx, func(txn *badger.Txn) error {
		visit := func(id string) error {
			if _, dup := seen[id]; dup {
				return nil
			}
			seen[id] = struct{}{}
			e, err := readEdge(txn, id)
			if err != nil {
				return err
			}
			if q.Matches(e) {
				out = append(out, e)
			}
			return nil
		}
		for _, dir := range dirs {
			if len(q.Types) == 0 {
				if err := scanKeys(txn, prefix("a", q.Vertex, dir), visit); err != nil {
					return err
				}
				continue
			}
			for _, t := range q.Types {
				if err := scanKeys(txn, prefix("a", q.Vertex, dir, string(t)), visit); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q.Finish(out), nil
}
