package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/persistence"
	"github.com/sanonone/branchgraph/pkg/storage"
)

const snapshotVersion = 1

type snapshot struct {
	Version  int            `json:"version"`
	TakenAt  time.Time      `json:"taken_at"`
	Vertices []graph.Entity `json:"vertices"`
	Edges    []graph.Edge   `json:"edges"`
}

// applyCommand replays one logged mutation onto the index.
func (s *Store) applyCommand(cmd persistence.Command) error {
	switch cmd.Name {
	case persistence.CmdVertex:
		var v graph.Entity
		if err := storage.DecodeJSON(cmd.Args[0], &v); err != nil {
			return err
		}
		v.Properties = storage.NormalizeProperties(v.Properties)
		s.index.putVertex(v)
	case persistence.CmdVertexProp:
		if len(cmd.Args) != 3 {
			return fmt.Errorf("VPROP expects 3 arguments, got %d", len(cmd.Args))
		}
		v, ok := s.index.vertices.Get(cmd.Arg(0))
		if !ok {
			return graph.ElementNotFound("vertex", cmd.Arg(0))
		}
		var value any
		if err := storage.DecodeJSON(cmd.Args[2], &value); err != nil {
			return err
		}
		v = v.Clone()
		if v.Properties == nil {
			v.Properties = make(map[string]any)
		}
		v.Properties[cmd.Arg(1)] = storage.NormalizeValue(value)
		s.index.putVertex(v)
	case persistence.CmdEdge:
		var e graph.Edge
		if err := storage.DecodeJSON(cmd.Args[0], &e); err != nil {
			return err
		}
		e.Properties = storage.NormalizeProperties(e.Properties)
		s.index.putEdge(e)
	case persistence.CmdCloseEdge:
		e, ok := s.index.edges.Get(cmd.Arg(0))
		if !ok {
			return graph.ElementNotFound("edge", cmd.Arg(0))
		}
		to, err := strconv.ParseInt(cmd.Arg(1), 10, 64)
		if err != nil {
			return err
		}
		e.To = graph.Timestamp(to)
		s.index.edges.Set(e.ID, e)
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
	return nil
}

func (s *Store) loadSnapshot() error {
	f, err := os.Open(s.snapPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	frame, _, err := persistence.ReadFrame(bufio.NewReader(f))
	if err != nil {
		return err
	}
	if frame.Op != persistence.OpCodeSnapshot {
		return fmt.Errorf("unexpected frame op %#x", frame.Op)
	}

	dec, err := zstd.NewReader(bytes.NewReader(frame.Payload))
	if err != nil {
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("decompressing: %w", err)
	}

	var snap snapshot
	if err := storage.DecodeJSON(raw, &snap); err != nil {
		return err
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	for _, v := range snap.Vertices {
		v.Properties = storage.NormalizeProperties(v.Properties)
		s.index.putVertex(v)
	}
	for _, e := range snap.Edges {
		e.Properties = storage.NormalizeProperties(e.Properties)
		s.index.putEdge(e)
	}
	s.logger.Info("Snapshot loaded", "path", s.snapPath, "taken_at", snap.TakenAt,
		"vertices", len(snap.Vertices), "edges", len(snap.Edges))
	return nil
}

// SaveSnapshot writes a compressed snapshot and truncates the log.
func (s *Store) SaveSnapshot() error {
	if !s.persistent() {
		return nil
	}
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	// Writers are blocked until the log is truncated so nothing written
	// between the copy and the truncation is lost.
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{Version: snapshotVersion, TakenAt: time.Now().UTC()}
	s.index.vertices.Scan(func(_ string, v graph.Entity) bool {
		snap.Vertices = append(snap.Vertices, v)
		return true
	})
	s.index.edges.Scan(func(_ string, e graph.Edge) bool {
		snap.Edges = append(snap.Edges, e)
		return true
	})
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return fmt.Errorf("compressing: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing encoder: %w", err)
	}

	tmp := s.snapPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	err = persistence.NewFrameWriter(w).WriteFrame(persistence.OpCodeSnapshot, compressed.Bytes())
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.snapPath); err != nil {
		return err
	}
	if err := s.log.Truncate(); err != nil {
		return err
	}

	atomic.StoreInt64(&s.dirtyCounter, 0)
	s.lastSaveTime = time.Now()
	s.logBaseSize = 0
	s.logger.Info("Snapshot saved", "path", s.snapPath, "vertices", len(snap.Vertices), "edges", len(snap.Edges))
	return nil
}

// RewriteLog compacts the log into one command per live vertex and edge.
func (s *Store) RewriteLog() error {
	if !s.persistent() {
		return nil
	}
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := filepath.Join(s.opts.DataDir, s.opts.LogFilename+".rewrite")
	err := persistence.WriteLog(tmp, func(emit func(persistence.Command) error) error {
		var werr error
		s.index.vertices.Scan(func(_ string, v graph.Entity) bool {
			var payload []byte
			if payload, werr = json.Marshal(v); werr == nil {
				werr = emit(persistence.NewCommand(persistence.CmdVertex, string(payload)))
			}
			return werr == nil
		})
		if werr != nil {
			return werr
		}
		s.index.edges.Scan(func(_ string, e graph.Edge) bool {
			var payload []byte
			if payload, werr = json.Marshal(e); werr == nil {
				werr = emit(persistence.NewCommand(persistence.CmdEdge, string(payload)))
			}
			return werr == nil
		})
		return werr
	})
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write compacted log: %w", err)
	}
	if err := s.log.ReplaceWith(tmp); err != nil {
		return err
	}
	s.logBaseSize, _ = s.log.Size()
	s.logger.Info("Log rewritten", "path", s.logPath, "size", s.logBaseSize)
	return nil
}
