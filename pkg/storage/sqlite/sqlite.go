// Package sqlite stores the temporal graph in a single SQLite database.
// Temporal visibility and resolution order are pushed down into SQL, so a
// resolveActive lookup is one indexed query with LIMIT 1.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/storage"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

const edgeColumns = `id, type, source, target, branch, branch_level, status, valid_from, valid_to, origin, properties`

const vertexColumns = `id, uuid, class, kind, labels, properties, created_at`

// DB implements storage.Backend on SQLite.
type DB struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger

	// SQLite allows one writer; serializing here avoids SQLITE_BUSY churn.
	writeMu sync.Mutex
}

var _ storage.Backend = (*DB)(nil)

// Open opens or creates the database at path.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them in force.
	conn.SetMaxOpenConns(1)

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("SQLite store opened", "path", path)
	return &DB{conn: conn, path: path, logger: logger}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (db *DB) CreateVertex(ctx context.Context, v graph.Entity) error {
	labels, err := json.Marshal(nonNilLabels(v.Labels))
	if err != nil {
		return err
	}
	props, err := storage.EncodeProperties(v.Properties)
	if err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO vertices (`+vertexColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.UUID, string(v.Class), v.Kind, string(labels), string(props), int64(v.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("vertex %s: %w", v.ID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting vertex: %w", err)
	}
	return nil
}

func nonNilLabels(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVertex(row scanner) (graph.Entity, error) {
	var (
		v             graph.Entity
		class, labels string
		props         string
		created       int64
	)
	if err := row.Scan(&v.ID, &v.UUID, &class, &v.Kind, &labels, &props, &created); err != nil {
		return graph.Entity{}, err
	}
	v.Class = graph.Class(class)
	v.CreatedAt = graph.Timestamp(created)
	if err := json.Unmarshal([]byte(labels), &v.Labels); err != nil {
		return graph.Entity{}, fmt.Errorf("decoding labels of %s: %w", v.ID, err)
	}
	if len(v.Labels) == 0 {
		v.Labels = nil
	}
	p, err := storage.DecodeProperties([]byte(props))
	if err != nil {
		return graph.Entity{}, fmt.Errorf("decoding properties of %s: %w", v.ID, err)
	}
	v.Properties = p
	return v, nil
}

func (db *DB) Vertex(ctx context.Context, id string) (graph.Entity, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+vertexColumns+` FROM vertices WHERE id = ?`, id)
	v, err := scanVertex(row)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Entity{}, graph.ElementNotFound("vertex", id)
	}
	if err != nil {
		return graph.Entity{}, fmt.Errorf("querying vertex: %w", err)
	}
	return v, nil
}

func (db *DB) MatchVertices(ctx context.Context, q storage.VertexQuery) ([]graph.Entity, error) {
	var (
		where []string
		args  []any
	)
	if q.Class != "" {
		where = append(where, "class = ?")
		args = append(args, string(q.Class))
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.UUID != "" {
		where = append(where, "uuid = ?")
		args = append(args, q.UUID)
	}
	if q.Label != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(vertices.labels) WHERE json_each.value = ?)")
		args = append(args, q.Label)
	}
	query := `SELECT ` + vertexColumns + ` FROM vertices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vertices: %w", err)
	}
	defer rows.Close()

	var out []graph.Entity
	for rows.Next() {
		v, err := scanVertex(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (db *DB) SetVertexProperty(ctx context.Context, id, key string, value any) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT properties FROM vertices WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.ElementNotFound("vertex", id)
	}
	if err != nil {
		return err
	}
	props, err := storage.DecodeProperties([]byte(raw))
	if err != nil {
		return err
	}
	if props == nil {
		props = make(map[string]any)
	}
	props[key] = value
	encoded, err := storage.EncodeProperties(props)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE vertices SET properties = ? WHERE id = ?`, string(encoded), id); err != nil {
		return fmt.Errorf("updating vertex: %w", err)
	}
	return tx.Commit()
}

func (db *DB) CreateEdge(ctx context.Context, e graph.Edge) error {
	props, err := storage.EncodeProperties(e.Properties)
	if err != nil {
		return err
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Source, e.Target, e.Branch, e.BranchLevel,
		string(e.Status), int64(e.From), int64(e.To), int64(e.Origin), string(props),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("edge %s: %w", e.ID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting edge: %w", err)
	}
	return nil
}

func scanEdge(row scanner) (graph.Edge, error) {
	var (
		e           graph.Edge
		typ, status string
		from, to    int64
		origin      int64
		props       string
	)
	if err := row.Scan(&e.ID, &typ, &e.Source, &e.Target, &e.Branch, &e.BranchLevel, &status, &from, &to, &origin, &props); err != nil {
		return graph.Edge{}, err
	}
	e.Type = graph.EdgeType(typ)
	e.Status = graph.Status(status)
	e.From = graph.Timestamp(from)
	e.To = graph.Timestamp(to)
	e.Origin = graph.Timestamp(origin)
	p, err := storage.DecodeProperties([]byte(props))
	if err != nil {
		return graph.Edge{}, fmt.Errorf("decoding properties of edge %s: %w", e.ID, err)
	}
	e.Properties = p
	return e, nil
}

func (db *DB) Edge(ctx context.Context, id string) (graph.Edge, error) {
	e, err := scanEdge(db.conn.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Edge{}, graph.ElementNotFound("edge", id)
	}
	if err != nil {
		return graph.Edge{}, fmt.Errorf("querying edge: %w", err)
	}
	return e, nil
}

func (db *DB) CloseEdge(ctx context.Context, id string, to graph.Timestamp) (graph.Edge, error) {
	db.writeMu.Lock()
	res, err := db.conn.ExecContext(ctx, `UPDATE edges SET valid_to = ? WHERE id = ? AND valid_to = 0`, int64(to), id)
	db.writeMu.Unlock()
	if err != nil {
		return graph.Edge{}, fmt.Errorf("closing edge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return graph.Edge{}, err
	}
	e, err := db.Edge(ctx, id)
	if err != nil {
		return graph.Edge{}, err
	}
	if n == 0 {
		return graph.Edge{}, &graph.HistoryError{EdgeID: id, Reason: "already closed"}
	}
	return e, nil
}

func (db *DB) MatchEdges(ctx context.Context, q storage.EdgeQuery) ([]graph.Edge, error) {
	query, args := buildEdgeQuery(q)
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var out []graph.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// buildEdgeQuery translates q, including its temporal predicate, into SQL.
func buildEdgeQuery(q storage.EdgeQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	switch q.Direction {
	case graph.Outbound:
		where = append(where, "source = ?")
		args = append(args, q.Vertex)
		if q.Peer != "" {
			where = append(where, "target = ?")
			args = append(args, q.Peer)
		}
	case graph.Inbound:
		where = append(where, "target = ?")
		args = append(args, q.Vertex)
		if q.Peer != "" {
			where = append(where, "source = ?")
			args = append(args, q.Peer)
		}
	default:
		if q.Peer != "" {
			where = append(where, "((source = ? AND target = ?) OR (target = ? AND source = ?))")
			args = append(args, q.Vertex, q.Peer, q.Vertex, q.Peer)
		} else {
			where = append(where, "(source = ? OR target = ?)")
			args = append(args, q.Vertex, q.Vertex)
		}
	}

	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.Filter != nil {
		if len(q.Filter.Scopes) == 0 {
			where = append(where, "0")
		} else {
			scopes := make([]string, len(q.Filter.Scopes))
			for i, s := range q.Filter.Scopes {
				at := int64(q.Filter.InstantFor(s))
				scopes[i] = "(branch = ? AND valid_from <= ? AND (valid_to = 0 OR valid_to > ?))"
				args = append(args, s.Name, at, at)
			}
			where = append(where, "("+strings.Join(scopes, " OR ")+")")
		}
	}

	query := `SELECT ` + edgeColumns + ` FROM edges WHERE ` + strings.Join(where, " AND ")
	if q.Ordered {
		query += " ORDER BY branch_level DESC, valid_from DESC, " +
			"(CASE origin WHEN 0 THEN valid_from ELSE origin END) DESC, id DESC"
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return query, args
}
