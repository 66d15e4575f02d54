// Package sqlgraph implements backend.GraphStore on SQLite via the pure-Go
// modernc driver. Nodes hold records; edges hold record relations.
package sqlgraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/roach88/agentsync/internal/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    id        TEXT PRIMARY KEY,
    namespace TEXT NOT NULL DEFAULT '',
    version   INTEGER NOT NULL DEFAULT 0,
    payload   TEXT NOT NULL DEFAULT '',
    deleted   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS edges (
    from_id TEXT NOT NULL,
    to_id   TEXT NOT NULL,
    type    TEXT NOT NULL,
    PRIMARY KEY (from_id, to_id, type)
);

CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);
`

// MaxTraverseDepth bounds Traverse regardless of the requested depth.
const MaxTraverseDepth = 8

// Store is a graph backend.
type Store struct {
	name string
	db   *sql.DB
}

var _ backend.GraphStore = (*Store)(nil)

// Open creates or opens the graph database at path.
func Open(name, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open graph %s: %w", name, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("graph pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph schema: %w", err)
	}
	return &Store{name: name, db: db}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Health(ctx context.Context) backend.Health {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return backend.Down
	}
	return backend.Up
}

func (s *Store) Close() error {
	return s.db.Close()
}

// wrap classifies driver errors: a closed pool or dead context is unavailability.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) || err.Error() == "sql: database is closed" {
		return backend.Unavailable(s.name, err)
	}
	return fmt.Errorf("graph %s: %w", op, err)
}

func (s *Store) UpsertNode(ctx context.Context, n backend.Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, namespace, version, payload, deleted) VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			namespace = excluded.namespace,
			version = excluded.version,
			payload = excluded.payload,
			deleted = 0
	`, n.ID, n.Namespace, n.Version, n.Payload)
	return s.wrap("upsert node", err)
}

func (s *Store) UpsertEdge(ctx context.Context, e backend.Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (from_id, to_id, type) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, e.From, e.To, e.Type)
	return s.wrap("upsert edge", err)
}

func (s *Store) GetNode(ctx context.Context, id string) (backend.Node, error) {
	var (
		n       backend.Node
		deleted bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, version, payload, deleted FROM nodes WHERE id = ?
	`, id).Scan(&n.ID, &n.Namespace, &n.Version, &n.Payload, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return backend.Node{}, backend.ErrNotFound
	}
	if err != nil {
		return backend.Node{}, s.wrap("get node", err)
	}
	return n, nil
}

// DeleteNode removes a node and every edge touching it.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("delete node", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return s.wrap("delete node", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return s.wrap("delete node", err)
	}
	return s.wrap("delete node", tx.Commit())
}

// Batch applies node writes in one SQL transaction. A write whose version is
// not above the stored version is skipped together with its edges. Deletes
// leave a versioned tombstone row so a stale put cannot resurrect the node.
func (s *Store) Batch(ctx context.Context, writes []backend.NodeWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("batch", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		var stored int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM nodes WHERE id = ?`, w.Node.ID).Scan(&stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return s.wrap("batch", err)
		}
		if w.Node.Version <= stored {
			continue
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ?`, w.Node.ID); err != nil {
			return s.wrap("batch", err)
		}
		if w.Delete {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO nodes (id, namespace, version, payload, deleted) VALUES (?, ?, ?, '', 1)
				ON CONFLICT(id) DO UPDATE SET version = excluded.version, payload = '', deleted = 1
			`, w.Node.ID, w.Node.Namespace, w.Node.Version)
			if err != nil {
				return s.wrap("batch", err)
			}
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (id, namespace, version, payload, deleted) VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				namespace = excluded.namespace,
				version = excluded.version,
				payload = excluded.payload,
				deleted = 0
		`, w.Node.ID, w.Node.Namespace, w.Node.Version, w.Node.Payload)
		if err != nil {
			return s.wrap("batch", err)
		}
		for _, e := range w.Edges {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO edges (from_id, to_id, type) VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING
			`, e.From, e.To, e.Type)
			if err != nil {
				return s.wrap("batch", err)
			}
		}
	}
	return s.wrap("batch", tx.Commit())
}

type edgeRow struct {
	from, to, typ string
}

func (s *Store) edgesOf(ctx context.Context, id string) ([]edgeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, type FROM edges
		WHERE from_id = ? OR to_id = ?
		ORDER BY from_id, to_id, type
	`, id, id)
	if err != nil {
		return nil, s.wrap("traverse", err)
	}
	defer rows.Close()

	var out []edgeRow
	for rows.Next() {
		var r edgeRow
		if err := rows.Scan(&r.from, &r.to, &r.typ); err != nil {
			return nil, s.wrap("traverse", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Traverse walks relations breadth-first in both directions. depth is clamped
// to [1, MaxTraverseDepth]; the start node is not included. Edges pointing at
// missing or deleted nodes are skipped.
func (s *Store) Traverse(ctx context.Context, from string, depth int) ([]backend.Visit, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > MaxTraverseDepth {
		depth = MaxTraverseDepth
	}
	if _, err := s.GetNode(ctx, from); err != nil {
		return nil, err
	}

	type queueItem struct {
		id    string
		depth int
	}
	visited := map[string]bool{from: true}
	queue := []queueItem{{id: from}}
	var out []backend.Visit

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}

		edges, err := s.edgesOf(ctx, cur.id)
		if err != nil {
			return nil, err
		}
		// Collect rows before issuing more queries on the single connection.
		for _, e := range edges {
			other, outgoing := e.to, true
			if e.to == cur.id {
				other, outgoing = e.from, false
			}
			if visited[other] {
				continue
			}
			visited[other] = true

			node, err := s.GetNode(ctx, other)
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, backend.Visit{Node: node, Depth: cur.depth + 1, Via: e.typ, Outgoing: outgoing})
			queue = append(queue, queueItem{id: other, depth: cur.depth + 1})
		}
	}
	return out, nil
}
