package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/agentsync/internal/record"
)

// EntryKind distinguishes the two entry shapes in the log.
type EntryKind string

const (
	EntryBegin  EntryKind = "begin"
	EntryStatus EntryKind = "status"
)

// Entry is one append-only log record. Offset is assigned by Append.
type Entry struct {
	Offset int64
	TxID   string
	Kind   EntryKind
	Status record.TxStatus
	Body   []byte
	Digest string
}

// Append durably writes an entry and returns its offset.
//
// Begin entries also raise the stored high-water version of every key they
// touch, inside the same SQL transaction.
func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	if e.TxID == "" {
		return 0, fmt.Errorf("append: empty tx id")
	}
	if e.Kind != EntryBegin && e.Kind != EntryStatus {
		return 0, fmt.Errorf("append: unknown entry kind %q", e.Kind)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append: begin: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO wal_entries (tx_id, kind, status, body, digest)
		VALUES (?, ?, ?, ?, ?)
	`, e.TxID, string(e.Kind), string(e.Status), string(e.Body), e.Digest)
	if err != nil {
		return 0, fmt.Errorf("append: insert: %w", err)
	}
	offset, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append: offset: %w", err)
	}

	if e.Kind == EntryBegin {
		tx, err := e.Transaction()
		if err != nil {
			return 0, fmt.Errorf("append: %w", err)
		}
		for _, op := range tx.Ops {
			_, err := sqlTx.ExecContext(ctx, `
				INSERT INTO record_versions (record_key, version) VALUES (?, ?)
				ON CONFLICT(record_key) DO UPDATE SET version = MAX(version, excluded.version)
			`, op.Key(), op.Record.Version)
			if err != nil {
				return 0, fmt.Errorf("append: version %s: %w", op.Key(), err)
			}
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("append: commit: %w", err)
	}
	return offset, nil
}

// Replay returns an iterator over entries with offset >= from, in offset order.
//
// The store holds a single connection: close the iterator before appending.
func (s *Store) Replay(ctx context.Context, from int64) (*Iterator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, tx_id, kind, status, body, digest
		FROM wal_entries
		WHERE seq >= ?
		ORDER BY seq ASC
	`, from)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return &Iterator{rows: rows}, nil
}

// Iterator walks log entries. Usage mirrors sql.Rows:
//
//	for it.Next() { e := it.Entry() }
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	rows *sql.Rows
	cur  Entry
	err  error
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var (
		e            Entry
		kind, status string
		body         string
	)
	if err := it.rows.Scan(&e.Offset, &e.TxID, &kind, &status, &body, &e.Digest); err != nil {
		it.err = fmt.Errorf("replay: scan: %w", err)
		return false
	}
	e.Kind = EntryKind(kind)
	e.Status = record.TxStatus(status)
	e.Body = []byte(body)
	it.cur = e
	return true
}

// Entry returns the current entry.
func (it *Iterator) Entry() Entry {
	return it.cur
}

// Err returns the first error met while iterating.
func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying rows.
func (it *Iterator) Close() error {
	return it.rows.Close()
}

// LastOffset returns the highest offset in the log, or 0 when empty.
func (s *Store) LastOffset(ctx context.Context) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM wal_entries`).Scan(&offset)
	if err != nil {
		return 0, fmt.Errorf("last offset: %w", err)
	}
	return offset, nil
}

// Versions returns the highest assigned version per record key.
func (s *Store) Versions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_key, version FROM record_versions`)
	if err != nil {
		return nil, fmt.Errorf("versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var v int64
		if err := rows.Scan(&key, &v); err != nil {
			return nil, fmt.Errorf("versions: scan: %w", err)
		}
		out[key] = v
	}
	return out, rows.Err()
}

// Compact deletes every entry of transactions whose latest status is terminal.
// It returns the number of entries removed.
func (s *Store) Compact(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM wal_entries WHERE tx_id IN (
			SELECT w.tx_id FROM wal_entries w
			WHERE w.seq = (SELECT MAX(seq) FROM wal_entries WHERE tx_id = w.tx_id)
			AND w.status IN (?, ?, ?)
		)
	`, string(record.TxCommitted), string(record.TxFailed), string(record.TxRolledBack))
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	return n, nil
}
