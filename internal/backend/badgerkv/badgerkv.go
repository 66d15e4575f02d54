// Package badgerkv implements backend.KeyValueStore on badger.
package badgerkv

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/agentsync/internal/backend"
)

// Store is an ordered key-value backend.
type Store struct {
	name string
	db   *badger.DB
}

var _ backend.KeyValueStore = (*Store)(nil)

// Open opens a badger database at dir. An empty dir keeps everything in memory.
func Open(name, dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", name, err)
	}
	return &Store{name: name, db: db}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Health(ctx context.Context) backend.Health {
	if s.db.IsClosed() || ctx.Err() != nil {
		return backend.Down
	}
	return backend.Up
}

func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

// guard turns a closed database or a dead context into an unavailable error.
func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return backend.Unavailable(s.name, err)
	}
	if s.db.IsClosed() {
		return backend.Unavailable(s.name, errors.New("database closed"))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.Batch(ctx, []backend.KVWrite{{Key: key, Value: value}})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Batch(ctx, []backend.KVWrite{{Key: key}})
}

// Batch applies all writes in one badger transaction.
func (s *Store) Batch(ctx context.Context, writes []backend.KVWrite) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			if w.Value == nil {
				if err := txn.Delete([]byte(w.Key)); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set([]byte(w.Key), w.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger batch: %w", err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	p := []byte(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if ctx.Err() != nil {
				return backend.Unavailable(s.name, ctx.Err())
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			if !bytes.HasPrefix(key, p) {
				break
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("badger scan %s: %w", key, err)
			}
			if !fn(string(key), val) {
				return nil
			}
		}
		return nil
	})
}
