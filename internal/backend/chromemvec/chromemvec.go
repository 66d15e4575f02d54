// Package chromemvec implements backend.VectorStore on an in-process chromem-go database.
package chromemvec

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/roach88/agentsync/internal/backend"
)

// Store is a similarity-search backend.
//
// Embeddings are supplied by callers; no embedding function is configured, so
// documents without an embedding are rejected by chromem.
type Store struct {
	name string
	db   *chromem.DB
	col  *chromem.Collection

	mu     sync.RWMutex
	closed bool
}

var _ backend.VectorStore = (*Store)(nil)

// New creates a store with a single collection.
func New(name, collection string) (*Store, error) {
	if collection == "" {
		collection = "memory"
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create chromem collection %s: %w", collection, err)
	}
	return &Store{name: name, db: db, col: col}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Health(ctx context.Context) backend.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || ctx.Err() != nil {
		return backend.Down
	}
	return backend.Up
}

// Close marks the store unusable. chromem has nothing to release in memory mode.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return backend.Unavailable(s.name, err)
	}
	if s.closed {
		return backend.Unavailable(s.name, errors.New("store closed"))
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, item backend.VectorItem) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(ctx); err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        item.ID,
		Metadata:  maps.Clone(item.Metadata),
		Embedding: item.Embedding,
		Content:   item.Content,
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem upsert %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (backend.VectorItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(ctx); err != nil {
		return backend.VectorItem{}, err
	}
	doc, err := s.col.GetByID(ctx, id)
	if err != nil {
		// chromem reports a missing id as a plain error.
		return backend.VectorItem{}, backend.ErrNotFound
	}
	return backend.VectorItem{
		ID:        doc.ID,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
		Content:   doc.Content,
	}, nil
}

// Query returns up to k nearest items, most similar first.
func (s *Store) Query(ctx context.Context, embedding []float32, k int) ([]backend.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	// chromem rejects nResults above the collection size.
	n := min(k, s.col.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := s.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make([]backend.Match, 0, len(results))
	for _, r := range results {
		out = append(out, backend.Match{
			VectorItem: backend.VectorItem{
				ID:        r.ID,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
				Content:   r.Content,
			},
			Similarity: r.Similarity,
		})
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(ctx); err != nil {
		return err
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("chromem delete %s: %w", id, err)
	}
	return nil
}
