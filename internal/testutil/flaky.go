package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/roach88/agentsync/internal/backend"
)

// errForcedDown is returned by writes while a flaky backend is switched down.
var errForcedDown = errors.New("forced down")

// switchable carries the controllable health and call counters.
type switchable struct {
	health atomic.Int32
	writes atomic.Int64
	block  atomic.Bool

	mu      sync.Mutex
	release chan struct{}
}

func (s *switchable) SetHealth(h backend.Health) { s.health.Store(int32(h)) }

// Writes returns how many write calls reached the wrapped store.
func (s *switchable) Writes() int64 { return s.writes.Load() }

// Hang makes every write block until Release is called, ignoring contexts.
func (s *switchable) Hang() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release = make(chan struct{})
	s.block.Store(true)
}

// Release unblocks writes held by Hang.
func (s *switchable) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block.Load() {
		s.block.Store(false)
		close(s.release)
	}
}

func (s *switchable) before(name string) error {
	if backend.Health(s.health.Load()) == backend.Down {
		return backend.Unavailable(name, errForcedDown)
	}
	if s.block.Load() {
		s.mu.Lock()
		ch := s.release
		s.mu.Unlock()
		<-ch
	}
	s.writes.Add(1)
	return nil
}

// FlakyKV wraps a KeyValueStore with switchable health, counters and hangs.
type FlakyKV struct {
	backend.KeyValueStore
	switchable
}

func NewFlakyKV(inner backend.KeyValueStore) *FlakyKV {
	return &FlakyKV{KeyValueStore: inner}
}

func (f *FlakyKV) Health(ctx context.Context) backend.Health {
	if h := backend.Health(f.health.Load()); h != backend.Up {
		return h
	}
	return f.KeyValueStore.Health(ctx)
}

func (f *FlakyKV) Batch(ctx context.Context, writes []backend.KVWrite) error {
	if err := f.before(f.Name()); err != nil {
		return err
	}
	return f.KeyValueStore.Batch(ctx, writes)
}

func (f *FlakyKV) Put(ctx context.Context, key string, value []byte) error {
	if err := f.before(f.Name()); err != nil {
		return err
	}
	return f.KeyValueStore.Put(ctx, key, value)
}

func (f *FlakyKV) Delete(ctx context.Context, key string) error {
	if err := f.before(f.Name()); err != nil {
		return err
	}
	return f.KeyValueStore.Delete(ctx, key)
}

// FlakyVector wraps a VectorStore the same way.
type FlakyVector struct {
	backend.VectorStore
	switchable
}

func NewFlakyVector(inner backend.VectorStore) *FlakyVector {
	return &FlakyVector{VectorStore: inner}
}

func (f *FlakyVector) Health(ctx context.Context) backend.Health {
	if h := backend.Health(f.health.Load()); h != backend.Up {
		return h
	}
	return f.VectorStore.Health(ctx)
}

func (f *FlakyVector) Upsert(ctx context.Context, item backend.VectorItem) error {
	if err := f.before(f.Name()); err != nil {
		return err
	}
	return f.VectorStore.Upsert(ctx, item)
}

func (f *FlakyVector) Delete(ctx context.Context, id string) error {
	if err := f.before(f.Name()); err != nil {
		return err
	}
	return f.VectorStore.Delete(ctx, id)
}
