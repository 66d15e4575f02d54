package backend

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// CachedKV fronts a KeyValueStore with a ristretto read cache.
// Writes go to the store first and then invalidate the cached key.
type CachedKV struct {
	KeyValueStore

	// mu orders cache fills against invalidations: a fill holds the read
	// lock until its Set has been applied, so a later Del always wins.
	mu    sync.RWMutex
	cache *ristretto.Cache
}

// NewCachedKV wraps store with a cache bounded to maxBytes of values.
func NewCachedKV(store KeyValueStore, maxBytes int64) (*CachedKV, error) {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv cache: %w", err)
	}
	return &CachedKV{KeyValueStore: store, cache: cache}, nil
}

func (c *CachedKV) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v.([]byte)), nil
	}
	data, err := c.KeyValueStore.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, slices.Clone(data), int64(len(data)))
	c.cache.Wait()
	return data, nil
}

func (c *CachedKV) Put(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.KeyValueStore.Put(ctx, key, value)
	c.cache.Del(key)
	return err
}

func (c *CachedKV) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.KeyValueStore.Delete(ctx, key)
	c.cache.Del(key)
	return err
}

func (c *CachedKV) Batch(ctx context.Context, writes []KVWrite) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.KeyValueStore.Batch(ctx, writes)
	for _, w := range writes {
		c.cache.Del(w.Key)
	}
	return err
}

// Close releases the cache and closes the wrapped store.
func (c *CachedKV) Close() error {
	c.cache.Close()
	return c.KeyValueStore.Close()
}
