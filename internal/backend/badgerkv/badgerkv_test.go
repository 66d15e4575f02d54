package badgerkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsync/internal/backend"
	"github.com/roach88/agentsync/internal/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("kv", "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetPutDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestScanOrderedByPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Batch(ctx, []backend.KVWrite{
		{Key: "notes/c", Value: []byte("3")},
		{Key: "notes/a", Value: []byte("1")},
		{Key: "other/x", Value: []byte("x")},
		{Key: "notes/b", Value: []byte("2")},
	}))

	var keys []string
	require.NoError(t, s.Scan(ctx, "notes/", func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	}))
	assert.Equal(t, []string{"notes/a", "notes/b", "notes/c"}, keys)

	keys = nil
	require.NoError(t, s.Scan(ctx, "notes/", func(k string, _ []byte) bool {
		keys = append(keys, k)
		return len(keys) < 2
	}))
	assert.Len(t, keys, 2)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s, err := Open("kv", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.Equal(t, backend.Down, s.Health(ctx))
	err = s.Put(ctx, "a", []byte("1"))
	assert.True(t, backend.IsUnavailable(err))
}

func TestTargetVersionGuard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	target, err := backend.Adapt(s)
	require.NoError(t, err)
	assert.Equal(t, backend.KindKeyValue, target.Kind())

	v2 := record.Put(record.MemoryRecord{ID: "a", Namespace: "n", Payload: map[string]any{"v": "new"}, Version: 2})
	v1 := record.Put(record.MemoryRecord{ID: "a", Namespace: "n", Payload: map[string]any{"v": "old"}, Version: 1})

	require.NoError(t, target.Apply(ctx, []record.Operation{v2}))
	require.NoError(t, target.Apply(ctx, []record.Operation{v1}))

	rec, err := target.Read(ctx, "n/a")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.Payload["v"])
	assert.Equal(t, int64(2), rec.Version)

	del := record.Delete("n", "a")
	del.Record.Version = 3
	require.NoError(t, target.Apply(ctx, []record.Operation{del}))
	_, err = target.Read(ctx, "n/a")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	// A stale put after the tombstone must not resurrect the record.
	require.NoError(t, target.Apply(ctx, []record.Operation{v2}))
	_, err = target.Read(ctx, "n/a")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestCachedKVInvalidatesOnWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cached, err := backend.NewCachedKV(s, 1<<20)
	require.NoError(t, err)

	require.NoError(t, cached.Put(ctx, "k", []byte("1")))
	got, err := cached.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, cached.Batch(ctx, []backend.KVWrite{{Key: "k", Value: []byte("2")}}))
	got, err = cached.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)

	require.NoError(t, cached.Delete(ctx, "k"))
	_, err = cached.Get(ctx, "k")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	target, err := backend.Adapt(cached)
	require.NoError(t, err)
	assert.Equal(t, backend.KindKeyValue, target.Kind())
}
