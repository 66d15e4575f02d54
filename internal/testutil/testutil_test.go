package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsync/internal/backend"
	"github.com/roach88/agentsync/internal/backend/badgerkv"
)

func TestManualClock(t *testing.T) {
	c := NewManualClock(time.Time{})
	start := c.Now()
	c.Advance(time.Minute)
	assert.Equal(t, time.Minute, c.Now().Sub(start))
}

func TestFlakyKVSwitchesHealth(t *testing.T) {
	inner, err := badgerkv.Open("kv", "")
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	f := NewFlakyKV(inner)
	ctx := context.Background()
	assert.Equal(t, backend.Up, f.Health(ctx))

	f.SetHealth(backend.Down)
	assert.Equal(t, backend.Down, f.Health(ctx))
	assert.True(t, backend.IsUnavailable(f.Put(ctx, "a", []byte("1"))))
	assert.Equal(t, int64(0), f.Writes())

	f.SetHealth(backend.Up)
	require.NoError(t, f.Put(ctx, "a", []byte("1")))
	assert.Equal(t, int64(1), f.Writes())

	target, err := backend.Adapt(f)
	require.NoError(t, err)
	assert.Equal(t, backend.KindKeyValue, target.Kind())
}

func TestFlakyKVHangUntilRelease(t *testing.T) {
	inner, err := badgerkv.Open("kv", "")
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	f := NewFlakyKV(inner)
	f.Hang()

	done := make(chan error, 1)
	go func() { done <- f.Put(context.Background(), "a", []byte("1")) }()

	select {
	case <-done:
		t.Fatal("write returned while hung")
	case <-time.After(50 * time.Millisecond):
	}

	f.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not resume after release")
	}
}
