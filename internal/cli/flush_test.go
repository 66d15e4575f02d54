package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlush_RequiresLog(t *testing.T) {
	_, err := execute(t, "flush")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "wal_path")
}

func TestFlush_NothingPending(t *testing.T) {
	path := writeConfig(t, nil)
	_, err := execute(t, "run", "seed the log", "--config", path)
	require.NoError(t, err)

	out, err := execute(t, "flush", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Flushed 0 transaction(s)")
	assert.Contains(t, out, "0 pending")
}

func TestFlush_CompactJSON(t *testing.T) {
	path := writeConfig(t, nil)
	_, err := execute(t, "run", "seed the log", "--config", path)
	require.NoError(t, err)

	out, err := execute(t, "flush", "--config", path, "--compact", "--format", "json")
	require.NoError(t, err)
	resp, data := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.EqualValues(t, 0, data["pending"])
	assert.Equal(t, []any{}, data["failed"])
	assert.Greater(t, data["compacted"], float64(0))

	// A second compaction has nothing left to drop.
	out, err = execute(t, "flush", "--config", path, "--compact", "--format", "json")
	require.NoError(t, err)
	_, data = decodeResponse(t, out)
	assert.Nil(t, data["compacted"])
}
