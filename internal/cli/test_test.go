package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

func TestTestCommand_MissingArgs(t *testing.T) {
	_, err := execute(t, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_EmptyDir(t *testing.T) {
	out, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	out, err = execute(t, "test", t.TempDir(), "--format", "json")
	require.NoError(t, err)
	_, data := decodeResponse(t, out)
	assert.EqualValues(t, 0, data["total"])
}

func TestTestCommand_HarnessScenarios(t *testing.T) {
	out, err := execute(t, "test", harnessScenarios)
	require.NoError(t, err, out)
	assert.Contains(t, out, "solo-run")
	assert.Contains(t, out, "All scenarios passed")
}

func TestTestCommand_GoldenMatch(t *testing.T) {
	out, err := execute(t, "test", harnessScenarios, "--filter", "solo-*", "--golden", harnessGolden, "--format", "json")
	require.NoError(t, err, out)
	_, data := decodeResponse(t, out)
	assert.EqualValues(t, 1, data["passed"])
	assert.EqualValues(t, 1, data["total"])
}

func TestTestCommand_GoldenUpdateThenCompare(t *testing.T) {
	golden := filepath.Join(t.TempDir(), "golden")

	_, err := execute(t, "test", harnessScenarios, "--filter", "solo-run", "--golden", golden)
	require.Error(t, err, "missing golden file fails")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "test", harnessScenarios, "--filter", "solo-run", "--golden", golden, "--update")
	require.NoError(t, err)
	written, err := os.ReadFile(filepath.Join(golden, "solo-run.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(harnessGolden, "solo-run.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	require.NoError(t, os.WriteFile(filepath.Join(golden, "solo-run.golden"), []byte("{}"), 0o644))
	out, err := execute(t, "test", harnessScenarios, "--filter", "solo-run", "--golden", golden)
	require.Error(t, err)
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommand_UpdateNeedsGolden(t *testing.T) {
	_, err := execute(t, "test", harnessScenarios, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: bad
description: expects a flush that never happens
steps:
  - run:
      goal: hello
assertions:
  - type: trace_contains
    event: flush.failed
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: [\n"), 0o644))

	out, err := execute(t, "test", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp, data := decodeResponse(t, out)
	assert.Equal(t, ErrCodeTest, resp.Error.Code)
	assert.EqualValues(t, 2, data["failed"])
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a-one.yaml", "a-two.yml", "b.yaml", "notes.txt", "sub/c.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	all, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	filtered, err := findScenarioFiles(dir, "a-*")
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	_, err = findScenarioFiles(dir, "[")
	assert.ErrorContains(t, err, "invalid filter pattern")
}
