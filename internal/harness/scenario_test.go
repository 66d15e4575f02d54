package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: one run
steps:
  - run:
      goal: hello
assertions:
  - type: trace_contains
    event: run
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Steps, 1)
	require.NotNil(t, s.Steps[0].Run)
	assert.Equal(t, "hello", s.Steps[0].Run.Goal)
	assert.Empty(t, s.Backends)
	assert.Empty(t, s.IDPrefix)
}

func TestParseScenario_FullShape(t *testing.T) {
	data := `
name: full
description: every field
id_prefix: x
config:
  max_recursion_depth: 1
team:
  - id: ann
    expertise: [storage]
    performance: 0.9
    fail_phases: [refine]
backends:
  - {name: cache, kind: kv}
  - {name: idx, kind: vector}
steps:
  - set_health: {backend: idx, health: degraded}
  - run: {goal: store, keywords: [storage]}
  - advance: 30s
  - flush: true
assertions:
  - type: trace_order
    events: [set_health, run]
  - type: trace_count
    event: flush.partial
    count: 0
  - type: cycle_result
    run: 1
    expect: {status: completed}
  - type: final_state
    backend: cache
    key: x-0001/task
    absent: true
`
	s, err := ParseScenario([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "x", s.IDPrefix)
	assert.Equal(t, 1, s.Config["max_recursion_depth"])
	require.Len(t, s.Team, 1)
	assert.Equal(t, []string{"storage"}, s.Team[0].Expertise)
	assert.Equal(t, []string{"refine"}, s.Team[0].FailPhases)
	assert.Equal(t, []BackendSpec{{Name: "cache", Kind: "kv"}, {Name: "idx", Kind: "vector"}}, s.Backends)
	assert.Equal(t, "degraded", s.Steps[0].SetHealth.Health)
	assert.Equal(t, []string{"storage"}, s.Steps[1].Run.Keywords)
	assert.Equal(t, "30s", s.Steps[2].Advance)
	assert.True(t, s.Steps[3].Flush)
	assert.True(t, s.Assertions[3].Absent)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nsteps: [{flush: true}]\nassertions: [{type: trace_contains, event: flush}]",
			want: "name is required",
		},
		{
			name: "missing steps",
			yaml: "name: n\ndescription: d\nassertions: [{type: trace_contains, event: flush}]",
			want: "steps list is required",
		},
		{
			name: "missing assertions",
			yaml: "name: n\ndescription: d\nsteps: [{flush: true}]",
			want: "assertions list is required",
		},
		{
			name: "unknown field",
			yaml: "name: n\ndescription: d\nflow: []\nsteps: [{flush: true}]\nassertions: [{type: trace_contains, event: flush}]",
			want: "failed to parse YAML",
		},
		{
			name: "two actions in one step",
			yaml: "name: n\ndescription: d\nsteps: [{flush: true, advance: 1s}]\nassertions: [{type: trace_contains, event: flush}]",
			want: "exactly one action is required, got 2",
		},
		{
			name: "empty step",
			yaml: "name: n\ndescription: d\nsteps: [{}]\nassertions: [{type: trace_contains, event: flush}]",
			want: "exactly one action is required, got 0",
		},
		{
			name: "run without goal",
			yaml: "name: n\ndescription: d\nsteps: [{run: {keywords: [a]}}]\nassertions: [{type: trace_contains, event: run}]",
			want: "run needs a goal",
		},
		{
			name: "bad health",
			yaml: "name: n\ndescription: d\nsteps: [{set_health: {backend: kv, health: sideways}}]\nassertions: [{type: trace_contains, event: set_health}]",
			want: "health must be up, degraded or down",
		},
		{
			name: "negative advance",
			yaml: "name: n\ndescription: d\nsteps: [{advance: -1s}]\nassertions: [{type: trace_contains, event: advance}]",
			want: "non-negative duration",
		},
		{
			name: "unsupported backend kind",
			yaml: "name: n\ndescription: d\nbackends: [{name: docs, kind: document}]\nsteps: [{flush: true}]\nassertions: [{type: trace_contains, event: flush}]",
			want: "kind must be kv, vector or graph",
		},
		{
			name: "duplicate backend",
			yaml: "name: n\ndescription: d\nbackends: [{name: a, kind: kv}, {name: a, kind: graph}]\nsteps: [{flush: true}]\nassertions: [{type: trace_contains, event: flush}]",
			want: `duplicate name "a"`,
		},
		{
			name: "unknown assertion type",
			yaml: "name: n\ndescription: d\nsteps: [{flush: true}]\nassertions: [{type: eventually}]",
			want: `unknown assertion type "eventually"`,
		},
		{
			name: "cycle_result past the last run",
			yaml: "name: n\ndescription: d\nsteps: [{run: {goal: g}}]\nassertions: [{type: cycle_result, run: 2, expect: {status: completed}}]",
			want: "run must be between 1 and 1",
		},
		{
			name: "final_state without expectation",
			yaml: "name: n\ndescription: d\nsteps: [{flush: true}]\nassertions: [{type: final_state, backend: kv, key: a/b}]",
			want: "expect or absent is required",
		},
		{
			name: "trace_order without events",
			yaml: "name: n\ndescription: d\nsteps: [{flush: true}]\nassertions: [{type: trace_order}]",
			want: "events list is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			require.NoError(t, err)
		})
	}
}
