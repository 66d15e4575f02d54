package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/agentsync/internal/record"
)

// TraceSnapshot is the golden form of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Runs         []RunSummary
}

// RunSummary is the part of a run's result kept in golden files.
type RunSummary struct {
	CycleID  string
	Status   string
	Phases   []string
	Records  int
	Children int
}

func snapshot(name string, result *Result) TraceSnapshot {
	s := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	for _, r := range result.Runs {
		s.Runs = append(s.Runs, RunSummary{
			CycleID:  r.CycleID,
			Status:   string(r.Status),
			Phases:   r.Phases,
			Records:  len(r.RecordIDs),
			Children: len(r.Children),
		})
	}
	return s
}

// toCanonicalMap converts the snapshot for record.MarshalCanonical, which
// only handles maps, slices and primitives.
func (s TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{}
		for k, v := range ev.fields() {
			m[k] = v
		}
		m["seq"] = ev.Seq
		if len(ev.Backends) > 0 {
			m["backends"] = ev.Backends
		}
		trace[i] = m
	}
	runs := make([]any, len(s.Runs))
	for i, r := range s.Runs {
		runs[i] = map[string]any{
			"cycle_id": r.CycleID,
			"status":   r.Status,
			"phases":   r.Phases,
			"records":  r.Records,
			"children": r.Children,
		}
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"runs":          runs,
	}
}

// RunWithGolden executes a scenario and compares its snapshot with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()
	data, err := GoldenBytes(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

// GoldenBytes is the canonical JSON snapshot of a result, exactly as it is
// stored in a golden file.
func GoldenBytes(scenarioName string, result *Result) ([]byte, error) {
	return record.MarshalCanonical(snapshot(scenarioName, result).toCanonicalMap())
}
