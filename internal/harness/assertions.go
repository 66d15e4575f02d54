package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/agentsync/internal/backend"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	// Trace is included for trace assertions only.
	Trace []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", ev.Seq, ev.Type, ev.Name, describe(ev))
		}
	}
	return buf.String()
}

func describe(ev TraceEvent) string {
	var parts []string
	for _, kv := range [][2]string{
		{"detail", ev.Detail}, {"cycle", ev.Cycle}, {"phase", ev.Phase},
		{"next", ev.Next}, {"tx", ev.Tx}, {"status", ev.Status},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	if len(ev.Backends) > 0 {
		parts = append(parts, "backends="+strings.Join(ev.Backends, ","))
	}
	return strings.Join(parts, " ")
}

// matching returns the events named event whose fields include match.
func matching(trace []TraceEvent, event string, match map[string]any) []TraceEvent {
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Name == event && subsetMatch(ev.fields(), match) == "" {
			out = append(out, ev)
		}
	}
	return out
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	if len(matching(trace, a.Event, a.Match)) > 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event %s matching %v", a.Event, a.Match),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the events first occur in the given order.
// Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.Name]; !seen {
			positions[ev.Name] = i + 1
		}
	}
	for _, name := range a.Events {
		if positions[name] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", name),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := len(matching(trace, a.Event, a.Match))
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s matching %v", a.Count, a.Event, a.Match),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertCycleResult subset-matches the JSON form of a run's PhaseResult.
func assertCycleResult(result *Result, a Assertion) error {
	if a.Run < 1 || a.Run > len(result.Runs) {
		return &AssertionError{
			Type:     AssertCycleResult,
			Expected: fmt.Sprintf("run %d", a.Run),
			Actual:   fmt.Sprintf("%d runs executed", len(result.Runs)),
		}
	}
	actual, err := asMap(result.Runs[a.Run-1])
	if err != nil {
		return err
	}
	if msg := subsetMatch(actual, a.Expect); msg != "" {
		return &AssertionError{
			Type:     AssertCycleResult,
			Expected: fmt.Sprintf("run %d to match %v", a.Run, a.Expect),
			Actual:   msg,
		}
	}
	return nil
}

// assertFinalState reads a record from one backend and subset-matches it.
func assertFinalState(ctx context.Context, targets map[string]backend.Target, a Assertion) error {
	target, ok := targets[a.Backend]
	if !ok {
		return fmt.Errorf("final_state: unknown backend %q", a.Backend)
	}
	rec, err := target.Read(ctx, a.Key)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		if a.Absent {
			return nil
		}
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record %s in %s", a.Key, a.Backend),
			Actual:   "record not found",
		}
	case err != nil:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record %s in %s", a.Key, a.Backend),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	case a.Absent:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("no record %s in %s", a.Key, a.Backend),
			Actual:   fmt.Sprintf("record present at version %d", rec.Version),
		}
	}

	actual, err := asMap(rec)
	if err != nil {
		return err
	}
	if msg := subsetMatch(actual, a.Expect); msg != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record %s in %s to match %v", a.Key, a.Backend, a.Expect),
			Actual:   msg,
		}
	}
	return nil
}

// asMap returns the JSON object form of v.
func asMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// normalize gives YAML-decoded and JSON-decoded values one representation.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// subsetMatch reports the first expected key whose value differs from
// actual, or "" when all match. Extra keys in actual are ignored, also in
// nested objects.
func subsetMatch(actual, expected map[string]any) string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		got, ok := actual[key]
		if !ok {
			return fmt.Sprintf("field %q missing", key)
		}
		want := expected[key]
		if !valueMatches(normalize(got), normalize(want)) {
			return fmt.Sprintf("field %q = %v, want %v", key, got, want)
		}
	}
	return ""
}

func valueMatches(got, want any) bool {
	if wantList, ok := want.([]any); ok {
		gotList, ok := got.([]any)
		if !ok || len(gotList) != len(wantList) {
			return false
		}
		for i := range wantList {
			if !valueMatches(gotList[i], wantList[i]) {
				return false
			}
		}
		return true
	}
	wantMap, ok := want.(map[string]any)
	if !ok {
		return reflect.DeepEqual(got, want)
	}
	gotMap, ok := got.(map[string]any)
	if !ok {
		return false
	}
	return subsetMatch(gotMap, wantMap) == ""
}

// EvaluateAssertions evaluates all assertions and returns a message per failure.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, targets map[string]backend.Target) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertCycleResult:
			err = assertCycleResult(result, a)
		case AssertFinalState:
			err = assertFinalState(ctx, targets, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}
