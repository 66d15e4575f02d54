package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/agentsync/internal/edrr"
	"github.com/roach88/agentsync/internal/orchestrator"
)

// Scenario is a conformance test of the collaboration engine.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// IDPrefix prefixes the sequential cycle and transaction ids.
	// Defaults to "test".
	IDPrefix string `yaml:"id_prefix,omitempty"`

	// Config holds configuration keys applied over the defaults.
	Config map[string]any `yaml:"config,omitempty"`

	// Team replaces the default team.
	Team []orchestrator.HeuristicAgent `yaml:"team,omitempty"`

	// Backends are created in memory. Defaults to kv, vec and graph.
	Backends []BackendSpec `yaml:"backends,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// BackendSpec names an in-memory backend. Kind is kv, vector or graph.
type BackendSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// Step is exactly one action.
type Step struct {
	Run       *edrr.Task  `yaml:"run,omitempty"`
	SetHealth *HealthStep `yaml:"set_health,omitempty"`
	// Advance moves the manual clock, e.g. "30s".
	Advance string `yaml:"advance,omitempty"`
	// Flush retries every due pending transaction.
	Flush bool `yaml:"flush,omitempty"`
}

// HealthStep switches a kv or vector backend to up, degraded or down.
type HealthStep struct {
	Backend string `yaml:"backend"`
	Health  string `yaml:"health"`
}

// Assertion validates the trace, a cycle result or a stored record.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is a hook kind or step name (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`
	// Match narrows trace_contains and trace_count by event fields.
	Match map[string]any `yaml:"match,omitempty"`
	// Count is the exact number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`
	// Events must first occur in this order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Run is the 1-based index among run steps (cycle_result).
	Run int `yaml:"run,omitempty"`

	// Backend and Key locate a record (final_state).
	Backend string `yaml:"backend,omitempty"`
	Key     string `yaml:"key,omitempty"`
	// Absent expects the record not to exist (final_state).
	Absent bool `yaml:"absent,omitempty"`

	// Expect is a subset match (cycle_result, final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertCycleResult   = "cycle_result"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos do not silently drop assertions.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	names := make(map[string]bool)
	for i, b := range s.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if names[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		names[b.Name] = true
		switch b.Kind {
		case "kv", "vector", "graph":
		default:
			return fmt.Errorf("backends[%d]: kind must be kv, vector or graph, got %q", i, b.Kind)
		}
	}

	runs := 0
	for i, step := range s.Steps {
		actions := 0
		if step.Run != nil {
			actions++
			runs++
			if step.Run.Goal == "" {
				return fmt.Errorf("steps[%d]: run needs a goal", i)
			}
		}
		if step.SetHealth != nil {
			actions++
			if step.SetHealth.Backend == "" {
				return fmt.Errorf("steps[%d]: set_health needs a backend", i)
			}
			if _, err := parseHealth(step.SetHealth.Health); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
		if step.Advance != "" {
			actions++
			if d, err := time.ParseDuration(step.Advance); err != nil || d < 0 {
				return fmt.Errorf("steps[%d]: advance needs a non-negative duration, got %q", i, step.Advance)
			}
		}
		if step.Flush {
			actions++
		}
		if actions != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, actions)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, runs); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion, runs int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertCycleResult:
		if a.Run < 1 || a.Run > runs {
			return fmt.Errorf("assertions[%d]: run must be between 1 and %d", index, runs)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for cycle_result", index)
		}
	case AssertFinalState:
		if a.Backend == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: backend and key are required for final_state", index)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
