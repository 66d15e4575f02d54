package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/agentsync/internal/backend"
	"github.com/roach88/agentsync/internal/backend/badgerkv"
	"github.com/roach88/agentsync/internal/backend/chromemvec"
	"github.com/roach88/agentsync/internal/backend/sqlgraph"
	"github.com/roach88/agentsync/internal/config"
	"github.com/roach88/agentsync/internal/hook"
	"github.com/roach88/agentsync/internal/ident"
	"github.com/roach88/agentsync/internal/orchestrator"
	"github.com/roach88/agentsync/internal/store"
	"github.com/roach88/agentsync/internal/telemetry"
	"github.com/roach88/agentsync/internal/testutil"
)

// DefaultIDPrefix prefixes ids when a scenario names none.
const DefaultIDPrefix = "test"

var defaultBackends = []BackendSpec{
	{Name: "kv", Kind: "kv"},
	{Name: "vec", Kind: "vector"},
	{Name: "graph", Kind: "graph"},
}

// healthSwitch is implemented by the flaky test backends.
type healthSwitch interface {
	SetHealth(backend.Health)
}

// Harness holds the system under test for one scenario.
type Harness struct {
	orc      *orchestrator.Orchestrator
	clock    *testutil.ManualClock
	targets  map[string]backend.Target
	switches map[string]healthSwitch
	closers  []io.Closer
	logger   *slog.Logger

	mu     sync.Mutex
	seq    int64
	result *Result
}

// Run executes a scenario in a fresh in-memory environment and returns the
// result with every assertion evaluated. An error means the scenario could
// not be executed at all.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range scenario.Steps {
		if err := h.step(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	errs := EvaluateAssertions(ctx, h.result, scenario.Assertions, h.targets)
	for _, msg := range errs {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}
	h := &Harness{
		clock:    testutil.NewManualClock(time.Time{}),
		targets:  make(map[string]backend.Target),
		switches: make(map[string]healthSwitch),
		// Scenario runs are quiet; the trace is the output.
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		result: NewResult(),
	}

	log, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory log: %w", err)
	}
	h.closers = append(h.closers, log)

	specs := scenario.Backends
	if len(specs) == 0 {
		specs = defaultBackends
	}
	var targets []backend.Target
	for _, spec := range specs {
		target, err := h.openBackend(spec)
		if err != nil {
			h.close()
			return nil, err
		}
		targets = append(targets, target)
	}

	prefix := scenario.IDPrefix
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	opts := []orchestrator.Option{
		orchestrator.WithLog(log),
		orchestrator.WithTargets(targets...),
		orchestrator.WithClock(h.clock.Now),
		orchestrator.WithIDGenerator(ident.NewSequenceGenerator(prefix)),
		orchestrator.WithLogger(h.logger),
		orchestrator.WithTelemetry(telemetry.Nop{}),
	}
	if len(scenario.Team) > 0 {
		opts = append(opts, orchestrator.WithTeam(orchestrator.Agents(scenario.Team)...))
	}
	// Scenarios flush only through flush steps, so traces stay deterministic.
	cfg.FlushIntervalMS = 0
	h.orc, err = orchestrator.New(cfg, opts...)
	if err != nil {
		h.close()
		return nil, err
	}
	h.orc.Hooks().Register("harness-trace", h.record)
	return h, nil
}

// scenarioConfig applies the scenario's keys over the defaults through the
// config schema, so scenarios get the same validation as config files.
func scenarioConfig(s *Scenario) (config.Config, error) {
	if len(s.Config) == 0 {
		return config.Default(), nil
	}
	data, err := json.Marshal(s.Config)
	if err != nil {
		return config.Config{}, fmt.Errorf("scenario config: %w", err)
	}
	return config.Parse(data, "scenario "+s.Name)
}

func (h *Harness) openBackend(spec BackendSpec) (backend.Target, error) {
	var b backend.Backend
	switch spec.Kind {
	case "kv":
		kv, err := badgerkv.Open(spec.Name, "")
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, kv)
		flaky := testutil.NewFlakyKV(kv)
		h.switches[spec.Name] = flaky
		b = flaky
	case "vector":
		vec, err := chromemvec.New(spec.Name, spec.Name)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, vec)
		flaky := testutil.NewFlakyVector(vec)
		h.switches[spec.Name] = flaky
		b = flaky
	case "graph":
		g, err := sqlgraph.Open(spec.Name, ":memory:")
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, g)
		b = g
	default:
		return nil, fmt.Errorf("backend %s: unsupported kind %q", spec.Name, spec.Kind)
	}
	target, err := backend.Adapt(b)
	if err != nil {
		return nil, err
	}
	h.targets[spec.Name] = target
	return target, nil
}

func (h *Harness) close() {
	if h.orc != nil {
		h.orc.Close()
	}
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i].Close()
	}
}

func (h *Harness) record(_ context.Context, ev hook.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.result.Trace = append(h.result.Trace, hookEvent(h.seq, ev))
	return nil
}

func (h *Harness) recordStep(name, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.result.Trace = append(h.result.Trace, TraceEvent{Seq: h.seq, Type: TraceStep, Name: name, Detail: detail})
}

func (h *Harness) step(ctx context.Context, step Step) error {
	switch {
	case step.Run != nil:
		h.recordStep("run", step.Run.Goal)
		res, err := h.orc.Run(ctx, *step.Run)
		if err != nil {
			return err
		}
		h.result.Runs = append(h.result.Runs, res)
		h.logger.Info("run step completed", "goal", step.Run.Goal, "status", string(res.Status))
	case step.SetHealth != nil:
		sw, ok := h.switches[step.SetHealth.Backend]
		if !ok {
			return fmt.Errorf("backend %q has no switchable health", step.SetHealth.Backend)
		}
		health, err := parseHealth(step.SetHealth.Health)
		if err != nil {
			return err
		}
		h.recordStep("set_health", step.SetHealth.Backend+"="+health.String())
		sw.SetHealth(health)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.recordStep("advance", d.String())
		h.clock.Advance(d)
	case step.Flush:
		h.recordStep("flush", "")
		report, err := h.orc.Flush(ctx)
		if err != nil {
			return err
		}
		h.logger.Info("flush step completed",
			"attempted", report.Attempted,
			"committed", len(report.Committed),
			"partial", len(report.Partial),
			"failed", len(report.Failed))
	}
	return nil
}

func parseHealth(s string) (backend.Health, error) {
	switch strings.ToLower(s) {
	case "up":
		return backend.Up, nil
	case "degraded":
		return backend.Degraded, nil
	case "down":
		return backend.Down, nil
	}
	return 0, fmt.Errorf("health must be up, degraded or down, got %q", s)
}
