package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsync/internal/backend"
	"github.com/roach88/agentsync/internal/backend/badgerkv"
	"github.com/roach88/agentsync/internal/backend/chromemvec"
	"github.com/roach88/agentsync/internal/backend/sqlgraph"
	"github.com/roach88/agentsync/internal/config"
	"github.com/roach88/agentsync/internal/edrr"
	"github.com/roach88/agentsync/internal/hook"
	"github.com/roach88/agentsync/internal/ident"
	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/store"
	"github.com/roach88/agentsync/internal/telemetry"
	"github.com/roach88/agentsync/internal/testutil"
	"github.com/roach88/agentsync/internal/wsde"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *sinkRecorder) Emit(_ context.Context, ev telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) phases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Phase
	}
	return out
}

type hookCounter struct {
	mu    sync.Mutex
	kinds map[hook.Kind]int
}

func (h *hookCounter) record(_ context.Context, ev hook.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kinds == nil {
		h.kinds = make(map[hook.Kind]int)
	}
	h.kinds[ev.Kind]++
	return nil
}

func (h *hookCounter) count(kind hook.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kinds[kind]
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PhaseTimeoutMS = 2000
	cfg.VoteWindowMS = 1000
	cfg.FlushTimeoutMS = 1000
	cfg.LockTimeoutMS = 1000
	cfg.FlushIntervalMS = 0
	return cfg
}

type fixture struct {
	orc   *Orchestrator
	kv    *testutil.FlakyKV
	vec   *testutil.FlakyVector
	kvT   backend.Target
	vecT  backend.Target
	graph backend.Target
	clock *testutil.ManualClock
	sink  *sinkRecorder
	hooks *hookCounter
}

func newFixture(t *testing.T, cfg config.Config, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()

	log, err := store.Open(filepath.Join(dir, "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	kvStore, err := badgerkv.Open("kv", "")
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })
	vecStore, err := chromemvec.New("vec", "memories")
	require.NoError(t, err)
	t.Cleanup(func() { vecStore.Close() })
	graphStore, err := sqlgraph.Open("graph", filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { graphStore.Close() })

	f := &fixture{
		kv:    testutil.NewFlakyKV(kvStore),
		vec:   testutil.NewFlakyVector(vecStore),
		clock: testutil.NewManualClock(time.Time{}),
		sink:  &sinkRecorder{},
		hooks: &hookCounter{},
	}
	f.kvT, err = backend.Adapt(f.kv)
	require.NoError(t, err)
	f.vecT, err = backend.Adapt(f.vec)
	require.NoError(t, err)
	f.graph, err = backend.Adapt(graphStore)
	require.NoError(t, err)

	base := []Option{
		WithLog(log),
		WithTargets(f.kvT, f.vecT, f.graph),
		WithClock(f.clock.Now),
		WithIDGenerator(ident.NewSequenceGenerator("c")),
		WithTelemetry(f.sink),
	}
	f.orc, err = New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	f.orc.Hooks().Register("count", f.hooks.record)
	t.Cleanup(func() { f.orc.Close() })
	return f
}

func cacheTask() edrr.Task {
	return edrr.Task{Goal: "build cache", Keywords: []string{"design", "storage", "testing"}}
}

func TestRun_CompletesAndPersistsEverywhere(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	res, err := f.orc.Run(ctx, cacheTask())
	require.NoError(t, err)

	assert.Equal(t, edrr.StatusCompleted, res.Status)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "build cache", res.Goal)
	assert.Equal(t, []string{"expand", "differentiate", "refine", "retrospect"}, res.Phases)
	assert.Empty(t, res.RootCause)
	assert.Equal(t, 1, res.Count())

	require.Len(t, res.Consensus, 3)
	for _, c := range res.Consensus {
		assert.Equal(t, wsde.Consensus, c.Resolution)
		assert.Equal(t, wsde.Approve, c.Outcome)
	}

	taskKey := record.Key(res.CycleID, TaskRecordID)
	require.NotEmpty(t, res.RecordIDs)
	assert.Contains(t, res.RecordIDs, taskKey)
	for _, tx := range res.Transactions {
		assert.Equal(t, record.TxCommitted, tx.Status, tx.ID)
		assert.Empty(t, tx.Unconfirmed)
	}

	for _, target := range []backend.Target{f.kvT, f.vecT, f.graph} {
		rec, err := target.Read(ctx, taskKey)
		require.NoError(t, err, target.Name())
		assert.Equal(t, "build cache", rec.Payload["goal"], target.Name())
	}

	assert.Equal(t, res.Phases, f.sink.phases())
	assert.Equal(t, 4, f.hooks.count(hook.PhaseTransition))
	assert.Equal(t, len(res.Transactions), f.hooks.count(hook.FlushCommitted))
	assert.Zero(t, f.hooks.count(hook.SyncUnavailable))
}

func TestRun_VetoedProposalIsNotCommitted(t *testing.T) {
	team := Agents([]HeuristicAgent{
		{ID: "ann", Expertise: []string{"storage"}, Performance: 0.5},
		{ID: "ben", Performance: 0.5, Veto: []string{"STORAGE"}},
		{ID: "cat", Performance: 0.5, Veto: []string{"storage"}},
	})
	f := newFixture(t, testConfig(), WithTeam(team...))

	res, err := f.orc.Run(context.Background(), edrr.Task{Goal: "persist", Keywords: []string{"storage"}})
	require.NoError(t, err)

	require.Len(t, res.Consensus, 1)
	assert.Equal(t, wsde.Reject, res.Consensus[0].Outcome)
	for _, key := range res.RecordIDs {
		assert.NotContains(t, key, "proposal-")
	}
}

func TestRun_BackendDownThenFlush(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.vec.SetHealth(backend.Down)

	res, err := f.orc.Run(ctx, cacheTask())
	require.NoError(t, err)
	assert.Equal(t, edrr.StatusCompleted, res.Status)
	require.NotEmpty(t, res.Transactions)
	for _, tx := range res.Transactions {
		assert.Equal(t, record.TxPartiallyCommitted, tx.Status)
		assert.Equal(t, []string{"vec"}, tx.Unconfirmed)
	}
	assert.Len(t, f.orc.Pending(), len(res.Transactions))
	assert.Equal(t, len(res.Transactions), f.hooks.count(hook.FlushPartial))

	taskKey := record.Key(res.CycleID, TaskRecordID)
	_, err = f.vecT.Read(ctx, taskKey)
	assert.True(t, errors.Is(err, backend.ErrNotFound))

	f.vec.SetHealth(backend.Up)
	f.clock.Advance(time.Minute)
	report, err := f.orc.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Committed, len(res.Transactions))
	assert.Empty(t, f.orc.Pending())

	rec, err := f.vecT.Read(ctx, taskKey)
	require.NoError(t, err)
	assert.Equal(t, "build cache", rec.Payload["goal"])
}

func TestRun_WithoutSyncManager(t *testing.T) {
	hooks := &hookCounter{}
	orc, err := New(testConfig(),
		WithTelemetry(telemetry.Nop{}),
		WithIDGenerator(ident.NewSequenceGenerator("c")),
	)
	require.NoError(t, err)
	defer orc.Close()
	orc.Hooks().Register("count", hooks.record)

	res, err := orc.Run(context.Background(), cacheTask())
	require.NoError(t, err)
	assert.Equal(t, edrr.StatusCompleted, res.Status)
	assert.Empty(t, res.RecordIDs)
	assert.Empty(t, res.Transactions)
	assert.Equal(t, 4, hooks.count(hook.SyncUnavailable))
	assert.Nil(t, orc.Sync())
	assert.Nil(t, orc.Pending())

	_, err = orc.Flush(context.Background())
	assert.ErrorIs(t, err, ErrNoSync)
}

func TestNew_TargetsNeedLog(t *testing.T) {
	vecStore, err := chromemvec.New("vec", "")
	require.NoError(t, err)
	target, err := backend.Adapt(vecStore)
	require.NoError(t, err)

	_, err = New(testConfig(), WithTargets(target), WithTelemetry(telemetry.Nop{}))
	assert.Error(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ConsensusThreshold = 3
	_, err := New(cfg)
	assert.True(t, config.IsConfigError(err))
}

func TestRun_RecursionStopsAtLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecursionDepth = 1
	team := Agents([]HeuristicAgent{{ID: "solo", Performance: 0.5, Complexity: 0.9}})
	f := newFixture(t, cfg, WithTeam(team...))

	res, err := f.orc.Run(context.Background(), edrr.Task{Goal: "deep"})
	require.NoError(t, err)

	assert.Equal(t, edrr.StatusCompleted, res.Status)
	require.Len(t, res.Children, 1)
	child := res.Children[0]
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, "deep", child.Goal)
	assert.Equal(t, edrr.StatusTerminated, child.Status)
	assert.Contains(t, child.RecursionLimit, "max recursion depth is 1")
	assert.Equal(t, 2, res.Count())

	rec, err := f.graph.Read(context.Background(), record.Key(child.CycleID, TaskRecordID))
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Payload["depth"])
}

func TestRun_ZeroDepthTerminates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecursionDepth = 0
	team := Agents([]HeuristicAgent{{ID: "solo", Performance: 0.5, Uncertainty: 1}})
	f := newFixture(t, cfg, WithTeam(team...))

	res, err := f.orc.Run(context.Background(), edrr.Task{Goal: "unsure"})
	require.NoError(t, err)
	assert.Equal(t, edrr.StatusTerminated, res.Status)
	assert.Empty(t, res.Children)
}

func TestRun_PhaseFailureRecoveredAtReducedScope(t *testing.T) {
	team := Agents([]HeuristicAgent{
		{ID: "ann", Performance: 0.5, FailPhases: []string{"refine"}},
		{ID: "ben", Performance: 0.5},
	})
	f := newFixture(t, testConfig(), WithTeam(team...))

	res, err := f.orc.Run(context.Background(), edrr.Task{Goal: "migrate"})
	require.NoError(t, err)
	assert.Equal(t, edrr.StatusCompleted, res.Status)
	assert.Equal(t, []string{"retry-reduced-scope: recovered"}, res.RecoveryChain)
	assert.Len(t, res.Phases, 4)
}

func TestSubmitWait(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	first, err := f.orc.Submit(ctx, cacheTask())
	require.NoError(t, err)
	second, err := f.orc.Submit(ctx, edrr.Task{Goal: "write docs", Keywords: []string{"review"}})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{first, second}, f.orc.Cycles())

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, id := range []string{first, second} {
		res, err := f.orc.Wait(waitCtx, id)
		require.NoError(t, err)
		assert.Equal(t, id, res.CycleID)
		assert.Equal(t, edrr.StatusCompleted, res.Status)
	}

	_, err = f.orc.Wait(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownCycle)
}

func TestSubmit_OutlivesCallerContext(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	id, err := f.orc.Submit(ctx, cacheTask())
	require.NoError(t, err)
	cancel()

	res, err := f.orc.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, edrr.StatusRunning, res.Status)
}

func TestSubmit_Rejects(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.orc.Submit(context.Background(), edrr.Task{Goal: "  "})
	assert.ErrorIs(t, err, ErrEmptyGoal)

	require.NoError(t, f.orc.Close())
	require.NoError(t, f.orc.Close())
	_, err = f.orc.Submit(context.Background(), cacheTask())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_FromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.WALPath = filepath.Join(dir, "wal.db")
	cfg.Backends = []config.Backend{
		{Name: "kv", Kind: "kv", Path: filepath.Join(dir, "kv"), CacheBytes: 1 << 20},
		{Name: "vec", Kind: "vector", Collection: "memories"},
		{Name: "graph", Kind: "graph", Path: filepath.Join(dir, "graph.db")},
	}
	ctx := context.Background()

	orc, err := Open(ctx, cfg,
		WithTelemetry(telemetry.Nop{}),
		WithIDGenerator(ident.NewSequenceGenerator("first")))
	require.NoError(t, err)
	assert.Equal(t, []string{"kv", "vec", "graph"}, orc.Sync().Targets())
	res, err := orc.Run(ctx, cacheTask())
	require.NoError(t, err)
	require.Equal(t, edrr.StatusCompleted, res.Status)
	require.NoError(t, orc.Close())

	reopened, err := Open(ctx, cfg,
		WithTelemetry(telemetry.Nop{}),
		WithIDGenerator(ident.NewSequenceGenerator("second")))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(1), reopened.Sync().Version(record.Key(res.CycleID, TaskRecordID)))
	assert.Empty(t, reopened.Pending())
}

func TestOpen_Rejects(t *testing.T) {
	cfg := testConfig()
	cfg.Backends = []config.Backend{{Name: "kv", Kind: "kv"}}
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err, "backends need a wal_path")

	_, err = openBackend(config.Backend{Name: "x", Kind: "sql"})
	assert.Error(t, err)
}

func TestBackgroundFlush_PropagatesAfterBackendReturns(t *testing.T) {
	cfg := testConfig()
	cfg.FlushIntervalMS = 10
	f := newFixture(t, cfg)
	f.vec.SetHealth(backend.Down)

	ctx := context.Background()
	id, err := f.orc.Submit(ctx, cacheTask())
	require.NoError(t, err)
	res, err := f.orc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, edrr.StatusCompleted, res.Status)
	require.NotEmpty(t, f.orc.Pending())

	f.vec.SetHealth(backend.Up)
	f.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return len(f.orc.Pending()) == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Positive(t, f.hooks.count(hook.FlushCommitted))

	closed := make(chan error, 1)
	go func() { closed <- f.orc.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the flush loop")
	}
}

func TestBackgroundFlush_DisabledAtZeroInterval(t *testing.T) {
	f := newFixture(t, testConfig())
	f.vec.SetHealth(backend.Down)

	_, err := f.orc.Run(context.Background(), cacheTask())
	require.NoError(t, err)
	pending := len(f.orc.Pending())
	require.Positive(t, pending)

	f.vec.SetHealth(backend.Up)
	f.clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.orc.Pending(), pending)
}
