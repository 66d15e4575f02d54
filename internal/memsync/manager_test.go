package memsync

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
	"github.com/roach88/agentsync/internal/hook"
	"github.com/roach88/agentsync/internal/ident"
	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/store"
	"github.com/roach88/agentsync/internal/testutil"
)

type fixture struct {
	log    *store.Store
	kv     *testutil.FlakyKV
	vec    *testutil.FlakyVector
	kvT    backend.Target
	vecT   backend.Target
	clock  *testutil.ManualClock
	events *eventLog
	mgr    *Manager
}

type eventLog struct {
	mu     sync.Mutex
	events []hook.Event
}

func (l *eventLog) record(_ context.Context, ev hook.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) kinds() []hook.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]hook.Kind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func testConfig() Config {
	return Config{
		FlushTimeout: 2 * time.Second,
		RetryMax:     3,
		BackoffBase:  100 * time.Millisecond,
		BackoffMax:   time.Second,
		LockTimeout:  time.Second,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log, err := store.Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return newFixtureWithLog(t, cfg, log, "tx")
}

func newFixtureWithLog(t *testing.T, cfg Config, log *store.Store, idPrefix string) *fixture {
	t.Helper()
	kvStore, err := badgerkv.Open("kv", "")
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })
	vecStore, err := chromemvec.New("vec", "memories")
	require.NoError(t, err)
	t.Cleanup(func() { vecStore.Close() })

	f := &fixture{
		log:    log,
		kv:     testutil.NewFlakyKV(kvStore),
		vec:    testutil.NewFlakyVector(vecStore),
		clock:  testutil.NewManualClock(time.Time{}),
		events: &eventLog{},
	}
	f.kvT, err = backend.Adapt(f.kv)
	require.NoError(t, err)
	f.vecT, err = backend.Adapt(f.vec)
	require.NoError(t, err)

	hooks := hook.NewRegistry(nil)
	hooks.Register("events", f.events.record)

	f.mgr, err = New(log, []backend.Target{f.kvT, f.vecT},
		WithConfig(cfg),
		WithClock(f.clock.Now),
		WithHooks(hooks),
		WithIDGenerator(ident.NewSequenceGenerator(idPrefix)),
	)
	require.NoError(t, err)
	return f
}

func note(id, text string) record.Operation {
	return record.Put(record.MemoryRecord{
		ID:        id,
		Namespace: "notes",
		Payload:   map[string]any{"text": text},
		Embedding: []float32{1, 0, 0},
	})
}

func (f *fixture) commit(t *testing.T, ops ...record.Operation) *record.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := f.mgr.Begin(ctx, ops)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Commit(ctx, tx))
	return tx
}

func TestNew_RejectsDuplicateTargets(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := New(f.log, []backend.Target{f.kvT, f.kvT})
	assert.Error(t, err)
}

func TestCommit_ConvergesOnHealthyBackends(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	tx := f.commit(t, note("a", "hello"))
	assert.Equal(t, record.TxCommitted, tx.Status)
	assert.Equal(t, 1, tx.Attempts)

	for _, target := range []backend.Target{f.kvT, f.vecT} {
		rec, err := target.Read(ctx, "notes/a")
		require.NoError(t, err, target.Name())
		assert.Equal(t, "hello", rec.Payload["text"], target.Name())
		assert.Equal(t, int64(1), rec.Version, target.Name())
		assert.Equal(t, tx.ID, rec.TxID, target.Name())
	}
	assert.Equal(t, []hook.Kind{hook.FlushCommitted}, f.events.kinds())
	assert.Empty(t, f.mgr.Pending())

	got, ok := f.mgr.Transaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, record.TxCommitted, got.Status)
	assert.Nil(t, got.Ops, "operations are released after commit")
}

func TestCommit_AssignsIncreasingVersionsPerKey(t *testing.T) {
	f := newFixture(t, testConfig())

	f.commit(t, note("a", "one"))
	f.commit(t, note("a", "two"), note("b", "other"))

	assert.Equal(t, int64(2), f.mgr.Version("notes/a"))
	assert.Equal(t, int64(1), f.mgr.Version("notes/b"))

	rec, err := f.kvT.Read(context.Background(), "notes/a")
	require.NoError(t, err)
	assert.Equal(t, "two", rec.Payload["text"])
	assert.Equal(t, int64(2), rec.Version)
}

func TestFlush_CommittedIsNoop(t *testing.T) {
	f := newFixture(t, testConfig())
	tx := f.commit(t, note("a", "hello"))

	kvWrites, vecWrites := f.kv.Writes(), f.vec.Writes()
	require.NoError(t, f.mgr.Flush(context.Background(), tx.ID))
	assert.Equal(t, kvWrites, f.kv.Writes())
	assert.Equal(t, vecWrites, f.vec.Writes())
	assert.Len(t, f.events.kinds(), 1)
}

func TestFlush_UnknownTransaction(t *testing.T) {
	f := newFixture(t, testConfig())
	err := f.mgr.Flush(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestCommit_DownBackendRecoversOnFlushPending(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.vec.SetHealth(backend.Down)

	tx := f.commit(t, note("a", "hello"))
	assert.Equal(t, record.TxPartiallyCommitted, tx.Status)
	assert.True(t, tx.Confirmed["kv"])
	assert.False(t, tx.Confirmed["vec"])
	assert.Equal(t, f.clock.Now().Add(100*time.Millisecond), tx.NextRetry)
	assert.Contains(t, tx.LastError, "vec")

	_, err := f.vecT.Read(ctx, "notes/a")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	// Not due yet.
	report, err := f.mgr.FlushPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)

	f.vec.SetHealth(backend.Up)
	f.clock.Advance(100 * time.Millisecond)
	kvWrites := f.kv.Writes()
	report, err = f.mgr.FlushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tx.ID}, report.Committed)
	assert.Equal(t, kvWrites, f.kv.Writes(), "confirmed backend is not re-flushed")

	status, ok := f.mgr.Status(tx.ID)
	require.True(t, ok)
	assert.Equal(t, record.TxCommitted, status)

	rec, err := f.vecT.Read(ctx, "notes/a")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Payload["text"])
	assert.Equal(t, []hook.Kind{hook.FlushPartial, hook.FlushCommitted}, f.events.kinds())
}

func TestFlushPending_FailsAfterRetryMax(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMax = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.vec.SetHealth(backend.Down)

	tx := f.commit(t, note("a", "hello"))
	require.Equal(t, record.TxPartiallyCommitted, tx.Status)

	f.clock.Advance(cfg.BackoffMax)
	report, err := f.mgr.FlushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tx.ID}, report.Partial)

	f.clock.Advance(cfg.BackoffMax)
	report, err = f.mgr.FlushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tx.ID}, report.Failed)

	got, ok := f.mgr.Transaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, record.TxFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Empty(t, f.mgr.Pending())
	assert.Equal(t, []hook.Kind{hook.FlushPartial, hook.FlushPartial, hook.FlushFailed}, f.events.kinds())

	// Failed transactions leave the queues and are not retried.
	f.clock.Advance(cfg.BackoffMax)
	report, err = f.mgr.FlushPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestCommit_FlushTimeoutDoesNotBlockCaller(t *testing.T) {
	cfg := testConfig()
	cfg.FlushTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.kv.Hang()
	t.Cleanup(f.kv.Release)

	start := time.Now()
	tx, err := f.mgr.Begin(context.Background(), []record.Operation{note("a", "hello")})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Commit(context.Background(), tx))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, record.TxPartiallyCommitted, tx.Status)
	assert.True(t, tx.Confirmed["vec"])
	assert.False(t, tx.Confirmed["kv"])
	assert.Contains(t, tx.LastError, "exceeded")
}

type failingLog struct{ err error }

func (l failingLog) Append(context.Context, store.Entry) (int64, error) { return 0, l.err }
func (l failingLog) Recover(context.Context) (store.RecoveryState, error) {
	return store.RecoveryState{}, nil
}

func TestCommit_LogAppendFailureIsFatal(t *testing.T) {
	f := newFixture(t, testConfig())
	mgr, err := New(failingLog{err: errors.New("disk full")}, []backend.Target{f.kvT})
	require.NoError(t, err)
	ctx := context.Background()

	tx, err := mgr.Begin(ctx, []record.Operation{note("a", "hello")})
	require.NoError(t, err)
	err = mgr.Commit(ctx, tx)
	require.Error(t, err)
	assert.True(t, IsLogError(err))
	assert.Equal(t, record.TxFailed, tx.Status)
	assert.Zero(t, f.kv.Writes(), "nothing reaches a backend before the log")

	// Locks were released.
	next, err := mgr.Begin(ctx, []record.Operation{note("a", "again")})
	require.NoError(t, err)
	require.NoError(t, mgr.Rollback(next))
}

func TestBegin_MalformedRecordFailsTransaction(t *testing.T) {
	f := newFixture(t, testConfig())
	bad := record.Put(record.MemoryRecord{ID: "", Namespace: "notes"})

	tx, err := f.mgr.Begin(context.Background(), []record.Operation{bad})
	require.Error(t, err)
	assert.True(t, record.IsMalformedRecord(err))
	require.NotNil(t, tx)
	assert.Equal(t, record.TxFailed, tx.Status)

	status, ok := f.mgr.Status(tx.ID)
	require.True(t, ok)
	assert.Equal(t, record.TxFailed, status)
}

func TestBegin_SerializesPerKey(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	first, err := f.mgr.Begin(ctx, []record.Operation{note("a", "one")})
	require.NoError(t, err)

	acquired := make(chan *record.Transaction, 1)
	go func() {
		tx, err := f.mgr.Begin(ctx, []record.Operation{note("a", "two")})
		if err == nil {
			acquired <- tx
		}
		close(acquired)
	}()

	// Disjoint keys do not wait.
	other, err := f.mgr.Begin(ctx, []record.Operation{note("b", "other")})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Commit(ctx, other))

	select {
	case <-acquired:
		t.Fatal("second transaction on the same key did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, f.mgr.Commit(ctx, first))
	second, ok := <-acquired
	require.True(t, ok)
	require.NoError(t, f.mgr.Commit(ctx, second))
	assert.Equal(t, int64(2), f.mgr.Version("notes/a"))
}

func TestBegin_LockTimeoutReleasesTakenLocks(t *testing.T) {
	cfg := testConfig()
	cfg.LockTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	holder, err := f.mgr.Begin(ctx, []record.Operation{note("c", "held")})
	require.NoError(t, err)

	// Sorted order takes b first, then waits on c.
	_, err = f.mgr.Begin(ctx, []record.Operation{note("c", "x"), note("b", "y")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Empty(t, f.mgr.locks.holder("notes/b"))

	tx, err := f.mgr.Begin(ctx, []record.Operation{note("b", "free")})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Rollback(tx))
	require.NoError(t, f.mgr.Rollback(holder))
}

func TestBegin_CancelledContextReleasesLocks(t *testing.T) {
	f := newFixture(t, testConfig())
	holder, err := f.mgr.Begin(context.Background(), []record.Operation{note("a", "held")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.mgr.Begin(ctx, []record.Operation{note("a", "x")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, holder.ID, f.mgr.locks.holder("notes/a"))
}

func TestSyncQueue_LaterTransactionWaitsForEarlierOnSameKey(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.vec.SetHealth(backend.Down)
	first := f.commit(t, note("a", "one"))
	require.Equal(t, record.TxPartiallyCommitted, first.Status)

	// vec is back, but the earlier transaction on the same key is still queued for it.
	f.vec.SetHealth(backend.Up)
	second := f.commit(t, note("a", "two"))
	assert.Equal(t, record.TxPartiallyCommitted, second.Status)
	assert.False(t, second.Confirmed["vec"])
	assert.Zero(t, f.vec.Writes())

	f.clock.Advance(time.Second)
	report, err := f.mgr.FlushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, report.Committed)

	rec, err := f.vecT.Read(ctx, "notes/a")
	require.NoError(t, err)
	assert.Equal(t, "two", rec.Payload["text"])
	assert.Equal(t, int64(2), rec.Version)
}

func TestRollback_OnlyPending(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	tx, err := f.mgr.Begin(ctx, []record.Operation{note("a", "x")})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Rollback(tx))
	assert.Equal(t, record.TxRolledBack, tx.Status)

	var se *StateError
	assert.ErrorAs(t, f.mgr.Commit(ctx, tx), &se)

	done := f.commit(t, note("b", "y"))
	assert.Error(t, f.mgr.Rollback(done))
}

func TestBegin_WithTargets(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	tx, err := f.mgr.Begin(ctx, []record.Operation{note("a", "kv only")}, WithTargets("kv"))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Commit(ctx, tx))
	assert.Equal(t, record.TxCommitted, tx.Status)
	assert.Zero(t, f.vec.Writes())

	_, err = f.mgr.Begin(ctx, []record.Operation{note("a", "x")}, WithTargets("missing"))
	assert.Error(t, err)
}

func TestRecover_RequeuesIncompleteTransactions(t *testing.T) {
	log, err := store.Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	ctx := context.Background()

	before := newFixtureWithLog(t, testConfig(), log, "run1")
	done := before.commit(t, note("a", "settled"))
	require.Equal(t, record.TxCommitted, done.Status)
	before.vec.SetHealth(backend.Down)
	partial := before.commit(t, note("b", "pending"))
	require.Equal(t, record.TxPartiallyCommitted, partial.Status)

	after := newFixtureWithLog(t, testConfig(), log, "run2")
	report, err := after.mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{partial.ID}, report.Requeued)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, int64(1), after.mgr.Version("notes/a"))
	assert.Equal(t, int64(1), after.mgr.Version("notes/b"))

	pending := after.mgr.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"vec"}, pending[0].Unconfirmed())

	after.clock.Advance(time.Hour)
	flushed, err := after.mgr.FlushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{partial.ID}, flushed.Committed)

	rec, err := after.vecT.Read(ctx, "notes/b")
	require.NoError(t, err)
	assert.Equal(t, "pending", rec.Payload["text"])

	// Versions continue from the log.
	next := after.commit(t, note("b", "newer"))
	assert.Equal(t, record.TxCommitted, next.Status)
	assert.Equal(t, int64(2), after.mgr.Version("notes/b"))
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	m := &Manager{cfg: Config{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}}
	assert.Equal(t, 100*time.Millisecond, m.backoff(1))
	assert.Equal(t, 200*time.Millisecond, m.backoff(2))
	assert.Equal(t, 400*time.Millisecond, m.backoff(3))
	assert.Equal(t, 800*time.Millisecond, m.backoff(4))
	assert.Equal(t, time.Second, m.backoff(5))
	assert.Equal(t, time.Second, m.backoff(60))
}

func TestApply_BeginsAndCommits(t *testing.T) {
	f := newFixture(t, testConfig())
	tx, err := f.mgr.Apply(context.Background(), []record.Operation{note("a", "x"), record.Delete("notes", "b")})
	require.NoError(t, err)
	assert.Equal(t, record.TxCommitted, tx.Status)
	assert.Equal(t, int64(1), f.mgr.Version("notes/b"))

	_, err = f.kvT.Read(context.Background(), "notes/b")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

// gatedLog holds the first begin append until gate is closed.
type gatedLog struct {
	*store.Store
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (l *gatedLog) Append(ctx context.Context, e store.Entry) (int64, error) {
	if e.Kind == store.EntryBegin {
		l.once.Do(func() {
			close(l.entered)
			<-l.gate
		})
	}
	return l.Store.Append(ctx, e)
}

func TestCommit_ConcurrentCommitOnSameTransactionRejected(t *testing.T) {
	base := newFixture(t, testConfig())
	log := &gatedLog{Store: base.log, entered: make(chan struct{}), gate: make(chan struct{})}
	mgr, err := New(log, []backend.Target{base.kvT}, WithConfig(testConfig()))
	require.NoError(t, err)
	ctx := context.Background()

	tx, err := mgr.Begin(ctx, []record.Operation{note("a", "hello")})
	require.NoError(t, err)
	dup := *tx

	first := make(chan error, 1)
	go func() { first <- mgr.Commit(ctx, tx) }()
	<-log.entered

	err = mgr.Commit(ctx, &dup)
	assert.ErrorIs(t, err, ErrCommitInProgress)

	close(log.gate)
	require.NoError(t, <-first)
	assert.Equal(t, record.TxCommitted, tx.Status)
	assert.Equal(t, int64(1), base.kv.Writes())
}

// stuckHealthKV reports health only after release is closed, ignoring ctx.
type stuckHealthKV struct {
	backend.KeyValueStore
	release chan struct{}
}

func (s stuckHealthKV) Health(context.Context) backend.Health {
	<-s.release
	return backend.Up
}

func TestCommit_HealthCheckBoundedByFlushTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.FlushTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)

	stuck := stuckHealthKV{KeyValueStore: f.kv, release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	target, err := backend.Adapt(stuck)
	require.NoError(t, err)
	mgr, err := New(f.log, []backend.Target{target, f.vecT}, WithConfig(cfg), WithClock(f.clock.Now))
	require.NoError(t, err)

	start := time.Now()
	tx, err := mgr.Begin(context.Background(), []record.Operation{note("a", "hello")})
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(context.Background(), tx))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, record.TxPartiallyCommitted, tx.Status)
	assert.True(t, tx.Confirmed["vec"])
	assert.False(t, tx.Confirmed["kv"])
	assert.Contains(t, tx.LastError, "health check exceeded")
}

func TestRun_RetriesDueTransactionsInBackground(t *testing.T) {
	f := newFixture(t, testConfig())
	f.vec.SetHealth(backend.Down)
	tx := f.commit(t, note("a", "hello"))
	require.Equal(t, record.TxPartiallyCommitted, tx.Status)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.Run(ctx, 10*time.Millisecond) }()

	f.vec.SetHealth(backend.Up)
	f.clock.Advance(time.Hour)
	require.Eventually(t, func() bool {
		status, _ := f.mgr.Status(tx.ID)
		return status == record.TxCommitted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.mgr.Pending())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_RejectsNonPositiveInterval(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.Error(t, f.mgr.Run(context.Background(), 0))
}
