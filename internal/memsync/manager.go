package memsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/agentsync/internal/backend"
	"github.com/roach88/agentsync/internal/hook"
	"github.com/roach88/agentsync/internal/ident"
	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/store"
)

// Log is the durable write-ahead log a Manager records transactions in.
// *store.Store implements it.
type Log interface {
	Append(ctx context.Context, e store.Entry) (int64, error)
	Recover(ctx context.Context) (store.RecoveryState, error)
}

// Config bounds every wait the manager performs.
type Config struct {
	// FlushTimeout bounds one backend flush, health check included.
	FlushTimeout time.Duration
	// RetryMax is the number of retries after the first attempt.
	RetryMax    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	LockTimeout time.Duration
}

// DefaultConfig matches the configuration defaults.
func DefaultConfig() Config {
	return Config{
		FlushTimeout: 5 * time.Second,
		RetryMax:     5,
		BackoffBase:  100 * time.Millisecond,
		BackoffMax:   30 * time.Second,
		LockTimeout:  10 * time.Second,
	}
}

// Option configures a Manager.
type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithClock replaces time.Now for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithHooks sets the registry fired after every flush attempt.
func WithHooks(hooks *hook.Registry) Option {
	return func(m *Manager) { m.hooks = hooks }
}

// WithIDGenerator replaces the UUIDv7 transaction id generator.
func WithIDGenerator(gen ident.Generator) Option {
	return func(m *Manager) { m.ids = gen }
}

// Manager coordinates transactions across a fixed set of backend targets.
//
// Thread-safety: All methods are safe for concurrent use.
type Manager struct {
	log     Log
	cfg     Config
	now     func() time.Time
	ids     ident.Generator
	hooks   *hook.Registry
	logger  *slog.Logger
	metrics instruments

	targets map[string]backend.Target
	names   []string
	locks   *keyLocks

	mu       sync.Mutex
	queues   map[string]*syncQueue
	live     map[string]*txState
	settled  map[string]*record.Transaction
	versions map[string]int64
	seq      uint64
}

// txState is the manager's private view of a non-terminal transaction.
type txState struct {
	tx       *record.Transaction
	seq      uint64
	keys     []string
	locked   bool
	inflight bool
}

// New builds a manager over targets. Target names must be unique.
func New(log Log, targets []backend.Target, opts ...Option) (*Manager, error) {
	if log == nil {
		return nil, errors.New("memsync: nil log")
	}
	m := &Manager{
		log:      log,
		cfg:      DefaultConfig(),
		now:      time.Now,
		ids:      ident.UUIDv7Generator{},
		logger:   slog.Default(),
		metrics:  newInstruments(),
		targets:  make(map[string]backend.Target, len(targets)),
		locks:    newKeyLocks(),
		queues:   make(map[string]*syncQueue, len(targets)),
		live:     make(map[string]*txState),
		settled:  make(map[string]*record.Transaction),
		versions: make(map[string]int64),
	}
	for _, t := range targets {
		name := t.Name()
		if _, dup := m.targets[name]; dup {
			return nil, fmt.Errorf("memsync: duplicate target %q", name)
		}
		m.targets[name] = t
		m.names = append(m.names, name)
		m.queues[name] = newSyncQueue(name)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Targets returns target names in registration order.
func (m *Manager) Targets() []string {
	return slices.Clone(m.names)
}

type beginOptions struct {
	targets []string
}

// BeginOption configures a single Begin call.
type BeginOption func(*beginOptions)

// WithTargets restricts a transaction to the named targets.
func WithTargets(names ...string) BeginOption {
	return func(o *beginOptions) { o.targets = names }
}

// Begin validates ops and takes the per-key locks of the new transaction.
//
// A malformed batch returns a failed transaction together with a
// *record.MalformedRecordError. Conflicting transactions wait in FIFO order
// for at most LockTimeout; on timeout or cancellation every lock taken is
// released and the transaction is not created.
func (m *Manager) Begin(ctx context.Context, ops []record.Operation, opts ...BeginOption) (*record.Transaction, error) {
	var bo beginOptions
	for _, opt := range opts {
		opt(&bo)
	}
	targets := m.names
	if len(bo.targets) > 0 {
		for _, name := range bo.targets {
			if _, ok := m.targets[name]; !ok {
				return nil, fmt.Errorf("begin: unknown target %q", name)
			}
		}
		targets = bo.targets
	}

	tx := &record.Transaction{
		ID:        m.ids.Generate(),
		Ops:       normalizeOps(ops),
		Targets:   slices.Clone(targets),
		Status:    record.TxPending,
		Confirmed: make(map[string]bool),
	}

	if err := record.Validate(tx.Ops); err != nil {
		tx.Status = record.TxFailed
		tx.LastError = err.Error()
		m.mu.Lock()
		m.settled[tx.ID] = releasedCopy(tx)
		m.mu.Unlock()
		m.logger.Warn("rejected malformed transaction", "tx", tx.ID, "error", err)
		return tx.Clone(), err
	}

	keys := tx.Keys()
	lockCtx, cancel := context.WithTimeout(ctx, m.cfg.LockTimeout)
	defer cancel()
	if err := m.locks.acquireAll(lockCtx, tx.ID, keys); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = ErrLockTimeout
		}
		return nil, fmt.Errorf("begin %s: %w", tx.ID, err)
	}

	m.mu.Lock()
	m.seq++
	m.live[tx.ID] = &txState{tx: tx, seq: m.seq, keys: keys, locked: true}
	m.mu.Unlock()

	m.logger.Debug("transaction begun", "tx", tx.ID, "ops", len(tx.Ops), "targets", tx.Targets)
	return tx.Clone(), nil
}

// normalizeOps copies ops and fills in the default namespace.
func normalizeOps(ops []record.Operation) []record.Operation {
	out := slices.Clone(ops)
	for i := range out {
		if out[i].Record.Namespace == "" {
			out[i].Record.Namespace = record.DefaultNamespace
		}
	}
	return out
}

// Commit assigns versions, logs the transaction and flushes it to every target.
//
// A log append failure is returned as a *LogError and the transaction fails.
// Unreachable backends leave it partially-committed with a retry scheduled;
// that outcome is not an error. Commit updates *tx with the resulting status.
// Per-key locks are released when Commit returns.
func (m *Manager) Commit(ctx context.Context, tx *record.Transaction) error {
	m.mu.Lock()
	st, ok := m.live[tx.ID]
	if !ok {
		done, known := m.settled[tx.ID]
		m.mu.Unlock()
		if known && done.Status == record.TxCommitted {
			*tx = *done.Clone()
			return nil
		}
		if known {
			return &StateError{TxID: tx.ID, Status: done.Status, Op: "commit"}
		}
		return fmt.Errorf("commit %s: %w", tx.ID, ErrUnknownTransaction)
	}
	if st.tx.Status != record.TxPending {
		status := st.tx.Status
		m.mu.Unlock()
		return &StateError{TxID: tx.ID, Status: status, Op: "commit"}
	}
	if st.inflight {
		m.mu.Unlock()
		return fmt.Errorf("commit %s: %w", tx.ID, ErrCommitInProgress)
	}
	st.inflight = true
	m.mu.Unlock()
	defer m.unlockKeys(st)

	// Keys stay locked until we return, so no other transaction can assign
	// versions to them concurrently.
	assigned := make(map[string]int64, len(st.keys))
	m.mu.Lock()
	for i := range st.tx.Ops {
		op := &st.tx.Ops[i]
		key := op.Key()
		v, seen := assigned[key]
		if !seen {
			v = m.versions[key]
		}
		v++
		assigned[key] = v
		op.Record.Version = v
		op.Record.TxID = st.tx.ID
	}
	st.tx.Status = record.TxQueued
	entry, err := store.BeginEntry(st.tx)
	m.mu.Unlock()
	if err == nil {
		_, err = m.log.Append(ctx, entry)
	}
	if err != nil {
		m.mu.Lock()
		st.tx.Status = record.TxFailed
		st.tx.LastError = err.Error()
		st.inflight = false
		m.retireLocked(st)
		*tx = *st.tx.Clone()
		m.mu.Unlock()
		m.logger.Error("log append failed", "tx", tx.ID, "error", err)
		return &LogError{TxID: tx.ID, Err: err}
	}

	m.mu.Lock()
	for key, v := range assigned {
		if v > m.versions[key] {
			m.versions[key] = v
		}
	}
	for _, name := range st.tx.Targets {
		m.queues[name].push(st.tx.ID, st.keys)
	}
	m.mu.Unlock()

	// Still claimed from above, so no concurrent FlushPending picks it up.
	err = m.flushTx(ctx, st, "commit")
	m.mu.Lock()
	*tx = *st.tx.Clone()
	m.mu.Unlock()
	return err
}

// Apply begins and commits ops in one call and returns the settled transaction.
// A partially-committed result is not an error.
func (m *Manager) Apply(ctx context.Context, ops []record.Operation, opts ...BeginOption) (*record.Transaction, error) {
	tx, err := m.Begin(ctx, ops, opts...)
	if err != nil {
		return tx, err
	}
	err = m.Commit(ctx, tx)
	return tx, err
}

// Rollback abandons a pending transaction and releases its locks.
// Transactions already committed to the log cannot be rolled back.
func (m *Manager) Rollback(tx *record.Transaction) error {
	m.mu.Lock()
	st, ok := m.live[tx.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("rollback %s: %w", tx.ID, ErrUnknownTransaction)
	}
	if st.tx.Status != record.TxPending || st.inflight {
		status := st.tx.Status
		m.mu.Unlock()
		return &StateError{TxID: tx.ID, Status: status, Op: "rollback"}
	}
	st.tx.Status = record.TxRolledBack
	m.retireLocked(st)
	*tx = *st.tx.Clone()
	m.mu.Unlock()
	m.unlockKeys(st)
	m.logger.Debug("transaction rolled back", "tx", tx.ID)
	return nil
}

func (m *Manager) unlockKeys(st *txState) {
	m.mu.Lock()
	locked := st.locked
	st.locked = false
	m.mu.Unlock()
	if locked {
		m.locks.releaseAll(st.tx.ID, st.keys)
	}
}

// retireLocked moves a terminal transaction out of the live set and every
// SyncQueue. Its operations are released; its status stays queryable.
func (m *Manager) retireLocked(st *txState) {
	delete(m.live, st.tx.ID)
	for _, q := range m.queues {
		q.remove(st.tx.ID)
	}
	m.settled[st.tx.ID] = releasedCopy(st.tx)
}

func releasedCopy(tx *record.Transaction) *record.Transaction {
	c := tx.Clone()
	c.Ops = nil
	return c
}

// Status returns the current status of a transaction.
func (m *Manager) Status(txID string) (record.TxStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.live[txID]; ok {
		return st.tx.Status, true
	}
	if tx, ok := m.settled[txID]; ok {
		return tx.Status, true
	}
	return "", false
}

// Transaction returns a copy of a transaction. Settled transactions carry no operations.
func (m *Manager) Transaction(txID string) (*record.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.live[txID]; ok {
		return st.tx.Clone(), true
	}
	if tx, ok := m.settled[txID]; ok {
		return tx.Clone(), true
	}
	return nil, false
}

// Pending returns queued and partially-committed transactions in begin order.
func (m *Manager) Pending() []*record.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := m.liveInOrderLocked()
	out := make([]*record.Transaction, 0, len(states))
	for _, st := range states {
		if st.tx.Status == record.TxQueued || st.tx.Status == record.TxPartiallyCommitted {
			out = append(out, st.tx.Clone())
		}
	}
	return out
}

// Version returns the last version assigned to key.
func (m *Manager) Version(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[key]
}

func (m *Manager) liveInOrderLocked() []*txState {
	states := make([]*txState, 0, len(m.live))
	for _, st := range m.live {
		states = append(states, st)
	}
	slices.SortFunc(states, func(a, b *txState) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return states
}

// backoff returns the retry delay after the given number of attempts.
func (m *Manager) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := m.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.BackoffMax || d <= 0 {
			return m.cfg.BackoffMax
		}
	}
	return min(d, m.cfg.BackoffMax)
}
