package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/agentsync/internal/backend"
	"github.com/roach88/agentsync/internal/backend/badgerkv"
	"github.com/roach88/agentsync/internal/backend/chromemvec"
	"github.com/roach88/agentsync/internal/backend/mongodoc"
	"github.com/roach88/agentsync/internal/backend/sqlgraph"
	"github.com/roach88/agentsync/internal/config"
	"github.com/roach88/agentsync/internal/edrr"
	"github.com/roach88/agentsync/internal/hook"
	"github.com/roach88/agentsync/internal/ident"
	"github.com/roach88/agentsync/internal/memsync"
	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/store"
	"github.com/roach88/agentsync/internal/telemetry"
	"github.com/roach88/agentsync/internal/wsde"
)

var (
	ErrClosed       = errors.New("orchestrator closed")
	ErrUnknownCycle = errors.New("unknown cycle")
	ErrEmptyGoal    = errors.New("task has no goal")
	// ErrNoSync is returned by sync operations when no log is configured.
	ErrNoSync = errors.New("no sync manager configured")
)

// telemetryBuffer is the event buffer of the default asynchronous sink.
const telemetryBuffer = 256

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator sets the generator for cycle and transaction ids.
func WithIDGenerator(gen ident.Generator) Option {
	return func(o *Orchestrator) { o.ids = gen }
}

// WithTeam sets the agents every cycle runs with. Defaults to DefaultTeam.
func WithTeam(agents ...wsde.Agent) Option {
	return func(o *Orchestrator) { o.team = agents }
}

// WithExecutor replaces the TeamExecutor.
func WithExecutor(exec edrr.Executor) Option {
	return func(o *Orchestrator) { o.exec = exec }
}

// WithLog sets the write-ahead log. Without one there is no sync manager and
// phase output is not persisted.
func WithLog(log memsync.Log) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithTargets adds backends transactions are flushed to.
func WithTargets(targets ...backend.Target) Option {
	return func(o *Orchestrator) { o.targets = append(o.targets, targets...) }
}

// WithTelemetry replaces the default sink, an asynchronous fan-out to slog
// and OpenTelemetry.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// withDeferredFlush keeps New from starting the background flush loop, so
// Open can recover the log first.
func withDeferredFlush() Option {
	return func(o *Orchestrator) { o.deferFlush = true }
}

// withClosers registers resources released by Close, last first.
func withClosers(closers ...io.Closer) Option {
	return func(o *Orchestrator) { o.closers = append(o.closers, closers...) }
}

// Orchestrator accepts tasks and runs them as cycles.
//
// Thread-safety: Submit, Wait, Run and Close are safe for concurrent use.
type Orchestrator struct {
	cfg     config.Config
	logger  *slog.Logger
	now     func() time.Time
	ids     ident.Generator
	team    []wsde.Agent
	exec    edrr.Executor
	log     memsync.Log
	targets []backend.Target
	sink    telemetry.Sink
	async   *telemetry.Async
	closers []io.Closer

	hooks     *hook.Registry
	sync      *memsync.Manager
	consensus *wsde.Engine
	coord     *edrr.Coordinator

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	deferFlush bool
	flushDone  chan struct{}

	mu     sync.Mutex
	runs   map[string]*run
	order  []string
	closed bool
}

type run struct {
	done   chan struct{}
	result PhaseResult
}

// New wires the components around cfg. Backends and the log come from
// options; Open builds them from cfg instead. Resources handed over through
// options are not released when New fails.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		ids:    ident.UUIDv7Generator{},
		exec:   TeamExecutor{},
		runs:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.team == nil {
		o.team = Agents(DefaultTeam())
	}
	if o.log == nil && len(o.targets) > 0 {
		return nil, errors.New("orchestrator: backends configured without a write-ahead log")
	}

	o.hooks = hook.NewRegistry(o.logger)
	if o.sink == nil {
		o.async = telemetry.NewAsync(telemetry.Multi{
			telemetry.Log{Logger: o.logger},
			telemetry.NewOTel(),
		}, telemetryBuffer)
		o.sink = o.async
	}

	if o.log != nil {
		m, err := memsync.New(o.log, o.targets,
			memsync.WithConfig(memsync.Config{
				FlushTimeout: cfg.FlushTimeout(),
				RetryMax:     cfg.FlushRetryMax,
				BackoffBase:  cfg.FlushBackoffBase(),
				BackoffMax:   cfg.FlushBackoffMax(),
				LockTimeout:  cfg.LockTimeout(),
			}),
			memsync.WithClock(o.now),
			memsync.WithLogger(o.logger),
			memsync.WithHooks(o.hooks),
			memsync.WithIDGenerator(o.ids),
		)
		if err != nil {
			o.stopTelemetry()
			return nil, err
		}
		o.sync = m
	}

	o.consensus = wsde.NewEngine(wsde.Config{
		Threshold:    cfg.ConsensusThreshold,
		VoteWindow:   cfg.VoteWindow(),
		PhaseTimeout: cfg.PhaseTimeout(),
	}, wsde.WithLogger(o.logger), wsde.WithClock(o.now))

	coordOpts := []edrr.Option{
		edrr.WithHooks(o.hooks),
		edrr.WithRecovery(edrr.RetryReducedScope{Attempts: 2}, edrr.DegradeToRetrospect{}),
		edrr.WithTelemetry(o.sink),
		edrr.WithIDGenerator(o.ids),
		edrr.WithLogger(o.logger),
		edrr.WithClock(o.now),
	}
	if o.sync != nil {
		coordOpts = append(coordOpts, edrr.WithCommitter(o.sync))
	}
	coord, err := edrr.New(edrr.Config{
		MaxRecursionDepth:    cfg.MaxRecursionDepth,
		PhaseTimeout:         cfg.PhaseTimeout(),
		ComplexityThreshold:  cfg.ComplexityThreshold,
		UncertaintyThreshold: cfg.UncertaintyThreshold,
		ConcurrentChildren:   cfg.ConcurrentChildren,
	}, o.exec, o.consensus, coordOpts...)
	if err != nil {
		o.stopTelemetry()
		return nil, err
	}
	o.coord = coord
	o.ctx, o.cancel = context.WithCancel(context.Background())
	if !o.deferFlush {
		o.startFlushLoop()
	}
	return o, nil
}

// startFlushLoop retries pending transactions in the background every
// flush_interval_ms until Close. It does nothing without a sync manager or
// when the interval is zero.
func (o *Orchestrator) startFlushLoop() {
	interval := o.cfg.FlushInterval()
	if o.sync == nil || interval <= 0 {
		return
	}
	o.flushDone = make(chan struct{})
	go func() {
		defer close(o.flushDone)
		if err := o.sync.Run(o.ctx, interval); err != nil {
			o.logger.Error("background flush stopped", "error", err)
		}
	}()
}

// Open builds the log and backends named by cfg, recovers unfinished
// transactions from the log and returns the wired orchestrator.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Orchestrator, error) {
	if len(cfg.Backends) > 0 && cfg.WALPath == "" {
		return nil, errors.New("orchestrator: backends configured without wal_path")
	}
	var (
		closers []io.Closer
		targets []backend.Target
		log     memsync.Log
	)
	fail := func(err error) (*Orchestrator, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
		return nil, err
	}

	if cfg.WALPath != "" {
		st, err := store.Open(cfg.WALPath)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, st)
		log = st
	}
	for _, b := range cfg.Backends {
		be, err := openBackend(b)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, be)
		target, err := backend.Adapt(be)
		if err != nil {
			return fail(err)
		}
		targets = append(targets, target)
	}

	base := []Option{withClosers(closers...), WithTargets(targets...), withDeferredFlush()}
	if log != nil {
		base = append(base, WithLog(log))
	}
	o, err := New(cfg, append(base, opts...)...)
	if err != nil {
		return fail(err)
	}
	if o.sync != nil {
		report, err := o.sync.Recover(ctx)
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("recover write-ahead log: %w", err)
		}
		if len(report.Requeued) > 0 || len(report.Corrupt) > 0 {
			o.logger.Info("write-ahead log recovered",
				"requeued", len(report.Requeued),
				"corrupt", len(report.Corrupt),
				"settled", report.Settled)
		}
	}
	o.startFlushLoop()
	return o, nil
}

func openBackend(b config.Backend) (backend.Backend, error) {
	switch backend.Kind(b.Kind) {
	case backend.KindKeyValue:
		kv, err := badgerkv.Open(b.Name, b.Path)
		if err != nil {
			return nil, err
		}
		if b.CacheBytes <= 0 {
			return kv, nil
		}
		cached, err := backend.NewCachedKV(kv, b.CacheBytes)
		if err != nil {
			kv.Close()
			return nil, err
		}
		return cached, nil
	case backend.KindVector:
		return chromemvec.New(b.Name, b.Collection)
	case backend.KindGraph:
		path := b.Path
		if path == "" {
			path = ":memory:"
		}
		return sqlgraph.Open(b.Name, path)
	case backend.KindDocument:
		return mongodoc.Open(b.Name, b.URL, b.Database, b.Collection)
	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", b.Name, b.Kind)
	}
}

// Hooks returns the registry flush and phase events are fired on.
func (o *Orchestrator) Hooks() *hook.Registry {
	return o.hooks
}

// Sync returns the sync manager, or nil when no log is configured.
func (o *Orchestrator) Sync() *memsync.Manager {
	return o.sync
}

// Config returns the configuration the orchestrator was built with.
func (o *Orchestrator) Config() config.Config {
	return o.cfg
}

// Submit starts task in the background and returns its cycle id.
// The cycle outlives ctx's cancellation but not Close.
func (o *Orchestrator) Submit(ctx context.Context, task edrr.Task) (string, error) {
	cy, r, err := o.start(task)
	if err != nil {
		return "", err
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.ctx, cancel)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer stop()
		o.execute(rctx, cy, r)
	}()
	return cy.ID, nil
}

// Wait blocks until the cycle finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, cycleID string) (PhaseResult, error) {
	o.mu.Lock()
	r, ok := o.runs[cycleID]
	o.mu.Unlock()
	if !ok {
		return PhaseResult{}, fmt.Errorf("wait %s: %w", cycleID, ErrUnknownCycle)
	}
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return PhaseResult{}, ctx.Err()
	}
}

// Run executes task in the calling goroutine, bound to ctx.
func (o *Orchestrator) Run(ctx context.Context, task edrr.Task) (PhaseResult, error) {
	cy, r, err := o.start(task)
	if err != nil {
		return PhaseResult{}, err
	}
	defer o.wg.Done()
	o.execute(ctx, cy, r)
	return r.result, nil
}

// Cycles returns the ids of every submitted cycle, oldest first.
func (o *Orchestrator) Cycles() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.order)
}

func (o *Orchestrator) start(task edrr.Task) (*edrr.Cycle, *run, error) {
	if strings.TrimSpace(task.Goal) == "" {
		return nil, nil, ErrEmptyGoal
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, ErrClosed
	}
	cy, err := o.coord.Start(task, o.team)
	if err != nil {
		return nil, nil, err
	}
	r := &run{done: make(chan struct{})}
	o.runs[cy.ID] = r
	o.order = append(o.order, cy.ID)
	o.wg.Add(1)
	return cy, r, nil
}

func (o *Orchestrator) execute(ctx context.Context, cy *edrr.Cycle, r *run) {
	res := o.coord.RunCycle(ctx, cy)
	var lookup txLookup
	if o.sync != nil {
		lookup = o.sync.Transaction
	}
	r.result = buildPhaseResult(res, lookup)
	o.logger.Info("task finished",
		"cycle", cy.ID,
		"status", string(res.Status),
		"records", len(res.RecordIDs),
		"cycles", r.result.Count())
	close(r.done)
}

// Flush retries every due pending transaction.
func (o *Orchestrator) Flush(ctx context.Context) (memsync.FlushReport, error) {
	if o.sync == nil {
		return memsync.FlushReport{}, ErrNoSync
	}
	return o.sync.FlushPending(ctx)
}

// Pending lists transactions still owed to some backend.
func (o *Orchestrator) Pending() []*record.Transaction {
	if o.sync == nil {
		return nil
	}
	return o.sync.Pending()
}

// Close cancels running cycles and the background flush loop, waits for
// them, drains telemetry and releases the log and backends. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	if o.flushDone != nil {
		<-o.flushDone
	}
	return o.closeResources()
}

func (o *Orchestrator) stopTelemetry() error {
	if o.async == nil {
		return nil
	}
	return o.async.Close()
}

func (o *Orchestrator) closeResources() error {
	errs := []error{o.stopTelemetry()}
	for i := len(o.closers) - 1; i >= 0; i-- {
		errs = append(errs, o.closers[i].Close())
	}
	o.closers = nil
	return errors.Join(errs...)
}
