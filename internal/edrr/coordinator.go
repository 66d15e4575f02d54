package edrr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/agentsync/internal/hook"
	"github.com/roach88/agentsync/internal/ident"
	"github.com/roach88/agentsync/internal/memsync"
	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/telemetry"
	"github.com/roach88/agentsync/internal/wsde"
)

// Config controls phase deadlines and recursion.
type Config struct {
	// MaxRecursionDepth caps child cycle depth. Zero never recurses.
	MaxRecursionDepth    int
	PhaseTimeout         time.Duration
	ComplexityThreshold  float64
	UncertaintyThreshold float64
	// ConcurrentChildren runs sibling child cycles in parallel.
	ConcurrentChildren bool
}

// DefaultConfig matches the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxRecursionDepth:    3,
		PhaseTimeout:         30 * time.Second,
		ComplexityThreshold:  0.8,
		UncertaintyThreshold: 0.8,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCommitter sets the sync layer phase output is committed through.
// Without one every phase transition fires sync.unavailable.
func WithCommitter(committer Committer) Option {
	return func(c *Coordinator) { c.committer = committer }
}

func WithHooks(hooks *hook.Registry) Option {
	return func(c *Coordinator) { c.hooks = hooks }
}

// WithRecovery registers recovery strategies, tried in order.
func WithRecovery(strategies ...RecoveryStrategy) Option {
	return func(c *Coordinator) { c.recovery = append(c.recovery, strategies...) }
}

func WithTelemetry(sink telemetry.Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

func WithIDGenerator(gen ident.Generator) Option {
	return func(c *Coordinator) { c.ids = gen }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs cycles. It holds no per-cycle state; cycles may run concurrently.
type Coordinator struct {
	cfg       Config
	exec      Executor
	consensus *wsde.Engine
	committer Committer
	hooks     *hook.Registry
	recovery  []RecoveryStrategy
	sink      telemetry.Sink
	ids       ident.Generator
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a coordinator. The executor must be safe for concurrent use
// when ConcurrentChildren is set.
func New(cfg Config, exec Executor, consensus *wsde.Engine, opts ...Option) (*Coordinator, error) {
	if exec == nil {
		return nil, errors.New("edrr: nil executor")
	}
	if consensus == nil {
		return nil, errors.New("edrr: nil consensus engine")
	}
	c := &Coordinator{
		cfg:       cfg,
		exec:      exec,
		consensus: consensus,
		sink:      telemetry.Nop{},
		ids:       ident.UUIDv7Generator{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.sink == nil {
		c.sink = telemetry.Nop{}
	}
	return c, nil
}

// Start creates a root cycle positioned at Expand with roles assigned.
func (c *Coordinator) Start(task Task, agents []wsde.Agent) (*Cycle, error) {
	return c.newCycle(task, agents, "", 0)
}

func (c *Coordinator) newCycle(task Task, agents []wsde.Agent, parentID string, depth int) (*Cycle, error) {
	id := c.ids.Generate()
	session := c.consensus.NewSession(id, agents)
	if _, err := session.AssignRoles(roleContext(task, Expand)); err != nil {
		return nil, fmt.Errorf("start cycle %s: %w", id, err)
	}
	now := c.now()
	cy := &Cycle{
		ID:       id,
		ParentID: parentID,
		Depth:    depth,
		Task:     task,
		Phase:    Expand,
		Session:  session,
		Started:  now,
		agents:   slices.Clone(agents),
		result: &Result{
			CycleID:  id,
			ParentID: parentID,
			Goal:     task.Goal,
			Depth:    depth,
			Status:   StatusRunning,
			Started:  now,
		},
	}
	c.logger.Info("cycle started", "cycle", id, "parent", parentID, "depth", depth, "goal", task.Goal)
	return cy, nil
}

func roleContext(task Task, phase Phase) wsde.RoleContext {
	return wsde.RoleContext{Keywords: task.Keywords, Phase: phase.String()}
}

// Run starts a cycle and advances it until it is archived.
func (c *Coordinator) Run(ctx context.Context, task Task, agents []wsde.Agent) (*Result, error) {
	cy, err := c.Start(task, agents)
	if err != nil {
		return nil, err
	}
	return c.RunCycle(ctx, cy), nil
}

// RunCycle advances cy until it is archived and returns its result.
func (c *Coordinator) RunCycle(ctx context.Context, cy *Cycle) *Result {
	for !cy.archived {
		if err := c.Advance(ctx, cy); err != nil && !cy.archived {
			// Advance only returns without archiving on misuse.
			break
		}
	}
	return cy.result
}

// Advance executes the cycle's current phase and moves it on.
//
// The phase.transition hook fires for every executed phase, including one
// that aborts the cycle. The returned error is the root cause of an aborted
// cycle; the cycle's Result carries it too.
func (c *Coordinator) Advance(ctx context.Context, cy *Cycle) error {
	if cy.archived {
		return fmt.Errorf("advance %s: %w", cy.ID, ErrCycleArchived)
	}
	phase := cy.Phase
	logger := c.logger.With("cycle", cy.ID, "phase", phase.String())
	start := c.now()

	if phase != Expand {
		if _, _, err := cy.Session.ReselectPrimus(roleContext(cy.Task, phase)); err != nil {
			logger.Warn("primus reselection failed", "error", err)
		}
	}

	rec := PhaseRecord{Phase: phase.String()}
	next, hasNext := phase.Next()

	out, err := c.execute(ctx, cy, phase)
	if err != nil {
		failure := asPhaseError(cy, phase, err)
		recovered, skipTo, rerr := c.recover(ctx, cy, failure)
		if rerr != nil {
			return c.abort(ctx, cy, phase, rerr)
		}
		out = recovered
		rec.Recovered = true
		if skipTo != nil && *skipTo > phase {
			next, hasNext = *skipTo, true
		}
	}
	rec.Summary = out.Summary

	for _, r := range out.Reviews {
		if err := cy.Session.RecordReview(r.Reviewer, r.Subject, r.Score); err != nil {
			logger.Warn("peer review rejected", "reviewer", r.Reviewer, "subject", r.Subject, "error", err)
		}
	}

	ops := slices.Clone(out.Ops)
	var decided []wsde.ConsensusRecord
	for _, p := range out.Proposals {
		prop := p.Proposal
		prop.CycleID = cy.ID
		prop.Phase = phase.String()
		if prop.ID == "" {
			prop.ID = record.ProposalID(cy.ID, prop.Phase, prop.Content)
		}
		cr := cy.Session.Decide(ctx, prop)
		decided = append(decided, cr)
		if cr.Approved() {
			ops = append(ops, p.Ops...)
		}
	}
	rec.Proposals = len(out.Proposals)
	cy.result.Consensus = append(cy.result.Consensus, decided...)

	if err := c.commit(ctx, cy, phase, ops, &rec, logger); err != nil {
		cy.result.Phases = append(cy.result.Phases, rec)
		return c.abort(ctx, cy, phase, err)
	}
	rec.Duration = c.now().Sub(start)
	cy.result.Phases = append(cy.result.Phases, rec)

	nextName := ""
	if hasNext {
		nextName = next.String()
	}
	c.hooks.Fire(ctx, hook.Event{
		Kind:      hook.PhaseTransition,
		CycleID:   cy.ID,
		Phase:     phase.String(),
		NextPhase: nextName,
	})
	c.emit(ctx, cy, phase, decided)

	tasks := out.SubTasks
	if phase == Retrospect && (out.Complexity > c.cfg.ComplexityThreshold || out.Uncertainty > c.cfg.UncertaintyThreshold) {
		logger.Debug("retrospect requests recursion", "complexity", out.Complexity, "uncertainty", out.Uncertainty)
		tasks = append(tasks, cy.Task)
	}
	if len(tasks) > 0 {
		if err := c.recurse(ctx, cy, tasks); err != nil {
			c.finish(cy, StatusTerminated)
			return nil
		}
	}

	if !hasNext {
		c.finish(cy, StatusCompleted)
		return nil
	}
	cy.Phase = next
	return nil
}

// commit persists ops. Only a log failure is returned; other commit errors
// are recorded on the result and the cycle continues.
func (c *Coordinator) commit(ctx context.Context, cy *Cycle, phase Phase, ops []record.Operation, rec *PhaseRecord, logger *slog.Logger) error {
	if c.committer == nil {
		c.hooks.Fire(ctx, hook.Event{Kind: hook.SyncUnavailable, CycleID: cy.ID, Phase: phase.String()})
		if len(ops) > 0 {
			logger.Warn("no sync manager, phase output not persisted", "ops", len(ops))
		}
		return nil
	}
	if len(ops) == 0 {
		return nil
	}
	tx, err := c.committer.Apply(ctx, ops)
	if tx != nil {
		rec.TxIDs = append(rec.TxIDs, tx.ID)
		if tx.Status == record.TxCommitted || tx.Status == record.TxPartiallyCommitted {
			for _, key := range tx.Keys() {
				if !slices.Contains(cy.result.RecordIDs, key) {
					cy.result.RecordIDs = append(cy.result.RecordIDs, key)
				}
			}
		}
	}
	switch {
	case err == nil:
		return nil
	case memsync.IsLogError(err):
		return err
	case record.IsMalformedRecord(err):
		logger.Warn("malformed record rejected", "error", err)
	default:
		logger.Warn("commit failed", "error", err)
	}
	cy.result.CommitErrors = append(cy.result.CommitErrors, err.Error())
	return nil
}

// execute runs the executor on a snapshot of the cycle under the phase deadline.
// An executor that ignores its context is abandoned at the deadline.
func (c *Coordinator) execute(ctx context.Context, cy *Cycle, phase Phase) (PhaseOutput, error) {
	var (
		pctx   context.Context
		cancel context.CancelFunc
	)
	if c.cfg.PhaseTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	} else {
		pctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		out PhaseOutput
		err error
	}
	done := make(chan outcome, 1)
	view := *cy
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: Unrecoverable(fmt.Errorf("executor panicked: %v", r))}
			}
		}()
		out, err := c.exec.Execute(pctx, &view, phase)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() != nil {
			return PhaseOutput{}, Unrecoverable(o.err)
		}
		return o.out, o.err
	case <-pctx.Done():
		if ctx.Err() != nil {
			return PhaseOutput{}, Unrecoverable(ctx.Err())
		}
		return PhaseOutput{}, fmt.Errorf("%s exceeded %s: %w", phase, c.cfg.PhaseTimeout, context.DeadlineExceeded)
	}
}

func asPhaseError(cy *Cycle, phase Phase, err error) *PhaseExecutionError {
	var pe *PhaseExecutionError
	if errors.As(err, &pe) {
		return pe
	}
	return &PhaseExecutionError{CycleID: cy.ID, Phase: phase, Recoverable: !isUnrecoverable(err), Err: err}
}

// recover tries each strategy in order and records every attempt in the
// recovery chain. It returns the failure itself when nothing rescued the phase.
func (c *Coordinator) recover(ctx context.Context, cy *Cycle, failure *PhaseExecutionError) (PhaseOutput, *Phase, error) {
	if !failure.Recoverable {
		return PhaseOutput{}, nil, failure
	}
	for _, s := range c.recovery {
		r, err := s.Recover(ctx, cy, failure, c.execute)
		if err != nil {
			cy.result.RecoveryChain = append(cy.result.RecoveryChain, fmt.Sprintf("%s: %v", s.Name(), err))
			c.logger.Warn("recovery strategy failed", "cycle", cy.ID, "strategy", s.Name(), "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		cy.result.RecoveryChain = append(cy.result.RecoveryChain, s.Name()+": recovered")
		c.logger.Info("phase recovered", "cycle", cy.ID, "phase", failure.Phase.String(), "strategy", s.Name())
		return r.Output, r.SkipTo, nil
	}
	return PhaseOutput{}, nil, failure
}

// abort ends the cycle as failed. The transition hook still fires, preceded
// by sync.unavailable when there is no committer, as on the normal path.
func (c *Coordinator) abort(ctx context.Context, cy *Cycle, phase Phase, cause error) error {
	cy.result.Err = cause
	cy.result.RootCause = cause.Error()
	c.logger.Error("cycle aborted", "cycle", cy.ID, "phase", phase.String(), "error", cause)
	if c.committer == nil {
		c.hooks.Fire(ctx, hook.Event{Kind: hook.SyncUnavailable, CycleID: cy.ID, Phase: phase.String()})
	}
	c.hooks.Fire(ctx, hook.Event{
		Kind:    hook.PhaseTransition,
		CycleID: cy.ID,
		Phase:   phase.String(),
		Status:  string(StatusFailed),
		Err:     cause,
	})
	c.finish(cy, StatusFailed)
	return cause
}

func (c *Coordinator) finish(cy *Cycle, status Status) {
	cy.archived = true
	cy.result.Status = status
	cy.result.Finished = c.now()
	c.logger.Info("cycle archived", "cycle", cy.ID, "status", string(status), "phases", len(cy.result.Phases))
}

// recurse runs tasks as child cycles to completion. It returns a
// *RecursionLimitError, without running anything, when the children would
// be deeper than MaxRecursionDepth.
func (c *Coordinator) recurse(ctx context.Context, parent *Cycle, tasks []Task) error {
	if parent.Depth+1 > c.cfg.MaxRecursionDepth {
		err := &RecursionLimitError{CycleID: parent.ID, Depth: parent.Depth, Max: c.cfg.MaxRecursionDepth}
		c.logger.Warn("recursion limit exceeded", "cycle", parent.ID, "depth", parent.Depth, "max", c.cfg.MaxRecursionDepth)
		parent.result.RecursionLimit = err.Error()
		return err
	}

	children := make([]*Cycle, 0, len(tasks))
	for _, t := range tasks {
		child, err := c.newCycle(t, parent.agents, parent.ID, parent.Depth+1)
		if err != nil {
			parent.result.CommitErrors = append(parent.result.CommitErrors, err.Error())
			continue
		}
		children = append(children, child)
	}

	results := make([]*Result, len(children))
	if c.cfg.ConcurrentChildren {
		var wg sync.WaitGroup
		for i, child := range children {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = c.RunCycle(ctx, child)
			}()
		}
		wg.Wait()
	} else {
		for i, child := range children {
			results[i] = c.RunCycle(ctx, child)
		}
	}
	parent.result.Children = append(parent.result.Children, results...)
	return nil
}

func (c *Coordinator) emit(ctx context.Context, cy *Cycle, phase Phase, decided []wsde.ConsensusRecord) {
	roles := cy.Session.Roles()
	roleMap := make(map[string]string, len(roles))
	for id, r := range roles {
		roleMap[id] = string(r)
	}
	var summary telemetry.VoteSummary
	for _, cr := range decided {
		summary.Proposals++
		if cr.Resolution == wsde.Consensus {
			summary.Consensus++
		} else {
			summary.Fallback++
		}
		if cr.Approved() {
			summary.Approved++
		}
		if cr.TimedOut {
			summary.TimedOut++
		}
	}
	c.sink.Emit(ctx, telemetry.Event{
		CycleID:     cy.ID,
		Phase:       phase.String(),
		Depth:       cy.Depth,
		RoleMap:     roleMap,
		VoteSummary: summary,
		Timestamp:   c.now(),
	})
}
