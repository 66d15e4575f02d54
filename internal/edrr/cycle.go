package edrr

import (
	"context"
	"time"

	"github.com/roach88/agentsync/internal/memsync"
	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/wsde"
)

// Task is the work a cycle coordinates.
type Task struct {
	Goal     string   `json:"goal" yaml:"goal"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
	// Scope is the fraction of the task attempted, in (0, 1]. Zero means 1.
	Scope float64 `json:"scope,omitempty" yaml:"scope"`
}

// Proposal is a consensus question whose operations are committed only if approved.
type Proposal struct {
	wsde.Proposal
	Ops []record.Operation
}

// PhaseOutput is what an executor produced in one phase.
type PhaseOutput struct {
	// Ops are committed unconditionally.
	Ops       []record.Operation
	Proposals []Proposal
	// Complexity and Uncertainty are in [0, 1]. They are read after Retrospect.
	Complexity  float64
	Uncertainty float64
	// SubTasks each run as a child cycle after this phase.
	SubTasks []Task
	// Reviews are recorded on the cycle's session before this phase's
	// proposals are decided, so they weigh on every later vote of the cycle.
	Reviews []wsde.Review
	Summary string
}

// Executor does the work of a phase.
type Executor interface {
	Execute(ctx context.Context, c *Cycle, phase Phase) (PhaseOutput, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, c *Cycle, phase Phase) (PhaseOutput, error)

func (f ExecutorFunc) Execute(ctx context.Context, c *Cycle, phase Phase) (PhaseOutput, error) {
	return f(ctx, c, phase)
}

// Committer persists operations. *memsync.Manager implements it.
type Committer interface {
	Apply(ctx context.Context, ops []record.Operation, opts ...memsync.BeginOption) (*record.Transaction, error)
}

// Cycle is one run through the phases. A Cycle is driven by one goroutine at a time.
type Cycle struct {
	ID       string
	ParentID string
	Depth    int
	Task     Task
	Phase    Phase
	Session  *wsde.Session
	Started  time.Time

	agents   []wsde.Agent
	archived bool
	result   *Result
}

// Archived reports whether the cycle has finished.
func (c *Cycle) Archived() bool {
	return c.archived
}

// Result returns the cycle's result so far.
func (c *Cycle) Result() *Result {
	return c.result
}

// Agents returns the team of the cycle.
func (c *Cycle) Agents() []wsde.Agent {
	return c.agents
}
