package edrr

import (
	"time"

	"github.com/roach88/agentsync/internal/wsde"
)

// Status is the state of a cycle's result.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	// StatusTerminated marks a cycle stopped by the recursion limit.
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// PhaseRecord describes one executed phase.
type PhaseRecord struct {
	Phase     string        `json:"phase"`
	Summary   string        `json:"summary,omitempty"`
	Proposals int           `json:"proposals"`
	TxIDs     []string      `json:"tx_ids,omitempty"`
	Recovered bool          `json:"recovered,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Result is the outcome of a cycle and, through Children, its sub-cycles.
type Result struct {
	CycleID  string `json:"cycle_id"`
	ParentID string `json:"parent_id,omitempty"`
	Goal     string `json:"goal"`
	Depth    int    `json:"depth"`
	Status   Status `json:"status"`

	Phases []PhaseRecord `json:"phases"`
	// RecordIDs are the keys committed by the cycle, in first-commit order.
	RecordIDs    []string               `json:"record_ids,omitempty"`
	Consensus    []wsde.ConsensusRecord `json:"consensus,omitempty"`
	CommitErrors []string               `json:"commit_errors,omitempty"`

	RecursionLimit string    `json:"recursion_limit,omitempty"`
	RootCause      string    `json:"root_cause,omitempty"`
	RecoveryChain  []string  `json:"recovery_chain,omitempty"`
	Children       []*Result `json:"children,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`

	// Err is the root cause of a failed cycle.
	Err error `json:"-"`
}

// Walk visits r and every descendant depth-first, parents before children.
func (r *Result) Walk(fn func(*Result)) {
	fn(r)
	for _, child := range r.Children {
		child.Walk(fn)
	}
}

// MaxDepth returns the deepest cycle depth in the tree.
func (r *Result) MaxDepth() int {
	deepest := r.Depth
	r.Walk(func(n *Result) {
		deepest = max(deepest, n.Depth)
	})
	return deepest
}
