package orchestrator

import (
	"time"

	"github.com/roach88/agentsync/internal/edrr"
	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/wsde"
)

// ConsensusOutcome summarises one decision of a cycle.
type ConsensusOutcome struct {
	ProposalID string          `json:"proposal_id"`
	Resolution wsde.Resolution `json:"resolution"`
	Outcome    wsde.Vote       `json:"outcome"`
	Primus     string          `json:"primus"`
	TimedOut   bool            `json:"timed_out,omitempty"`
}

// TxSummary is the sync status of a transaction a cycle committed.
type TxSummary struct {
	ID     string          `json:"id"`
	Status record.TxStatus `json:"status"`
	// Unconfirmed lists backends that still owe the transaction.
	Unconfirmed []string `json:"unconfirmed,omitempty"`
}

// PhaseResult is the terminal report of a task.
type PhaseResult struct {
	CycleID string      `json:"cycle_id"`
	Goal    string      `json:"goal"`
	Depth   int         `json:"depth"`
	Status  edrr.Status `json:"status"`
	Phases  []string    `json:"phases"`

	RecordIDs    []string           `json:"record_ids,omitempty"`
	Consensus    []ConsensusOutcome `json:"consensus,omitempty"`
	Transactions []TxSummary        `json:"transactions,omitempty"`
	CommitErrors []string           `json:"commit_errors,omitempty"`

	RecursionLimit string        `json:"recursion_limit,omitempty"`
	RootCause      string        `json:"root_cause,omitempty"`
	RecoveryChain  []string      `json:"recovery_chain,omitempty"`
	Children       []PhaseResult `json:"children,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`
}

// Succeeded reports whether the cycle completed.
func (r PhaseResult) Succeeded() bool {
	return r.Status == edrr.StatusCompleted
}

// Count returns the number of cycles in the tree.
func (r PhaseResult) Count() int {
	n := 1
	for _, c := range r.Children {
		n += c.Count()
	}
	return n
}

// txLookup reports the current status of a transaction.
type txLookup func(txID string) (*record.Transaction, bool)

// buildPhaseResult converts a cycle result tree. lookup may be nil when no
// sync manager is configured.
func buildPhaseResult(res *edrr.Result, lookup txLookup) PhaseResult {
	pr := PhaseResult{
		CycleID:        res.CycleID,
		Goal:           res.Goal,
		Depth:          res.Depth,
		Status:         res.Status,
		RecordIDs:      res.RecordIDs,
		CommitErrors:   res.CommitErrors,
		RecursionLimit: res.RecursionLimit,
		RootCause:      res.RootCause,
		RecoveryChain:  res.RecoveryChain,
		Started:        res.Started,
		Finished:       res.Finished,
	}
	for _, ph := range res.Phases {
		pr.Phases = append(pr.Phases, ph.Phase)
		if lookup == nil {
			continue
		}
		for _, id := range ph.TxIDs {
			sum := TxSummary{ID: id}
			if tx, ok := lookup(id); ok {
				sum.Status = tx.Status
				sum.Unconfirmed = tx.Unconfirmed()
			}
			pr.Transactions = append(pr.Transactions, sum)
		}
	}
	for _, cr := range res.Consensus {
		pr.Consensus = append(pr.Consensus, ConsensusOutcome{
			ProposalID: cr.ProposalID,
			Resolution: cr.Resolution,
			Outcome:    cr.Outcome,
			Primus:     cr.Primus,
			TimedOut:   cr.TimedOut,
		})
	}
	for _, child := range res.Children {
		pr.Children = append(pr.Children, buildPhaseResult(child, lookup))
	}
	return pr
}
