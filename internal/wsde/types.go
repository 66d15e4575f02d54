package wsde

import (
	"context"
	"time"
)

// Role is a team role.
type Role string

const (
	RoleDesigner   Role = "designer"
	RoleWorker     Role = "worker"
	RoleSupervisor Role = "supervisor"
	RoleEvaluator  Role = "evaluator"
	RolePrimus     Role = "primus"
)

// Vote is a ballot value.
type Vote string

const (
	Approve Vote = "approve"
	Reject  Vote = "reject"
	Abstain Vote = "abstain"
)

// Resolution says how a decision was reached.
type Resolution string

const (
	Consensus              Resolution = "consensus"
	FallbackPrimusDecision Resolution = "fallback-primus-decision"
)

// Profile describes an agent for role scoring.
type Profile struct {
	ID        string
	Expertise []string
	// Performance is a running quality score in [0, 1].
	Performance float64
}

// Agent is a team member that can vote.
//
// Vote must honour ctx; a ballot that arrives after the window closes is ignored.
type Agent interface {
	Profile() Profile
	Vote(ctx context.Context, p Proposal, role Role) (Vote, error)
}

// Proposal is a decision put to the team.
type Proposal struct {
	ID      string
	CycleID string
	Phase   string
	Author  string
	Content string
}

// Review is one agent's score in [0, 1] of a peer's work.
type Review struct {
	Reviewer string  `json:"reviewer" yaml:"reviewer"`
	Subject  string  `json:"subject" yaml:"subject"`
	Score    float64 `json:"score" yaml:"score"`
}

// RoleContext is what role scoring looks at besides the profile.
type RoleContext struct {
	Keywords []string
	Phase    string
}

// Tally is the weighted vote count.
type Tally struct {
	Approve float64 `json:"approve"`
	Reject  float64 `json:"reject"`
	Abstain float64 `json:"abstain"`
}

// ConsensusRecord is the outcome of one Decide call.
type ConsensusRecord struct {
	ProposalID string          `json:"proposal_id"`
	Votes      map[string]Vote `json:"votes"`
	Resolution Resolution      `json:"resolution"`
	Outcome    Vote            `json:"outcome"`
	Tally      Tally           `json:"tally"`
	// TimedOut is set when the window closed before every ballot arrived.
	TimedOut  bool      `json:"timed_out,omitempty"`
	Missing   []string  `json:"missing,omitempty"`
	Primus    string    `json:"primus"`
	Timestamp time.Time `json:"timestamp"`
}

// Approved reports whether the decision approves the proposal.
func (r ConsensusRecord) Approved() bool {
	return r.Outcome == Approve
}
