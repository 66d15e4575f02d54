package wsde

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Session is the team state of one cycle.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Session struct {
	engine  *Engine
	cycleID string
	agents  []Agent
	logger  *slog.Logger

	mu      sync.Mutex
	roles   map[string]Role
	primus  string
	reviews map[string][]float64
	records []ConsensusRecord
}

// ErrNoAgents is returned when a session has no team to assign.
var ErrNoAgents = errors.New("wsde: session has no agents")

// CycleID returns the cycle the session belongs to.
func (s *Session) CycleID() string {
	return s.cycleID
}

// Agents returns the team in id order.
func (s *Session) Agents() []Agent {
	return slices.Clone(s.agents)
}

// Score is the heuristic fitness of an agent for a role context, in [0, 1].
//
//	0.5 * share of task keywords in the agent's expertise
//	0.3 * performance
//	0.2 * 1 if the agent lists the phase as expertise
func Score(p Profile, rc RoleContext) float64 {
	expertise := make(map[string]bool, len(p.Expertise))
	for _, e := range p.Expertise {
		expertise[strings.ToLower(e)] = true
	}
	var overlap float64
	if len(rc.Keywords) > 0 {
		hits := 0
		for _, k := range rc.Keywords {
			if expertise[strings.ToLower(k)] {
				hits++
			}
		}
		overlap = float64(hits) / float64(len(rc.Keywords))
	}
	var phase float64
	if rc.Phase != "" && expertise[strings.ToLower(rc.Phase)] {
		phase = 1
	}
	perf := min(max(p.Performance, 0), 1)
	return 0.5*overlap + 0.3*perf + 0.2*phase
}

type scored struct {
	id    string
	score float64
}

// rank orders agents by descending score, ties by ascending id.
func (s *Session) rank(rc RoleContext) []scored {
	out := make([]scored, len(s.agents))
	for i, a := range s.agents {
		p := a.Profile()
		out[i] = scored{id: p.ID, score: Score(p, rc)}
	}
	slices.SortStableFunc(out, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return out
}

// AssignRoles assigns every role from scratch. The best scorer becomes
// Primus; Designer, Supervisor and Evaluator go to the next best in that
// order; everyone else is a Worker.
func (s *Session) AssignRoles(rc RoleContext) (map[string]Role, error) {
	if len(s.agents) == 0 {
		return nil, ErrNoAgents
	}
	ranked := s.rank(rc)
	order := []Role{RolePrimus, RoleDesigner, RoleSupervisor, RoleEvaluator}

	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.roles)
	for i, sc := range ranked {
		role := RoleWorker
		if i < len(order) {
			role = order[i]
		}
		s.roles[sc.id] = role
	}
	s.primus = ranked[0].id
	s.logger.Debug("roles assigned", "primus", s.primus, "agents", len(ranked))
	return maps.Clone(s.roles), nil
}

// ReselectPrimus re-scores the team at a phase boundary. The incumbent keeps
// the role unless another agent scores strictly higher; the displaced
// Primus takes the newcomer's former role. It reports whether the Primus changed.
func (s *Session) ReselectPrimus(rc RoleContext) (string, bool, error) {
	s.mu.Lock()
	incumbent := s.primus
	s.mu.Unlock()
	if incumbent == "" {
		roles, err := s.AssignRoles(rc)
		if err != nil {
			return "", false, err
		}
		for id, r := range roles {
			if r == RolePrimus {
				return id, true, nil
			}
		}
	}

	ranked := s.rank(rc)
	best := ranked[0]
	var incumbentScore float64
	for _, sc := range ranked {
		if sc.id == incumbent {
			incumbentScore = sc.score
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if best.id == incumbent || best.score <= incumbentScore {
		return incumbent, false, nil
	}
	s.roles[incumbent] = s.roles[best.id]
	s.roles[best.id] = RolePrimus
	s.primus = best.id
	s.logger.Info("primus reselected", "from", incumbent, "to", best.id, "phase", rc.Phase)
	return best.id, true, nil
}

// Roles returns a copy of the current assignment.
func (s *Session) Roles() map[string]Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.roles)
}

// Primus returns the current Primus id, or "" before roles are assigned.
func (s *Session) Primus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primus
}

// RecordReview stores a peer review score in [0, 1] of subject by reviewer.
// Reviews change the subject's vote weight for the rest of the session.
func (s *Session) RecordReview(reviewer, subject string, score float64) error {
	if reviewer == subject {
		return fmt.Errorf("wsde: %s cannot review itself", reviewer)
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("wsde: review score %v outside [0, 1]", score)
	}
	if !s.member(reviewer) || !s.member(subject) {
		return fmt.Errorf("wsde: review %s -> %s names a non-member", reviewer, subject)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[subject] = append(s.reviews[subject], score)
	return nil
}

func (s *Session) member(id string) bool {
	return slices.ContainsFunc(s.agents, func(a Agent) bool { return a.Profile().ID == id })
}

// Weight is the vote weight of an agent: 0.5 plus its mean review score,
// or 1 when it has not been reviewed.
func (s *Session) Weight(id string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weightLocked(id)
}

func (s *Session) weightLocked(id string) float64 {
	scores := s.reviews[id]
	if len(scores) == 0 {
		return 1
	}
	var sum float64
	for _, v := range scores {
		sum += v
	}
	return 0.5 + sum/float64(len(scores))
}

// Records returns every consensus record of the session in decision order.
func (s *Session) Records() []ConsensusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Decide runs one vote. It never returns an error: a window that closes
// early is recorded on the result and resolved by the fallback rule.
func (s *Session) Decide(ctx context.Context, p Proposal) ConsensusRecord {
	roles := s.Roles()
	primus := s.Primus()
	if p.CycleID == "" {
		p.CycleID = s.cycleID
	}

	votes, timedOut := s.collect(ctx, p, roles)

	rec := ConsensusRecord{
		ProposalID: p.ID,
		Votes:      votes,
		TimedOut:   timedOut,
		Primus:     primus,
		Timestamp:  s.engine.now(),
	}
	for _, a := range s.agents {
		if _, ok := votes[a.Profile().ID]; !ok {
			rec.Missing = append(rec.Missing, a.Profile().ID)
		}
	}
	for _, id := range rec.Missing {
		votes[id] = Abstain
	}

	s.mu.Lock()
	for id, v := range votes {
		w := s.weightLocked(id)
		switch v {
		case Approve:
			rec.Tally.Approve += w
		case Reject:
			rec.Tally.Reject += w
		default:
			rec.Tally.Abstain += w
		}
	}
	s.mu.Unlock()

	threshold := s.engine.cfg.Threshold
	cast := rec.Tally.Approve + rec.Tally.Reject
	switch {
	case cast > 0 && rec.Tally.Approve/cast > threshold:
		rec.Resolution, rec.Outcome = Consensus, Approve
	case cast > 0 && rec.Tally.Reject/cast > threshold:
		rec.Resolution, rec.Outcome = Consensus, Reject
	default:
		rec.Resolution = FallbackPrimusDecision
		rec.Outcome = votes[primus]
		if rec.Outcome != Approve {
			rec.Outcome = Reject
		}
	}

	if rec.TimedOut {
		s.logger.Info("consensus window closed early", "proposal", p.ID, "missing", rec.Missing)
	}
	s.logger.Debug("proposal decided", "proposal", p.ID, "resolution", string(rec.Resolution),
		"outcome", string(rec.Outcome), "approve", rec.Tally.Approve, "reject", rec.Tally.Reject)

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return rec
}

type ballot struct {
	agent string
	vote  Vote
}

// collect gathers ballots until every agent answered or the window closed.
// Failed or invalid ballots count as abstentions.
func (s *Session) collect(ctx context.Context, p Proposal, roles map[string]Role) (map[string]Vote, bool) {
	wctx, cancel := context.WithTimeout(ctx, s.engine.cfg.window())
	defer cancel()

	ballots := make(chan ballot, len(s.agents))
	for _, a := range s.agents {
		go func() {
			id := a.Profile().ID
			v, err := safeVote(wctx, a, p, roles[id])
			if err != nil {
				s.logger.Warn("ballot failed", "agent", id, "proposal", p.ID, "error", err)
				v = Abstain
			}
			if v != Approve && v != Reject {
				v = Abstain
			}
			ballots <- ballot{agent: id, vote: v}
		}()
	}

	votes := make(map[string]Vote, len(s.agents))
	for len(votes) < len(s.agents) {
		select {
		case b := <-ballots:
			votes[b.agent] = b.vote
		case <-wctx.Done():
			return votes, true
		}
	}
	return votes, false
}

func safeVote(ctx context.Context, a Agent, p Proposal, role Role) (v Vote, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("vote panicked: %v", r)
		}
	}()
	return a.Vote(ctx, p, role)
}
