package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/roach88/agentsync/internal/edrr"
	"github.com/roach88/agentsync/internal/wsde"
)

// Contribution is what one agent adds to a phase.
type Contribution struct {
	Notes       []string
	Proposals   []string
	Complexity  float64
	Uncertainty float64
	SubTasks    []edrr.Task
	// Reviews score peers. The reviewer is always the contributing agent.
	Reviews []wsde.Review
}

// Contributor is an agent that does phase work as well as voting.
type Contributor interface {
	wsde.Agent
	Contribute(ctx context.Context, phase edrr.Phase, task edrr.Task) (Contribution, error)
}

// HeuristicAgent is a deterministic agent driven entirely by its fields.
// It holds no mutable state and is safe for concurrent use.
type HeuristicAgent struct {
	ID          string   `yaml:"id" json:"id"`
	Expertise   []string `yaml:"expertise" json:"expertise,omitempty"`
	Performance float64  `yaml:"performance" json:"performance"`
	// Veto lists terms that make the agent reject a proposal containing them.
	Veto []string `yaml:"veto" json:"veto,omitempty"`
	// Abstain makes the agent abstain on every vote.
	Abstain bool `yaml:"abstain" json:"abstain,omitempty"`
	// Complexity and Uncertainty are reported in Retrospect.
	Complexity  float64 `yaml:"complexity" json:"complexity,omitempty"`
	Uncertainty float64 `yaml:"uncertainty" json:"uncertainty,omitempty"`
	// FailPhases are phases the agent cannot complete at full scope.
	FailPhases []string `yaml:"fail_phases" json:"fail_phases,omitempty"`
	// Reviews maps peer ids to the score the agent gives them in Refine.
	Reviews map[string]float64 `yaml:"reviews" json:"reviews,omitempty"`
}

var _ Contributor = HeuristicAgent{}

func (a HeuristicAgent) Profile() wsde.Profile {
	return wsde.Profile{ID: a.ID, Expertise: slices.Clone(a.Expertise), Performance: a.Performance}
}

func (a HeuristicAgent) Vote(ctx context.Context, p wsde.Proposal, _ wsde.Role) (wsde.Vote, error) {
	if err := ctx.Err(); err != nil {
		return wsde.Abstain, err
	}
	if a.Abstain {
		return wsde.Abstain, nil
	}
	content := strings.ToLower(p.Content)
	for _, term := range a.Veto {
		if term != "" && strings.Contains(content, strings.ToLower(term)) {
			return wsde.Reject, nil
		}
	}
	return wsde.Approve, nil
}

func (a HeuristicAgent) Contribute(ctx context.Context, phase edrr.Phase, task edrr.Task) (Contribution, error) {
	if err := ctx.Err(); err != nil {
		return Contribution{}, err
	}
	scope := task.Scope
	if scope == 0 {
		scope = 1
	}
	if scope >= 1 && slices.Contains(a.FailPhases, phase.String()) {
		return Contribution{}, fmt.Errorf("%s cannot %s %q at full scope", a.ID, phase, task.Goal)
	}

	matched := a.matched(task.Keywords)
	var c Contribution
	switch phase {
	case edrr.Expand:
		if len(matched) == 0 {
			c.Notes = append(c.Notes, fmt.Sprintf("survey %s", task.Goal))
		}
		for _, kw := range matched {
			c.Notes = append(c.Notes, fmt.Sprintf("explore %s for %s", kw, task.Goal))
		}
	case edrr.Differentiate:
		if len(matched) > 0 {
			c.Proposals = append(c.Proposals, fmt.Sprintf("adopt %s approach for %s", matched[0], task.Goal))
		}
	case edrr.Refine:
		c.Notes = append(c.Notes, fmt.Sprintf("refine %s at scope %.2f", task.Goal, scope))
		for _, peer := range slices.Sorted(maps.Keys(a.Reviews)) {
			c.Reviews = append(c.Reviews, wsde.Review{Reviewer: a.ID, Subject: peer, Score: a.Reviews[peer]})
		}
	case edrr.Retrospect:
		c.Notes = append(c.Notes, fmt.Sprintf("review %s", task.Goal))
		c.Complexity = a.Complexity
		c.Uncertainty = a.Uncertainty
	}
	return c, nil
}

// matched returns the task keywords the agent has expertise in, in task order.
func (a HeuristicAgent) matched(keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		for _, e := range a.Expertise {
			if strings.EqualFold(kw, e) {
				out = append(out, kw)
				break
			}
		}
	}
	return out
}

// DefaultTeam is the team used when none is configured.
func DefaultTeam() []HeuristicAgent {
	return []HeuristicAgent{
		{ID: "architect", Expertise: []string{"design", "api", "schema"}, Performance: 0.8},
		{ID: "builder", Expertise: []string{"implementation", "storage", "concurrency"}, Performance: 0.7},
		{
			ID: "reviewer", Expertise: []string{"testing", "review", "security"}, Performance: 0.6,
			Veto:    []string{"skip tests"},
			Reviews: map[string]float64{"architect": 0.8, "builder": 0.7},
		},
	}
}

// Agents converts a team to the consensus engine's agent type.
func Agents(team []HeuristicAgent) []wsde.Agent {
	out := make([]wsde.Agent, len(team))
	for i, a := range team {
		out[i] = a
	}
	return out
}

// embeddingDims is the size of the deterministic note embeddings.
const embeddingDims = 16

// embed derives a unit vector from text: FNV-1a seeds a linear congruential
// generator whose outputs fill the vector.
func embed(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, embeddingDims)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / math.MaxInt64
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
