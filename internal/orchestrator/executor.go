package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/agentsync/internal/edrr"
	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/wsde"
)

// Record ids and relation types written by TeamExecutor.
const (
	TaskRecordID    = "task"
	RelAbout        = "about"
	RelChildOf      = "child-of"
	RelProposedFor  = "proposed-for"
	proposalIDChars = 12
)

// TeamExecutor runs a phase by asking every contributing agent of the cycle
// for its contribution and turning the notes into records and the proposals
// into consensus questions.
//
// Each cycle writes into its own namespace, the cycle id. The task record is
// written in Expand; notes and approved proposals relate back to it, and a
// child cycle's task record relates to its parent's.
type TeamExecutor struct{}

var _ edrr.Executor = TeamExecutor{}

type contributed struct {
	agent string
	c     Contribution
	err   error
}

func (TeamExecutor) Execute(ctx context.Context, cy *edrr.Cycle, phase edrr.Phase) (edrr.PhaseOutput, error) {
	var contributors []Contributor
	for _, a := range cy.Agents() {
		if c, ok := a.(Contributor); ok {
			contributors = append(contributors, c)
		}
	}

	results := make([]contributed, len(contributors))
	var wg sync.WaitGroup
	for i, c := range contributors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.Contribute(ctx, phase, cy.Task)
			results[i] = contributed{agent: c.Profile().ID, c: out, err: err}
		}()
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return edrr.PhaseOutput{}, err
	}

	taskKey := record.Key(cy.ID, TaskRecordID)
	var out edrr.PhaseOutput
	if phase == edrr.Expand {
		out.Ops = append(out.Ops, taskRecord(cy))
	}

	notes, proposals := 0, 0
	seenTasks := make(map[string]bool)
	for _, r := range results {
		for i, note := range r.c.Notes {
			out.Ops = append(out.Ops, record.Put(record.MemoryRecord{
				ID:        fmt.Sprintf("%s-%s-%d", phase, r.agent, i+1),
				Namespace: cy.ID,
				Payload: map[string]any{
					"agent": r.agent,
					"phase": phase.String(),
					"note":  note,
				},
				Embedding: embed(note),
				Relations: []record.Relation{{Type: RelAbout, Target: taskKey}},
				Origin:    r.agent,
			}))
			notes++
		}
		for _, content := range r.c.Proposals {
			id := record.ProposalID(cy.ID, phase.String(), content)
			out.Proposals = append(out.Proposals, edrr.Proposal{
				Proposal: wsde.Proposal{ID: id, Author: r.agent, Content: content},
				Ops: []record.Operation{record.Put(record.MemoryRecord{
					ID:        "proposal-" + id[:proposalIDChars],
					Namespace: cy.ID,
					Payload: map[string]any{
						"author":  r.agent,
						"phase":   phase.String(),
						"content": content,
						"status":  "approved",
					},
					Embedding: embed(content),
					Relations: []record.Relation{{Type: RelProposedFor, Target: taskKey}},
					Origin:    r.agent,
				})},
			})
			proposals++
		}
		// The most pessimistic agent decides whether the cycle recurses.
		out.Complexity = max(out.Complexity, r.c.Complexity)
		out.Uncertainty = max(out.Uncertainty, r.c.Uncertainty)
		for _, rv := range r.c.Reviews {
			rv.Reviewer = r.agent
			out.Reviews = append(out.Reviews, rv)
		}
		for _, t := range r.c.SubTasks {
			if !seenTasks[t.Goal] {
				seenTasks[t.Goal] = true
				out.SubTasks = append(out.SubTasks, t)
			}
		}
	}
	out.Summary = fmt.Sprintf("%d notes, %d proposals from %d agents", notes, proposals, len(results))
	return out, nil
}

func taskRecord(cy *edrr.Cycle) record.Operation {
	keywords := make([]any, len(cy.Task.Keywords))
	for i, kw := range cy.Task.Keywords {
		keywords[i] = kw
	}
	rec := record.MemoryRecord{
		ID:        TaskRecordID,
		Namespace: cy.ID,
		Payload: map[string]any{
			"goal":     cy.Task.Goal,
			"keywords": keywords,
			"depth":    cy.Depth,
		},
		Embedding: embed(cy.Task.Goal),
	}
	if cy.ParentID != "" {
		rec.Relations = []record.Relation{{Type: RelChildOf, Target: record.Key(cy.ParentID, TaskRecordID)}}
	}
	return record.Put(rec)
}
