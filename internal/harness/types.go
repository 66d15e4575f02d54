package harness

import (
	"github.com/roach88/agentsync/internal/hook"
	"github.com/roach88/agentsync/internal/orchestrator"
)

// Trace event types.
const (
	TraceStep = "step"
	TraceHook = "hook"
)

// TraceEvent is either a scenario step or a hook event fired by the system.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`
	// Name is the step name or the hook kind.
	Name     string   `json:"name"`
	Detail   string   `json:"detail,omitempty"`
	Cycle    string   `json:"cycle,omitempty"`
	Phase    string   `json:"phase,omitempty"`
	Next     string   `json:"next,omitempty"`
	Tx       string   `json:"tx,omitempty"`
	Status   string   `json:"status,omitempty"`
	Backends []string `json:"backends,omitempty"`
}

func hookEvent(seq int64, ev hook.Event) TraceEvent {
	return TraceEvent{
		Seq:      seq,
		Type:     TraceHook,
		Name:     string(ev.Kind),
		Cycle:    ev.CycleID,
		Phase:    ev.Phase,
		Next:     ev.NextPhase,
		Tx:       ev.TxID,
		Status:   ev.Status,
		Backends: ev.Backends,
	}
}

// fields exposes the event for subset matching.
func (e TraceEvent) fields() map[string]any {
	m := map[string]any{"type": e.Type, "name": e.Name}
	for k, v := range map[string]string{
		"detail": e.Detail,
		"cycle":  e.Cycle,
		"phase":  e.Phase,
		"next":   e.Next,
		"tx":     e.Tx,
		"status": e.Status,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
	// Runs holds the result of each run step, in step order.
	Runs []orchestrator.PhaseResult `json:"runs,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
