// Package telemetry carries fire-and-forget cycle events to observers.
// Emit never fails and never blocks a coordinator for long.
package telemetry

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// VoteSummary condenses the consensus records of one phase.
type VoteSummary struct {
	Proposals int `json:"proposals"`
	Consensus int `json:"consensus"`
	Fallback  int `json:"fallback"`
	Approved  int `json:"approved"`
	TimedOut  int `json:"timed_out"`
}

// Event is emitted once per phase transition.
type Event struct {
	CycleID     string            `json:"cycle_id"`
	Phase       string            `json:"phase"`
	Depth       int               `json:"depth"`
	RoleMap     map[string]string `json:"role_map"`
	VoteSummary VoteSummary       `json:"vote_summary"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Log writes events through slog at info level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Emit(ctx context.Context, ev Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	roles := slices.Sorted(maps.Keys(ev.RoleMap))
	pairs := make([]string, len(roles))
	for i, id := range roles {
		pairs[i] = id + "=" + ev.RoleMap[id]
	}
	logger.InfoContext(ctx, "cycle phase",
		"cycle", ev.CycleID,
		"phase", ev.Phase,
		"depth", ev.Depth,
		"roles", pairs,
		"proposals", ev.VoteSummary.Proposals,
		"consensus", ev.VoteSummary.Consensus,
		"fallback", ev.VoteSummary.Fallback,
		"approved", ev.VoteSummary.Approved,
		"timed_out", ev.VoteSummary.TimedOut,
	)
}

// Multi fans an event out to several sinks in order. A sink that panics
// does not keep the event from the sinks after it.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			safeEmit(ctx, s, ev)
		}
	}
}

// safeEmit reports false if the sink panicked.
func safeEmit(ctx context.Context, s Sink, ev Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	s.Emit(ctx, ev)
	return true
}
