package edrr

import (
	"fmt"
	"strings"
)

// Phase is one stage of a cycle.
type Phase int

const (
	Expand Phase = iota
	Differentiate
	Refine
	Retrospect
)

var phaseNames = [...]string{"expand", "differentiate", "refine", "retrospect"}

func (p Phase) String() string {
	if p < Expand || p > Retrospect {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Next returns the following phase; ok is false after Retrospect.
func (p Phase) Next() (Phase, bool) {
	if p >= Retrospect {
		return p, false
	}
	return p + 1, true
}

// Phases lists every phase in execution order.
func Phases() []Phase {
	return []Phase{Expand, Differentiate, Refine, Retrospect}
}

// ParsePhase accepts a phase name in any case.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if strings.EqualFold(s, name) {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}
