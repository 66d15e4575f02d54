package edrr

import (
	"context"
	"errors"
	"fmt"
)

// ExecuteFunc runs one phase of a cycle under the coordinator's deadline.
type ExecuteFunc func(ctx context.Context, c *Cycle, phase Phase) (PhaseOutput, error)

// Recovery is a strategy's replacement for the failed phase's output.
type Recovery struct {
	Output PhaseOutput
	// SkipTo, when set, is the phase the cycle continues with.
	SkipTo *Phase
}

// RecoveryStrategy tries to rescue a cycle after a recoverable phase failure.
// Strategies are tried in registration order until one succeeds.
type RecoveryStrategy interface {
	Name() string
	Recover(ctx context.Context, c *Cycle, failure *PhaseExecutionError, run ExecuteFunc) (Recovery, error)
}

// RetryReducedScope re-runs the failed phase up to Attempts times, shrinking
// the task scope by Factor before each try.
type RetryReducedScope struct {
	Attempts int
	// Factor defaults to 0.5.
	Factor float64
}

func (RetryReducedScope) Name() string { return "retry-reduced-scope" }

func (r RetryReducedScope) Recover(ctx context.Context, c *Cycle, failure *PhaseExecutionError, run ExecuteFunc) (Recovery, error) {
	factor := r.Factor
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	var lastErr error = failure
	for i := 0; i < r.Attempts; i++ {
		scope := c.Task.Scope
		if scope <= 0 {
			scope = 1
		}
		c.Task.Scope = scope * factor
		out, err := run(ctx, c, failure.Phase)
		if err == nil {
			return Recovery{Output: out}, nil
		}
		lastErr = err
		if isUnrecoverable(err) {
			break
		}
	}
	return Recovery{}, fmt.Errorf("%d reduced-scope retries failed: %w", r.Attempts, lastErr)
}

// DegradeToRetrospect abandons the remaining work phases and jumps to
// Retrospect with an empty output. It cannot rescue Retrospect itself.
type DegradeToRetrospect struct{}

func (DegradeToRetrospect) Name() string { return "degrade-to-retrospect" }

func (DegradeToRetrospect) Recover(_ context.Context, _ *Cycle, failure *PhaseExecutionError, _ ExecuteFunc) (Recovery, error) {
	if failure.Phase == Retrospect {
		return Recovery{}, errors.New("already in retrospect")
	}
	next := Retrospect
	return Recovery{
		Output: PhaseOutput{Summary: fmt.Sprintf("%s degraded: %v", failure.Phase, failure.Err)},
		SkipTo: &next,
	}, nil
}
