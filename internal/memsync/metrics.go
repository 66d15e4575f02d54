package memsync

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/roach88/agentsync/internal/memsync"

type instruments struct {
	tracer   trace.Tracer
	attempts metric.Int64Counter
	outcomes metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	attempts, err := meter.Int64Counter("agentsync.memsync.flush_attempts",
		metric.WithDescription("Backend flush attempts by backend and result."))
	if err != nil {
		attempts, _ = noop.Meter{}.Int64Counter("agentsync.memsync.flush_attempts")
	}
	outcomes, err := meter.Int64Counter("agentsync.memsync.tx_outcomes",
		metric.WithDescription("Transaction status after each flush round."))
	if err != nil {
		outcomes, _ = noop.Meter{}.Int64Counter("agentsync.memsync.tx_outcomes")
	}
	return instruments{
		tracer:   otel.Tracer(instrumentationName),
		attempts: attempts,
		outcomes: outcomes,
	}
}

func (in instruments) recordAttempt(ctx context.Context, backend, result string) {
	in.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("result", result),
	))
}

func (in instruments) recordOutcome(ctx context.Context, status string) {
	in.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
