package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/roach88/agentsync/internal/telemetry"

// OTel counts phases and decisions. The emitter's context is passed to the
// instruments, so a sampled span in it can back exemplars.
type OTel struct {
	phases    metric.Int64Counter
	decisions metric.Int64Counter
	timeouts  metric.Int64Counter
}

// NewOTel uses the global meter provider.
func NewOTel() *OTel {
	return NewOTelWithMeter(otel.Meter(instrumentationName))
}

func NewOTelWithMeter(meter metric.Meter) *OTel {
	phases, err := meter.Int64Counter("agentsync.edrr.phases",
		metric.WithDescription("Completed cycle phases."))
	if err != nil {
		phases, _ = noop.Meter{}.Int64Counter("agentsync.edrr.phases")
	}
	decisions, err := meter.Int64Counter("agentsync.wsde.decisions",
		metric.WithDescription("Consensus decisions by resolution."))
	if err != nil {
		decisions, _ = noop.Meter{}.Int64Counter("agentsync.wsde.decisions")
	}
	timeouts, err := meter.Int64Counter("agentsync.wsde.vote_timeouts",
		metric.WithDescription("Votes whose window closed before every ballot arrived."))
	if err != nil {
		timeouts, _ = noop.Meter{}.Int64Counter("agentsync.wsde.vote_timeouts")
	}
	return &OTel{phases: phases, decisions: decisions, timeouts: timeouts}
}

func (o *OTel) Emit(ctx context.Context, ev Event) {
	o.phases.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", ev.Phase),
		attribute.Int("depth", ev.Depth),
	))
	if n := ev.VoteSummary.TimedOut; n > 0 {
		o.timeouts.Add(ctx, int64(n))
	}
	if n := ev.VoteSummary.Consensus; n > 0 {
		o.decisions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("resolution", "consensus")))
	}
	if n := ev.VoteSummary.Fallback; n > 0 {
		o.decisions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("resolution", "fallback-primus-decision")))
	}
}
