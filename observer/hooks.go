package observer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaylabs/relay"
)

// Record helpers for the relay callbacks that do not flow through a
// wrapped driver: wire them into Router.OnFailover, Supervisor.OnChunk
// completion, and Enforcer.OnAlert style hooks from the daemon.

// RecordFailover counts a request served by a tier other than the one
// requested.
func (i *Instruments) RecordFailover(ctx context.Context, requested, actual relay.Tier, provider string) {
	i.Failovers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("requested_tier", requested.String()),
		attribute.String("actual_tier", actual.String()),
		AttrLLMProvider.String(provider),
	))
}

// RecordBreakerTransition counts a circuit breaker state change.
func (i *Instruments) RecordBreakerTransition(ctx context.Context, provider, transition string) {
	i.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrLLMProvider.String(provider),
		attribute.String("transition", transition),
	))
}

// RecordStreamTermination counts one supervised stream by its reason.
func (i *Instruments) RecordStreamTermination(ctx context.Context, reason relay.TerminationReason) {
	i.StreamTerminations.Add(ctx, 1, metric.WithAttributes(
		AttrStreamReason.String(string(reason)),
	))
}

// RecordToolExecution counts one tool call and its duration.
func (i *Instruments) RecordToolExecution(ctx context.Context, tool string, durationMs float64, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	i.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(tool),
		AttrToolStatus.String(status),
	))
	i.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(AttrToolName.String(tool)))
}

// RecordBudgetDenial counts a deduction refused by the enforcer.
func (i *Instruments) RecordBudgetDenial(ctx context.Context, userID string, period relay.Period) {
	i.BudgetDenials.Add(ctx, 1, metric.WithAttributes(
		AttrUserID.String(userID),
		AttrPeriod.String(string(period)),
	))
}
