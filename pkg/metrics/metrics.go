// Package metrics exposes the update cycle's phase counters and
// timers via OpenTelemetry, following the usual SLI/SLO counter setup.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func stateAttr(state string) attribute.KeyValue {
	return attribute.String("state", state)
}

// Cycle holds the instruments the update cycle records against.
type Cycle struct {
	transitions metric.Int64Counter
	attempts    metric.Int64Counter
	failures    metric.Int64Counter
	phaseTime   metric.Float64Histogram
}

// New creates the Cycle instrument set against meter.
func New(meter metric.Meter) (*Cycle, error) {
	transitions, err := meter.Int64Counter(
		"uptane_cycle_transitions_total",
		metric.WithDescription("state machine transitions observed by the update cycle"),
	)
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter(
		"uptane_update_attempts_total",
		metric.WithDescription("update attempts started"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"uptane_update_failures_total",
		metric.WithDescription("update attempts that ended in UpdateFailed"),
	)
	if err != nil {
		return nil, err
	}
	phaseTime, err := meter.Float64Histogram(
		"uptane_cycle_phase_duration_seconds",
		metric.WithDescription("wall-clock duration of one state's transition handler"),
	)
	if err != nil {
		return nil, err
	}
	return &Cycle{
		transitions: transitions,
		attempts:    attempts,
		failures:    failures,
		phaseTime:   phaseTime,
	}, nil
}

// RecordTransition counts one state transition, labeled by the state
// being entered.
func (c *Cycle) RecordTransition(ctx context.Context, state string) {
	if c == nil {
		return
	}
	c.transitions.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordAttempt counts one update attempt starting.
func (c *Cycle) RecordAttempt(ctx context.Context) {
	if c == nil {
		return
	}
	c.attempts.Add(ctx, 1)
}

// RecordFailure counts one update attempt ending in failure.
func (c *Cycle) RecordFailure(ctx context.Context, reason string) {
	if c == nil {
		return
	}
	c.failures.Add(ctx, 1, metric.WithAttributes(stateAttr(reason)))
}

// RecordPhaseDuration records how long a state's handler took.
func (c *Cycle) RecordPhaseDuration(ctx context.Context, state string, d time.Duration) {
	if c == nil {
		return
	}
	c.phaseTime.Record(ctx, d.Seconds(), metric.WithAttributes(stateAttr(state)))
}
