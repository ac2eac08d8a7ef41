// Package metrics holds the OpenTelemetry instruments for hook and agent activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope name.
const MeterName = "boardhooks"

// Metrics holds all instruments.
type Metrics struct {
	HookDuration  metric.Float64Histogram
	HookOutcomes  metric.Int64Counter
	ActiveAgents  metric.Int64UpDownCounter
	AgentDuration metric.Float64Histogram
	AgentExits    metric.Int64Counter
	Deferred      metric.Int64Counter
}

// Meter returns the global meter when enabled, otherwise a noop meter.
func Meter(enabled bool) metric.Meter {
	if !enabled {
		return noop.NewMeterProvider().Meter(MeterName)
	}
	return otel.GetMeterProvider().Meter(MeterName)
}

// New creates all metric instruments from the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HookDuration, err = meter.Float64Histogram("boardhooks.hook.duration",
		metric.WithDescription("Hook execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HookOutcomes, err = meter.Int64Counter("boardhooks.hook.outcomes",
		metric.WithDescription("Hook executions by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("boardhooks.agent.active",
		metric.WithDescription("Number of running agent subprocesses"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentDuration, err = meter.Float64Histogram("boardhooks.agent.duration",
		metric.WithDescription("Agent subprocess lifetime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentExits, err = meter.Int64Counter("boardhooks.agent.exits",
		metric.WithDescription("Agent subprocess exits by status"),
	)
	if err != nil {
		return nil, err
	}

	m.Deferred, err = meter.Int64Counter("boardhooks.agent.deferred",
		metric.WithDescription("Agent starts deferred for lack of a column slot"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Hook records one finished hook execution.
func (m *Metrics) Hook(ctx context.Context, hookName, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("hook", hookName), attribute.String("status", status))
	m.HookDuration.Record(ctx, d.Seconds(), attrs)
	m.HookOutcomes.Add(ctx, 1, attrs)
}

// AgentStarted increments the active agent gauge.
func (m *Metrics) AgentStarted(ctx context.Context, executor string) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, 1, metric.WithAttributes(attribute.String("executor", executor)))
}

// AgentExited records an agent exit and decrements the active gauge.
func (m *Metrics) AgentExited(ctx context.Context, executor, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, -1, metric.WithAttributes(attribute.String("executor", executor)))
	attrs := metric.WithAttributes(attribute.String("executor", executor), attribute.String("status", status))
	m.AgentDuration.Record(ctx, d.Seconds(), attrs)
	m.AgentExits.Add(ctx, 1, attrs)
}

// AgentDeferred counts an agent start postponed by column concurrency.
func (m *Metrics) AgentDeferred(ctx context.Context, column string) {
	if m == nil {
		return
	}
	m.Deferred.Add(ctx, 1, metric.WithAttributes(attribute.String("column", column)))
}
