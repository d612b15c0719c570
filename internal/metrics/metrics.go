// Package metrics registers the orchestrator's OpenTelemetry instruments.
package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	Claims           metric.Int64Counter
	DispatchFailures metric.Int64Counter
	Reclaims         metric.Int64Counter
	WorkersReleased  metric.Int64Counter
	Results          metric.Int64Counter
	WebhookFailures  metric.Int64Counter
	Purged           metric.Int64Counter

	exhausted atomic.Int64
}

// New registers every instrument on meter. A nil meter uses the global
// provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/yourorg/robotq")
	}
	m := &Metrics{}
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	m.Claims = counter("robotq.claims", "work items assigned to a worker")
	m.DispatchFailures = counter("robotq.dispatch.failures", "dispatch requests that failed")
	m.Reclaims = counter("robotq.reclaims", "assignments reclaimed after timing out")
	m.WorkersReleased = counter("robotq.workers.released", "orphaned workers made available")
	m.Results = counter("robotq.results", "results recorded")
	m.WebhookFailures = counter("robotq.webhook.failures", "webhook forwards that failed")
	m.Purged = counter("robotq.purged", "rows deleted by retention")
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge("robotq.exhausted",
		metric.WithDescription("unprocessed work items out of retries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.exhausted.Load())
			return nil
		}))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetExhausted updates the value reported by the exhausted gauge.
func (m *Metrics) SetExhausted(n int64) { m.exhausted.Store(n) }

// Exhausted returns the last value passed to SetExhausted.
func (m *Metrics) Exhausted() int64 { return m.exhausted.Load() }
