package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the relay's metric instruments.
type Metrics struct {
	JobsEnqueued    metric.Int64Counter
	ClaimsLost      metric.Int64Counter
	JobsForwarded   metric.Int64Counter
	JobsRateLimited metric.Int64Counter
	JobsDropped     metric.Int64Counter
	WorkersAlive    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobsEnqueued, err = meter.Int64Counter("relay.jobs.enqueued",
		metric.WithDescription("Forwarding jobs successfully appended to forwarding:jobs"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsLost, err = meter.Int64Counter("relay.claims.lost",
		metric.WithDescription("FCFS claims lost to another listener (expected duplicates across bots)"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsForwarded, err = meter.Int64Counter("relay.jobs.forwarded",
		metric.WithDescription("Forwarding jobs successfully posted or updated on the target platform"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsRateLimited, err = meter.Int64Counter("relay.jobs.ratelimited",
		metric.WithDescription("Platform calls that hit a rate limit and were retried"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsDropped, err = meter.Int64Counter("relay.jobs.dropped",
		metric.WithDescription("Forwarding jobs acked without a successful post after exhausting retries"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkersAlive, err = meter.Int64UpDownCounter("relay.workers.alive",
		metric.WithDescription("Currently running forwarder worker goroutines"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
