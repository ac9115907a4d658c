// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the aggregation engine.
type Metrics struct {
	polls           prometheus.Counter
	freshEntries    prometheus.Counter
	fetchErrors     prometheus.Counter
	publishFailures prometheus.Counter
}

// NewMetrics returns unregistered metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mimir_aggregator_polls_total",
			Help: "Number of poll cycles started.",
		}),
		freshEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mimir_aggregator_fresh_entries_total",
			Help: "Number of new or updated entries discovered.",
		}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mimir_aggregator_fetch_errors_total",
			Help: "Number of polls that failed to fetch the feed.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mimir_aggregator_publish_failures_total",
			Help: "Number of publish attempts that failed.",
		}),
	}
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.polls, m.freshEntries, m.fetchErrors, m.publishFailures,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
