// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wires the orchestrator's per-pass bookkeeping into Prometheus
// collectors, for the operator who wants to scrape per-pass applied/error
// counts and durations across many runs rather than reading the
// one-shot ProtectionResult.
type Metrics struct {
	duration *prometheus.HistogramVec
	applied  *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewMetrics constructs and registers a Metrics against reg. Passing
// prometheus.NewRegistry() keeps this isolated from the global default
// registry, which matters when multiple Protector instances run in the
// same process (one Context per run).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ilguard",
			Subsystem: "pass",
			Name:      "duration_seconds",
			Help:      "Duration of one pass execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pass_id"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ilguard",
			Subsystem: "pass",
			Name:      "applied_total",
			Help:      "Number of times a pass was successfully applied.",
		}, []string{"pass_id"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ilguard",
			Subsystem: "pass",
			Name:      "errors_total",
			Help:      "Number of times a pass failed or panicked.",
		}, []string{"pass_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.duration, m.applied, m.errors)
	}
	return m
}

// Observe records one pass execution's outcome.
func (m *Metrics) Observe(id string, d time.Duration, applied, failed bool) {
	m.duration.WithLabelValues(id).Observe(d.Seconds())
	if applied {
		m.applied.WithLabelValues(id).Inc()
	}
	if failed {
		m.errors.WithLabelValues(id).Inc()
	}
}
