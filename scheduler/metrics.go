// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded by the materialization counter.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeRejected = "rejected"
)

type schedulerMetrics struct {
	materializations *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	inflight         prometheus.Gauge
}

func newSchedulerMetrics(reg prometheus.Registerer) *schedulerMetrics {
	c := &schedulerMetrics{
		materializations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bigsolve_materializations_total",
				Help: "Number of materializations requested, by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bigsolve_materialization_seconds",
				Help:    "Time spent materializing a result, excluding admission.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"op"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bigsolve_inflight",
			Help: "Number of materializations currently running.",
		}),
	}
	reg.MustRegister(c.materializations, c.duration, c.inflight)
	return c
}

func (c *schedulerMetrics) observe(op string, start time.Time, err error) {
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
	}
	c.materializations.WithLabelValues(op, outcome).Inc()
	c.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
