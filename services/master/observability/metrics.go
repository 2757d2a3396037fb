// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the master
// coordinator. Metrics are exposed on /metrics; scrape with Prometheus
// and alert on units_reassigned_total and soft_errors_total.
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aqea"
	masterSubsystem  = "master"
)

// Metrics holds the master's Prometheus instruments. Initialize once
// at startup via NewMetrics; registering twice panics.
type Metrics struct {
	// RequestsTotal counts API requests by endpoint and status class.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures handler latency by endpoint.
	RequestDuration *prometheus.HistogramVec

	// WorkersRegistered counts registration calls.
	WorkersRegistered prometheus.Counter

	// ActiveWorkers tracks workers currently in the working state.
	ActiveWorkers prometheus.Gauge

	// UnitsAssigned counts successful work claims.
	UnitsAssigned prometheus.Counter

	// UnitsCompleted counts completed work units.
	UnitsCompleted prometheus.Counter

	// UnitsReassigned counts units returned to the pool after a
	// worker heartbeat timeout.
	UnitsReassigned prometheus.Counter

	// EntriesProcessed counts entries reported by completed units.
	EntriesProcessed prometheus.Counter

	// SoftErrors counts per-record soft errors reported by workers.
	SoftErrors prometheus.Counter
}

// NewMetrics creates and registers every instrument on reg (the
// default registry when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: masterSubsystem,
			Name:      "requests_total",
			Help:      "API requests by endpoint and status class",
		}, []string{"endpoint", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: masterSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Handler latency by endpoint",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"endpoint"}),

		WorkersRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: masterSubsystem,
			Name:      "workers_registered_total",
			Help:      "Worker registrations",
		}),

		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: masterSubsystem,
			Name:      "active_workers",
			Help:      "Workers currently processing a unit",
		}),

		UnitsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: masterSubsystem,
			Name:      "units_assigned_total",
			Help:      "Work units claimed by workers",
		}),

		UnitsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: masterSubsystem,
			Name:      "units_completed_total",
			Help:      "Work units completed",
		}),

		UnitsReassigned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: masterSubsystem,
			Name:      "units_reassigned_total",
			Help:      "Work units returned to the pool after worker timeout",
		}),

		EntriesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: masterSubsystem,
			Name:      "entries_processed_total",
			Help:      "Entries reported by completed units",
		}),

		SoftErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: masterSubsystem,
			Name:      "soft_errors_total",
			Help:      "Per-record soft errors reported by workers",
		}),
	}
}
