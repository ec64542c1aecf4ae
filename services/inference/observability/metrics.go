// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the inference
// pool: job counters by kind and outcome, queue depth, admission
// rejections and budget spend. Expose via /metrics and scrape with
// Prometheus; all operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dossier"
const poolSubsystem = "inference"

// PoolMetrics holds all Prometheus metrics for the inference pool.
// Construct once at startup via NewPoolMetrics and pass by reference;
// a nil *PoolMetrics disables recording (all methods are nil-safe).
type PoolMetrics struct {
	// JobsTotal counts jobs by kind and terminal status.
	// Labels: kind, status (completed, failed, cached)
	JobsTotal *prometheus.CounterVec

	// JobDurationSeconds measures end-to-end job processing time.
	// Labels: kind
	JobDurationSeconds *prometheus.HistogramVec

	// QueueDepth tracks the number of queued jobs.
	QueueDepth prometheus.Gauge

	// WorkersBusy tracks the number of leased workers.
	WorkersBusy prometheus.Gauge

	// AdmissionRejectionsTotal counts denied admission checks.
	// Labels: reason (rate_limited, daily_limit, server_busy, timeout, budget)
	AdmissionRejectionsTotal *prometheus.CounterVec

	// BudgetSpendUSD accumulates estimated inference spend.
	BudgetSpendUSD prometheus.Counter
}

// NewPoolMetrics creates and registers the pool metrics with the given
// registerer (use prometheus.DefaultRegisterer in the daemon, a fresh
// registry in tests). Registering the same names twice panics.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	factory := promauto.With(reg)

	return &PoolMetrics{
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "jobs_total",
				Help:      "Total jobs processed by kind and terminal status",
			},
			[]string{"kind", "status"},
		),

		JobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "job_duration_seconds",
				Help:      "End-to-end job processing time in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "queue_depth",
				Help:      "Number of jobs currently queued",
			},
		),

		WorkersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "workers_busy",
				Help:      "Number of workers currently executing a job",
			},
		),

		AdmissionRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "admission_rejections_total",
				Help:      "Admission checks denied, by reason",
			},
			[]string{"reason"},
		),

		BudgetSpendUSD: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "budget_spend_usd_total",
				Help:      "Accumulated estimated inference spend in USD",
			},
		),
	}
}

// RecordJob records a job reaching a terminal status.
func (m *PoolMetrics) RecordJob(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(kind, status).Inc()
	if seconds > 0 {
		m.JobDurationSeconds.WithLabelValues(kind).Observe(seconds)
	}
}

// SetQueueDepth updates the queue depth gauge.
func (m *PoolMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// WorkerLeased increments the busy-workers gauge.
func (m *PoolMetrics) WorkerLeased() {
	if m == nil {
		return
	}
	m.WorkersBusy.Inc()
}

// WorkerReleased decrements the busy-workers gauge.
func (m *PoolMetrics) WorkerReleased() {
	if m == nil {
		return
	}
	m.WorkersBusy.Dec()
}

// RecordRejection counts a denied admission check.
func (m *PoolMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.AdmissionRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordSpend adds to the spend counter.
func (m *PoolMetrics) RecordSpend(costUSD float64) {
	if m == nil || costUSD <= 0 {
		return
	}
	m.BudgetSpendUSD.Add(costUSD)
}
