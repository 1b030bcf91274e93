// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the annotation
// change engine.
//
// # Description
//
// Metrics cover:
//   - Change execution (by kind, backend and outcome) and its latency
//   - Validation failures (by stage and validation name)
//   - Reverts issued by the change manager
//   - Channel broadcasts and live websocket subscribers
//   - Client reconnects and replayed changes
//
// Every Record method is a no-op on a nil *Metrics, so components can run
// without instrumentation in tests.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace  = "aleutian"
	annotateSubsystem = "annotate"
)

// Metrics holds the Prometheus collectors for the change engine.
type Metrics struct {
	// ChangesTotal counts executed changes.
	// Labels: kind, backend (server, local-gff3, client), status (success, error)
	ChangesTotal *prometheus.CounterVec

	// ChangeDurationSeconds measures change execution time.
	// Labels: kind, backend
	ChangeDurationSeconds *prometheus.HistogramVec

	// ValidationFailuresTotal counts failed validation hooks.
	// Labels: stage, validation
	ValidationFailuresTotal *prometheus.CounterVec

	// RevertsTotal counts reverts issued after a backend failure.
	// Labels: outcome (success, error)
	RevertsTotal *prometheus.CounterVec

	// BroadcastsTotal counts channel messages sent to subscribers.
	BroadcastsTotal prometheus.Counter

	// Subscribers tracks open websocket subscriptions.
	Subscribers prometheus.Gauge

	// ReconnectsTotal counts collaboration driver reconnects.
	ReconnectsTotal prometheus.Counter

	// ReplayedChangesTotal counts changes replayed after a reconnect.
	ReplayedChangesTotal prometheus.Counter
}

// DefaultMetrics is the process-wide instance, set by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the metrics with the default Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates and registers the metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: annotateSubsystem,
				Name:      "changes_total",
				Help:      "Total changes executed by kind, backend and status",
			},
			[]string{"kind", "backend", "status"},
		),

		ChangeDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: annotateSubsystem,
				Name:      "change_duration_seconds",
				Help:      "Change execution time in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"kind", "backend"},
		),

		ValidationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: annotateSubsystem,
				Name:      "validation_failures_total",
				Help:      "Total failed validations by stage and validation name",
			},
			[]string{"stage", "validation"},
		),

		RevertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: annotateSubsystem,
				Name:      "reverts_total",
				Help:      "Total reverts issued after a backend failure",
			},
			[]string{"outcome"},
		),

		BroadcastsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: annotateSubsystem,
				Name:      "broadcasts_total",
				Help:      "Total channel messages sent to subscribers",
			},
		),

		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: annotateSubsystem,
				Name:      "subscribers",
				Help:      "Number of open websocket subscriptions",
			},
		),

		ReconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: annotateSubsystem,
				Name:      "reconnects_total",
				Help:      "Total collaboration driver reconnects",
			},
		),

		ReplayedChangesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: annotateSubsystem,
				Name:      "replayed_changes_total",
				Help:      "Total changes replayed after a reconnect",
			},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordChange records one change execution.
//
// # Inputs
//
//   - kind: The change typeName.
//   - backend: The backend the change ran against.
//   - elapsed: Execution time.
//   - err: The execution error, nil on success.
func (m *Metrics) RecordChange(kind, backend string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ChangesTotal.WithLabelValues(kind, backend, status(err == nil)).Inc()
	m.ChangeDurationSeconds.WithLabelValues(kind, backend).Observe(elapsed.Seconds())
}

// RecordValidationFailure records a failed validation hook.
func (m *Metrics) RecordValidationFailure(stage, validation string) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(stage, validation).Inc()
}

// RecordRevert records the outcome of a revert.
func (m *Metrics) RecordRevert(err error) {
	if m == nil {
		return
	}
	m.RevertsTotal.WithLabelValues(status(err == nil)).Inc()
}

// RecordBroadcast records n messages delivered to subscribers.
func (m *Metrics) RecordBroadcast(n int) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Add(float64(n))
}

// SubscriberAdded increments the subscriber gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

// SubscriberRemoved decrements the subscriber gauge.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}

// RecordReconnect records a reconnect that replayed n changes.
func (m *Metrics) RecordReconnect(replayed int) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
	m.ReplayedChangesTotal.Add(float64(replayed))
}
