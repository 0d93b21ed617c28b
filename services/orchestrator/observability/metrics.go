// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the relay.
//
// # Description
//
// This package implements Prometheus metrics for monitoring relay sessions
// and maintenance. Metrics include:
//   - Session counters by endpoint and final state
//   - Fragment, malformed-line and client-disconnect counters
//   - Persistence outcomes (complete, partial, truncated, failed)
//   - Latency histograms (time to first fragment, session duration)
//   - Active session gauges
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every recording method is a no-op on a nil *RelayMetrics so callers and
// tests may run without metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "akili"

const (
	relaySubsystem       = "relay"
	maintenanceSubsystem = "maintenance"
)

// RelayMetrics holds all Prometheus metrics for relay sessions.
//
// # Fields
//
//   - SessionsTotal: Sessions by endpoint and final state (closed, aborted).
//   - FragmentsTotal: Fragments received from upstream, by endpoint.
//   - MalformedLinesTotal: Upstream lines skipped as malformed, by provider.
//   - ClientDisconnectsTotal: Sessions whose client went away mid-stream.
//   - PersistenceTotal: Assistant commits by outcome.
//   - UpstreamErrorsTotal: Upstream failures by provider and kind.
//   - ActiveSessions: In-flight sessions, by endpoint.
//   - TimeToFirstFragmentSeconds: Latency from open to first fragment.
//   - SessionDurationSeconds: Session duration by endpoint and final state.
//   - MaintenanceRunsTotal / MaintenanceAffectedTotal: Maintenance tasks.
type RelayMetrics struct {
	SessionsTotal              *prometheus.CounterVec
	FragmentsTotal             *prometheus.CounterVec
	MalformedLinesTotal        *prometheus.CounterVec
	ClientDisconnectsTotal     *prometheus.CounterVec
	PersistenceTotal           *prometheus.CounterVec
	UpstreamErrorsTotal        *prometheus.CounterVec
	ActiveSessions             *prometheus.GaugeVec
	TimeToFirstFragmentSeconds *prometheus.HistogramVec
	SessionDurationSeconds     *prometheus.HistogramVec
	MaintenanceRunsTotal       *prometheus.CounterVec
	MaintenanceAffectedTotal   *prometheus.CounterVec
}

// NewRelayMetrics creates and registers the relay metrics on reg. Tests pass
// prometheus.NewRegistry() to stay isolated from each other.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)
	return &RelayMetrics{
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "sessions_total",
				Help:      "Total relay sessions by endpoint and final state",
			},
			[]string{"endpoint", "state"},
		),
		FragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "fragments_total",
				Help:      "Total text fragments received from the upstream model",
			},
			[]string{"endpoint"},
		),
		MalformedLinesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "malformed_lines_total",
				Help:      "Upstream stream lines skipped because they were not valid JSON",
			},
			[]string{"provider"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
		PersistenceTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "persistence_total",
				Help:      "Assistant message commits by outcome",
			},
			[]string{"outcome"},
		),
		UpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "upstream_errors_total",
				Help:      "Upstream failures by provider and kind",
			},
			[]string{"provider", "kind"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "active_sessions",
				Help:      "Number of in-flight relay sessions",
			},
			[]string{"endpoint"},
		),
		TimeToFirstFragmentSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from upstream open to first fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		SessionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "session_duration_seconds",
				Help:      "Total relay session duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "state"},
		),
		MaintenanceRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: maintenanceSubsystem,
				Name:      "runs_total",
				Help:      "Maintenance task runs by task and status",
			},
			[]string{"task", "status"},
		),
		MaintenanceAffectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: maintenanceSubsystem,
				Name:      "affected_total",
				Help:      "Conversations changed by maintenance tasks",
			},
			[]string{"task"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Endpoint identifies which client surface a session was served on.
type Endpoint string

const (
	EndpointStream    Endpoint = "stream"
	EndpointSSE       Endpoint = "sse"
	EndpointAskModel  Endpoint = "ask_model"
	EndpointAsk       Endpoint = "ask"
	EndpointWebSocket Endpoint = "websocket"
	EndpointCLI       Endpoint = "cli"
)

// PersistOutcome labels the result of an assistant commit.
type PersistOutcome string

const (
	PersistComplete  PersistOutcome = "complete"
	PersistPartial   PersistOutcome = "partial"
	PersistTruncated PersistOutcome = "truncated"
	PersistFailed    PersistOutcome = "failed"
	PersistSkipped   PersistOutcome = "skipped"
)

// UpstreamErrorKind labels how the upstream failed.
type UpstreamErrorKind string

const (
	UpstreamStatus    UpstreamErrorKind = "status"
	UpstreamTransport UpstreamErrorKind = "transport"
	UpstreamInStream  UpstreamErrorKind = "in_stream"
	UpstreamEnded     UpstreamErrorKind = "ended"
	UpstreamTimeout   UpstreamErrorKind = "timeout"
)

// =============================================================================
// Recording Helpers
// =============================================================================

func (m *RelayMetrics) SessionStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(string(endpoint)).Inc()
}

// SessionEnded decrements the active gauge and records the final state and
// duration.
func (m *RelayMetrics) SessionEnded(endpoint Endpoint, state string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(string(endpoint)).Dec()
	m.SessionsTotal.WithLabelValues(string(endpoint), state).Inc()
	m.SessionDurationSeconds.WithLabelValues(string(endpoint), state).Observe(seconds)
}

func (m *RelayMetrics) RecordFragment(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.FragmentsTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *RelayMetrics) RecordMalformed(provider string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MalformedLinesTotal.WithLabelValues(provider).Add(float64(n))
}

func (m *RelayMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *RelayMetrics) RecordPersistence(outcome PersistOutcome) {
	if m == nil {
		return
	}
	m.PersistenceTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *RelayMetrics) RecordUpstreamError(provider string, kind UpstreamErrorKind) {
	if m == nil {
		return
	}
	m.UpstreamErrorsTotal.WithLabelValues(provider, string(kind)).Inc()
}

func (m *RelayMetrics) RecordTimeToFirstFragment(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstFragmentSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordMaintenance counts one task run and, on success, how many
// conversations it changed.
func (m *RelayMetrics) RecordMaintenance(task string, affected int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MaintenanceRunsTotal.WithLabelValues(task, status).Inc()
	if err == nil && affected > 0 {
		m.MaintenanceAffectedTotal.WithLabelValues(task).Add(float64(affected))
	}
}
