// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the audit engine.
//
// # Description
//
// Metrics cover audit runs and findings, connection failures and backoff,
// backups and drift, remediation outcomes, scheduler sweeps, discovery quota
// accounting and audit trigger requests. They are exposed on GET /metrics.
//
// Every recording method is safe to call on a nil *Metrics, so components
// built without metrics (tests, one-shot CLI commands) need no guards.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "netaudit"

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// AuditRunsTotal counts finished runs. Labels: status
	AuditRunsTotal *prometheus.CounterVec

	// AuditRunDurationSeconds measures run wall time.
	AuditRunDurationSeconds prometheus.Histogram

	// FindingsTotal counts findings. Labels: protocol, status
	FindingsTotal *prometheus.CounterVec

	// ConnectionFailuresTotal counts failed session opens and mid-session
	// drops. Labels: protocol, kind (timeout, auth, unreachable, protocol)
	ConnectionFailuresTotal *prometheus.CounterVec

	// DevicesFailing is the number of devices with consecutive failures.
	DevicesFailing prometheus.Gauge

	// BackupsTotal counts backups. Labels: result (stored, error)
	BackupsTotal *prometheus.CounterVec

	// DriftEventsTotal counts drift events. Labels: severity
	DriftEventsTotal *prometheus.CounterVec

	// BackupsPrunedTotal counts backups removed by retention.
	BackupsPrunedTotal prometheus.Counter

	// RemediationsTotal counts remediations. Labels: outcome
	// (dry_run, applied, invalid, failed, rollback_failed)
	RemediationsTotal *prometheus.CounterVec

	// SchedulerSweepsTotal counts timer sweeps. Labels: job, result
	SchedulerSweepsTotal *prometheus.CounterVec

	// SchedulerSkippedTotal counts devices skipped for backoff. Labels: job
	SchedulerSkippedTotal *prometheus.CounterVec

	// HealthChecksTotal counts probes. Labels: result (reachable, unreachable)
	HealthChecksTotal *prometheus.CounterVec

	// DiscoveryDevicesTotal counts discovered hosts. Labels: result
	// (registered, rejected, known)
	DiscoveryDevicesTotal *prometheus.CounterVec

	// TriggerRequestsTotal counts audit trigger requests. Labels: result
	// (accepted, coalesced, rejected)
	TriggerRequestsTotal *prometheus.CounterVec

	failingMu sync.Mutex
	failing   map[string]struct{}
}

// NewMetrics creates and registers all collectors on reg.
//
// # Inputs
//
//   - reg: Registry to register with. Nil uses prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		AuditRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "runs_total",
			Help:      "Total audit runs by final status",
		}, []string{"status"}),

		AuditRunDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "run_duration_seconds",
			Help:      "Audit run duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 900},
		}),

		FindingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "findings_total",
			Help:      "Total findings by device protocol and status",
		}, []string{"protocol", "status"}),

		ConnectionFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connector",
			Name:      "connection_failures_total",
			Help:      "Total device connection failures by protocol and kind",
		}, []string{"protocol", "kind"}),

		DevicesFailing: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "backoff",
			Name:      "devices_failing",
			Help:      "Number of devices with at least one consecutive connection failure",
		}),

		BackupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "backup",
			Name:      "backups_total",
			Help:      "Total configuration backups by result",
		}, []string{"result"}),

		DriftEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "backup",
			Name:      "drift_events_total",
			Help:      "Total drift events by severity",
		}, []string{"severity"}),

		BackupsPrunedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "backup",
			Name:      "pruned_total",
			Help:      "Total backups removed by retention policy",
		}),

		RemediationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "remediation",
			Name:      "actions_total",
			Help:      "Total remediation actions by outcome",
		}, []string{"outcome"}),

		SchedulerSweepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Total scheduler sweeps by job and result",
		}, []string{"job", "result"}),

		SchedulerSkippedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "backoff_skips_total",
			Help:      "Total devices skipped because they were inside their backoff window",
		}, []string{"job"}),

		HealthChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "health_checks_total",
			Help:      "Total health probes by result",
		}, []string{"result"}),

		DiscoveryDevicesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "discovery_devices_total",
			Help:      "Total discovered hosts by registration result",
		}, []string{"result"}),

		TriggerRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "trigger",
			Name:      "requests_total",
			Help:      "Total audit trigger requests by result",
		}, []string{"result"}),

		failing: make(map[string]struct{}),
	}
}

// =============================================================================
// Recording Functions
// =============================================================================

// RecordAuditRun records a finished run.
func (m *Metrics) RecordAuditRun(status datatypes.RunStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.AuditRunsTotal.WithLabelValues(string(status)).Inc()
	m.AuditRunDurationSeconds.Observe(d.Seconds())
}

// RecordFinding records one finding.
func (m *Metrics) RecordFinding(protocol datatypes.VendorProtocol, status datatypes.FindingStatus) {
	if m == nil {
		return
	}
	m.FindingsTotal.WithLabelValues(string(protocol), string(status)).Inc()
}

// RecordConnectionFailure records a failed connection.
func (m *Metrics) RecordConnectionFailure(protocol datatypes.VendorProtocol, kind string) {
	if m == nil {
		return
	}
	m.ConnectionFailuresTotal.WithLabelValues(string(protocol), kind).Inc()
}

// BackoffChanged tracks the set of failing devices. It satisfies
// backoff.Observer.
func (m *Metrics) BackoffChanged(deviceID string, state datatypes.BackoffState) {
	if m == nil {
		return
	}
	m.failingMu.Lock()
	defer m.failingMu.Unlock()

	if state.ConsecutiveFailures > 0 {
		m.failing[deviceID] = struct{}{}
	} else {
		delete(m.failing, deviceID)
	}
	m.DevicesFailing.Set(float64(len(m.failing)))
}

// RecordBackup records a backup attempt.
func (m *Metrics) RecordBackup(err error) {
	if m == nil {
		return
	}
	result := "stored"
	if err != nil {
		result = "error"
	}
	m.BackupsTotal.WithLabelValues(result).Inc()
}

// RecordDrift records a drift event.
func (m *Metrics) RecordDrift(severity datatypes.DriftSeverity) {
	if m == nil {
		return
	}
	m.DriftEventsTotal.WithLabelValues(string(severity)).Inc()
}

// RecordPruned records backups removed by retention.
func (m *Metrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BackupsPrunedTotal.Add(float64(n))
}

// RecordRemediation records a remediation outcome.
func (m *Metrics) RecordRemediation(outcome string) {
	if m == nil {
		return
	}
	m.RemediationsTotal.WithLabelValues(outcome).Inc()
}

// RecordSweep records one scheduler sweep.
func (m *Metrics) RecordSweep(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SchedulerSweepsTotal.WithLabelValues(job, result).Inc()
}

// RecordBackoffSkip records a device skipped by job.
func (m *Metrics) RecordBackoffSkip(job string) {
	if m == nil {
		return
	}
	m.SchedulerSkippedTotal.WithLabelValues(job).Inc()
}

// RecordHealthCheck records one probe.
func (m *Metrics) RecordHealthCheck(reachable bool) {
	if m == nil {
		return
	}
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	m.HealthChecksTotal.WithLabelValues(result).Inc()
}

// RecordDiscovery records discovery registration counts.
func (m *Metrics) RecordDiscovery(registered, rejected, known int) {
	if m == nil {
		return
	}
	m.DiscoveryDevicesTotal.WithLabelValues("registered").Add(float64(registered))
	m.DiscoveryDevicesTotal.WithLabelValues("rejected").Add(float64(rejected))
	m.DiscoveryDevicesTotal.WithLabelValues("known").Add(float64(known))
}

// RecordTrigger records an audit trigger request.
func (m *Metrics) RecordTrigger(result string) {
	if m == nil {
		return
	}
	m.TriggerRequestsTotal.WithLabelValues(result).Inc()
}
