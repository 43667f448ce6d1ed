// Package obsmetrics exposes the engine's Prometheus collectors: fuel
// consumption, round counts, tool execution, lock contention, and
// compaction activity (spec §4.9/§4.10 observability surface).
//
// Grounded on the teacher pack's internal/observability/metrics.go
// (haasonsaas-nexus), which defines one *Metrics struct of
// promauto-registered CounterVec/HistogramVec/GaugeVec fields plus
// small Record* helper methods. Generalized here to take an explicit
// prometheus.Registerer instead of registering against the package
// default, since a long-lived CLI process may open and close many
// contexts and should be able to scope metrics per run in tests.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's full set of Prometheus collectors.
type Metrics struct {
	// RoundsTotal counts agent loop rounds by outcome.
	// Labels: outcome (tool_calls|final_response|fuel_exhausted|error)
	RoundsTotal *prometheus.CounterVec

	// FuelConsumed tracks fuel spent per round.
	// Labels: reason (tool_call|empty_response)
	FuelConsumed *prometheus.CounterVec

	// FuelRemaining is a gauge of fuel left in the current turn.
	FuelRemaining prometheus.Gauge

	// ToolExecutions counts tool invocations by name and outcome.
	// Labels: tool, outcome (success|error|denied|timeout)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ToolOutputCached counts tool outputs replaced with a cache stub.
	// Labels: tool
	ToolOutputCached *prometheus.CounterVec

	// LockWaitDuration measures time spent acquiring a context lock.
	// Labels: outcome (acquired|would_block|stale_recovered)
	LockWaitDuration *prometheus.HistogramVec

	// LockStaleRecoveries counts stale-lock recoveries.
	LockStaleRecoveries prometheus.Counter

	// CompactionsTotal counts compactions by mode.
	// Labels: mode (manual|archival|rolling)
	CompactionsTotal *prometheus.CounterVec

	// CompactionDroppedEntries counts entries removed from the window
	// by a compaction.
	// Labels: mode
	CompactionDroppedEntries *prometheus.CounterVec

	// RollingCompactFallbacks counts rolling compactions that fell back
	// to oldest-N% selection after a parse failure.
	RollingCompactFallbacks prometheus.Counter

	// PartitionRotations counts transcript partition rotations.
	// Labels: reason (entries|tokens|age)
	PartitionRotations *prometheus.CounterVec

	// ContextsActive is a gauge of currently-held context locks.
	ContextsActive prometheus.Gauge

	// ContextsAutoDestroyed counts contexts removed by the idle sweep.
	ContextsAutoDestroyed prometheus.Counter

	// HookInvocations counts hook handler invocations by point and
	// outcome.
	// Labels: point, outcome (applied|failed)
	HookInvocations *prometheus.CounterVec
}

// New creates and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with other
// packages registering against the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	fac := promauto.With(reg)

	return &Metrics{
		RoundsTotal: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreengine_rounds_total",
				Help: "Total number of agent loop rounds by outcome",
			},
			[]string{"outcome"},
		),
		FuelConsumed: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreengine_fuel_consumed_total",
				Help: "Total fuel consumed by reason",
			},
			[]string{"reason"},
		),
		FuelRemaining: fac.NewGauge(
			prometheus.GaugeOpts{
				Name: "coreengine_fuel_remaining",
				Help: "Fuel remaining in the current turn",
			},
		),
		ToolExecutions: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreengine_tool_executions_total",
				Help: "Total tool executions by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolDuration: fac.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coreengine_tool_duration_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
			},
			[]string{"tool"},
		),
		ToolOutputCached: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreengine_tool_output_cached_total",
				Help: "Tool outputs replaced with a cache stub by tool name",
			},
			[]string{"tool"},
		),
		LockWaitDuration: fac.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coreengine_lock_wait_duration_seconds",
				Help:    "Time spent acquiring a context lock",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"outcome"},
		),
		LockStaleRecoveries: fac.NewCounter(
			prometheus.CounterOpts{
				Name: "coreengine_lock_stale_recoveries_total",
				Help: "Total stale context lock recoveries",
			},
		),
		CompactionsTotal: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreengine_compactions_total",
				Help: "Total compactions by mode",
			},
			[]string{"mode"},
		),
		CompactionDroppedEntries: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreengine_compaction_dropped_entries_total",
				Help: "Entries dropped from the window by a compaction",
			},
			[]string{"mode"},
		),
		RollingCompactFallbacks: fac.NewCounter(
			prometheus.CounterOpts{
				Name: "coreengine_rolling_compact_fallbacks_total",
				Help: "Rolling compactions that fell back to oldest-N%% selection",
			},
		),
		PartitionRotations: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreengine_partition_rotations_total",
				Help: "Transcript partition rotations by trigger reason",
			},
			[]string{"reason"},
		),
		ContextsActive: fac.NewGauge(
			prometheus.GaugeOpts{
				Name: "coreengine_contexts_active",
				Help: "Currently held context locks",
			},
		),
		ContextsAutoDestroyed: fac.NewCounter(
			prometheus.CounterOpts{
				Name: "coreengine_contexts_auto_destroyed_total",
				Help: "Contexts removed by the idle auto-destroy sweep",
			},
		),
		HookInvocations: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreengine_hook_invocations_total",
				Help: "Hook handler invocations by point and outcome",
			},
			[]string{"point", "outcome"},
		),
	}
}

// RecordRound records the outcome of one agent loop round and the fuel
// it consumed.
func (m *Metrics) RecordRound(outcome string, fuelSpent int, reason string) {
	m.RoundsTotal.WithLabelValues(outcome).Inc()
	if fuelSpent > 0 {
		m.FuelConsumed.WithLabelValues(reason).Add(float64(fuelSpent))
	}
}

// RecordTool records one tool execution's outcome and latency.
func (m *Metrics) RecordTool(tool, outcome string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordLockWait records how long a context lock acquisition took and
// how it resolved.
func (m *Metrics) RecordLockWait(outcome string, waitSeconds float64) {
	m.LockWaitDuration.WithLabelValues(outcome).Observe(waitSeconds)
	if outcome == "stale_recovered" {
		m.LockStaleRecoveries.Inc()
	}
}

// RecordCompaction records one compaction pass.
func (m *Metrics) RecordCompaction(mode string, droppedEntries int) {
	m.CompactionsTotal.WithLabelValues(mode).Inc()
	if droppedEntries > 0 {
		m.CompactionDroppedEntries.WithLabelValues(mode).Add(float64(droppedEntries))
	}
}

// RecordHook records one hook handler invocation.
func (m *Metrics) RecordHook(point, outcome string) {
	m.HookInvocations.WithLabelValues(point, outcome).Inc()
}
