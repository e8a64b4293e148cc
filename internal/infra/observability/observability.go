// Package observability holds the engine's Prometheus metrics and its
// OpenTelemetry tracing setup.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Sessions ───────────────────────────────────────────────────────────────

var SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "session",
	Name:      "transitions_total",
	Help:      "Applied session state transitions.",
}, []string{"from", "to"})

var SessionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "session",
	Name:      "cas_conflicts_total",
	Help:      "Session transitions that lost a compare-and-set race.",
}, []string{"operation"})

var SessionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "session",
	Name:      "settled_total",
	Help:      "Sessions reaching a terminal state, by state and reason.",
}, []string{"state", "reason"})

var SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "expertline",
	Subsystem: "session",
	Name:      "connected_seconds",
	Help:      "Connected duration of billed sessions.",
	Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
})

// ─── Ledger ─────────────────────────────────────────────────────────────────

var LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Ledger entries written, by type and bucket.",
}, []string{"type", "bucket"})

var LedgerTokens = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "ledger",
	Name:      "tokens_total",
	Help:      "Tokens moved, by entry type.",
}, []string{"type"})

var LedgerClamped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "ledger",
	Name:      "clamped_debits_total",
	Help:      "Debits reduced to the available balance.",
})

// ─── Availability ───────────────────────────────────────────────────────────

var AvailabilityCache = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "availability",
	Name:      "cache_lookups_total",
	Help:      "Listing cache lookups, by result.",
}, []string{"result"})

var AvailabilityBindFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "availability",
	Name:      "bind_failures_total",
	Help:      "Attempts to mark an expert busy that found it unavailable.",
})

// ─── Reconciliation ─────────────────────────────────────────────────────────

var SweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "reconcile",
	Name:      "actions_total",
	Help:      "Repairs applied by the reconciliation sweep, by kind.",
}, []string{"kind"})

var SweepDiscrepancies = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "reconcile",
	Name:      "discrepancies_total",
	Help:      "Drift observed but intentionally not repaired, by kind.",
}, []string{"kind"})

var SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "reconcile",
	Name:      "runs_total",
	Help:      "Sweep runs, by sweep and outcome.",
}, []string{"sweep", "outcome"})

// ─── Boundary ───────────────────────────────────────────────────────────────

var HTTPRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "api",
	Name:      "conflict_retries_total",
	Help:      "One-shot retries after a concurrency conflict, by route.",
}, []string{"route"})

var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expertline",
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Lifecycle events handed to a sink, by sink and outcome.",
}, []string{"sink", "outcome"})
