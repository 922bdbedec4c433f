// Package metrics provides Prometheus collectors for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageExecutions counts stage runs.
	// Labels: stage (plan, analyze, synthesize), outcome (ok, degraded, failed)
	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchline",
			Subsystem: "orchestrator",
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions by outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "researchline",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions in seconds, external calls included",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// AdvanceConflicts counts results discarded by the optimistic write guard.
	AdvanceConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "researchline",
			Subsystem: "orchestrator",
			Name:      "advance_conflicts_total",
			Help:      "Stage results discarded because the task changed concurrently",
		},
	)

	// TasksTerminal counts tasks reaching a terminal status.
	// Labels: status (completed, failed)
	TasksTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchline",
			Subsystem: "orchestrator",
			Name:      "tasks_terminal_total",
			Help:      "Tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	ProjectionSyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "researchline",
			Subsystem: "projection",
			Name:      "sync_failures_total",
			Help:      "Best-effort projection writes that failed",
		},
	)

	ProjectionRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "researchline",
			Subsystem: "projection",
			Name:      "repairs_total",
			Help:      "Projection rows rewritten by the reconciler",
		},
	)

	// GenerationCalls counts calls to the text generation service.
	// Labels: provider, result (ok, error)
	GenerationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchline",
			Subsystem: "generation",
			Name:      "calls_total",
			Help:      "Calls to the text generation service",
		},
		[]string{"provider", "result"},
	)
)
