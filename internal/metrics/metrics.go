// Package metrics exports the monotonic counters spec.md §6 names as the
// core's externally observable statistics: context switches, migrations,
// spin hits/misses, priority inversions detected, frame-deadline misses,
// and wait-word latency.
//
// The promauto-registration shape (Namespace/Subsystem/Name/Help on every
// metric, grouped by the component that produces it) is grounded on the
// teacher's internal/infra/observability/observability.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Scheduler ──────────────────────────────────────────────────────────────

var ContextSwitches = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gamesched",
	Subsystem: "scheduler",
	Name:      "context_switches_total",
	Help:      "Total run-queue context switches performed by pick_next.",
})

var RunQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "gamesched",
	Subsystem: "scheduler",
	Name:      "runqueue_depth",
	Help:      "Current number of Ready tasks per CPU run-queue.",
}, []string{"cpu"})

var BurstScore = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "gamesched",
	Subsystem: "scheduler",
	Name:      "burst_score",
	Help:      "Observed burst_score values at enqueue time (0-39).",
	Buckets:   prometheus.LinearBuckets(0, 4, 10),
})

// ─── Placement ──────────────────────────────────────────────────────────────

var Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamesched",
	Subsystem: "placement",
	Name:      "migrations_total",
	Help:      "Total cross-CPU task migrations, by whether gaming mode was active.",
}, []string{"gaming"})

var PlacementScore = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "gamesched",
	Subsystem: "placement",
	Name:      "candidate_score",
	Help:      "Scores produced by the placement engine's CPU scoring pass.",
	Buckets:   prometheus.LinearBuckets(-50, 10, 20),
})

// ─── Priority inheritance ───────────────────────────────────────────────────

var PriorityInversionsDetected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gamesched",
	Subsystem: "depgraph",
	Name:      "priority_inversions_detected_total",
	Help:      "Total times add_edge raised a holder's inherited priority above its base.",
})

var DependencyEdgesActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "gamesched",
	Subsystem: "depgraph",
	Name:      "edges_active",
	Help:      "Current number of live dependency edges.",
})

var EdgesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamesched",
	Subsystem: "depgraph",
	Name:      "edges_rejected_total",
	Help:      "Total add_edge calls rejected, by reason.",
}, []string{"reason"})

// ─── Wait-word ──────────────────────────────────────────────────────────────

var SpinHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gamesched",
	Subsystem: "waitword",
	Name:      "spin_hits_total",
	Help:      "Total adaptive-spin phases that saw the word change away from the expected value before blocking.",
})

var SpinMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gamesched",
	Subsystem: "waitword",
	Name:      "spin_misses_total",
	Help:      "Total adaptive-spin attempts that fell through to blocking.",
})

var WaitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "gamesched",
	Subsystem: "waitword",
	Name:      "wait_latency_seconds",
	Help:      "Latency from wait_word entry to a woken/timed-out/interrupted return.",
	Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
})

var WaitOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamesched",
	Subsystem: "waitword",
	Name:      "wait_outcomes_total",
	Help:      "Total wait_word returns, by outcome (woken, eagain, timedout, interrupted).",
}, []string{"outcome"})

// ─── Frame hook / VRR ───────────────────────────────────────────────────────

var FrameDeadlineMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gamesched",
	Subsystem: "framehook",
	Name:      "deadline_misses_total",
	Help:      "Total mark_frame_complete calls observed past their expected deadline.",
})

var FrameDeadlineMissRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "gamesched",
	Subsystem: "framehook",
	Name:      "deadline_miss_ratio",
	Help:      "Per-task cumulative frame_deadline_misses / frame_count.",
}, []string{"task"})

var VRRTargetFPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "gamesched",
	Subsystem: "framehook",
	Name:      "vrr_target_fps",
	Help:      "Current VRR-controlled target FPS per gaming task.",
}, []string{"task"})

// ObserveSpin records one adaptive-spin attempt's outcome.
func ObserveSpin(hit bool) {
	if hit {
		SpinHits.Inc()
	} else {
		SpinMisses.Inc()
	}
}

// ObserveWaitOutcome records a wait_word return's terminal status and
// latency in one call, mirroring the teacher's habit of pairing a
// CounterVec label with a histogram observation at the same call site.
func ObserveWaitOutcome(outcome string, latencySeconds float64) {
	WaitOutcomes.WithLabelValues(outcome).Inc()
	WaitLatency.Observe(latencySeconds)
}
