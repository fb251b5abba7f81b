// Package placement implements the hybrid/NUMA/cache placement engine
// of spec.md §4.3: CPU scoring for a task, migration hysteresis, and
// periodic rebalance.
//
// The scoring-table shape — extract features from a {task, candidate}
// pair, score every candidate, pick a winner — is grounded on the
// teacher's internal/infra/mlscheduler/mlscheduler.go (its Features
// struct and per-arm scoring). We drop the bandit/UCB1 learning loop
// (spec.md's scoring table is a fixed weighted formula, not a learned
// policy) but keep the extract-then-score shape and its emphasis on
// continuously-valued signals over discrete category membership.
// Migration hysteresis is grounded on the teacher's
// internal/infra/autoscale/autoscale.go cooldown-gated decision pattern.
package placement

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tutu-network/gamesched/internal/domain"
	"github.com/tutu-network/gamesched/internal/metrics"
	"github.com/tutu-network/gamesched/internal/topology"
)

// maxConcurrentScoring bounds how many CPUs are scored in parallel
// during a rebalance pass, so a high-core-count topology doesn't spawn
// one goroutine per CPU on every tick.
const maxConcurrentScoring = 8

// Scoring weights (§4.3 table). Named constants instead of magic
// numbers so the table in this file reads the same as the table in the
// spec.
const (
	scoreClassMatch       = 10
	scoreClassFallback    = 7
	scoreClassAcceptable  = 2
	scoreCacheSensPerUnit = 5
	scoreGamingOnPerf     = 15
	scoreGamingPreferred  = 5
	scoreLoadPerUnit      = 3
	scorePressurePerUnit  = -5
	scoreEfficiencyPerUnit = 3
	scoreThermalPenalty   = -10
	scoreStickiness       = 2
	scoreNUMA             = 100

	thermalLimitC = 80.0

	cacheSensitivityHigh = 0.6
	backgroundComputeLow = 0.3
	backgroundIOWaitHigh = 0.6
	cacheWorkingSetBytes = 32 * 1024 * 1024
)

// Config tunes hysteresis and rebalance cadence; gaming mode relaxes
// both (§4.3).
type Config struct {
	MigrationGapPct        float64       // default 0.20
	MigrationGapPctGaming  float64       // default 0.15
	MigrationCooldown      time.Duration // default 10s
	MigrationCooldownGaming time.Duration // default 5s — halved, since
	// spec.md only states the percentage relaxation explicitly and says
	// "both thresholds are relaxed"; we pick a proportionally relaxed
	// cooldown (half) absent a literal value.

	RebalancePeriod       time.Duration // default 16.67ms (60Hz)
	RebalancePeriodGaming time.Duration // default 8.33ms (120Hz)

	RebalanceLoadThreshold float64 // default 2.0
}

func DefaultConfig() Config {
	return Config{
		MigrationGapPct:         0.20,
		MigrationGapPctGaming:   0.15,
		MigrationCooldown:       10 * time.Second,
		MigrationCooldownGaming: 5 * time.Second,
		RebalancePeriod:         time.Duration(float64(time.Second) / 60),
		RebalancePeriodGaming:   time.Duration(float64(time.Second) / 120),
		RebalanceLoadThreshold:  2.0,
	}
}

// Engine is the placement engine. It holds no per-task state of its
// own beyond config and gaming mode — task placement history lives on
// domain.Task.Placement.
type Engine struct {
	cfg        Config
	gamingMode bool
}

func New(cfg Config) *Engine { return &Engine{cfg: cfg} }

// SetGamingMode toggles the relaxed hysteresis/rebalance cadence.
func (e *Engine) SetGamingMode(on bool) { e.gamingMode = on }

// InferPreferredClass derives T.preferred_class from tags and recent
// counters (§4.3).
func InferPreferredClass(t *domain.Task) domain.CPUClass {
	if t.Tags.IsInput || t.Tags.IsAudio {
		return domain.ClassPerformance
	}
	highCacheSens := t.Hints.CacheSensitivity >= cacheSensitivityHigh && t.ResidentBytes > cacheWorkingSetBytes
	if t.Tags.IsFrameCritical || highCacheSens {
		return domain.ClassCacheOptimized
	}
	if t.Hints.ComputeIntensity <= backgroundComputeLow && t.Hints.IOWaitFraction >= backgroundIOWaitHigh {
		return domain.ClassEfficiency
	}
	return domain.ClassPerformance
}

// isBackground reports whether a task counts as "background-tagged"
// for the efficiency-bonus scoring term: an explicit hint, or the same
// low-compute/high-IO-wait signature used by class inference.
func isBackground(t *domain.Task) bool {
	return t.Hints.Background ||
		(t.Hints.ComputeIntensity <= backgroundComputeLow && t.Hints.IOWaitFraction >= backgroundIOWaitHigh)
}

// Score computes the §4.3 weighted score of candidate CPU c for task t.
func Score(t *domain.Task, c *topology.CPU) float64 {
	preferred := InferPreferredClass(t)
	var score float64

	switch {
	case preferred == c.Fact.Class:
		score += scoreClassMatch
	case preferred == domain.ClassCacheOptimized && c.Fact.Class == domain.ClassPerformance:
		score += scoreClassFallback
	case preferred == domain.ClassPerformance && c.Fact.Class == domain.ClassEfficiency:
		score += scoreClassAcceptable
	}

	score += scoreCacheSensPerUnit * t.Hints.CacheSensitivity * c.CacheScore()

	if t.Tags.IsGaming && c.Fact.Class == domain.ClassPerformance {
		score += scoreGamingOnPerf
		if c.Fact.GamingPreferred {
			score += scoreGamingPreferred
		}
	}

	score += scoreLoadPerUnit * (1 - c.LoadAvg())
	score += scorePressurePerUnit * c.CachePressure()

	if isBackground(t) {
		score += scoreEfficiencyPerUnit * c.EfficiencyScore()
	}

	if temp, ok := c.Temperature(); ok && temp > thermalLimitC {
		score += scoreThermalPenalty
	}

	if c.Fact.ID == t.Placement.LastCPU {
		score += scoreStickiness
	}

	if t.Placement.NUMANode >= 0 && t.Placement.NUMANode == c.Fact.NUMANode {
		score += scoreNUMA
	}

	metrics.PlacementScore.Observe(score)
	return score
}

// Place chooses a CPU for a newly ready or newly created task. Never
// returns "no CPU" (§4.3 failure semantics): an idle CPU is always
// admissible, and absent one, the least-bad scoring candidate wins.
func Place(t *domain.Task, topo *topology.Map) *topology.CPU {
	cpus := topo.AllLive()
	var best *topology.CPU
	var bestScore float64
	for i, c := range cpus {
		s := Score(t, c)
		if i == 0 || s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// ShouldMigrate applies the §4.3 migration hysteresis gate: the
// candidate must beat the current CPU's score by the configured
// percentage gap AND the cooldown since the task's last migration must
// have elapsed.
func (e *Engine) ShouldMigrate(t *domain.Task, currentScore, candidateScore float64, nowNS int64) bool {
	gapPct := e.cfg.MigrationGapPct
	cooldown := e.cfg.MigrationCooldown
	if e.gamingMode {
		gapPct = e.cfg.MigrationGapPctGaming
		cooldown = e.cfg.MigrationCooldownGaming
	}

	if currentScore <= 0 {
		// Avoid divide-by-zero / degenerate gap math when the current
		// CPU scores at or below zero: any positive candidate counts
		// as clearing the gap.
		if candidateScore <= 0 {
			return false
		}
	} else if (candidateScore-currentScore)/currentScore < gapPct {
		return false
	}

	elapsed := nowNS - t.Placement.LastMigrationAt
	if t.Placement.LastMigrationAt != 0 && time.Duration(elapsed) < cooldown {
		return false
	}
	return true
}

// RecordMigration marks a migration as having occurred, for the
// migrations_total counter. Callers (the kernel control loop) invoke
// this after actually moving the task between run-queues.
func (e *Engine) RecordMigration() {
	gaming := "false"
	if e.gamingMode {
		gaming = "true"
	}
	metrics.Migrations.WithLabelValues(gaming).Inc()
}

// Candidate pairs a task with the CPU it currently sits on. The package
// provides the pieces of a periodic rebalance (RebalancePeriod,
// OverloadedCPUs, ScoreAll, BestDestination) but does not itself run a
// rebalance pass or choose migrations; nothing in the module builds a
// Candidate.
type Candidate struct {
	Task *domain.Task
	From *topology.CPU
}

// RebalancePeriod returns the current cadence (60Hz, or 120Hz in
// gaming mode).
func (e *Engine) RebalancePeriod() time.Duration {
	if e.gamingMode {
		return e.cfg.RebalancePeriodGaming
	}
	return e.cfg.RebalancePeriod
}

// OverloadedCPUs filters live CPUs whose load_avg exceeds the
// rebalance threshold.
func (e *Engine) OverloadedCPUs(topo *topology.Map) []*topology.CPU {
	var out []*topology.CPU
	for _, c := range topo.AllLive() {
		if c.LoadAvg() > e.cfg.RebalanceLoadThreshold {
			out = append(out, c)
		}
	}
	return out
}

// ScoreAll scores every live CPU for t concurrently, bounded by
// maxConcurrentScoring via a semaphore, and returns the best. The
// bound keeps a full topology re-score from fanning out one goroutine
// per CPU on wide topologies.
func ScoreAll(ctx context.Context, t *domain.Task, topo *topology.Map) (*topology.CPU, float64) {
	cpus := topo.AllLive()
	sem := semaphore.NewWeighted(maxConcurrentScoring)

	scores := make([]float64, len(cpus))
	var wg sync.WaitGroup
	for i, c := range cpus {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled mid-fan-out: score what's left
			// sequentially rather than abandoning the pass.
			scores[i] = Score(t, c)
			continue
		}
		wg.Add(1)
		go func(i int, c *topology.CPU) {
			defer wg.Done()
			defer sem.Release(1)
			scores[i] = Score(t, c)
		}(i, c)
	}
	wg.Wait()

	var best *topology.CPU
	var bestScore float64
	for i, c := range cpus {
		if best == nil || scores[i] > bestScore {
			best, bestScore = c, scores[i]
		}
	}
	return best, bestScore
}

// BestDestination picks the least-loaded live CPU whose class matches
// the task's preferred class, falling back to the globally
// least-loaded CPU if none match (§4.3 "Never returns no CPU").
func BestDestination(t *domain.Task, topo *topology.Map) *topology.CPU {
	preferred := InferPreferredClass(t)
	var bestMatch, bestAny *topology.CPU
	for _, c := range topo.AllLive() {
		if bestAny == nil || c.LoadAvg() < bestAny.LoadAvg() {
			bestAny = c
		}
		if c.Fact.Class == preferred && (bestMatch == nil || c.LoadAvg() < bestMatch.LoadAvg()) {
			bestMatch = c
		}
	}
	if bestMatch != nil {
		return bestMatch
	}
	return bestAny
}
