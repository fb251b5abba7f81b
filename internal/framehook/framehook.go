// Package framehook implements the frame-deadline hook of spec.md
// §4.6: per-gaming-task expected-frame-end cycle stamps, deadline-miss
// priority boosts, and a variable-refresh-rate controller.
//
// The fixed-tick/deadline bookkeeping shape is grounded on
// other_examples
// 4a2ec072_lixenwraith-vi-fighter__engine-clock_scheduler.go.go's
// ClockScheduler (nextTickDeadline, drift-aware tick accounting). The
// "N consecutive observations before acting" shape of the VRR
// stable-direction counter is grounded on the teacher's
// internal/infra/autoscale/autoscale.go cooldown-gated Direction
// decision (ScaleUp/ScaleDown/Hold only fire after the configured
// signal holds, not on a single sample).
package framehook

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tutu-network/gamesched/internal/domain"
	"github.com/tutu-network/gamesched/internal/metrics"
)

const (
	// niceFloor is the lowest nice value a deadline-miss boost may
	// reach; reaching 3 consecutive misses snaps directly to it
	// (spec.md §4.6 "capped after 3 misses at nice -18").
	niceFloor          = -18
	consecutiveMissCap = 3
	vrrStableFramesReq = 5
	defaultTargetFPS   = 60.0
)

// direction of recent frame-timing samples, for the VRR stability
// counter.
type direction int

const (
	dirNone direction = iota
	dirUp             // frames finishing early; FPS could rise
	dirDown           // frames missing; FPS should fall
)

// Config bounds the VRR controller and its step rate.
type Config struct {
	MinFPS       float64
	MaxFPS       float64
	StepFPS      float64       // amount to move target FPS per stable run
	StepInterval time.Duration // minimum time between steps for one task
}

func DefaultConfig() Config {
	return Config{
		MinFPS:       30,
		MaxFPS:       240,
		StepFPS:      5,
		StepInterval: time.Second,
	}
}

type vrrState struct {
	dir         direction
	stableCount int
	limiter     *rate.Limiter

	// frameCount/missCount feed the cumulative deadline_miss_ratio gauge;
	// they intentionally never reset, so a task that settles down after
	// a rough start still shows its full history rather than a ratio
	// that forgets it.
	frameCount uint64
	missCount  uint64
}

// Engine tracks per-task VRR stability state. Task frame-deadline
// fields themselves (FrameDeadlineCycles, TargetFPS, ConsecutiveMisses)
// live on domain.Task since they are per-task scheduling state the
// rest of the kernel also reads.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	states map[int64]*vrrState
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, states: make(map[int64]*vrrState)}
}

func (e *Engine) stateFor(taskID int64) *vrrState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[taskID]
	if !ok {
		s = &vrrState{limiter: rate.NewLimiter(rate.Every(e.cfg.StepInterval), 1)}
		e.states[taskID] = s
	}
	return s
}

// Forget drops a task's VRR tracking state (task_destroy).
func (e *Engine) Forget(taskID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, taskID)
}

// framePeriodCycles converts a target FPS into a cycle count using the
// clock's calibration, degrading to a 1:1 ns-as-cycles mapping when the
// clock has no cycles-per-ns conversion yet (spec.md §9).
func framePeriodCycles(fps float64, clk domain.Clock) uint64 {
	if fps <= 0 {
		fps = defaultTargetFPS
	}
	periodNS := float64(time.Second) / fps
	if !clk.Calibrated() {
		return uint64(periodNS)
	}
	return uint64(periodNS * clk.CyclesPerNS())
}

// SetFrameRate implements spec.md §6's set_frame_rate(id, fps),
// clamped to the configured VRR band.
func (e *Engine) SetFrameRate(task *domain.Task, fps float64) {
	if fps < e.cfg.MinFPS {
		fps = e.cfg.MinFPS
	}
	if fps > e.cfg.MaxFPS {
		fps = e.cfg.MaxFPS
	}
	task.TargetFPS = fps
}

// MarkFrameStart sets expected_next_deadline_cycles for the task's next
// frame (spec.md §4.6 "on frame start, set").
func (e *Engine) MarkFrameStart(task *domain.Task, clk domain.Clock) {
	if task.TargetFPS <= 0 {
		task.TargetFPS = defaultTargetFPS
	}
	task.FrameDeadlineCycles = clk.NowCycles() + framePeriodCycles(task.TargetFPS, clk)
}

// MarkFrameComplete compares now against the expected deadline,
// updates the consecutive-miss counter and priority boost, and feeds
// the VRR stability counter (spec.md §4.6 "on frame complete..."; "on
// deadline miss, boost priority..."). Returns whether this frame missed
// its deadline.
func (e *Engine) MarkFrameComplete(task *domain.Task, clk domain.Clock) bool {
	now := clk.NowCycles()
	missed := now > task.FrameDeadlineCycles

	if missed {
		task.ConsecutiveMisses++
		metrics.FrameDeadlineMisses.Inc()
		next := task.Nice - 1
		if task.ConsecutiveMisses >= consecutiveMissCap || next < niceFloor {
			next = niceFloor
		}
		task.SetNice(next)
	} else {
		task.ConsecutiveMisses = 0
	}

	e.recordMissRatio(task, missed)
	e.stepVRR(task, missed)
	return missed
}

// recordMissRatio updates the per-task cumulative frame_deadline_misses /
// frame_count gauge.
func (e *Engine) recordMissRatio(task *domain.Task, missed bool) {
	s := e.stateFor(task.ID)
	e.mu.Lock()
	s.frameCount++
	if missed {
		s.missCount++
	}
	ratio := float64(s.missCount) / float64(s.frameCount)
	e.mu.Unlock()

	metrics.FrameDeadlineMissRatio.WithLabelValues(taskLabel(task.ID)).Set(ratio)
}

func taskLabel(id int64) string { return strconv.FormatInt(id, 10) }

// stepVRR implements the VRR band adjustment: target FPS moves by
// StepFPS once 5 consecutive frames land on the same side of the
// deadline, rate-limited per task so a long stable run doesn't step
// every single frame.
func (e *Engine) stepVRR(task *domain.Task, missed bool) {
	want := dirUp
	if missed {
		want = dirDown
	}

	s := e.stateFor(task.ID)
	e.mu.Lock()
	if s.dir != want {
		s.dir = want
		s.stableCount = 1
	} else {
		s.stableCount++
	}
	stable := s.stableCount >= vrrStableFramesReq
	if stable {
		s.stableCount = 0
	}
	e.mu.Unlock()

	if !stable || !s.limiter.Allow() {
		return
	}

	delta := e.cfg.StepFPS
	if want == dirDown {
		delta = -delta
	}
	e.SetFrameRate(task, task.TargetFPS+delta)
	metrics.VRRTargetFPS.WithLabelValues(taskLabel(task.ID)).Set(task.TargetFPS)
}
