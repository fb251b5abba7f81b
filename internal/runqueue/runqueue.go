// Package runqueue implements the per-CPU virtual-deadline scheduler:
// the ordered set of ready tasks, burst-penalty accounting, and the
// enqueue/dequeue/pick_next/charge/should_preempt operations of
// spec.md §4.1-§4.2.
//
// Ordering is grounded on the teacher's internal/infra/dsa/heap.go — a
// thread-safe binary min-heap with starvation-aware age-boosting — but
// re-keyed from (priority, submit-time) to (virtual deadline, insertion
// order) and wrapped around the stdlib container/heap interface instead
// of the teacher's hand-rolled sift routines, since our ordering key is
// a composite tuple rather than a single priority int.
package runqueue

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/tutu-network/gamesched/internal/domain"
	"github.com/tutu-network/gamesched/internal/metrics"
)

// Tunable defaults (spec.md §4.1).
const (
	SliceMin int64 = 750_000   // ns
	SliceMax int64 = 6_000_000 // ns

	burstPenaltyNonGaming = 8
	burstPenaltyGaming    = 4

	burstPenaltyThreshold = 20 // burst_score above this incurs enqueue penalty
	burstRiseThreshold    = 25 // should_preempt's burst_score>25 trigger
)

// Config tunes one run-queue. Defaults match spec.md's numeric constants.
type Config struct {
	SliceMin int64
	SliceMax int64

	// GamingMode lowers the base burst penalty and is toggled by the
	// kernel-wide gaming_mode(on/off) surface (§6).
	GamingMode bool

	// BurstPenaltyOn gates whether burst score contributes to vruntime
	// at enqueue at all (§4.2's "if burst score > 20 and burst penalty
	// on"). Defaults true.
	BurstPenaltyOn bool
}

// DefaultConfig returns spec.md's numeric defaults.
func DefaultConfig() Config {
	return Config{
		SliceMin:       SliceMin,
		SliceMax:       SliceMax,
		GamingMode:     false,
		BurstPenaltyOn: true,
	}
}

// entry is one heap element: a ready task plus the insertion sequence
// used to break deadline ties and the heap index container/heap needs.
type entry struct {
	task *domain.Task
	idx  int
}

// timeline is a container/heap.Interface ordered by (deadline,
// insertion order) — the O(log n) structure spec.md §3 requires.
type timeline []*entry

func (t timeline) Len() int { return len(t) }
func (t timeline) Less(i, j int) bool {
	if t[i].task.Deadline != t[j].task.Deadline {
		return t[i].task.Deadline < t[j].task.Deadline
	}
	return t[i].task.InsertionSeq < t[j].task.InsertionSeq
}
func (t timeline) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].idx, t[j].idx = i, j
}
func (t *timeline) Push(x any) {
	e := x.(*entry)
	e.idx = len(*t)
	*t = append(*t, e)
}
func (t *timeline) Pop() any {
	old := *t
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*t = old[:n-1]
	return e
}

// RunQueue is the per-CPU ready set. Per §5, it is single-writer: only
// the CPU that owns it may mutate the ordered set directly; remote
// wakes must go through Inbox (drained at the next tick).
type RunQueue struct {
	mu sync.Mutex // protects everything below; held only by the owning CPU in normal operation, plus inbox drains

	cfg Config

	tl timeline

	byID map[int64]*entry

	minVRuntime uint64
	sumWeights  uint64
	nextSeq     uint64

	gamingCount, frameCriticalCount, inputCount, audioCount int

	// inbox holds tasks enqueued by a remote CPU (e.g. a wake handed
	// off by the wait-word primitive running on a different CPU);
	// drained into the timeline at the next tick (§5).
	inbox   []*domain.Task
	inboxMu sync.Mutex
}

// New creates an empty run-queue.
func New(cfg Config) *RunQueue {
	if cfg.SliceMin <= 0 {
		cfg.SliceMin = SliceMin
	}
	if cfg.SliceMax <= 0 {
		cfg.SliceMax = SliceMax
	}
	return &RunQueue{cfg: cfg, byID: make(map[int64]*entry)}
}

// SetGamingMode toggles the burst-penalty base rate (§4.2).
func (r *RunQueue) SetGamingMode(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.GamingMode = on
}

// Len returns the number of ready tasks.
func (r *RunQueue) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tl)
}

// MinVRuntime returns the queue's monotonically non-decreasing floor.
func (r *RunQueue) MinVRuntime() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minVRuntime
}

// GamingCounters returns the #gaming/#frame-critical/#input/#audio
// counts (§3 "Gaming counters").
func (r *RunQueue) GamingCounters() (gaming, frameCritical, input, audio int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gamingCount, r.frameCriticalCount, r.inputCount, r.audioCount
}

// EffectiveSlice computes a task's effective slice per §4.1: base =
// 6*SliceMin scaled by 1024/weight, clamped, then shrunk by gaming /
// frame-critical / input factors.
func (r *RunQueue) EffectiveSlice(task *domain.Task) int64 {
	base := (6 * r.cfg.SliceMin * 1024) / int64(task.Weight)
	if base < r.cfg.SliceMin {
		base = r.cfg.SliceMin
	}
	if base > r.cfg.SliceMax {
		base = r.cfg.SliceMax
	}

	slice := float64(base)
	if task.Tags.IsGaming {
		slice *= 0.75 // shrink by 25%
	}
	if task.Tags.IsFrameCritical {
		slice *= 0.5 // additional 50% of the already-shrunk slice
	}
	if task.Tags.IsInput {
		slice *= 0.67 // additional 33% of that
	}
	return int64(slice)
}

// burstPenalty returns the per-step enqueue-time penalty unit for task,
// honoring gaming mode and the task's own gaming tag (§4.2: "Gaming-
// tagged tasks have their penalty halved").
func (r *RunQueue) burstPenalty(task *domain.Task) int64 {
	base := int64(burstPenaltyNonGaming)
	if r.cfg.GamingMode {
		base = burstPenaltyGaming
	}
	if task.Tags.IsGaming {
		base /= 2
	}
	return base
}

// Enqueue admits a Ready task into the ordered set. Rejects tasks not
// in the Ready state (§4.1 "Enqueuing a non-Ready task is rejected").
func (r *RunQueue) Enqueue(task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueueLocked(task)
}

func (r *RunQueue) enqueueLocked(task *domain.Task) error {
	if task.State != domain.Ready {
		return domain.ErrTaskNotReady
	}
	if _, exists := r.byID[task.ID]; exists {
		return fmt.Errorf("task %d already enqueued", task.ID)
	}

	// vruntime = max(task.vruntime, min_vruntime - SLICE_MIN/2) (§4.1).
	halfSlice := uint64(r.cfg.SliceMin / 2)
	var floor uint64
	if r.minVRuntime > halfSlice {
		floor = r.minVRuntime - halfSlice
	}
	if task.VRuntime < floor {
		task.VRuntime = floor
	}

	slice := r.EffectiveSlice(task)
	task.Deadline = task.VRuntime + uint64(slice)

	if r.cfg.BurstPenaltyOn && task.Burst.Score > burstPenaltyThreshold {
		penalty := uint64(task.Burst.Score-burstPenaltyThreshold) * uint64(r.burstPenalty(task))
		task.VRuntime += penalty
		task.Deadline += penalty
	}
	r.recomputeLagLocked(task)
	metrics.BurstScore.Observe(float64(task.Burst.Score))

	r.nextSeq++
	task.InsertionSeq = r.nextSeq

	e := &entry{task: task}
	heap.Push(&r.tl, e)
	r.byID[task.ID] = e
	r.sumWeights += uint64(task.WeightEffective())
	r.bumpGamingCounters(task, +1)

	return nil
}

// Dequeue removes task by identity (§4.1). Adjusts min_vruntime.
func (r *RunQueue) Dequeue(taskID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dequeueLocked(taskID)
}

func (r *RunQueue) dequeueLocked(taskID int64) error {
	e, ok := r.byID[taskID]
	if !ok {
		return domain.ErrTaskNotPresent
	}
	heap.Remove(&r.tl, e.idx)
	delete(r.byID, taskID)
	if r.sumWeights >= uint64(e.task.WeightEffective()) {
		r.sumWeights -= uint64(e.task.WeightEffective())
	} else {
		r.sumWeights = 0
	}
	r.bumpGamingCounters(e.task, -1)
	r.adjustMinVRuntimeLocked()
	return nil
}

func (r *RunQueue) bumpGamingCounters(task *domain.Task, delta int) {
	if task.Tags.IsGaming {
		r.gamingCount += delta
	}
	if task.Tags.IsFrameCritical {
		r.frameCriticalCount += delta
	}
	if task.Tags.IsInput {
		r.inputCount += delta
	}
	if task.Tags.IsAudio {
		r.audioCount += delta
	}
}

// adjustMinVRuntimeLocked raises min_vruntime to the smallest ready
// task's vruntime, never lowering it (monotone, per §3).
func (r *RunQueue) adjustMinVRuntimeLocked() {
	if len(r.tl) == 0 {
		return
	}
	min := r.tl[0].task.VRuntime
	for _, e := range r.tl {
		if e.task.VRuntime < min {
			min = e.task.VRuntime
		}
	}
	if min > r.minVRuntime {
		r.minVRuntime = min
	}
}

// eligible reports whether a task's vruntime has not outrun the floor
// (§4.1 "eligible ready tasks (vruntime <= min_vruntime)").
func (r *RunQueue) eligible(task *domain.Task) bool {
	return task.VRuntime <= r.minVRuntime
}

// FrameTimeNS returns the nominal frame period for a target FPS, used
// by the frame-deadline tie-break below. 0 FPS means "no frame target".
func frameTimeNS(fps float64) int64 {
	if fps <= 0 {
		return 0
	}
	return int64(1e9 / fps)
}

// PickNext selects the next task to run among eligible ready tasks per
// the §4.1 tie-break ladder. Returns (nil, false) when the queue is
// idle. The task is NOT removed from the queue by this call — callers
// dequeue it explicitly once it is actually dispatched, per §4.1's
// "Picking with an empty queue returns idle" contract (pick_next is a
// read, not a mutation).
func (r *RunQueue) PickNext(nowNS int64) (*domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickNextLocked(nowNS)
}

func (r *RunQueue) pickNextLocked(nowNS int64) (*domain.Task, bool) {
	var best *domain.Task
	var bestInput, bestFrameNear bool

	for _, e := range r.tl {
		t := e.task
		if !r.eligible(t) {
			continue
		}

		isInput := t.Tags.IsInput
		isFrameNear := t.Tags.IsFrameCritical && frameDeadlineNear(t, nowNS)

		if best == nil {
			best, bestInput, bestFrameNear = t, isInput, isFrameNear
			continue
		}

		// (a) any input-class eligible task wins.
		if isInput != bestInput {
			if isInput {
				best, bestInput, bestFrameNear = t, isInput, isFrameNear
			}
			continue
		}
		// (b) frame-critical near-deadline wins, if neither is input.
		if !bestInput && isFrameNear != bestFrameNear {
			if isFrameNear {
				best, bestInput, bestFrameNear = t, isInput, isFrameNear
			}
			continue
		}

		// (c) smallest deadline, then smallest vruntime, then smallest id.
		if t.Deadline != best.Deadline {
			if t.Deadline < best.Deadline {
				best, bestInput, bestFrameNear = t, isInput, isFrameNear
			}
			continue
		}
		if t.VRuntime != best.VRuntime {
			if t.VRuntime < best.VRuntime {
				best, bestInput, bestFrameNear = t, isInput, isFrameNear
			}
			continue
		}
		if t.ID < best.ID {
			best, bestInput, bestFrameNear = t, isInput, isFrameNear
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}

// frameDeadlineNear reports whether a task's frame deadline (expressed
// as FrameDeadlineCycles translated by the caller into target FPS
// timing via TargetFPS) is within 25% of frame time. Since run-queue has
// no cycle counter of its own, this uses the task's cached TargetFPS and
// assumes the caller keeps FrameDeadlineCycles's ns-equivalent current
// via internal/framehook; absent a target, the task never counts as
// "near".
func frameDeadlineNear(t *domain.Task, nowNS int64) bool {
	if t.TargetFPS <= 0 {
		return false
	}
	frameNS := frameTimeNS(t.TargetFPS)
	if frameNS <= 0 {
		return false
	}
	remaining := int64(t.Deadline) - nowNS
	return remaining >= 0 && remaining <= frameNS/4
}

// Charge applies Δt of execution to current (§4.1 charge): advances
// vruntime scaled by weight_effective, accumulates sum_exec, and
// updates the burst score.
func (r *RunQueue) Charge(task *domain.Task, deltaNS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chargeLocked(task, deltaNS)
}

func (r *RunQueue) chargeLocked(task *domain.Task, deltaNS int64) {
	we := task.WeightEffective()
	if we == 0 {
		we = 1
	}
	task.VRuntime += uint64(deltaNS) * 1024 / uint64(we)
	task.SumExec += deltaNS
	r.recomputeLagLocked(task)

	switch {
	case deltaNS > 4*r.cfg.SliceMin:
		task.Burst.Bump(1)
	case deltaNS < r.cfg.SliceMin/2:
		task.Burst.Bump(-1)
	}
}

// recomputeLagLocked derives task.Lag from how far its vruntime has
// moved past the queue's fair-share floor (§3 "Lag (signed, negative ==
// ahead of fair share)"): a task that has executed past min_vruntime is
// ahead of fair share and gets a negative lag, one that has fallen
// behind gets a positive one. Caller holds r.mu.
func (r *RunQueue) recomputeLagLocked(task *domain.Task) {
	task.Lag = int64(r.minVRuntime) - int64(task.VRuntime)
}

// ShouldPreempt implements §4.1's should_preempt: compares current
// against pick_next's result and the burst/lag escape hatch. Per the
// formula's literal reading, the lag term is next's, not current's —
// current.burst_score > 25 AND next.lag < -SLICE_MIN — since a high
// burst score on current only matters if the candidate replacing it is
// itself running ahead of fair share.
func (r *RunQueue) ShouldPreempt(current *domain.Task, nowNS int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := r.pickNextLocked(nowNS)
	if !ok {
		return false
	}
	r.recomputeLagLocked(next)

	if next.ID == current.ID {
		return current.Burst.Score > burstRiseThreshold && next.Lag < -r.cfg.SliceMin
	}

	deadlineTrigger := next.Deadline < current.Deadline && r.eligible(next)
	burstTrigger := current.Burst.Score > burstRiseThreshold && next.Lag < -r.cfg.SliceMin
	return deadlineTrigger || burstTrigger
}

// PushInbox hands a remote-CPU wake off to this queue's inbox (§5:
// "Wakes from remote CPUs push to a per-queue inbox drained at the next
// tick").
func (r *RunQueue) PushInbox(task *domain.Task) {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()
	r.inbox = append(r.inbox, task)
}

// DrainInbox enqueues every task waiting in the inbox. Call once per
// tick, from the owning CPU only.
func (r *RunQueue) DrainInbox() []error {
	r.inboxMu.Lock()
	pending := r.inbox
	r.inbox = nil
	r.inboxMu.Unlock()

	var errs []error
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range pending {
		if err := r.enqueueLocked(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Snapshot returns a read-only copy of ready task ids in heap order,
// for diagnostics / the halt-dump (§7 "halts the scheduler with a dump
// of run-queue state").
func (r *RunQueue) Snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.tl))
	for i, e := range r.tl {
		out[i] = e.task.ID
	}
	return out
}

// CheckInvariants validates §8's run-queue invariants: deadline
// ordering is maintained implicitly by the heap; this checks only that
// no Running task is present. min_vruntime is not checked here.
func (r *RunQueue) CheckInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tl {
		if e.task.State == domain.Running {
			return &domain.InvariantViolation{Invariant: "c", Detail: fmt.Sprintf("task %d is Running but present in run-queue", e.task.ID)}
		}
	}
	return nil
}
