// Package kernel wires the run-queue, placement engine, priority-
// inheritance graph, wait-word primitive, and frame-deadline hook into
// the control loop spec.md §6 exposes to the rest of the kernel:
// task_create/task_destroy, schedule/yield/tick, set_preferred_cpu,
// set_frame_rate, wait_word/wake_word/requeue_word, dep_add/dep_remove,
// gaming_mode, mark_frame_start/mark_frame_complete.
//
// The composition-root shape — one struct owning every subsystem,
// constructed once at boot in a fixed order, exposing the surface the
// rest of the process calls — is grounded on the teacher's
// internal/daemon package, which plays the same role for the HTTP/model/
// MCP subsystems. Per-CPU tick concurrency is grounded on the pack's
// habit of bounding fan-out work with golang.org/x/sync/errgroup.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/gamesched/internal/depgraph"
	"github.com/tutu-network/gamesched/internal/domain"
	"github.com/tutu-network/gamesched/internal/framehook"
	"github.com/tutu-network/gamesched/internal/metrics"
	"github.com/tutu-network/gamesched/internal/placement"
	"github.com/tutu-network/gamesched/internal/runqueue"
	"github.com/tutu-network/gamesched/internal/topology"
	"github.com/tutu-network/gamesched/internal/waitword"
)

// Config bundles the sub-engine configs the kernel composes.
type Config struct {
	RunQueue  runqueue.Config
	Placement placement.Config
	Framehook framehook.Config
}

func DefaultConfig() Config {
	return Config{
		RunQueue:  runqueue.DefaultConfig(),
		Placement: placement.DefaultConfig(),
		Framehook: framehook.DefaultConfig(),
	}
}

// Kernel is the process-wide scheduling core. Exactly one instance per
// process (spec.md §9): it owns the one topology map, the one
// dependency graph, and the one wait-word hash array.
type Kernel struct {
	clk  domain.Clock
	topo *topology.Map

	graph     *depgraph.Graph
	waitwords *waitword.Manager
	placement *placement.Engine
	framehook *framehook.Engine

	mu       sync.Mutex
	runqs    map[int]*runqueue.RunQueue // one per CPU id
	running  map[int]*domain.Task       // CPU id -> task currently Running there
	tasks    map[int64]*domain.Task
	nextID   int64
	gaming   atomic.Bool
}

// New builds a kernel instance. Initialization order follows spec.md §9:
// timebase and topology are supplied by the caller (already booted),
// then the graph, then the wait-words, then the run-queues.
func New(clk domain.Clock, topo *topology.Map, cfg Config) *Kernel {
	k := &Kernel{
		clk:       clk,
		topo:      topo,
		graph:     depgraph.New(),
		placement: placement.New(cfg.Placement),
		framehook: framehook.New(cfg.Framehook),
		runqs:     make(map[int]*runqueue.RunQueue),
		running:   make(map[int]*domain.Task),
		tasks:     make(map[int64]*domain.Task),
	}
	k.waitwords = waitword.New(k.graph)
	for _, fact := range topo.AllCPUs() {
		k.runqs[fact.ID] = runqueue.New(cfg.RunQueue)
	}
	return k
}

// TaskCreate implements spec.md §6's task_create(nice, tags) -> id.
func (k *Kernel) TaskCreate(nice int, tags domain.Tags) *domain.Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextID++
	t := domain.NewTask(k.nextID, nice, tags)
	k.tasks[t.ID] = t
	k.graph.Register(t)
	return t
}

// TaskDestroy implements task_destroy(id): removes every dependency
// edge mentioning the task (invariant (d)) and drops its VRR state.
func (k *Kernel) TaskDestroy(id int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[id]
	if !ok {
		return domain.ErrUnknownTask
	}
	if err := t.Transition(domain.Zombie); err == nil {
		_ = t.Transition(domain.Dead)
	} else {
		t.State = domain.Dead
	}
	k.graph.Unregister(id)
	k.framehook.Forget(id)
	delete(k.tasks, id)
	return nil
}

// TaskSetTag implements task_set_tag(id, tag, value) for the boolean
// gaming tags; frame-critical/input/audio re-normalize to imply gaming.
func (k *Kernel) TaskSetTag(id int64, set func(*domain.Tags)) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[id]
	if !ok {
		return domain.ErrUnknownTask
	}
	set(&t.Tags)
	t.Tags.Normalize()
	return nil
}

// GamingMode implements gaming_mode(on/off): toggles both the placement
// engine's relaxed hysteresis and every run-queue's burst-penalty base
// rate.
func (k *Kernel) GamingMode(on bool) {
	k.gaming.Store(on)
	k.placement.SetGamingMode(on)
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, rq := range k.runqs {
		rq.SetGamingMode(on)
	}
}

// SetPreferredCPU implements set_preferred_cpu(id, cpu_hint): records a
// sticky placement hint honored on the task's next Place call.
func (k *Kernel) SetPreferredCPU(id int64, cpuHint int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[id]
	if !ok {
		return domain.ErrUnknownTask
	}
	t.Placement.LastCPU = cpuHint
	return nil
}

// SetFrameRate implements set_frame_rate(id, fps).
func (k *Kernel) SetFrameRate(id int64, fps float64) error {
	k.mu.Lock()
	t, ok := k.tasks[id]
	k.mu.Unlock()
	if !ok {
		return domain.ErrUnknownTask
	}
	k.framehook.SetFrameRate(t, fps)
	return nil
}

// MarkFrameStart/MarkFrameComplete implement the frame-deadline hook
// surface (§6).
func (k *Kernel) MarkFrameStart(id int64) error {
	k.mu.Lock()
	t, ok := k.tasks[id]
	k.mu.Unlock()
	if !ok {
		return domain.ErrUnknownTask
	}
	k.framehook.MarkFrameStart(t, k.clk)
	return nil
}

func (k *Kernel) MarkFrameComplete(id int64) (missed bool, err error) {
	k.mu.Lock()
	t, ok := k.tasks[id]
	k.mu.Unlock()
	if !ok {
		return false, domain.ErrUnknownTask
	}
	return k.framehook.MarkFrameComplete(t, k.clk), nil
}

// DepAdd/DepRemove implement dep_add/dep_remove (§6).
func (k *Kernel) DepAdd(dependentID, dependencyID int64, kind depgraph.Kind, strength float64) (uint64, error) {
	k.mu.Lock()
	dependent, ok1 := k.tasks[dependentID]
	dependency, ok2 := k.tasks[dependencyID]
	k.mu.Unlock()
	if !ok1 || !ok2 {
		return 0, domain.ErrUnknownTask
	}
	return k.graph.AddEdge(dependent, dependency, kind, strength, k.clk.NowNS())
}

func (k *Kernel) DepRemove(dependentID, dependencyID int64) error {
	k.mu.Lock()
	dependent, ok1 := k.tasks[dependentID]
	dependency, ok2 := k.tasks[dependencyID]
	k.mu.Unlock()
	if !ok1 || !ok2 {
		return domain.ErrUnknownTask
	}
	return k.graph.RemoveEdge(dependent, dependency)
}

// WaitWord/WakeWord/RequeueWord implement the synchronization surface
// directly via internal/waitword; see that package for the flag/status
// contract.
func (k *Kernel) WaitWord(ctx context.Context, addr *atomic.Uint32, expected uint32, timeout time.Duration, flags waitword.Flags, taskID, holderID int64) error {
	k.mu.Lock()
	t, ok := k.tasks[taskID]
	k.mu.Unlock()
	if !ok {
		return domain.ErrUnknownTask
	}
	return k.waitwords.Wait(ctx, addr, expected, timeout, flags, t, holderID, k.clk.NowNS())
}

func (k *Kernel) WakeWord(addr *atomic.Uint32, maxN int) int {
	return k.waitwords.Wake(addr, maxN)
}

func (k *Kernel) RequeueWord(addr1 *atomic.Uint32, maxWake, maxRequeue int, addr2 *atomic.Uint32) int {
	return k.waitwords.Requeue(addr1, maxWake, maxRequeue, addr2)
}

// Schedule places a Ready task onto a run-queue, choosing the CPU via
// the placement engine and honoring migration hysteresis if the task
// was already placed (§4.3, §6 schedule()).
func (k *Kernel) Schedule(t *domain.Task) error {
	if err := t.Transition(domain.Ready); err != nil {
		return err
	}

	dest := placement.Place(t, k.topo)
	if dest == nil {
		return domain.ErrNoCPUAdmissible
	}

	if t.Placement.LastCPU != -1 && t.Placement.LastCPU != dest.Fact.ID {
		if cur := k.topo.Live(t.Placement.LastCPU); cur != nil &&
			!k.placement.ShouldMigrate(t, placement.Score(t, cur), placement.Score(t, dest), k.clk.NowNS()) {
			dest = cur
		}
	}

	k.mu.Lock()
	rq, ok := k.runqs[dest.Fact.ID]
	k.mu.Unlock()
	if !ok {
		return domain.ErrNoCPUAdmissible
	}

	if t.Placement.LastCPU != -1 && t.Placement.LastCPU != dest.Fact.ID {
		t.Placement.MigrationCount++
		t.Placement.LastMigrationAt = k.clk.NowNS()
		k.placement.RecordMigration()
	}
	t.Placement.LastCPU = dest.Fact.ID
	t.Placement.NUMANode = dest.Fact.NUMANode

	return rq.Enqueue(t)
}

// Yield implements yield(): the calling task voluntarily gives up its
// remaining slice and re-enters Ready on the same CPU's queue.
func (k *Kernel) Yield(cpuID int, t *domain.Task) error {
	if err := t.Transition(domain.Ready); err != nil {
		return err
	}
	k.mu.Lock()
	rq, ok := k.runqs[cpuID]
	delete(k.running, cpuID)
	k.mu.Unlock()
	if !ok {
		return domain.ErrNoCPUAdmissible
	}
	return rq.Enqueue(t)
}

// Tick advances one scheduling quantum for every CPU concurrently, one
// goroutine per CPU under an errgroup. Every CPU's tick runs to
// completion; if any of them fails (e.g. an invariant check), the first
// error is logged through haltDump and returned.
func (k *Kernel) Tick(ctx context.Context) error {
	k.graph.Tick(k.clk.NowNS())

	var g errgroup.Group
	for id, rq := range k.runqs {
		id, rq := id, rq
		g.Go(func() error { return k.tickCPU(id, rq) })
	}
	if err := g.Wait(); err != nil {
		k.haltDump(err)
		return err
	}
	return nil
}

func (k *Kernel) tickCPU(cpuID int, rq *runqueue.RunQueue) error {
	if errs := rq.DrainInbox(); len(errs) > 0 {
		return errs[0]
	}

	now := k.clk.NowNS()
	next, ok := rq.PickNext(now)

	k.mu.Lock()
	current := k.running[cpuID]
	k.mu.Unlock()

	if current != nil && ok && next.ID != current.ID {
		if rq.ShouldPreempt(current, now) {
			metrics.ContextSwitches.Inc()
			_ = current.Transition(domain.Ready)
			_ = rq.Enqueue(current)
			k.beginRunning(cpuID, rq, next, now)
		}
	} else if current == nil && ok {
		metrics.ContextSwitches.Inc()
		k.beginRunning(cpuID, rq, next, now)
	}

	depth := rq.Len()
	if c := k.topo.Live(cpuID); c != nil {
		c.ObserveLoad(float64(depth))
	}
	metrics.RunQueueDepth.WithLabelValues(strconv.Itoa(cpuID)).Set(float64(depth))
	return rq.CheckInvariants()
}

func (k *Kernel) beginRunning(cpuID int, rq *runqueue.RunQueue, t *domain.Task, now int64) {
	if err := rq.Dequeue(t.ID); err != nil {
		return
	}
	_ = t.Transition(domain.Running)
	k.mu.Lock()
	k.running[cpuID] = t
	k.mu.Unlock()
}

// Charge applies executed time to the task currently running on cpuID
// and updates its burst accounting (§4.1 charge()).
func (k *Kernel) Charge(cpuID int, deltaNS int64) {
	k.mu.Lock()
	t := k.running[cpuID]
	rq := k.runqs[cpuID]
	k.mu.Unlock()
	if t == nil || rq == nil {
		return
	}
	rq.Charge(t, deltaNS)
}

// haltDump handles the fatal path for an observed invariant violation:
// it logs a dump of run-queue state at error level. Tick then returns
// the error to its caller; the kernel itself does not stop, and later
// Tick calls proceed as usual.
func (k *Kernel) haltDump(cause error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	attrs := []any{"cause", cause}
	var totalResident uint64
	for id, rq := range k.runqs {
		snap := rq.Snapshot()
		attrs = append(attrs, fmt.Sprintf("cpu_%d_runqueue", id), snap)
	}
	for _, t := range k.tasks {
		totalResident += t.ResidentBytes
	}
	attrs = append(attrs, "total_resident", humanize.Bytes(totalResident), "task_count", len(k.tasks))

	slog.Error("scheduler halted: invariant violation", attrs...)
}

// Graph exposes the dependency graph for diagnostics (internal/adminapi).
func (k *Kernel) Graph() *depgraph.Graph { return k.graph }

// Topology exposes the topology map for diagnostics.
func (k *Kernel) Topology() *topology.Map { return k.topo }

// RunQueue returns the run-queue for a CPU id, or nil.
func (k *Kernel) RunQueue(cpuID int) *runqueue.RunQueue { return k.runqs[cpuID] }

// Clock exposes the timebase collaborator.
func (k *Kernel) Clock() domain.Clock { return k.clk }
