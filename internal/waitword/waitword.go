// Package waitword implements the futex-like wait-word primitive of
// spec.md §4.5: block a task on the value of a 32-bit word until a
// peer changes it, with adaptive spin, typed/priority-ordered waiters,
// and requeue.
//
// The speculative-grab / spin-then-block / wakeup-race shape is
// grounded on other_examples'
// 3cf8f913_sgtest-megarepo__go-src-runtime-lock_futex.go.go (lock2's
// spin-then-enqueue-then-sleep loop) and the typed, priority-ordered
// waiter list is grounded on
// 9073efed_vanadium-go.lib__nsync-cv.go.go's condition-variable waiter
// bookkeeping. Go cannot safely address arbitrary process memory the
// way the kernel original does, so the "32-bit word" here is any
// *atomic.Uint32 the caller owns — the bucket hash operates on its
// pointer identity, matching futex's "hash of the user address".
package waitword

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/tutu-network/gamesched/internal/depgraph"
	"github.com/tutu-network/gamesched/internal/domain"
	"github.com/tutu-network/gamesched/internal/metrics"
)

// bucketCount is fixed at boot and never resized (spec.md §9).
const bucketCount = 1024

// Spin cycle bases (spec.md §4.5).
const (
	spinBaseNormal        = 1000
	spinBaseGamingTagged   = 5000
	spinBaseFrameCritical = 10000

	spinMultiplierMin = 0.5
	spinMultiplierMax = 2.0
	spinMultiplierHit = 1.1
	spinMultiplierMiss = 0.9
)

// Type distinguishes waiter classes for wake-ordering metadata and
// spin accounting.
type Type int

const (
	TypeNormal Type = iota
	TypeFrame
	TypeAudio
	TypeInput
	TypeGPUSync
)

// Flags mirrors the external wait surface (spec.md §6).
type Flags struct {
	Spin            bool
	PriorityInherit bool
	Gaming          bool
	FrameCritical   bool
	AudioCritical   bool
	InputCritical   bool
	NoTimeout       bool
}

// typedCount reports how many of the mutually exclusive typed flags
// are set; more than one is an invalid flag combination.
func (f Flags) typedCount() int {
	n := 0
	if f.FrameCritical {
		n++
	}
	if f.AudioCritical {
		n++
	}
	if f.InputCritical {
		n++
	}
	return n
}

func (f Flags) waiterType() Type {
	switch {
	case f.FrameCritical:
		return TypeFrame
	case f.AudioCritical:
		return TypeAudio
	case f.InputCritical:
		return TypeInput
	default:
		return TypeNormal
	}
}

func (f Flags) spinBase() int64 {
	switch {
	case f.FrameCritical:
		return spinBaseFrameCritical
	case f.Gaming, f.AudioCritical, f.InputCritical:
		return spinBaseGamingTagged
	default:
		return spinBaseNormal
	}
}

type waiter struct {
	task             *domain.Task
	addr             *atomic.Uint32
	expected         uint32
	typ              Type
	originalPriority int
	boostedPriority  int
	enqueueNS        int64
	edgeID           uint64
	hasEdge          bool
	done             chan error
}

type bucket struct {
	mu               sync.Mutex
	waiters          []*waiter
	multiplierBits   atomic.Uint64
}

func newBucket() *bucket {
	b := &bucket{}
	b.multiplierBits.Store(math.Float64bits(1.0))
	return b
}

func (b *bucket) multiplier() float64 { return math.Float64frombits(b.multiplierBits.Load()) }

func (b *bucket) recordHit() {
	for {
		old := b.multiplierBits.Load()
		v := math.Float64frombits(old) * spinMultiplierHit
		if v > spinMultiplierMax {
			v = spinMultiplierMax
		}
		if b.multiplierBits.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}

func (b *bucket) recordMiss() {
	for {
		old := b.multiplierBits.Load()
		v := math.Float64frombits(old) * spinMultiplierMiss
		if v < spinMultiplierMin {
			v = spinMultiplierMin
		}
		if b.multiplierBits.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}

// insert keeps waiters ordered by boosted priority (lower = stronger),
// then by enqueue time (spec.md §4.5 "Typed wake ordering"). Caller
// holds b.mu.
func (b *bucket) insert(w *waiter) {
	i := sort.Search(len(b.waiters), func(i int) bool {
		other := b.waiters[i]
		if other.boostedPriority != w.boostedPriority {
			return other.boostedPriority > w.boostedPriority
		}
		return other.enqueueNS > w.enqueueNS
	})
	b.waiters = append(b.waiters, nil)
	copy(b.waiters[i+1:], b.waiters[i:])
	b.waiters[i] = w
}

func (b *bucket) remove(target *waiter) {
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// Manager owns the fixed bucket array and, optionally, the
// priority-inheritance graph for priority-boost-on-wait.
type Manager struct {
	buckets [bucketCount]*bucket
	graph   *depgraph.Graph
}

func New(graph *depgraph.Graph) *Manager {
	m := &Manager{graph: graph}
	for i := range m.buckets {
		m.buckets[i] = newBucket()
	}
	return m
}

func bucketIndex(addr *atomic.Uint32) int {
	key := uint64(uintptr(unsafe.Pointer(addr)))
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(key >> (8 * i))
	}
	return int(xxhash.Sum64(buf[:]) % bucketCount)
}

// Wait implements spec.md §4.5's wait(addr, expected, timeout?, flags).
// holderID, if nonzero and flags.PriorityInherit is set, identifies the
// word's last known writer for priority-boost-on-wait (§4.5); 0 means
// unknown, in which case no edge is added.
func (m *Manager) Wait(ctx context.Context, addr *atomic.Uint32, expected uint32, timeout time.Duration, flags Flags, task *domain.Task, holderID int64, nowNS int64) error {
	if flags.typedCount() > 1 {
		return domain.ErrInvalidFlags
	}

	if addr.Load() != expected {
		metrics.ObserveWaitOutcome("eagain", 0)
		return domain.ErrAgain
	}

	b := m.buckets[bucketIndex(addr)]

	if flags.Spin {
		n := int64(float64(flags.spinBase()) * b.multiplier())
		for i := int64(0); i < n; i++ {
			if addr.Load() != expected {
				b.recordHit()
				metrics.ObserveSpin(true)
				return nil
			}
			runtime.Gosched()
		}
		b.recordMiss()
		metrics.ObserveSpin(false)
	}

	w := &waiter{
		task:             task,
		addr:             addr,
		expected:         expected,
		typ:              flags.waiterType(),
		originalPriority: task.EffectivePriority(),
		boostedPriority:  task.EffectivePriority(),
		enqueueNS:        nowNS,
		done:             make(chan error, 1),
	}

	if flags.PriorityInherit && m.graph != nil && holderID != 0 {
		// holder task must already be registered with the graph; the
		// caller (kernel) is responsible for that at task_create.
		if ht, ok := m.graph.Lookup(holderID); ok {
			if id, err := m.graph.AddEdge(task, ht, depgraph.KindLock, 1.0, nowNS); err == nil {
				w.edgeID = id
				w.hasEdge = true
			}
		}
	}

	b.mu.Lock()
	b.insert(w)
	b.mu.Unlock()

	_ = task.Transition(domain.Blocked)

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !flags.NoTimeout && timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-w.done:
		m.unwindEdge(w, holderID)
		metrics.ObserveWaitOutcome("woken", secondsSince(w.enqueueNS, nowNS))
		return err
	case <-timeoutCh:
		b.mu.Lock()
		b.remove(w)
		b.mu.Unlock()
		m.unwindEdge(w, holderID)
		metrics.ObserveWaitOutcome("timedout", secondsSince(w.enqueueNS, nowNS))
		return domain.ErrTimedOut
	case <-ctx.Done():
		b.mu.Lock()
		b.remove(w)
		b.mu.Unlock()
		m.unwindEdge(w, holderID)
		metrics.ObserveWaitOutcome("interrupted", secondsSince(w.enqueueNS, nowNS))
		return domain.ErrInterrupted
	}
}

// secondsSince reports elapsed wall time from an enqueue stamp to now, in
// seconds, for latency histograms. nowNS is the caller-supplied wait
// entry time, not a fresh clock read, so this measures queued duration
// rather than wall latency when the caller passes a stale timestamp —
// callers on the real tick path always pass a fresh now_ns.
func secondsSince(enqueueNS, nowNS int64) float64 {
	elapsed := time.Now().UnixNano() - enqueueNS
	if nowNS > enqueueNS {
		elapsed = nowNS - enqueueNS
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return float64(elapsed) / 1e9
}

func (m *Manager) unwindEdge(w *waiter, holderID int64) {
	if !w.hasEdge || m.graph == nil {
		return
	}
	if ht, ok := m.graph.Lookup(holderID); ok {
		_ = m.graph.RemoveEdge(w.task, ht)
	}
}

// Wake implements spec.md §4.5's wake(addr, max_n): removes up to max_n
// waiters for addr, in priority order, and sets each Ready. Returns the
// count woken.
func (m *Manager) Wake(addr *atomic.Uint32, maxN int) int {
	b := m.buckets[bucketIndex(addr)]
	b.mu.Lock()
	var woken []*waiter
	remaining := b.waiters[:0]
	for _, w := range b.waiters {
		if len(woken) < maxN && w.addr == addr {
			woken = append(woken, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	b.waiters = remaining
	b.mu.Unlock()

	for _, w := range woken {
		_ = w.task.Transition(domain.Ready)
		w.done <- nil
	}
	return len(woken)
}

// Requeue implements spec.md §4.5's requeue(addr1, max_wake,
// max_requeue, addr2): wakes up to max_wake waiters on addr1, then
// moves up to max_requeue of the remaining addr1 waiters to addr2's
// bucket. Returns the count moved.
func (m *Manager) Requeue(addr1 *atomic.Uint32, maxWake, maxRequeue int, addr2 *atomic.Uint32) int {
	woken := m.Wake(addr1, maxWake)
	_ = woken

	b1 := m.buckets[bucketIndex(addr1)]
	b2 := m.buckets[bucketIndex(addr2)]

	b1.mu.Lock()
	var moved []*waiter
	remaining := b1.waiters[:0]
	for _, w := range b1.waiters {
		if len(moved) < maxRequeue && w.addr == addr1 {
			w.addr = addr2
			moved = append(moved, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	b1.waiters = remaining
	b1.mu.Unlock()

	if len(moved) == 0 {
		return 0
	}
	b2.mu.Lock()
	for _, w := range moved {
		b2.insert(w)
	}
	b2.mu.Unlock()
	return len(moved)
}
