// Package depgraph implements the priority-inheritance graph (spec.md
// §4.4): directed dependency edges between tasks, cycle rejection, and
// strict recomputation of inherited priority as edges come and go.
//
// The liveness/TTL bookkeeping shape — record a last-touched time,
// sweep stale entries, recompute dependent state on drop — is grounded
// on the teacher's internal/infra/gossip/swim.go SUSPECT-then-DEAD
// timeout machinery. The directed trust-edge bookkeeping is grounded on
// internal/infra/reputation/reputation.go.
package depgraph

import (
	"math"
	"sync"

	"github.com/tutu-network/gamesched/internal/domain"
	"github.com/tutu-network/gamesched/internal/metrics"
)

// staleAfterNS is the edge pruning window (spec.md §3 "stale if
// last_touched older than 5s and active=false").
const staleAfterNS = 5_000_000_000

// maxEdges bounds the edge pool so a runaway dependency chain degrades
// with ErrEdgePoolFull instead of growing without bound.
const maxEdges = 65536

// Kind classifies what a dependency edge represents.
type Kind int

const (
	KindDirect Kind = iota
	KindLock
	KindIPC
	KindGPU
	KindAudio
	KindFS
	KindNet
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindLock:
		return "lock"
	case KindIPC:
		return "ipc"
	case KindGPU:
		return "gpu"
	case KindAudio:
		return "audio"
	case KindFS:
		return "fs"
	case KindNet:
		return "net"
	default:
		return "unknown"
	}
}

// kindBias is the per-kind additive term in the inherited-priority
// formula (spec.md §4.4).
var kindBias = map[Kind]int{
	KindDirect: 0,
	KindLock:   1,
	KindGPU:    0,
	KindAudio:  1,
	KindIPC:    2,
	KindFS:     3,
	KindNet:    4,
}

// Edge is a directed dependency: Dependent (task "A", blocked) waits on
// Dependency (task "B", the holder).
type Edge struct {
	ID          uint64
	Dependent   int64
	Dependency  int64
	Kind        Kind
	Strength    float64
	CreatedAt   int64
	LastTouched int64
	Active      bool
}

// Graph is the process-wide dependency graph. A single mutex protects
// edges, the task registry, and every task's OutboundEdges/InboundEdges
// slice: the edge pool is bounded and every operation here is O(edges),
// so splitting into per-task locks would add complexity without adding
// concurrency that matters at this scale.
type Graph struct {
	mu       sync.Mutex
	edges    map[uint64]*Edge
	registry map[int64]*domain.Task
	nextID   uint64
	maxEdges int
}

func New() *Graph {
	return NewWithCapacity(maxEdges)
}

// NewWithCapacity builds a graph with a non-default edge pool size,
// mainly so tests can exercise ErrEdgePoolFull without allocating tens
// of thousands of tasks.
func NewWithCapacity(capacity int) *Graph {
	return &Graph{
		edges:    make(map[uint64]*Edge),
		registry: make(map[int64]*domain.Task),
		maxEdges: capacity,
	}
}

// Register enrolls a task so the graph can resolve its id during
// traversal, cycle checks, and recomputation. Called at task_create.
func (g *Graph) Register(t *domain.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registry[t.ID] = t
}

// Unregister removes a task and every edge that mentions it (spec.md
// invariant (d): "a task carries the dependency edges that mention it
// — removal on exit is total"). Called at task_destroy.
func (g *Graph) Unregister(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.registry[id]
	if !ok {
		return
	}
	for _, eid := range append([]uint64{}, t.OutboundEdges...) {
		g.removeEdgeByIDLocked(eid)
	}
	for _, eid := range append([]uint64{}, t.InboundEdges...) {
		g.removeEdgeByIDLocked(eid)
	}
	delete(g.registry, id)
}

func clampNice(n int) int {
	if n < -20 {
		return -20
	}
	if n > 19 {
		return 19
	}
	return n
}

// inheritedValue computes the inherited-priority contribution a
// dependent task imposes on a holder, for a given edge kind/strength
// (spec.md §4.4): clamp(dependent.effective_priority + kind_bias −
// floor(strength·2), −20, 19).
func inheritedValue(dependent *domain.Task, kind Kind, strength float64) int {
	v := dependent.EffectivePriority() + kindBias[kind] - int(math.Floor(strength*2))
	return clampNice(v)
}

// wouldCycle reports whether adding dependent->holder would make holder
// transitively depend on dependent — i.e. dependent is already
// reachable from holder by walking existing outbound edges. Bounded by
// the registry size, so a malformed graph cannot spin forever.
func (g *Graph) wouldCycle(dependentID, holderID int64) bool {
	visited := make(map[int64]bool, len(g.registry))
	queue := []int64{holderID}
	visited[holderID] = true

	for steps := 0; len(queue) > 0 && steps <= len(g.registry); steps++ {
		cur := queue[0]
		queue = queue[1:]
		if cur == dependentID {
			return true
		}
		t, ok := g.registry[cur]
		if !ok {
			continue
		}
		for _, eid := range t.OutboundEdges {
			e, ok := g.edges[eid]
			if !ok {
				continue
			}
			if !visited[e.Dependency] {
				visited[e.Dependency] = true
				queue = append(queue, e.Dependency)
			}
		}
	}
	return false
}

// AddEdge records dependent -> holder (dependent waits on holder) and
// raises holder's inherited priority (spec.md §4.4 add_edge). Rejects
// with ErrWouldDeadlock if the edge would close a cycle, and with
// ErrEdgePoolFull once the pool is exhausted.
func (g *Graph) AddEdge(dependent, holder *domain.Task, kind Kind, strength float64, nowNS int64) (uint64, error) {
	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.edges) >= g.maxEdges {
		metrics.EdgesRejected.WithLabelValues("pool_full").Inc()
		return 0, domain.ErrEdgePoolFull
	}
	if g.wouldCycle(dependent.ID, holder.ID) {
		metrics.EdgesRejected.WithLabelValues("would_deadlock").Inc()
		return 0, domain.ErrWouldDeadlock
	}

	g.nextID++
	id := g.nextID
	e := &Edge{
		ID:          id,
		Dependent:   dependent.ID,
		Dependency:  holder.ID,
		Kind:        kind,
		Strength:    strength,
		CreatedAt:   nowNS,
		LastTouched: nowNS,
		Active:      true,
	}
	g.edges[id] = e
	dependent.OutboundEdges = append(dependent.OutboundEdges, id)
	holder.InboundEdges = append(holder.InboundEdges, id)
	metrics.DependencyEdgesActive.Set(float64(len(g.edges)))

	inherited := inheritedValue(dependent, kind, strength)
	if inherited < holder.InheritedPriority {
		holder.InheritedPriority = inherited
		metrics.PriorityInversionsDetected.Inc()
	}
	return id, nil
}

// RemoveEdge unlinks the edge between dependent and holder and
// strictly recomputes holder's inherited priority from the remaining
// inbound edges (spec.md §4.4 remove_edge; §9 Open Question: strict,
// not heuristic, recomputation).
func (g *Graph) RemoveEdge(dependent, holder *domain.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range g.edges {
		if e.Dependent == dependent.ID && e.Dependency == holder.ID {
			g.removeEdgeByIDLocked(e.ID)
			g.recomputeInheritedLocked(holder)
			return nil
		}
	}
	return domain.ErrUnknownTask
}

// removeEdgeByIDLocked deletes an edge and unlinks it from both
// endpoints' edge-id slices. Caller holds g.mu.
func (g *Graph) removeEdgeByIDLocked(id uint64) {
	e, ok := g.edges[id]
	if !ok {
		return
	}
	delete(g.edges, id)
	metrics.DependencyEdgesActive.Set(float64(len(g.edges)))
	if dep, ok := g.registry[e.Dependent]; ok {
		dep.OutboundEdges = removeID(dep.OutboundEdges, id)
	}
	if hold, ok := g.registry[e.Dependency]; ok {
		hold.InboundEdges = removeID(hold.InboundEdges, id)
	}
}

func removeID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// recomputeInheritedLocked rebuilds holder.InheritedPriority from
// scratch over its current inbound edges. Caller holds g.mu.
func (g *Graph) recomputeInheritedLocked(holder *domain.Task) {
	best := holder.Nice
	for _, eid := range holder.InboundEdges {
		e, ok := g.edges[eid]
		if !ok {
			continue
		}
		dep, ok := g.registry[e.Dependent]
		if !ok {
			continue
		}
		if v := inheritedValue(dep, e.Kind, e.Strength); v < best {
			best = v
		}
	}
	holder.InheritedPriority = best
}

// Touch refreshes an edge's last_touched stamp and active flag, e.g. on
// lock re-acquisition or continued use.
func (g *Graph) Touch(edgeID uint64, nowNS int64, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.edges[edgeID]; ok {
		e.LastTouched = nowNS
		e.Active = active
	}
}

// Tick drops edges stale for more than 5s with active=false, and
// strictly recomputes each affected holder's inherited priority (spec.md
// §4.4 tick()).
func (g *Graph) Tick(nowNS int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var dropped []*Edge
	for _, e := range g.edges {
		if !e.Active && nowNS-e.LastTouched > staleAfterNS {
			dropped = append(dropped, e)
		}
	}
	affected := make(map[int64]bool, len(dropped))
	for _, e := range dropped {
		affected[e.Dependency] = true
		g.removeEdgeByIDLocked(e.ID)
	}
	for holderID := range affected {
		if holder, ok := g.registry[holderID]; ok {
			g.recomputeInheritedLocked(holder)
		}
	}
}

// EffectivePriority returns min(base, all inherited from inbound
// edges) for a registered task (spec.md §4.4 effective_priority). It is
// a thin, graph-consistent read of the value domain.Task already
// caches in InheritedPriority.
func (g *Graph) EffectivePriority(t *domain.Task) int {
	return t.EffectivePriority()
}

// Lookup resolves a registered task by id, for collaborators (e.g. the
// wait-word primitive's priority-boost-on-wait) that only carry a
// holder id.
func (g *Graph) Lookup(id int64) (*domain.Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.registry[id]
	return t, ok
}

// EdgeCount reports the number of live edges, for metrics/debug
// surfaces.
func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}
