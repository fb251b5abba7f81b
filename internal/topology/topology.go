// Package topology provides the static, per-boot description of CPUs:
// class, NUMA node, cache-sharing sets, and the live counters
// (load average, cache pressure, temperature) the placement engine
// reads on every scoring pass.
//
// The map itself is built once at boot (§9 "exactly one process-wide
// instance... Initialization runs once at boot in a defined order:
// timebase -> topology -> ..."); its live counters are updated with
// atomic read-modify-write from any CPU, matching §5's "Topology and
// placement counters are updated with atomic read-modify-write;
// aggregate consumers tolerate transient inconsistency."
package topology

import (
	"math"
	"sync/atomic"

	"github.com/tutu-network/gamesched/internal/domain"
)

// LoadAlpha is the exponential-smoothing factor for the per-CPU load
// average (§3 "load average (exponential, α=0.1)").
const LoadAlpha = 0.1

// CPU is a live topology record: the static facts from CPUFact plus
// atomically-updated counters.
type CPU struct {
	Fact domain.CPUFact

	// loadAvg, cachePressure and temperatureC are stored as float64 bit
	// patterns behind atomic.Uint64 so concurrent readers never observe
	// a torn write, per §5's atomic-RMW requirement.
	loadAvgBits        atomic.Uint64
	cachePressureBits  atomic.Uint64
	temperatureCBits   atomic.Uint64
	hasTemperature     atomic.Bool

	residentBytes atomic.Uint64 // sum of resident footprints of tasks on this CPU
	cacheCapacity uint64        // shared last-level cache capacity in bytes, 0 = unknown
}

func loadFloat(a *atomic.Uint64) float64  { return math.Float64frombits(a.Load()) }
func storeFloat(a *atomic.Uint64, v float64) { a.Store(math.Float64bits(v)) }

// NewCPU creates a live record for a static CPU fact, with a cold
// (zero) load average and cache pressure.
func NewCPU(fact domain.CPUFact, cacheCapacityBytes uint64) *CPU {
	c := &CPU{Fact: fact, cacheCapacity: cacheCapacityBytes}
	storeFloat(&c.loadAvgBits, 0)
	storeFloat(&c.cachePressureBits, 0)
	return c
}

// LoadAvg returns the current exponential load average, 0..~N (N = max
// concurrently runnable tasks contributing full load).
func (c *CPU) LoadAvg() float64 { return loadFloat(&c.loadAvgBits) }

// ObserveLoad folds a new instantaneous load sample (e.g. run-queue
// depth) into the exponential average: avg = α*sample + (1-α)*avg.
func (c *CPU) ObserveLoad(sample float64) {
	for {
		old := c.loadAvgBits.Load()
		next := LoadAlpha*sample + (1-LoadAlpha)*math.Float64frombits(old)
		if c.loadAvgBits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// CachePressure returns the current cache pressure estimate, clamped
// to [0,1] (§3 "sum of resident-task memory footprints / shared-cache
// capacity, clamped to [0,1]").
func (c *CPU) CachePressure() float64 { return loadFloat(&c.cachePressureBits) }

// AddResident adjusts the tracked resident-footprint sum for this CPU
// and recomputes cache pressure. delta may be negative (task migrated
// away or exited).
func (c *CPU) AddResident(deltaBytes int64) {
	var newVal uint64
	for {
		old := c.residentBytes.Load()
		signed := int64(old) + deltaBytes
		if signed < 0 {
			signed = 0
		}
		newVal = uint64(signed)
		if c.residentBytes.CompareAndSwap(old, newVal) {
			break
		}
	}
	if c.cacheCapacity == 0 {
		storeFloat(&c.cachePressureBits, 0)
		return
	}
	pressure := float64(newVal) / float64(c.cacheCapacity)
	if pressure > 1 {
		pressure = 1
	}
	storeFloat(&c.cachePressureBits, pressure)
}

// SetTemperature records an optional thermal reading in Celsius.
func (c *CPU) SetTemperature(celsius float64) {
	storeFloat(&c.temperatureCBits, celsius)
	c.hasTemperature.Store(true)
}

// Temperature returns the last reading and whether one has ever been
// recorded (the collaborator interface marks temperature optional).
func (c *CPU) Temperature() (celsius float64, ok bool) {
	return loadFloat(&c.temperatureCBits), c.hasTemperature.Load()
}

// CacheScore is a [0,1]-ish relative score for how much this CPU's
// cache helps a cache-sensitive task, doubled if the cache is
// augmented (3D-stacked), per the placement scoring table (§4.3).
func (c *CPU) CacheScore() float64 {
	base := 0.5
	if c.Fact.Class == domain.ClassCacheOptimized {
		base = 1.0
	}
	if c.Fact.CacheAugmented {
		base *= 2
	}
	return base
}

// EfficiencyScore is the CPUFact's efficiency rating, used by the
// placement engine's "efficiency bonus" term for background tasks.
func (c *CPU) EfficiencyScore() float64 { return c.Fact.EfficiencyRating }

// ─── Map ─────────────────────────────────────────────────────────────────

// Map is the process-wide topology map: exactly one instance (§9).
type Map struct {
	cpus []*CPU
}

// NewMap builds a topology map from static facts. cacheCapacity gives
// each CPU's shared last-level cache size in bytes (0 if unknown).
func NewMap(facts []domain.CPUFact, cacheCapacity map[int]uint64) *Map {
	cpus := make([]*CPU, len(facts))
	for i, f := range facts {
		cpus[i] = NewCPU(f, cacheCapacity[f.ID])
	}
	return &Map{cpus: cpus}
}

// CPUCount implements domain.Topology.
func (m *Map) CPUCount() int { return len(m.cpus) }

// CPU implements domain.Topology (returns the static fact only).
func (m *Map) CPU(id int) (domain.CPUFact, bool) {
	c := m.Live(id)
	if c == nil {
		return domain.CPUFact{}, false
	}
	return c.Fact, true
}

// AllCPUs implements domain.Topology.
func (m *Map) AllCPUs() []domain.CPUFact {
	out := make([]domain.CPUFact, len(m.cpus))
	for i, c := range m.cpus {
		out[i] = c.Fact
	}
	return out
}

// Live returns the mutable live record for a CPU id, or nil.
func (m *Map) Live(id int) *CPU {
	for _, c := range m.cpus {
		if c.Fact.ID == id {
			return c
		}
	}
	return nil
}

// AllLive returns every live CPU record, for iteration by the
// placement engine's rebalance pass.
func (m *Map) AllLive() []*CPU {
	return m.cpus
}

// SameCacheSet reports whether CPUs a and b share a cache at the given
// level.
func (m *Map) SameCacheSet(a, b int, level domain.CacheLevel) bool {
	ca, cb := m.Live(a), m.Live(b)
	if ca == nil || cb == nil {
		return false
	}
	sharers := ca.Fact.CacheSharers[level]
	for _, id := range sharers {
		if id == b {
			return true
		}
	}
	return false
}

var _ domain.Topology = (*Map)(nil)
