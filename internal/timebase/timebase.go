// Package timebase provides the monotonic nanosecond clock and
// calibrated cycle counter that every deadline in this scheduler is
// measured against, injected into the scheduler as a first-class
// collaborator (domain.Clock). A few places read wall time directly
// for timestamps and latency measurement (store, simulate, waitword).
package timebase

import (
	"math"
	"sync/atomic"
	"time"
)

// Clock is the default, real-clock implementation of domain.Clock. It
// is safe for concurrent use: NowNS/NowCycles are lock-free reads of an
// atomically stored calibration, and Calibrate itself is expected to run
// once at boot (§9 "Initialization runs once at boot").
type Clock struct {
	start       time.Time
	startCycles uint64

	// cyclesPerNS is stored as bits of a float64 so reads stay lock-free.
	cyclesPerNS atomic.Uint64
	calibrated  atomic.Bool

	// cycleSource is injectable so tests and systems without an
	// invariant TSC-equivalent can supply a synthetic counter.
	cycleSource func() uint64
}

// New creates an uncalibrated clock with no hardware cycle counter:
// NowCycles always returns a nanosecond-derived estimate, before and
// after Calibrate.
func New() *Clock {
	c := &Clock{start: time.Now()}
	c.cycleSource = c.fallbackCycles
	return c
}

// NewWithCycleSource wires a hardware (or synthetic) cycle counter. Used
// by tests to drive deterministic cycle values and by platforms that
// expose a real invariant counter.
func NewWithCycleSource(cycleSource func() uint64) *Clock {
	c := &Clock{start: time.Now(), cycleSource: cycleSource}
	c.startCycles = cycleSource()
	return c
}

// fallbackCycles synthesizes a cycle count from elapsed nanoseconds at a
// nominal 1 GHz. It is the cycle source of every clock built with New
// (no hardware counter wired), and Calibrate does not replace it.
func (c *Clock) fallbackCycles() uint64 {
	return uint64(time.Since(c.start).Nanoseconds())
}

// Calibrate records a cycles-per-ns ratio derived from a measurement
// window (e.g. counting cycles across a known-length sleep at boot).
// Until this is called, Calibrated() returns false and frame-deadline
// cycle math must fall back to the nanosecond timebase (spec.md §9).
func (c *Clock) Calibrate(cyclesPerNS float64) {
	c.cyclesPerNS.Store(math.Float64bits(cyclesPerNS))
	c.calibrated.Store(true)
}

// NowNS returns monotonic nanoseconds since the clock was created.
func (c *Clock) NowNS() int64 {
	return time.Since(c.start).Nanoseconds()
}

// NowCycles returns the current cycle count, real or synthesized.
func (c *Clock) NowCycles() uint64 {
	return c.cycleSource()
}

// Calibrated reports whether CyclesPerNS() reflects a real calibration.
func (c *Clock) Calibrated() bool {
	return c.calibrated.Load()
}

// CyclesPerNS returns the calibrated conversion factor, or 1.0 (the
// fallbackCycles nominal rate) if uncalibrated.
func (c *Clock) CyclesPerNS() float64 {
	if !c.calibrated.Load() {
		return 1.0
	}
	return math.Float64frombits(c.cyclesPerNS.Load())
}

// CyclesToNS converts a cycle delta to nanoseconds using the current
// calibration (or the nominal 1:1 fallback rate).
func (c *Clock) CyclesToNS(cycles uint64) int64 {
	return int64(float64(cycles) / c.CyclesPerNS())
}

// NSToCycles converts a nanosecond delta to cycles using the current
// calibration.
func (c *Clock) NSToCycles(ns int64) uint64 {
	return uint64(float64(ns) * c.CyclesPerNS())
}

