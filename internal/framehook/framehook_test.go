package framehook

import (
	"testing"
	"time"

	"github.com/tutu-network/gamesched/internal/domain"
)

// fakeClock is a manually-advanced domain.Clock for deterministic
// frame-deadline tests.
type fakeClock struct {
	cycles     uint64
	calibrated bool
	cyclesPerNS float64
}

func (c *fakeClock) NowNS() int64      { return int64(float64(c.cycles) / c.cyclesPerNS) }
func (c *fakeClock) NowCycles() uint64 { return c.cycles }
func (c *fakeClock) Calibrated() bool  { return c.calibrated }
func (c *fakeClock) CyclesPerNS() float64 {
	if c.cyclesPerNS == 0 {
		return 1
	}
	return c.cyclesPerNS
}

func calibratedClock() *fakeClock {
	return &fakeClock{calibrated: true, cyclesPerNS: 3.0}
}

func TestMarkFrameStartSetsDeadline(t *testing.T) {
	e := New(DefaultConfig())
	clk := calibratedClock()
	task := domain.NewTask(1, 0, domain.Tags{IsGaming: true})
	task.TargetFPS = 60

	e.MarkFrameStart(task, clk)
	wantPeriodNS := float64(time.Second) / 60
	wantCycles := clk.NowCycles() + uint64(wantPeriodNS*clk.CyclesPerNS())
	if task.FrameDeadlineCycles != wantCycles {
		t.Errorf("FrameDeadlineCycles = %d, want %d", task.FrameDeadlineCycles, wantCycles)
	}
}

func TestMarkFrameCompleteDetectsMiss(t *testing.T) {
	e := New(DefaultConfig())
	clk := calibratedClock()
	task := domain.NewTask(1, 0, domain.Tags{IsGaming: true})
	task.TargetFPS = 60
	e.MarkFrameStart(task, clk)

	clk.cycles = task.FrameDeadlineCycles + 1000 // blow past deadline
	missed := e.MarkFrameComplete(task, clk)
	if !missed {
		t.Fatal("expected a missed deadline")
	}
	if task.ConsecutiveMisses != 1 {
		t.Errorf("ConsecutiveMisses = %d, want 1", task.ConsecutiveMisses)
	}
	if task.Nice != -1 {
		t.Errorf("Nice after first miss = %d, want -1 (one level boost)", task.Nice)
	}
}

func TestThirdConsecutiveMissCapsAtNiceFloor(t *testing.T) {
	e := New(DefaultConfig())
	clk := calibratedClock()
	task := domain.NewTask(1, 0, domain.Tags{IsGaming: true})
	task.TargetFPS = 60

	for i := 0; i < 3; i++ {
		e.MarkFrameStart(task, clk)
		clk.cycles = task.FrameDeadlineCycles + 1
		e.MarkFrameComplete(task, clk)
	}
	if task.Nice != niceFloor {
		t.Errorf("Nice after 3 consecutive misses = %d, want %d", task.Nice, niceFloor)
	}

	// A 4th consecutive miss must not push below the floor.
	e.MarkFrameStart(task, clk)
	clk.cycles = task.FrameDeadlineCycles + 1
	e.MarkFrameComplete(task, clk)
	if task.Nice != niceFloor {
		t.Errorf("Nice after 4th consecutive miss = %d, want still %d", task.Nice, niceFloor)
	}
}

func TestMetDeadlineResetsMissCounter(t *testing.T) {
	e := New(DefaultConfig())
	clk := calibratedClock()
	task := domain.NewTask(1, 0, domain.Tags{})
	task.TargetFPS = 60

	e.MarkFrameStart(task, clk)
	clk.cycles = task.FrameDeadlineCycles + 1
	e.MarkFrameComplete(task, clk) // miss #1
	if task.ConsecutiveMisses != 1 {
		t.Fatalf("setup: ConsecutiveMisses = %d, want 1", task.ConsecutiveMisses)
	}

	e.MarkFrameStart(task, clk)
	clk.cycles = task.FrameDeadlineCycles - 1 // finishes early this time
	missed := e.MarkFrameComplete(task, clk)
	if missed {
		t.Fatal("expected this frame to meet its deadline")
	}
	if task.ConsecutiveMisses != 0 {
		t.Errorf("ConsecutiveMisses after a met deadline = %d, want 0", task.ConsecutiveMisses)
	}
}

func TestUncalibratedClockDegradesToNSAsCycles(t *testing.T) {
	e := New(DefaultConfig())
	clk := &fakeClock{calibrated: false}
	task := domain.NewTask(1, 0, domain.Tags{})
	task.TargetFPS = 60

	e.MarkFrameStart(task, clk)
	wantPeriodNS := uint64(float64(time.Second) / 60)
	if task.FrameDeadlineCycles != wantPeriodNS {
		t.Errorf("uncalibrated FrameDeadlineCycles = %d, want %d (1:1 ns)", task.FrameDeadlineCycles, wantPeriodNS)
	}
}

func TestVRRStepsDownAfterFiveConsecutiveMisses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StepInterval = 0 // no rate limiting in this test
	e := New(cfg)
	clk := calibratedClock()
	task := domain.NewTask(1, 0, domain.Tags{})
	task.TargetFPS = 60
	before := task.TargetFPS

	for i := 0; i < vrrStableFramesReq; i++ {
		e.MarkFrameStart(task, clk)
		clk.cycles = task.FrameDeadlineCycles + 1
		e.MarkFrameComplete(task, clk)
	}
	if task.TargetFPS >= before {
		t.Errorf("TargetFPS after 5 consecutive misses = %f, want below %f", task.TargetFPS, before)
	}
}

func TestVRRNeverExceedsConfiguredBand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StepInterval = 0
	cfg.MaxFPS = 65
	e := New(cfg)
	clk := calibratedClock()
	task := domain.NewTask(1, 0, domain.Tags{})
	task.TargetFPS = 60

	for round := 0; round < 10; round++ {
		for i := 0; i < vrrStableFramesReq; i++ {
			e.MarkFrameStart(task, clk)
			clk.cycles = task.FrameDeadlineCycles - 1 // always early
			e.MarkFrameComplete(task, clk)
		}
	}
	if task.TargetFPS > cfg.MaxFPS {
		t.Errorf("TargetFPS = %f, exceeded MaxFPS %f", task.TargetFPS, cfg.MaxFPS)
	}
}
