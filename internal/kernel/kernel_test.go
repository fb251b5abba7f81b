package kernel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tutu-network/gamesched/internal/depgraph"
	"github.com/tutu-network/gamesched/internal/domain"
	"github.com/tutu-network/gamesched/internal/timebase"
	"github.com/tutu-network/gamesched/internal/topology"
	"github.com/tutu-network/gamesched/internal/waitword"
)

func testKernel(t *testing.T) *Kernel {
	t.Helper()
	clk := timebase.New()
	topo := topology.NewMap([]domain.CPUFact{
		{ID: 0, Class: domain.ClassPerformance, NUMANode: 0},
		{ID: 1, Class: domain.ClassEfficiency, NUMANode: 0},
	}, nil)
	return New(clk, topo, DefaultConfig())
}

func TestTaskCreateDestroyLifecycle(t *testing.T) {
	k := testKernel(t)
	task := k.TaskCreate(0, domain.Tags{})
	if task.State != domain.Created {
		t.Fatalf("new task state = %v, want Created", task.State)
	}
	if err := k.TaskDestroy(task.ID); err != nil {
		t.Fatalf("TaskDestroy: %v", err)
	}
	if err := k.TaskDestroy(task.ID); err != domain.ErrUnknownTask {
		t.Fatalf("second TaskDestroy = %v, want ErrUnknownTask", err)
	}
}

func TestScheduleAdmitsToARunQueue(t *testing.T) {
	k := testKernel(t)
	task := k.TaskCreate(0, domain.Tags{})
	if err := k.Schedule(task); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if task.State != domain.Ready {
		t.Errorf("state after Schedule = %v, want Ready", task.State)
	}
	rq := k.RunQueue(task.Placement.LastCPU)
	if rq == nil || rq.Len() != 1 {
		t.Fatalf("expected task enqueued on its placed CPU")
	}
}

func TestTickPicksAReadyTaskAsRunning(t *testing.T) {
	k := testKernel(t)
	task := k.TaskCreate(0, domain.Tags{})
	if err := k.Schedule(task); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := k.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if task.State != domain.Running {
		t.Errorf("state after Tick = %v, want Running", task.State)
	}
}

func TestGamingModeTogglesBurstPenaltyBase(t *testing.T) {
	k := testKernel(t)
	k.GamingMode(true)
	if !k.gaming.Load() {
		t.Fatal("gaming flag not set")
	}
	onTask := k.TaskCreate(0, domain.Tags{})
	onTask.Burst.Score = 30
	_ = onTask.Transition(domain.Ready)
	if err := k.RunQueue(0).Enqueue(onTask); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if onTask.VRuntime != 40 { // (30-20) * gaming-mode base 4
		t.Errorf("gaming-mode burst penalty = %d, want 40", onTask.VRuntime)
	}
	k.GamingMode(false)
	if k.gaming.Load() {
		t.Fatal("gaming flag not cleared")
	}
	offTask := k.TaskCreate(0, domain.Tags{})
	offTask.Burst.Score = 30
	_ = offTask.Transition(domain.Ready)
	if err := k.RunQueue(0).Enqueue(offTask); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if offTask.VRuntime != 80 { // (30-20) * default base 8
		t.Errorf("default burst penalty = %d, want 80", offTask.VRuntime)
	}
}

func TestDepAddRaisesHolderInheritedPriority(t *testing.T) {
	k := testKernel(t)
	low := k.TaskCreate(5, domain.Tags{})
	high := k.TaskCreate(-10, domain.Tags{})

	if _, err := k.DepAdd(high.ID, low.ID, depgraph.KindLock, 1.0); err != nil {
		t.Fatalf("DepAdd: %v", err)
	}
	if low.InheritedPriority > -9 {
		t.Errorf("low.InheritedPriority = %d, want raised toward high's priority", low.InheritedPriority)
	}
	if err := k.DepRemove(high.ID, low.ID); err != nil {
		t.Fatalf("DepRemove: %v", err)
	}
	if low.InheritedPriority != low.Nice {
		t.Errorf("after DepRemove, InheritedPriority = %d, want restored to %d", low.InheritedPriority, low.Nice)
	}
}

func TestWaitWakeThroughKernel(t *testing.T) {
	k := testKernel(t)
	task := k.TaskCreate(0, domain.Tags{})
	_ = task.Transition(domain.Ready)
	_ = task.Transition(domain.Running)

	var word atomic.Uint32
	result := make(chan error, 1)
	go func() {
		result <- k.WaitWord(context.Background(), &word, 0, time.Second, waitword.Flags{}, task.ID, 0)
	}()
	time.Sleep(20 * time.Millisecond)
	if n := k.WakeWord(&word, 1); n != 1 {
		t.Fatalf("WakeWord = %d, want 1", n)
	}
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("WaitWord = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitWord did not return after WakeWord")
	}
}
