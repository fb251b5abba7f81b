package waitword

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tutu-network/gamesched/internal/depgraph"
	"github.com/tutu-network/gamesched/internal/domain"
)

func readyTask(id int64, nice int) *domain.Task {
	t := domain.NewTask(id, nice, domain.Tags{})
	_ = t.Transition(domain.Ready)
	_ = t.Transition(domain.Running)
	return t
}

func TestWaitReturnsEAGAINOnValueMismatch(t *testing.T) {
	m := New(nil)
	var word atomic.Uint32
	word.Store(5)
	task := readyTask(1, 0)

	err := m.Wait(context.Background(), &word, 1, time.Second, Flags{}, task, 0, 0)
	if err != domain.ErrAgain {
		t.Fatalf("Wait() = %v, want ErrAgain", err)
	}
}

func TestWaitRejectsConflictingTypedFlags(t *testing.T) {
	m := New(nil)
	var word atomic.Uint32
	task := readyTask(1, 0)
	err := m.Wait(context.Background(), &word, 0, time.Second, Flags{AudioCritical: true, InputCritical: true}, task, 0, 0)
	if err != domain.ErrInvalidFlags {
		t.Fatalf("Wait() with two typed flags = %v, want ErrInvalidFlags", err)
	}
}

func TestWaitWakeRoundTrip(t *testing.T) {
	m := New(nil)
	var word atomic.Uint32
	task := readyTask(1, 0)

	result := make(chan error, 1)
	go func() {
		result <- m.Wait(context.Background(), &word, 0, time.Second, Flags{}, task, 0, 0)
	}()

	// Give the waiter time to enqueue.
	time.Sleep(20 * time.Millisecond)
	if n := m.Wake(&word, 1); n != 1 {
		t.Fatalf("Wake() = %d, want 1", n)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Wait() after Wake = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Wake")
	}
	if task.State != domain.Ready {
		t.Errorf("woken task state = %v, want Ready", task.State)
	}
}

func TestWaitTimesOut(t *testing.T) {
	m := New(nil)
	var word atomic.Uint32
	task := readyTask(1, 0)

	err := m.Wait(context.Background(), &word, 0, 20*time.Millisecond, Flags{}, task, 0, 0)
	if err != domain.ErrTimedOut {
		t.Fatalf("Wait() = %v, want ErrTimedOut", err)
	}
}

func TestWaitCancellation(t *testing.T) {
	m := New(nil)
	var word atomic.Uint32
	task := readyTask(1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- m.Wait(ctx, &word, 0, time.Second, Flags{}, task, 0, 0)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if err != domain.ErrInterrupted {
			t.Errorf("Wait() after cancel = %v, want ErrInterrupted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestWakePriorityOrder(t *testing.T) {
	m := New(nil)
	var word atomic.Uint32

	low := readyTask(1, 10)  // weaker priority
	high := readyTask(2, -10) // stronger priority

	doneLow := make(chan error, 1)
	doneHigh := make(chan error, 1)
	go func() { doneLow <- m.Wait(context.Background(), &word, 0, time.Second, Flags{}, low, 0, 0) }()
	time.Sleep(10 * time.Millisecond)
	go func() { doneHigh <- m.Wait(context.Background(), &word, 0, time.Second, Flags{}, high, 0, 1) }()
	time.Sleep(10 * time.Millisecond)

	if n := m.Wake(&word, 1); n != 1 {
		t.Fatalf("Wake() = %d, want 1", n)
	}
	select {
	case <-doneHigh:
	case <-time.After(time.Second):
		t.Fatal("higher-priority waiter should be woken first")
	}
	select {
	case <-doneLow:
		t.Fatal("lower-priority waiter should not be woken yet")
	default:
	}
}

func TestRequeueMovesRemainingWaiters(t *testing.T) {
	m := New(nil)
	var a, b atomic.Uint32

	t1 := readyTask(1, 0)
	t2 := readyTask(2, 0)
	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	go func() { done1 <- m.Wait(context.Background(), &a, 0, time.Second, Flags{}, t1, 0, 0) }()
	go func() { done2 <- m.Wait(context.Background(), &a, 0, time.Second, Flags{}, t2, 0, 1) }()
	time.Sleep(20 * time.Millisecond)

	moved := m.Requeue(&a, 0, 2, &b)
	if moved != 2 {
		t.Fatalf("Requeue moved = %d, want 2", moved)
	}
	if n := m.Wake(&b, 2); n != 2 {
		t.Fatalf("Wake(b) = %d, want 2", n)
	}
	for _, ch := range []chan error{done1, done2} {
		select {
		case err := <-ch:
			if err != nil {
				t.Errorf("requeued waiter returned %v, want nil", err)
			}
		case <-time.After(time.Second):
			t.Fatal("requeued waiter was not woken on addr2")
		}
	}
}

func TestPriorityInheritAddsAndUnwindsEdge(t *testing.T) {
	g := depgraph.New()
	m := New(g)
	holder := domain.NewTask(2, 10, domain.Tags{})
	g.Register(holder)
	waiterTask := readyTask(1, -10)
	g.Register(waiterTask)

	var word atomic.Uint32
	err := m.Wait(context.Background(), &word, 0, 20*time.Millisecond, Flags{PriorityInherit: true}, waiterTask, holder.ID, 0)
	if err != domain.ErrTimedOut {
		t.Fatalf("Wait() = %v, want ErrTimedOut", err)
	}
	if holder.InheritedPriority != holder.Nice {
		t.Errorf("priority-inherit edge should unwind on timeout: holder.InheritedPriority=%d want=%d", holder.InheritedPriority, holder.Nice)
	}
}
