package runqueue

import (
	"testing"

	"github.com/tutu-network/gamesched/internal/domain"
)

func readyTask(id int64, nice int, tags domain.Tags) *domain.Task {
	t := domain.NewTask(id, nice, tags)
	_ = t.Transition(domain.Ready)
	return t
}

func TestEnqueueRejectsNonReady(t *testing.T) {
	rq := New(DefaultConfig())
	task := domain.NewTask(1, 0, domain.Tags{})
	if err := rq.Enqueue(task); err != domain.ErrTaskNotReady {
		t.Fatalf("Enqueue(Created task) = %v, want ErrTaskNotReady", err)
	}
}

func TestPickNextEmptyIsIdle(t *testing.T) {
	rq := New(DefaultConfig())
	if _, ok := rq.PickNext(0); ok {
		t.Fatalf("PickNext on empty queue should report idle")
	}
}

func TestPickNextSmallestDeadlineWins(t *testing.T) {
	rq := New(DefaultConfig())
	a := readyTask(1, 0, domain.Tags{})
	b := readyTask(2, 0, domain.Tags{})
	if err := rq.Enqueue(a); err != nil {
		t.Fatal(err)
	}
	if err := rq.Enqueue(b); err != nil {
		t.Fatal(err)
	}
	// Advance b's deadline out so a should win.
	b.Deadline += 1_000_000

	next, ok := rq.PickNext(0)
	if !ok || next.ID != a.ID {
		t.Fatalf("PickNext() = %v, want task 1", next)
	}
}

func TestPickNextInputClassWinsTieBreak(t *testing.T) {
	rq := New(DefaultConfig())
	normal := readyTask(1, 0, domain.Tags{})
	input := readyTask(2, 0, domain.Tags{IsInput: true})
	rq.Enqueue(normal)
	rq.Enqueue(input)
	// Force input's deadline to be larger, it should still win via (a).
	input.Deadline = normal.Deadline + 10_000_000

	next, ok := rq.PickNext(0)
	if !ok || next.ID != input.ID {
		t.Fatalf("PickNext() = %v, want the input-tagged task to win tie-break (a)", next)
	}
}

func TestDequeueUnknownTaskErrors(t *testing.T) {
	rq := New(DefaultConfig())
	if err := rq.Dequeue(999); err != domain.ErrTaskNotPresent {
		t.Fatalf("Dequeue(unknown) = %v, want ErrTaskNotPresent", err)
	}
}

func TestChargeAdvancesVRuntimeByWeight(t *testing.T) {
	rq := New(DefaultConfig())
	task := readyTask(1, 0, domain.Tags{}) // weight 1024, no boost
	rq.Enqueue(task)

	before := task.VRuntime
	rq.Charge(task, 1_000_000)
	after := task.VRuntime
	// weight_effective=1024 -> vruntime += Δt*1024/1024 = Δt exactly.
	if after-before != 1_000_000 {
		t.Errorf("charge delta = %d, want 1000000 ns at nice 0", after-before)
	}
}

func TestChargeBurstScoreRisesAndFalls(t *testing.T) {
	rq := New(DefaultConfig())
	task := readyTask(1, 0, domain.Tags{})
	rq.Enqueue(task)

	rq.Charge(task, 4*SliceMin+1)
	if task.Burst.Score != 1 {
		t.Errorf("long slice should raise burst score to 1, got %d", task.Burst.Score)
	}

	task.Burst.Score = 10
	rq.Charge(task, SliceMin/2-1)
	if task.Burst.Score != 9 {
		t.Errorf("short slice should lower burst score to 9, got %d", task.Burst.Score)
	}
}

func TestBurstScoreClampsAt0And39(t *testing.T) {
	rq := New(DefaultConfig())
	task := readyTask(1, 0, domain.Tags{})
	rq.Enqueue(task)
	for i := 0; i < 100; i++ {
		rq.Charge(task, SliceMin/2-1)
	}
	if task.Burst.Score != domain.BurstScoreMin {
		t.Errorf("burst score after 100 short bursts = %d, want %d", task.Burst.Score, domain.BurstScoreMin)
	}
	for i := 0; i < 100; i++ {
		rq.Charge(task, 4*SliceMin+1)
	}
	if task.Burst.Score != domain.BurstScoreMax {
		t.Errorf("burst score after 100 long bursts = %d, want %d", task.Burst.Score, domain.BurstScoreMax)
	}
}

func TestEnqueueAppliesBurstPenaltyAboveThreshold(t *testing.T) {
	rq := New(DefaultConfig())
	task := readyTask(1, 0, domain.Tags{})
	task.Burst.Score = 30 // > 20
	before := task.VRuntime

	_ = rq.Enqueue(task)

	if task.VRuntime <= before {
		t.Errorf("enqueue with burst score 30 should add a vruntime penalty, vruntime stayed at %d", task.VRuntime)
	}
	wantPenalty := uint64(30-20) * uint64(burstPenaltyNonGaming)
	if task.VRuntime != before+wantPenalty {
		t.Errorf("vruntime = %d, want %d (penalty %d)", task.VRuntime, before+wantPenalty, wantPenalty)
	}
}

func TestGamingTagHalvesBurstPenalty(t *testing.T) {
	rq := New(DefaultConfig())
	task := readyTask(1, 0, domain.Tags{IsGaming: true})
	task.Burst.Score = 30
	before := task.VRuntime
	rq.Enqueue(task)
	wantPenalty := uint64(30-20) * uint64(burstPenaltyNonGaming/2)
	if task.VRuntime != before+wantPenalty {
		t.Errorf("gaming task vruntime = %d, want %d (halved penalty)", task.VRuntime, before+wantPenalty)
	}
}

func TestEffectiveSliceShrinksForGamingTags(t *testing.T) {
	rq := New(DefaultConfig())
	plain := domain.NewTask(1, 0, domain.Tags{})
	input := domain.NewTask(2, 0, domain.Tags{IsInput: true})
	input.Tags.Normalize()

	plainSlice := rq.EffectiveSlice(plain)
	inputSlice := rq.EffectiveSlice(input)
	if inputSlice >= plainSlice {
		t.Errorf("input-tagged task slice (%d) should be smaller than plain task slice (%d)", inputSlice, plainSlice)
	}
}

func TestShouldPreemptOnBetterDeadline(t *testing.T) {
	rq := New(DefaultConfig())
	current := readyTask(1, 0, domain.Tags{})
	rq.Enqueue(current)
	rq.Dequeue(current.ID)
	current.State = domain.Running

	better := readyTask(2, 0, domain.Tags{})
	rq.Enqueue(better)
	better.Deadline = 1 // far smaller than current's deadline

	if !rq.ShouldPreempt(current, 0) {
		t.Errorf("ShouldPreempt should be true when an eligible task has a strictly smaller deadline")
	}
}

func TestGamingCountersTrackTags(t *testing.T) {
	rq := New(DefaultConfig())
	rq.Enqueue(readyTask(1, 0, domain.Tags{IsFrameCritical: true}))
	rq.Enqueue(readyTask(2, 0, domain.Tags{IsAudio: true}))

	gaming, frameCritical, input, audio := rq.GamingCounters()
	if gaming != 2 {
		t.Errorf("gaming count = %d, want 2 (frame-critical implies gaming)", gaming)
	}
	if frameCritical != 1 || input != 0 || audio != 1 {
		t.Errorf("counters = (%d,%d,%d), want (1,0,1)", frameCritical, input, audio)
	}

	rq.Dequeue(1)
	gaming, frameCritical, _, _ = rq.GamingCounters()
	if gaming != 1 || frameCritical != 0 {
		t.Errorf("after dequeue counters = (%d,%d), want (1,0)", gaming, frameCritical)
	}
}

func TestInboxDrainsIntoTimeline(t *testing.T) {
	rq := New(DefaultConfig())
	task := readyTask(1, 0, domain.Tags{})
	rq.PushInbox(task)
	if rq.Len() != 0 {
		t.Fatalf("inbox push should not affect timeline length until drained")
	}
	errs := rq.DrainInbox()
	if len(errs) != 0 {
		t.Fatalf("DrainInbox errors: %v", errs)
	}
	if rq.Len() != 1 {
		t.Errorf("DrainInbox should enqueue the pending task")
	}
}

func TestMinVRuntimeNonDecreasing(t *testing.T) {
	rq := New(DefaultConfig())
	a := readyTask(1, 0, domain.Tags{})
	rq.Enqueue(a)
	rq.Charge(a, 2_000_000)
	rq.Dequeue(a.ID)
	first := rq.MinVRuntime()

	b := readyTask(2, 0, domain.Tags{})
	b.VRuntime = 0 // far below the floor
	rq.Enqueue(b)
	if rq.MinVRuntime() < first {
		t.Errorf("min_vruntime decreased from %d to %d", first, rq.MinVRuntime())
	}
}
