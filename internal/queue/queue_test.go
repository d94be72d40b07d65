package queue

import (
	"testing"

	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

func mk(taskType string, p protocol.Priority) *protocol.Task {
	return protocol.NewTask(taskType, nil, p)
}

func TestDequeuePriorityOrder(t *testing.T) {
	q := New()
	low := mk("low", protocol.PriorityLow)
	critical := mk("critical", protocol.PriorityCritical)
	medium := mk("medium", protocol.PriorityMedium)

	q.Enqueue(low)
	q.Enqueue(critical)
	q.Enqueue(medium)

	want := []*protocol.Task{critical, medium, low}
	for i, expected := range want {
		got := q.Dequeue()
		if got == nil || got.ID != expected.ID {
			t.Fatalf("dequeue %d: got %v, want %s", i, got, expected.Type)
		}
	}
	if q.Dequeue() != nil {
		t.Fatal("empty queue must dequeue nil")
	}
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	q := New()
	first := mk("first", protocol.PriorityHigh)
	second := mk("second", protocol.PriorityHigh)
	third := mk("third", protocol.PriorityHigh)

	q.Enqueue(first)
	q.Enqueue(second)
	q.Enqueue(third)

	for _, expected := range []*protocol.Task{first, second, third} {
		if got := q.Dequeue(); got.ID != expected.ID {
			t.Fatalf("got %s, want %s", got.Type, expected.Type)
		}
	}
}

func TestHigherPriorityOvertakesEarlierSubmission(t *testing.T) {
	q := New()
	early := mk("early", protocol.PriorityMedium)
	late := mk("late", protocol.PriorityCritical)

	q.Enqueue(early)
	q.Enqueue(late)

	if got := q.Dequeue(); got.ID != late.ID {
		t.Fatalf("critical task must dequeue before earlier medium task, got %s", got.Type)
	}
}

func TestDequeueMatchSkipsBlockedHead(t *testing.T) {
	q := New()
	blocked := mk("blocked", protocol.PriorityCritical)
	runnable := mk("runnable", protocol.PriorityLow)

	q.Enqueue(blocked)
	q.Enqueue(runnable)

	got := q.DequeueMatch(func(task *protocol.Task) bool {
		return task.ID != blocked.ID
	})
	if got == nil || got.ID != runnable.ID {
		t.Fatalf("expected the runnable task past the blocked head, got %v", got)
	}

	// The blocked head stays queued at its position.
	if q.Len() != 1 || q.Peek().ID != blocked.ID {
		t.Fatalf("blocked head must remain queued, len=%d", q.Len())
	}
}

func TestDequeueMatchNoMatch(t *testing.T) {
	q := New()
	q.Enqueue(mk("a", protocol.PriorityLow))

	if got := q.DequeueMatch(func(*protocol.Task) bool { return false }); got != nil {
		t.Fatalf("expected nil with no match, got %v", got)
	}
	if q.Len() != 1 {
		t.Fatal("no-match scan must not remove anything")
	}
}

func TestRemove(t *testing.T) {
	q := New()
	keep := mk("keep", protocol.PriorityMedium)
	drop := mk("drop", protocol.PriorityMedium)
	q.Enqueue(keep)
	q.Enqueue(drop)

	if !q.Remove(drop.ID) {
		t.Fatal("remove of queued task must report true")
	}
	if q.Remove(drop.ID) {
		t.Fatal("second remove must report false")
	}
	if q.Len() != 1 || q.Peek().ID != keep.ID {
		t.Fatal("remaining task mismatch after remove")
	}
}

func TestSnapshotReflectsDispatchOrder(t *testing.T) {
	q := New()
	low := mk("low", protocol.PriorityLow)
	high := mk("high", protocol.PriorityHigh)
	q.Enqueue(low)
	q.Enqueue(high)

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].ID != high.ID || snap[1].ID != low.ID {
		t.Fatalf("snapshot order wrong: %v", snap)
	}
}
