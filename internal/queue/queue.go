// Package queue provides the comparator-ordered task queue used by the
// orchestrator's dispatch loop.
//
// Ordering is total: priority rank first (critical dequeues before low),
// submission sequence second, so equal-priority tasks leave in FIFO order.
// The queue is single-owner: the orchestrator serializes all access. It is
// not safe for uncoordinated concurrent mutation.
package queue

import (
	"sort"

	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

type entry struct {
	task *protocol.Task
	seq  uint64
}

// Queue holds pending tasks in dispatch order.
type Queue struct {
	items   []entry
	nextSeq uint64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

func less(a, b entry) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	return a.seq < b.seq
}

// Enqueue inserts the task in order.
func (q *Queue) Enqueue(t *protocol.Task) {
	e := entry{task: t, seq: q.nextSeq}
	q.nextSeq++

	i := sort.Search(len(q.items), func(i int) bool {
		return less(e, q.items[i])
	})
	q.items = append(q.items, entry{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e
}

// Dequeue removes and returns the head, or nil when empty.
func (q *Queue) Dequeue() *protocol.Task {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0].task
	q.items = q.items[1:]
	return t
}

// Peek returns the head without removing it, or nil when empty.
func (q *Queue) Peek() *protocol.Task {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].task
}

// DequeueMatch removes and returns the first task in dispatch order for
// which match returns true, or nil if none matches. The dispatch loop uses
// it to scan past a head whose target agent is not ready.
func (q *Queue) DequeueMatch(match func(*protocol.Task) bool) *protocol.Task {
	for i, e := range q.items {
		if match(e.task) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return e.task
		}
	}
	return nil
}

// Remove deletes the task with the given id. It reports whether the task
// was queued.
func (q *Queue) Remove(id string) bool {
	for i, e := range q.items {
		if e.task.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.items)
}

// Snapshot returns the queued tasks in dispatch order.
func (q *Queue) Snapshot() []*protocol.Task {
	out := make([]*protocol.Task, len(q.items))
	for i, e := range q.items {
		out[i] = e.task
	}
	return out
}
