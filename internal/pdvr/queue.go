// Package pdvr implements the Plan-Do-Verify-Reflect execution loop that
// drives AgentState, dispatching tasks through the ResourceGovernor and
// ContextWindowManager, recording outcomes, and synthesizing
// self-improvement tasks.
package pdvr

import (
	"container/heap"

	"github.com/dohr-michael/ozzie/internal/tasks"
)

// TaskQueue orders pending tasks by (priority_rank, created_at, id), per
// strict-weak order; lower priority rank runs first.
// Re-queued tasks (PushFront) bypass this ordering entirely: they sit in
// a separate LIFO front stack that Pop always drains before touching the
// priority heap, per the Do-phase requeue rule ("re-queue the Task at the
// front", independent of its own priority).
type TaskQueue struct {
	front []*tasks.Task
	h     taskHeap
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{}
	heap.Init(&q.h)
	return q
}

// Push inserts a task, ordered position determined by its priority/
// created_at/id.
func (q *TaskQueue) Push(t *tasks.Task) {
	heap.Push(&q.h, t)
}

// PushFront re-queues a task ahead of every task in the priority heap,
// used when a Do-phase acquisition fails with QuotaExceeded or a
// recoverable error occurs.
func (q *TaskQueue) PushFront(t *tasks.Task) {
	q.front = append(q.front, t)
}

// Pop removes and returns the next task to run: first any front-queued
// task (most recently requeued first), then the highest-priority task in
// the heap, or nil if the queue is empty.
func (q *TaskQueue) Pop() *tasks.Task {
	if n := len(q.front); n > 0 {
		t := q.front[n-1]
		q.front = q.front[:n-1]
		return t
	}
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*tasks.Task)
}

// Len reports the number of pending tasks.
func (q *TaskQueue) Len() int { return len(q.front) + q.h.Len() }

// frontSnapshot copies the requeued-front stack, oldest first.
func (q *TaskQueue) frontSnapshot() []*tasks.Task {
	return append([]*tasks.Task(nil), q.front...)
}

// heapSnapshot copies the priority-heap contents in no particular order;
// rebuilding via Push restores the heap invariant.
func (q *TaskQueue) heapSnapshot() []*tasks.Task {
	return append([]*tasks.Task(nil), q.h...)
}

type taskHeap []*tasks.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*tasks.Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
