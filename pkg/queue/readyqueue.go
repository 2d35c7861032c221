package queue

import (
	"bytes"
	"container/heap"
	"sync"
)

// ReadyQueue ranks ready-to-run tasks by priority, scheduled time, creation
// time, and finally ID for a deterministic total order. It is a derived,
// recomputable view over the storage's ready set, not a source of truth:
// claim atomicity comes from Storage.ConditionalUpdate, so a stale entry
// popped here simply loses the claim race and is skipped.
type ReadyQueue struct {
	mu sync.Mutex
	h  taskHeap
}

// NewReadyQueue creates an empty ready queue
func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{}
}

// Push adds candidate tasks to the queue
func (q *ReadyQueue) Push(tasks ...Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range tasks {
		heap.Push(&q.h, t)
	}
}

// Pop removes and returns the top-ranked task. The second return value is
// false when the queue is empty.
func (q *ReadyQueue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return Task{}, false
	}
	return heap.Pop(&q.h).(Task), true
}

// Peek returns the top-ranked task without removing it
func (q *ReadyQueue) Peek() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return Task{}, false
	}
	return q.h[0], true
}

// Len returns the number of queued candidates
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Clear drops all queued candidates
func (q *ReadyQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = nil
}

// dispatchBefore is the total dispatch order: priority descending, then
// scheduled time, creation time, and ID ascending. The ID tie-break makes
// the order deterministic for tasks created in the same instant.
func dispatchBefore(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// taskHeap orders tasks by the dispatch key.
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return dispatchBefore(h[i], h[j]) }

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
