package queue

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage in process memory. Suitable for tests and
// local development; it enforces the same contract the durable adapters do:
// compare-and-set on status, lifecycle validation, the attempt ceiling, and
// terminal-state immutability.
type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task

	// Index for efficient ready/counts queries
	byStatus map[Status][]uuid.UUID
}

// NewMemoryStorage creates a new in-memory storage implementation
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks:    make(map[uuid.UUID]*Task),
		byStatus: make(map[Status][]uuid.UUID),
	}
}

// CreateTask implements Storage
func (ms *MemoryStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}

	// Clone to prevent external modifications
	taskCopy := cloneTask(task)
	ms.tasks[task.ID] = taskCopy
	ms.byStatus[task.Status] = append(ms.byStatus[task.Status], task.ID)

	return nil
}

// GetTask implements Storage
func (ms *MemoryStorage) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	task, exists := ms.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneTask(task), nil
}

// QueryReady implements Storage
func (ms *MemoryStorage) QueryReady(ctx context.Context, limit int) ([]Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	now := time.Now()
	var ready []Task
	for _, status := range []Status{StatusPending, StatusScheduled} {
		for _, id := range ms.byStatus[status] {
			task := ms.tasks[id]
			if task.Ready(now) {
				ready = append(ready, *cloneTask(task))
			}
		}
	}

	sort.Slice(ready, func(i, j int) bool { return dispatchBefore(ready[i], ready[j]) })

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// ConditionalUpdate implements Storage. The update succeeds only when the
// stored status still equals expected, making it the single synchronization
// point for concurrent workers.
func (ms *MemoryStorage) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, change TaskChange) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if task.Status != expected {
		return fmt.Errorf("%w: expected %q, have %q", ErrStatusConflict, expected, task.Status)
	}

	// Same-status updates (lease extension) carry no transition.
	if change.Status != task.Status {
		if err := ValidateTransition(task.Status, change.Status); err != nil {
			return err
		}
	}

	if change.AttemptCount != nil && *change.AttemptCount > task.MaxAttempts {
		return fmt.Errorf("attempt count %d exceeds ceiling %d for task %s",
			*change.AttemptCount, task.MaxAttempts, id)
	}

	prev := task.Status
	applyChange(task, change, time.Now())

	if task.Status != prev {
		ms.removeFromStatusIndex(id, prev)
		ms.byStatus[task.Status] = append(ms.byStatus[task.Status], id)
	}

	return nil
}

// ListTasks implements Storage
func (ms *MemoryStorage) ListTasks(ctx context.Context, filter Filter) ([]Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var tasks []Task
	for _, task := range ms.tasks {
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		if filter.Priority != nil && task.Priority != *filter.Priority {
			continue
		}
		tasks = append(tasks, *cloneTask(task))
	}

	// Newest first, ID tie-break for stable pagination
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID.String() < tasks[j].ID.String()
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// CountsByStatus implements Storage. Every lifecycle state appears in the
// result, zero counts included.
func (ms *MemoryStorage) CountsByStatus(ctx context.Context) (map[Status]int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	counts := make(map[Status]int64, len(Statuses))
	for _, s := range Statuses {
		counts[s] = int64(len(ms.byStatus[s]))
	}
	return counts, nil
}

// ReclaimExpired implements Storage. Tasks whose lease expired return to the
// scheduled state keeping their attempt count, so the retry budget still
// bounds total work after a worker crash. A task whose expired lease held
// its final attempt has no budget left to reschedule into and fails instead.
func (ms *MemoryStorage) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	reclaimed := 0
	for _, id := range slices.Clone(ms.byStatus[StatusRunning]) {
		task := ms.tasks[id]
		if task.LeaseExpiresAt == nil || !task.LeaseExpiresAt.Before(now) {
			continue
		}

		next := StatusScheduled
		if task.AttemptCount >= task.MaxAttempts {
			next = StatusFailed
			completed := now
			lastError := leaseExpiredError
			task.CompletedAt = &completed
			task.LastError = &lastError
		}
		task.Status = next
		task.WorkerID = nil
		task.LeaseExpiresAt = nil
		task.UpdatedAt = now

		ms.removeFromStatusIndex(id, StatusRunning)
		ms.byStatus[next] = append(ms.byStatus[next], id)
		reclaimed++
	}
	return reclaimed, nil
}

func (ms *MemoryStorage) removeFromStatusIndex(id uuid.UUID, status Status) {
	ms.byStatus[status] = slices.DeleteFunc(ms.byStatus[status], func(other uuid.UUID) bool {
		return other == id
	})
}

// cloneTask deep-copies a task so callers cannot mutate stored state.
func cloneTask(t *Task) *Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.LeaseExpiresAt != nil {
		v := *t.LeaseExpiresAt
		c.LeaseExpiresAt = &v
	}
	if t.WorkerID != nil {
		v := *t.WorkerID
		c.WorkerID = &v
	}
	if t.LastError != nil {
		v := *t.LastError
		c.LastError = &v
	}
	c.Payload = slices.Clone(t.Payload)
	c.Result = slices.Clone(t.Result)
	c.Tags = slices.Clone(t.Tags)
	return &c
}
