package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskChange describes the field mutations applied alongside a status
// transition. Nil pointer fields are left untouched. ReleaseClaim clears the
// worker binding and lease, and is set on every transition out of running.
type TaskChange struct {
	Status         Status
	AttemptCount   *int
	ScheduledAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LeaseExpiresAt *time.Time
	WorkerID       *uuid.UUID
	LastError      *string
	Result         json.RawMessage
	ReleaseClaim   bool
}

// Storage is the durable record of tasks. ConditionalUpdate is the single
// mutation primitive for the scheduling loop: it has compare-and-set
// semantics against the stored status, which makes the claim protocol and
// every outcome transition race-free without any lock shared across workers.
type Storage interface {
	// CreateTask inserts a new task. Returns ErrTaskExists on ID collision.
	// Used only by the submission path, never by the scheduling loop.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask returns the task with the given ID or ErrTaskNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// QueryReady returns up to limit tasks in pending or scheduled status
	// whose scheduled time has elapsed. The result may be a superset ordered
	// approximation; the dispatcher re-sorts candidates through ReadyQueue.
	QueryReady(ctx context.Context, limit int) ([]Task, error)

	// ConditionalUpdate atomically applies change if and only if the stored
	// status still equals expected. Returns ErrStatusConflict on mismatch and
	// ErrTaskNotFound when the task does not exist. Implementations must also
	// reject changes that violate the lifecycle table.
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, change TaskChange) error

	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter Filter) ([]Task, error)

	// CountsByStatus returns the number of tasks in each lifecycle state.
	CountsByStatus(ctx context.Context) (map[Status]int64, error)

	// ReclaimExpired returns running tasks whose lease expired before now to
	// the scheduled state, clearing the worker binding so another worker can
	// claim them. Tasks already at their attempt ceiling move to failed
	// instead, since no attempt remains to reschedule into. Returns the
	// number of reclaimed tasks.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
}

// leaseExpiredError is recorded as last_error when an expired lease consumed
// the task's final attempt and the reclaim sweep fails it.
const leaseExpiredError = string(FailureLeaseExpired) + ": lease expired with no attempts remaining"

// applyChange mutates a task in place per the change set. Shared by storage
// implementations that operate on in-memory task values.
func applyChange(t *Task, change TaskChange, now time.Time) {
	t.Status = change.Status
	t.UpdatedAt = now

	if change.AttemptCount != nil {
		t.AttemptCount = *change.AttemptCount
	}
	if change.ScheduledAt != nil {
		t.ScheduledAt = *change.ScheduledAt
	}
	if change.StartedAt != nil {
		t.StartedAt = change.StartedAt
	}
	if change.CompletedAt != nil {
		t.CompletedAt = change.CompletedAt
	}
	if change.LeaseExpiresAt != nil {
		t.LeaseExpiresAt = change.LeaseExpiresAt
	}
	if change.WorkerID != nil {
		t.WorkerID = change.WorkerID
	}
	if change.LastError != nil {
		t.LastError = change.LastError
	}
	if change.Result != nil {
		t.Result = change.Result
	}
	if change.ReleaseClaim {
		t.WorkerID = nil
		t.LeaseExpiresAt = nil
	}
}
