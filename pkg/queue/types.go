package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists all valid task statuses in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusScheduled,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Valid checks if the status is one of the known lifecycle states
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority represents task priority. Higher values are dispatched first.
// Using int8 provides sufficient range while keeping memory footprint minimal
type Priority int8

// Priority constants
const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
	PriorityDefault  Priority = PriorityMedium
)

// Valid checks if the priority is within valid range
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// String returns the lowercase name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int8(p))
}

// ParsePriority converts a priority name to its Priority value
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// MarshalJSON encodes the priority as its name
func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int8(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority name
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// FailureKind classifies why a task attempt failed
type FailureKind string

const (
	FailureHandler       FailureKind = "handler_error"
	FailureTimeout       FailureKind = "timeout"
	FailurePanic         FailureKind = "panic"
	FailureUnknownAction FailureKind = "unknown_action"
	FailureLeaseExpired  FailureKind = "lease_expired"
)

// Task represents a unit of schedulable work with a priority, payload, and
// retry budget. ID, TaskName, Payload, Priority, MaxAttempts, Tags, and
// CreatedAt are immutable after creation; Status changes only through
// validated transitions persisted via Storage.ConditionalUpdate.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	TaskName       string          `json:"task_name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         Status          `json:"status"`
	Priority       Priority        `json:"priority"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	MaxAttempts    int             `json:"max_attempts"`
	AttemptCount   int             `json:"attempt_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	WorkerID       *uuid.UUID      `json:"worker_id,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// Ready reports whether the task is eligible to be claimed at the given time
func (t *Task) Ready(now time.Time) bool {
	if t.Status != StatusPending && t.Status != StatusScheduled {
		return false
	}
	return !t.ScheduledAt.After(now)
}

// Filter narrows task listings. Nil fields match everything.
type Filter struct {
	Status   *Status
	Priority *Priority
	Limit    int
	Offset   int
}
