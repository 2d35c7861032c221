package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ServiceOption is a functional option for configuring a Service
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	defaultPriority    Priority
	defaultMaxAttempts int
	logger             *slog.Logger
	notify             func()
}

// WithDefaultPriority sets the priority used when Submit receives none
func WithDefaultPriority(p Priority) ServiceOption {
	return func(o *serviceOptions) {
		if p.Valid() {
			o.defaultPriority = p
		}
	}
}

// WithDefaultMaxAttempts sets the attempt ceiling used when Submit receives none
func WithDefaultMaxAttempts(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n > 0 {
			o.defaultMaxAttempts = n
		}
	}
}

// WithServiceLogger sets the logger for the service
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSubmitNotifier registers a callback invoked after a task becomes due
// at submission time. Wired to WorkerPool.Wake so a newly submitted ready
// task does not wait out a full poll interval.
func WithSubmitNotifier(fn func()) ServiceOption {
	return func(o *serviceOptions) {
		if fn != nil {
			o.notify = fn
		}
	}
}

// SubmitOption is a functional option for the Submit method
type SubmitOption func(*submitOptions)

type submitOptions struct {
	priority    *Priority
	maxAttempts *int
	delay       time.Duration
	scheduledAt *time.Time
	tags        []string
}

// WithPriority sets the priority for the task
func WithPriority(p Priority) SubmitOption {
	return func(o *submitOptions) {
		o.priority = &p
	}
}

// WithMaxAttempts sets the maximum number of execution attempts
func WithMaxAttempts(n int) SubmitOption {
	return func(o *submitOptions) {
		o.maxAttempts = &n
	}
}

// WithDelay defers the task's eligibility by the given duration
func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithScheduledAt sets an absolute time before which the task will not run
func WithScheduledAt(at time.Time) SubmitOption {
	return func(o *submitOptions) {
		o.scheduledAt = &at
	}
}

// WithTags attaches informational labels to the task. Tags never affect
// scheduling.
func WithTags(tags ...string) SubmitOption {
	return func(o *submitOptions) {
		o.tags = tags
	}
}

// Service is the submission and observation surface of the engine: it
// creates tasks, cancels them, and answers status queries. All scheduling
// decisions live in WorkerPool; the service never claims work.
type Service struct {
	storage            Storage
	defaultPriority    Priority
	defaultMaxAttempts int
	logger             *slog.Logger
	notify             func()
}

// NewService creates a task service backed by the given storage
func NewService(storage Storage, opts ...ServiceOption) (*Service, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}

	options := &serviceOptions{
		defaultPriority:    PriorityDefault,
		defaultMaxAttempts: 3,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Service{
		storage:            storage,
		defaultPriority:    options.defaultPriority,
		defaultMaxAttempts: options.defaultMaxAttempts,
		logger:             options.logger,
		notify:             options.notify,
	}, nil
}

// Submit creates a new task for the named action and returns its ID.
// Submission is atomic: either the task is durably created or an error is
// returned and nothing is stored. A task scheduled in the future starts in
// the scheduled status and stays invisible to workers until due.
func (s *Service) Submit(ctx context.Context, taskName string, payload any, opts ...SubmitOption) (uuid.UUID, error) {
	if taskName == "" {
		return uuid.Nil, errors.New("task name cannot be empty")
	}
	if payload == nil {
		return uuid.Nil, ErrPayloadNil
	}

	options := &submitOptions{}
	for _, opt := range opts {
		opt(options)
	}

	task, err := s.buildTask(taskName, payload, options)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.storage.CreateTask(ctx, task); err != nil {
		return uuid.Nil, errors.Join(ErrTaskCreate, err)
	}

	s.logger.Debug("task submitted",
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName),
		slog.String("priority", task.Priority.String()),
		slog.Time("scheduled_at", task.ScheduledAt))

	if s.notify != nil && task.Status == StatusPending {
		s.notify()
	}

	return task.ID, nil
}

// buildTask constructs and validates a Task from payload and options
func (s *Service) buildTask(taskName string, payload any, options *submitOptions) (*Task, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(ErrPayloadMarshal, err)
	}

	priority := s.defaultPriority
	if options.priority != nil {
		priority = *options.priority
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int8(priority))
	}

	maxAttempts := s.defaultMaxAttempts
	if options.maxAttempts != nil {
		maxAttempts = *options.maxAttempts
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxAttempts, maxAttempts)
	}

	now := time.Now()
	scheduledAt := now
	status := StatusPending
	if options.scheduledAt != nil {
		scheduledAt = *options.scheduledAt
	} else if options.delay > 0 {
		scheduledAt = now.Add(options.delay)
	}
	if scheduledAt.After(now) {
		status = StatusScheduled
	}

	return &Task{
		ID:          uuid.New(),
		TaskName:    taskName,
		Payload:     payloadBytes,
		Status:      status,
		Priority:    priority,
		ScheduledAt: scheduledAt,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		Tags:        options.tags,
	}, nil
}

// Cancel moves a task to the cancelled state. Cancelling a running task is
// advisory: the in-flight attempt is not interrupted, but its outcome is
// discarded once the status is terminal. Returns ErrAlreadyTerminal when the
// task has already finished.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	// Optimistic loop: the status may move under us between the read and the
	// conditional update, so retry against the fresh status a few times.
	for attempt := 0; attempt < 3; attempt++ {
		task, err := s.storage.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, task.Status)
		}

		now := time.Now()
		err = s.storage.ConditionalUpdate(ctx, id, task.Status, TaskChange{
			Status:       StatusCancelled,
			CompletedAt:  &now,
			ReleaseClaim: true,
		})
		if err == nil {
			s.logger.Info("task cancelled",
				slog.String("task_id", id.String()),
				slog.String("task_name", task.TaskName))
			return nil
		}
		if !errors.Is(err, ErrStatusConflict) {
			return err
		}
	}
	return fmt.Errorf("cancel task %s: %w", id, ErrStatusConflict)
}

// GetTask returns the task with the given ID
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return s.storage.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter
func (s *Service) ListTasks(ctx context.Context, filter Filter) ([]Task, error) {
	return s.storage.ListTasks(ctx, filter)
}

// CountsByStatus returns the number of tasks in each lifecycle state
func (s *Service) CountsByStatus(ctx context.Context) (map[Status]int64, error) {
	return s.storage.CountsByStatus(ctx)
}
