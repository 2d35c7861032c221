package queue

import "errors"

// Common errors
var (
	// ErrStorageNil is returned when a nil storage is provided
	ErrStorageNil = errors.New("storage cannot be nil")

	// ErrPayloadNil is returned when attempting to submit a nil payload
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrPayloadMarshal is returned when payload marshaling fails
	ErrPayloadMarshal = errors.New("failed to marshal payload to JSON")

	// ErrTaskCreate is returned when task creation in storage fails
	ErrTaskCreate = errors.New("failed to create task in storage")

	// ErrTaskNotFound is returned when no task exists with the requested ID
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned when creating a task with an ID already in use
	ErrTaskExists = errors.New("task already exists")

	// ErrInvalidPriority is returned when priority is not one of the known levels
	ErrInvalidPriority = errors.New("invalid task priority")

	// ErrInvalidMaxAttempts is returned when the attempt ceiling is not positive
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

	// ErrStatusConflict is returned by a conditional update when the stored
	// status no longer matches the expected status. It is the compare-and-set
	// failure every optimistic mutation in the engine funnels through.
	ErrStatusConflict = errors.New("task status changed concurrently")

	// ErrAlreadyClaimed is returned when a claim attempt loses the race for a
	// task. Expected control flow, not an error condition: the caller moves on
	// to the next candidate.
	ErrAlreadyClaimed = errors.New("task already claimed by another worker")

	// ErrAlreadyTerminal is returned when cancelling a task that has already
	// completed, failed, or been cancelled
	ErrAlreadyTerminal = errors.New("task already in a terminal state")

	// ErrHandlerNotFound is returned when no handler is registered for a task name
	ErrHandlerNotFound = errors.New("no handler registered for task name")

	// ErrHandlerAlreadyRegistered is returned when registering a duplicate handler
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")

	// ErrNoHandlers is returned when a worker pool starts with an empty registry
	ErrNoHandlers = errors.New("no task handlers registered")
)
