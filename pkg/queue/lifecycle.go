package queue

import (
	"errors"
	"fmt"
)

// validTransitions is the authoritative lifecycle table. Every status change
// persisted by the engine is validated against it; the single cycle is the
// retry edge running -> scheduled, bounded by MaxAttempts at claim time.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusScheduled: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusScheduled: true, // retry with backoff
		StatusFailed:    true,
		StatusCancelled: true,
	},
	// Terminal states have no outgoing edges.
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// TransitionError describes a rejected lifecycle transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task transition from %q to %q", e.From, e.To)
}

// Is makes TransitionError match ErrAlreadyTerminal when the source state is
// terminal, so callers can handle finality without unpacking the struct.
func (e *TransitionError) Is(target error) bool {
	return target == ErrAlreadyTerminal && e.From.Terminal()
}

// CanTransition reports whether the lifecycle permits moving from one status
// to another.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// ValidateTransition returns a TransitionError when the lifecycle forbids the
// move. The error matches ErrAlreadyTerminal via errors.Is when the source
// status is terminal.
func ValidateTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return &TransitionError{From: from, To: to}
	}
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// IsTransitionError reports whether err is a lifecycle transition rejection.
func IsTransitionError(err error) bool {
	var e *TransitionError
	return errors.As(err, &e)
}
