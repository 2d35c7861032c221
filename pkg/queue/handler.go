package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type (
	// Handler executes the business logic bound to a task name. Handlers are
	// invoked at least once per task and must therefore be idempotent. The
	// returned raw message, if any, is stored as the task result.
	Handler interface {
		Name() string
		Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	}

	// HandlerFunc is the typed handler signature wrapped by NewHandler.
	HandlerFunc[T any] func(ctx context.Context, payload T) (any, error)
)

// NewHandler wraps a typed handler function under an explicit task name.
// The payload is unmarshaled into T before invocation and the returned value
// is marshaled into the task result.
func NewHandler[T any](name string, fn HandlerFunc[T]) Handler {
	return &typedHandler[T]{name: name, fn: fn}
}

type typedHandler[T any] struct {
	name string
	fn   HandlerFunc[T]
}

func (h *typedHandler[T]) Name() string { return h.name }

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var t T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("unmarshal payload for task %q: %w", h.name, err)
		}
	}

	out, err := h.fn(ctx, t)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal result for task %q: %w", h.name, err)
	}
	return result, nil
}

// Registry maps task names to handlers. Dispatch resolves the handler for a
// claimed task here; an unresolved name is an unknown-action failure, not a
// panic or open-ended dynamic dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Returns ErrHandlerAlreadyRegistered when the name
// is taken.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrHandlerAlreadyRegistered, h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// RegisterAll adds multiple handlers, stopping at the first error
func (r *Registry) RegisterAll(handlers ...Handler) error {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the handler registered under name
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	return h, ok
}

// Len returns the number of registered handlers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
