package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// WorkerOption is a functional option for configuring a worker pool
type WorkerOption func(*workerOptions)

type workerOptions struct {
	workers         int
	pollInterval    time.Duration
	lockTimeout     time.Duration
	execTimeout     time.Duration
	reclaimInterval time.Duration
	policy          RetryPolicy
	logger          *slog.Logger
	clock           func() time.Time
}

// WithWorkers sets the number of concurrent workers
func WithWorkers(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPollInterval sets how often idle workers re-check for ready tasks
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLockTimeout sets the claim lease duration. A worker that disappears
// mid-execution holds its task no longer than this before the reclaim sweep
// returns it to the scheduled state.
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithExecTimeout bounds a single handler invocation. An attempt exceeding
// it is treated as a timeout failure; the handler itself is only cancelled
// cooperatively through its context.
func WithExecTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.execTimeout = d
		}
	}
}

// WithReclaimInterval sets how often expired leases are swept
func WithReclaimInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.reclaimInterval = d
		}
	}
}

// WithRetryPolicy sets the task retry/backoff policy
func WithRetryPolicy(p RetryPolicy) WorkerOption {
	return func(o *workerOptions) {
		o.policy = p
	}
}

// WithWorkerLogger sets the logger for the worker pool
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// withClock overrides the time source. Test hook.
func withClock(fn func() time.Time) WorkerOption {
	return func(o *workerOptions) {
		if fn != nil {
			o.clock = fn
		}
	}
}

// WorkerPool drives the claim -> execute -> resolve cycle across a fixed
// set of concurrent workers. Each worker runs an independent sequential
// loop; the only shared mutation point is the storage's conditional update,
// so workers never block each other beyond losing an occasional claim race.
type WorkerPool struct {
	storage  Storage
	registry *Registry
	policy   RetryPolicy
	poolID   uuid.UUID

	workers         int
	pollInterval    time.Duration
	lockTimeout     time.Duration
	execTimeout     time.Duration
	reclaimInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time

	ready    *ReadyQueue
	refillMu sync.Mutex
	wake     chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a worker pool that dispatches tasks from storage to
// handlers in the registry.
func NewWorkerPool(storage Storage, registry *Registry, opts ...WorkerOption) (*WorkerPool, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	if registry == nil {
		registry = NewRegistry()
	}

	options := &workerOptions{
		workers:         4,
		pollInterval:    5 * time.Second,
		lockTimeout:     5 * time.Minute,
		execTimeout:     5 * time.Minute,
		reclaimInterval: 30 * time.Second,
		policy:          NewRetryPolicy(),
		logger:          slog.Default(),
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &WorkerPool{
		storage:         storage,
		registry:        registry,
		policy:          options.policy,
		poolID:          uuid.New(),
		workers:         options.workers,
		pollInterval:    options.pollInterval,
		lockTimeout:     options.lockTimeout,
		execTimeout:     options.execTimeout,
		reclaimInterval: options.reclaimInterval,
		logger:          options.logger,
		now:             options.clock,
		ready:           NewReadyQueue(),
		wake:            make(chan struct{}, 1),
	}, nil
}

// Start launches the workers and the lease reclaim sweep in the background
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return errors.New("worker pool already started")
	}
	if p.registry.Len() == 0 {
		p.mu.Unlock()
		return ErrNoHandlers
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.workerLoop(ctx, n)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reclaimLoop(ctx)
	}()

	p.logger.Info("worker pool started",
		slog.String("pool_id", p.poolID.String()),
		slog.Int("workers", p.workers),
		slog.Duration("poll_interval", p.pollInterval))

	return nil
}

// Stop gracefully shuts down the pool, waiting for in-flight attempts
func (p *WorkerPool) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return errors.New("worker pool not started")
	}

	cancel()

	p.logger.Info("worker pool stopping, waiting for active tasks",
		slog.String("pool_id", p.poolID.String()))
	p.wg.Wait()
	p.logger.Info("worker pool stopped", slog.String("pool_id", p.poolID.String()))

	return nil
}

// Run starts the pool and returns a function suitable for errgroup
func (p *WorkerPool) Run(ctx context.Context) func() error {
	return func() error {
		if err := p.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return p.Stop()
	}
}

// Wake nudges an idle worker to re-check for ready tasks immediately.
// Non-blocking; coalesces concurrent calls.
func (p *WorkerPool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// workerLoop is one worker's independent claim/execute/resolve cycle.
// It drains ready work back to back and suspends on the poll ticker or the
// wake signal when no claimable task exists.
func (p *WorkerPool) workerLoop(ctx context.Context, n int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		if p.processNext(ctx, n) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// processNext claims and executes one task. Returns false when no claimable
// task is available.
func (p *WorkerPool) processNext(ctx context.Context, n int) bool {
	for {
		task, ok := p.nextCandidate(ctx)
		if !ok {
			return false
		}

		claimed, err := p.claim(ctx, task)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrTaskNotFound):
			// Lost the race or the task was cancelled under us. Not an error;
			// try the next candidate without backoff.
			continue
		case ctx.Err() != nil:
			return false
		default:
			p.logger.Error("claim failed",
				slog.Int("worker", n),
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
			return false
		}

		p.execute(ctx, n, claimed)
		return true
	}
}

// nextCandidate pops the local ready view, refilling it from storage when
// exhausted. The view is an index, not truth: stale entries are filtered by
// due-time here and by the claim CAS after.
func (p *WorkerPool) nextCandidate(ctx context.Context) (Task, bool) {
	for {
		task, ok := p.ready.Pop()
		if !ok {
			if !p.refill(ctx) {
				return Task{}, false
			}
			continue
		}
		if !task.Ready(p.now()) {
			continue
		}
		return task, true
	}
}

// refill re-materializes the ready view from storage. Returns true when at
// least one candidate was admitted.
func (p *WorkerPool) refill(ctx context.Context) bool {
	p.refillMu.Lock()
	defer p.refillMu.Unlock()

	// Another worker may have refilled while we waited for the lock.
	if p.ready.Len() > 0 {
		return true
	}

	var tasks []Task
	err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		tasks, err = p.storage.QueryReady(ctx, p.workers*4)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to query ready tasks", slog.String("error", err.Error()))
		}
		return false
	}

	now := p.now()
	admitted := 0
	for _, t := range tasks {
		// A candidate at its attempt ceiling can never be claimed; admitting
		// it would keep the loop busy on a task it must skip.
		if t.AttemptCount >= t.MaxAttempts {
			continue
		}
		if t.Ready(now) {
			p.ready.Push(t)
			admitted++
		}
	}
	return admitted > 0
}

// claim atomically transitions a ready task to running, binding it to this
// pool and incrementing the attempt counter. This conditional update is the
// only code path that sets the running status.
func (p *WorkerPool) claim(ctx context.Context, task Task) (Task, error) {
	now := p.now()
	attempts := task.AttemptCount + 1
	if attempts > task.MaxAttempts {
		// Storage should never hold a claimable task at its ceiling.
		return Task{}, ErrAlreadyClaimed
	}
	lease := now.Add(p.lockTimeout)

	change := TaskChange{
		Status:         StatusRunning,
		AttemptCount:   &attempts,
		StartedAt:      &now,
		WorkerID:       &p.poolID,
		LeaseExpiresAt: &lease,
	}

	err := p.conditionalUpdate(ctx, task.ID, task.Status, change)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return Task{}, ErrAlreadyClaimed
		}
		return Task{}, err
	}

	task.Status = StatusRunning
	task.AttemptCount = attempts
	task.StartedAt = &now
	task.WorkerID = &p.poolID
	task.LeaseExpiresAt = &lease
	return task, nil
}

// execute invokes the handler for a claimed task under the execution timeout
// and resolves the outcome through the retry policy.
func (p *WorkerPool) execute(ctx context.Context, n int, task Task) {
	// Outcomes must persist even when the pool is shutting down: a finished
	// attempt whose transition is lost would be re-run by another worker.
	ctx = context.WithoutCancel(ctx)

	start := p.now()

	log := p.logger.With(
		slog.Int("worker", n),
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName),
		slog.Int("attempt", task.AttemptCount),
		slog.Int("max_attempts", task.MaxAttempts))

	log.Debug("executing task")

	handler, ok := p.registry.Resolve(task.TaskName)
	if !ok {
		log.Error("no handler registered for task name")
		p.resolveFailure(ctx, log, task, FailureUnknownAction,
			fmt.Sprintf("%s: %q", ErrHandlerNotFound, task.TaskName))
		return
	}

	result, kind, err := p.invoke(handler, task)
	duration := p.now().Sub(start)

	if err != nil {
		log.Error("task attempt failed",
			slog.String("failure_kind", string(kind)),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		p.resolveFailure(ctx, log, task, kind, err.Error())
		return
	}

	p.resolveSuccess(ctx, log, task, result, duration)
}

// attemptOutcome carries a finished handler invocation across the timeout
// boundary.
type attemptOutcome struct {
	result json.RawMessage
	kind   FailureKind
	err    error
}

// invoke runs the handler with panic recovery and the execution timeout.
// The handler context is intentionally detached from the pool context so a
// graceful shutdown lets in-flight attempts finish; cancellation of the task
// itself is cooperative through the timeout context only.
func (p *WorkerPool) invoke(handler Handler, task Task) (json.RawMessage, FailureKind, error) {
	hctx, cancel := context.WithTimeout(context.Background(), p.execTimeout)
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		var out attemptOutcome
		defer func() {
			if r := recover(); r != nil {
				out = attemptOutcome{kind: FailurePanic, err: fmt.Errorf("panic in handler: %v", r)}
			}
			done <- out
		}()

		result, err := handler.Handle(hctx, task.Payload)
		switch {
		case err == nil:
			out = attemptOutcome{result: result}
		case errors.Is(err, context.DeadlineExceeded):
			out = attemptOutcome{kind: FailureTimeout, err: fmt.Errorf("handler exceeded %s execution timeout: %w", p.execTimeout, err)}
		default:
			out = attemptOutcome{kind: FailureHandler, err: err}
		}
	}()

	select {
	case out := <-done:
		return out.result, out.kind, out.err
	case <-hctx.Done():
		// The handler did not honor the context in time. Its late outcome is
		// discarded; the goroutine is left to finish on its own.
		return nil, FailureTimeout, fmt.Errorf("handler exceeded %s execution timeout", p.execTimeout)
	}
}

// resolveSuccess persists the completed transition. A conflict means the
// task was cancelled mid-flight; the outcome is discarded per the advisory
// cancellation contract.
func (p *WorkerPool) resolveSuccess(ctx context.Context, log *slog.Logger, task Task, result json.RawMessage, duration time.Duration) {
	now := p.now()
	change := TaskChange{
		Status:       StatusCompleted,
		CompletedAt:  &now,
		Result:       result,
		ReleaseClaim: true,
	}

	err := p.conditionalUpdate(ctx, task.ID, StatusRunning, change)
	switch {
	case err == nil:
		log.Info("task completed", slog.Duration("duration", duration))
	case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrTaskNotFound):
		log.Info("task outcome discarded, task no longer running")
	default:
		log.Error("failed to persist task completion", slog.String("error", err.Error()))
	}
}

// resolveFailure feeds the failed attempt through the retry policy and
// persists the resulting transition: scheduled with backoff while the
// attempt budget lasts, failed once it is exhausted.
func (p *WorkerPool) resolveFailure(ctx context.Context, log *slog.Logger, task Task, kind FailureKind, errMsg string) {
	now := p.now()
	lastError := fmt.Sprintf("%s: %s", kind, errMsg)

	decision := p.policy.Decide(now, task.AttemptCount, task.MaxAttempts)

	var change TaskChange
	if decision.Retry {
		change = TaskChange{
			Status:       StatusScheduled,
			ScheduledAt:  &decision.At,
			LastError:    &lastError,
			ReleaseClaim: true,
		}
	} else {
		change = TaskChange{
			Status:       StatusFailed,
			CompletedAt:  &now,
			LastError:    &lastError,
			ReleaseClaim: true,
		}
	}

	err := p.conditionalUpdate(ctx, task.ID, StatusRunning, change)
	switch {
	case err == nil:
		if decision.Retry {
			log.Warn("task scheduled for retry", slog.Time("retry_at", decision.At))
		} else {
			log.Warn("task failed permanently, attempts exhausted")
		}
	case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrTaskNotFound):
		log.Info("task outcome discarded, task no longer running")
	default:
		log.Error("failed to persist task failure", slog.String("error", err.Error()))
	}
}

// conditionalUpdate applies a CAS transition with transient-failure retry.
// Status conflicts and missing tasks are final answers and are never
// retried; only infrastructure errors get the store-level backoff, which is
// independent of the task-level retry policy.
func (p *WorkerPool) conditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, change TaskChange) error {
	return p.withStoreRetry(ctx, func(ctx context.Context) error {
		return p.storage.ConditionalUpdate(ctx, id, expected, change)
	})
}

// withStoreRetry retries transient storage failures with exponential
// backoff. Domain outcomes (conflict, not found, invalid transition) pass
// through untouched.
func (p *WorkerPool) withStoreRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.WithCappedDuration(2*time.Second, retry.NewExponential(100*time.Millisecond)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStatusConflict) ||
			errors.Is(err, ErrTaskNotFound) ||
			IsTransitionError(err) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// reclaimLoop periodically returns tasks with expired leases to the
// scheduled state so work claimed by a crashed worker is not lost.
func (p *WorkerPool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.storage.ReclaimExpired(ctx, p.now())
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("lease reclaim sweep failed", slog.String("error", err.Error()))
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("reclaimed tasks with expired leases", slog.Int("count", n))
				p.Wake()
			}
		}
	}
}

// ExtendLease pushes out the lease expiry for a long-running task. Handlers
// for work that may outlive the lock timeout call this periodically.
func (p *WorkerPool) ExtendLease(ctx context.Context, taskID uuid.UUID, extension time.Duration) error {
	lease := p.now().Add(extension)
	return p.conditionalUpdate(ctx, taskID, StatusRunning, TaskChange{
		Status:         StatusRunning,
		LeaseExpiresAt: &lease,
	})
}
