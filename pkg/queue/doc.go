// Package queue provides a storage-agnostic distributed task queue with
// priority dispatch, at-most-one-claim semantics, and retry with exponential
// backoff.
//
// The package is organised around three main components:
//
//   - Service: submits, cancels, and inspects tasks
//   - WorkerPool: claims ready tasks and dispatches them to registered Handlers
//   - Storage: the persistence contract everything else is written against
//
// Components interact only through the Storage interface, keeping the queue
// logic decoupled from persistence. Three implementations ship with the
// package: MemoryStorage for tests and single-process use, PostgresStorage on
// pgx/v5, and RedisStorage on go-redis with Lua-scripted updates.
//
// # Task lifecycle
//
// A task moves through six states: pending, scheduled, running, completed,
// failed, and cancelled. The only cycle is the retry edge from running back
// to scheduled; completed, failed, and cancelled are terminal and immutable.
// Every transition is enforced through a conditional update: the mutation
// applies only while the task still has the status the caller observed, so
// two workers can never both claim the same task and a late handler result
// can never overwrite a cancellation.
//
// A claim also takes a lease. If the owning worker disappears without
// resolving the attempt, the pool's reclaim sweep returns the task to
// scheduled once the lease expires, and the spent attempt still counts
// against the task's budget. When the lost lease held the final attempt
// the sweep fails the task instead, so it always reaches a terminal state.
//
// # Usage
//
// Submitting work:
//
//	import (
//	    "context"
//
//	    "github.com/dmitrymomot/taskflow/pkg/queue"
//	)
//
//	type ResizeImage struct {
//	    ObjectKey string `json:"object_key"`
//	}
//
//	func example(svc *queue.Service) error {
//	    _, err := svc.Submit(context.Background(), "resize_image",
//	        ResizeImage{ObjectKey: "uploads/42.png"},
//	        queue.WithPriority(queue.PriorityHigh),
//	        queue.WithMaxAttempts(5),
//	    )
//	    return err
//	}
//
// Processing it:
//
//	registry := queue.NewRegistry()
//	_ = registry.Register(queue.NewHandler("resize_image",
//	    func(ctx context.Context, p ResizeImage) (any, error) {
//	        return nil, resize(ctx, p.ObjectKey)
//	    }))
//
//	pool, _ := queue.NewWorkerPool(storage, registry,
//	    queue.WithWorkers(8),
//	    queue.WithPollInterval(2*time.Second),
//	)
//	_ = pool.Run(ctx)
//
// Handlers returning an error are retried on an exponential backoff schedule
// until the attempt budget is exhausted; see RetryPolicy for the knobs.
package queue
