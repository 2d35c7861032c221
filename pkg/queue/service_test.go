package queue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskflow/pkg/queue"
)

func TestNewService(t *testing.T) {
	t.Parallel()

	t.Run("requires storage", func(t *testing.T) {
		t.Parallel()

		_, err := queue.NewService(nil)
		require.ErrorIs(t, err, queue.ErrStorageNil)
	})

	t.Run("creates with defaults", func(t *testing.T) {
		t.Parallel()

		svc, err := queue.NewService(queue.NewMemoryStorage())
		require.NoError(t, err)
		require.NotNil(t, svc)
	})
}

func TestService_Submit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("applies defaults", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		svc, err := queue.NewService(storage)
		require.NoError(t, err)

		id, err := svc.Submit(ctx, "send_email", map[string]string{"to": "user@example.com"})
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, id)

		task, err := storage.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "send_email", task.TaskName)
		assert.Equal(t, queue.StatusPending, task.Status)
		assert.Equal(t, queue.PriorityMedium, task.Priority)
		assert.Equal(t, 3, task.MaxAttempts)
		assert.Equal(t, 0, task.AttemptCount)
		assert.JSONEq(t, `{"to":"user@example.com"}`, string(task.Payload))
		assert.False(t, task.ScheduledAt.After(time.Now()))
	})

	t.Run("applies submit options", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		svc, err := queue.NewService(storage)
		require.NoError(t, err)

		id, err := svc.Submit(ctx, "resize_image", map[string]string{"key": "a.png"},
			queue.WithPriority(queue.PriorityCritical),
			queue.WithMaxAttempts(7),
			queue.WithTags("images", "bulk"),
		)
		require.NoError(t, err)

		task, err := storage.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.PriorityCritical, task.Priority)
		assert.Equal(t, 7, task.MaxAttempts)
		assert.Equal(t, []string{"images", "bulk"}, task.Tags)
	})

	t.Run("delayed task starts scheduled", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		svc, err := queue.NewService(storage)
		require.NoError(t, err)

		id, err := svc.Submit(ctx, "report", struct{}{}, queue.WithDelay(time.Hour))
		require.NoError(t, err)

		task, err := storage.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusScheduled, task.Status)
		assert.True(t, task.ScheduledAt.After(time.Now()))
	})

	t.Run("absolute schedule in the past starts pending", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		svc, err := queue.NewService(storage)
		require.NoError(t, err)

		id, err := svc.Submit(ctx, "catchup", struct{}{},
			queue.WithScheduledAt(time.Now().Add(-time.Minute)))
		require.NoError(t, err)

		task, err := storage.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPending, task.Status)
	})

	t.Run("validates inputs", func(t *testing.T) {
		t.Parallel()

		svc, err := queue.NewService(queue.NewMemoryStorage())
		require.NoError(t, err)

		_, err = svc.Submit(ctx, "", struct{}{})
		require.Error(t, err)

		_, err = svc.Submit(ctx, "task", nil)
		require.ErrorIs(t, err, queue.ErrPayloadNil)

		_, err = svc.Submit(ctx, "task", struct{}{}, queue.WithPriority(queue.Priority(42)))
		require.ErrorIs(t, err, queue.ErrInvalidPriority)

		_, err = svc.Submit(ctx, "task", struct{}{}, queue.WithMaxAttempts(0))
		require.ErrorIs(t, err, queue.ErrInvalidMaxAttempts)

		_, err = svc.Submit(ctx, "task", make(chan int))
		require.ErrorIs(t, err, queue.ErrPayloadMarshal)
	})

	t.Run("notifies on immediately ready tasks only", func(t *testing.T) {
		t.Parallel()

		var notified atomic.Int64
		svc, err := queue.NewService(queue.NewMemoryStorage(),
			queue.WithSubmitNotifier(func() { notified.Add(1) }))
		require.NoError(t, err)

		_, err = svc.Submit(ctx, "now", struct{}{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), notified.Load())

		_, err = svc.Submit(ctx, "later", struct{}{}, queue.WithDelay(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), notified.Load(), "future tasks must not wake workers")
	})
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cancels a pending task", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		svc, err := queue.NewService(storage)
		require.NoError(t, err)

		id, err := svc.Submit(ctx, "doomed", struct{}{})
		require.NoError(t, err)

		require.NoError(t, svc.Cancel(ctx, id))

		task, err := storage.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCancelled, task.Status)
		assert.NotNil(t, task.CompletedAt)
	})

	t.Run("cancels a running task and releases the claim", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		svc, err := queue.NewService(storage)
		require.NoError(t, err)

		id, err := svc.Submit(ctx, "inflight", struct{}{})
		require.NoError(t, err)

		now := time.Now()
		attempts := 1
		workerID := uuid.New()
		lease := now.Add(time.Minute)
		require.NoError(t, storage.ConditionalUpdate(ctx, id, queue.StatusPending, queue.TaskChange{
			Status:         queue.StatusRunning,
			AttemptCount:   &attempts,
			StartedAt:      &now,
			WorkerID:       &workerID,
			LeaseExpiresAt: &lease,
		}))

		require.NoError(t, svc.Cancel(ctx, id))

		task, err := storage.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCancelled, task.Status)
		assert.Nil(t, task.WorkerID)
		assert.Nil(t, task.LeaseExpiresAt)
	})

	t.Run("rejects terminal tasks and keeps them unchanged", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		svc, err := queue.NewService(storage)
		require.NoError(t, err)

		id, err := svc.Submit(ctx, "done-twice", struct{}{})
		require.NoError(t, err)

		require.NoError(t, svc.Cancel(ctx, id))

		err = svc.Cancel(ctx, id)
		require.ErrorIs(t, err, queue.ErrAlreadyTerminal)

		task, err := storage.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCancelled, task.Status)
	})

	t.Run("unknown task", func(t *testing.T) {
		t.Parallel()

		svc, err := queue.NewService(queue.NewMemoryStorage())
		require.NoError(t, err)

		err = svc.Cancel(ctx, uuid.New())
		require.ErrorIs(t, err, queue.ErrTaskNotFound)
	})
}

func TestService_Queries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := queue.NewMemoryStorage()
	svc, err := queue.NewService(storage)
	require.NoError(t, err)

	first, err := svc.Submit(ctx, "one", struct{}{})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "two", struct{}{}, queue.WithPriority(queue.PriorityHigh))
	require.NoError(t, err)

	task, err := svc.GetTask(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "one", task.TaskName)

	high := queue.PriorityHigh
	tasks, err := svc.ListTasks(ctx, queue.Filter{Priority: &high})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "two", tasks[0].TaskName)

	counts, err := svc.CountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[queue.StatusPending])
}
