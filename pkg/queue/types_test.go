package queue_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskflow/pkg/queue"
)

func TestStatus_Valid(t *testing.T) {
	t.Parallel()

	for _, s := range queue.Statuses {
		assert.True(t, s.Valid(), "status %q should be valid", s)
	}
	assert.False(t, queue.Status("").Valid())
	assert.False(t, queue.Status("paused").Valid())
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	terminal := map[queue.Status]bool{
		queue.StatusPending:   false,
		queue.StatusScheduled: false,
		queue.StatusRunning:   false,
		queue.StatusCompleted: true,
		queue.StatusFailed:    true,
		queue.StatusCancelled: true,
	}
	for status, want := range terminal {
		assert.Equal(t, want, status.Terminal(), "status %q", status)
	}
}

func TestPriority_Ordering(t *testing.T) {
	t.Parallel()

	assert.Greater(t, queue.PriorityCritical, queue.PriorityHigh)
	assert.Greater(t, queue.PriorityHigh, queue.PriorityMedium)
	assert.Greater(t, queue.PriorityMedium, queue.PriorityLow)
	assert.Equal(t, queue.PriorityMedium, queue.PriorityDefault)
}

func TestPriority_Valid(t *testing.T) {
	t.Parallel()

	assert.True(t, queue.PriorityLow.Valid())
	assert.True(t, queue.PriorityCritical.Valid())
	assert.False(t, queue.Priority(0).Valid())
	assert.False(t, queue.Priority(5).Valid())
	assert.False(t, queue.Priority(-1).Valid())
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    queue.Priority
		wantErr bool
	}{
		{name: "low", want: queue.PriorityLow},
		{name: "medium", want: queue.PriorityMedium},
		{name: "high", want: queue.PriorityHigh},
		{name: "critical", want: queue.PriorityCritical},
		{name: "urgent", wantErr: true},
		{name: "", wantErr: true},
		{name: "HIGH", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("parse "+tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := queue.ParsePriority(tt.name)
			if tt.wantErr {
				require.ErrorIs(t, err, queue.ErrInvalidPriority)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriority_JSON(t *testing.T) {
	t.Parallel()

	t.Run("marshals as name", func(t *testing.T) {
		t.Parallel()

		data, err := json.Marshal(queue.PriorityHigh)
		require.NoError(t, err)
		assert.JSONEq(t, `"high"`, string(data))
	})

	t.Run("round trips", func(t *testing.T) {
		t.Parallel()

		data, err := json.Marshal(queue.PriorityCritical)
		require.NoError(t, err)

		var p queue.Priority
		require.NoError(t, json.Unmarshal(data, &p))
		assert.Equal(t, queue.PriorityCritical, p)
	})

	t.Run("rejects invalid value on marshal", func(t *testing.T) {
		t.Parallel()

		_, err := json.Marshal(queue.Priority(9))
		require.Error(t, err)
	})

	t.Run("rejects unknown name on unmarshal", func(t *testing.T) {
		t.Parallel()

		var p queue.Priority
		err := json.Unmarshal([]byte(`"urgent"`), &p)
		require.ErrorIs(t, err, queue.ErrInvalidPriority)
	})
}

func TestTask_Ready(t *testing.T) {
	t.Parallel()

	now := time.Now()

	tests := []struct {
		name string
		task queue.Task
		want bool
	}{
		{
			name: "pending and due",
			task: queue.Task{Status: queue.StatusPending, ScheduledAt: now.Add(-time.Minute)},
			want: true,
		},
		{
			name: "scheduled and due",
			task: queue.Task{Status: queue.StatusScheduled, ScheduledAt: now.Add(-time.Second)},
			want: true,
		},
		{
			name: "due exactly now",
			task: queue.Task{Status: queue.StatusPending, ScheduledAt: now},
			want: true,
		},
		{
			name: "scheduled in the future",
			task: queue.Task{Status: queue.StatusScheduled, ScheduledAt: now.Add(time.Hour)},
			want: false,
		},
		{
			name: "running",
			task: queue.Task{Status: queue.StatusRunning, ScheduledAt: now.Add(-time.Hour)},
			want: false,
		},
		{
			name: "completed",
			task: queue.Task{Status: queue.StatusCompleted, ScheduledAt: now.Add(-time.Hour)},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.task.Ready(now))
		})
	}
}
