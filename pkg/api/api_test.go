package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskflow/pkg/api"
	"github.com/dmitrymomot/taskflow/pkg/queue"
)

func newTestAPI(t *testing.T, checks ...func(context.Context) error) (*httptest.Server, *queue.Service, queue.Storage) {
	t.Helper()

	storage := queue.NewMemoryStorage()
	svc, err := queue.NewService(storage)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(api.Router(svc, log, checks...))
	t.Cleanup(srv.Close)
	return srv, svc, storage
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitTask(t *testing.T) {
	t.Parallel()

	t.Run("creates a pending task", func(t *testing.T) {
		t.Parallel()

		srv, _, storage := newTestAPI(t)

		resp := postJSON(t, srv.URL+"/api/v1/tasks", map[string]any{
			"task_name": "send_email",
			"payload":   map[string]string{"to": "user@example.com"},
			"priority":  "high",
			"tags":      []string{"email"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		body := decodeBody[map[string]any](t, resp)
		assert.Equal(t, "pending", body["status"])

		id, err := uuid.Parse(body["task_id"].(string))
		require.NoError(t, err)

		task, err := storage.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "send_email", task.TaskName)
		assert.Equal(t, queue.PriorityHigh, task.Priority)
		assert.Equal(t, []string{"email"}, task.Tags)
	})

	t.Run("delayed task reports scheduled", func(t *testing.T) {
		t.Parallel()

		srv, _, _ := newTestAPI(t)

		resp := postJSON(t, srv.URL+"/api/v1/tasks", map[string]any{
			"task_name": "report",
			"payload":   map[string]string{},
			"delay_ms":  3600000,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		body := decodeBody[map[string]any](t, resp)
		assert.Equal(t, "scheduled", body["status"])
	})

	t.Run("validates the request", func(t *testing.T) {
		t.Parallel()

		srv, _, _ := newTestAPI(t)

		tests := []struct {
			name string
			body map[string]any
		}{
			{"missing task name", map[string]any{"payload": map[string]string{}}},
			{"missing payload", map[string]any{"task_name": "x"}},
			{"unknown priority", map[string]any{"task_name": "x", "payload": map[string]string{}, "priority": "urgent"}},
			{"zero max attempts", map[string]any{"task_name": "x", "payload": map[string]string{}, "max_attempts": 0}},
			{"delay and schedule together", map[string]any{
				"task_name": "x", "payload": map[string]string{},
				"delay_ms": 1000, "scheduled_at": time.Now().Add(time.Hour),
			}},
			{"unknown field", map[string]any{"task_name": "x", "payload": map[string]string{}, "bogus": true}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp := postJSON(t, srv.URL+"/api/v1/tasks", tt.body)
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

				body := decodeBody[map[string]any](t, resp)
				assert.EqualValues(t, http.StatusBadRequest, body["status"])
				assert.NotEmpty(t, body["message"])
			})
		}
	})
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	srv, svc, _ := newTestAPI(t)

	id, err := svc.Submit(context.Background(), "lookup_me", map[string]string{"k": "v"})
	require.NoError(t, err)

	t.Run("returns the task", func(t *testing.T) {
		t.Parallel()

		resp, err := http.Get(srv.URL + "/api/v1/tasks/" + id.String())
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		task := decodeBody[queue.Task](t, resp)
		assert.Equal(t, id, task.ID)
		assert.Equal(t, "lookup_me", task.TaskName)
	})

	t.Run("404 on unknown ID", func(t *testing.T) {
		t.Parallel()

		resp, err := http.Get(srv.URL + "/api/v1/tasks/" + uuid.NewString())
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("400 on malformed ID", func(t *testing.T) {
		t.Parallel()

		resp, err := http.Get(srv.URL + "/api/v1/tasks/not-a-uuid")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	srv, svc, _ := newTestAPI(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, "bulk", map[string]int{"n": i})
		require.NoError(t, err)
	}
	_, err := svc.Submit(ctx, "urgent", map[string]string{}, queue.WithPriority(queue.PriorityCritical))
	require.NoError(t, err)

	t.Run("lists everything", func(t *testing.T) {
		t.Parallel()

		resp, err := http.Get(srv.URL + "/api/v1/tasks")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody[map[string][]queue.Task](t, resp)
		assert.Len(t, body["tasks"], 4)
	})

	t.Run("filters by priority", func(t *testing.T) {
		t.Parallel()

		resp, err := http.Get(srv.URL + "/api/v1/tasks?priority=critical")
		require.NoError(t, err)
		defer resp.Body.Close()

		body := decodeBody[map[string][]queue.Task](t, resp)
		require.Len(t, body["tasks"], 1)
		assert.Equal(t, "urgent", body["tasks"][0].TaskName)
	})

	t.Run("paginates", func(t *testing.T) {
		t.Parallel()

		resp, err := http.Get(srv.URL + "/api/v1/tasks?limit=2&offset=3")
		require.NoError(t, err)
		defer resp.Body.Close()

		body := decodeBody[map[string][]queue.Task](t, resp)
		assert.Len(t, body["tasks"], 1)
	})

	t.Run("rejects bad filters", func(t *testing.T) {
		t.Parallel()

		for _, query := range []string{"?status=bogus", "?priority=urgent", "?limit=0", "?offset=-1"} {
			resp, err := http.Get(srv.URL + "/api/v1/tasks" + query)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %s", query)
		}
	})
}

func TestCountTasks(t *testing.T) {
	t.Parallel()

	srv, svc, _ := newTestAPI(t)

	_, err := svc.Submit(context.Background(), "counted", map[string]string{})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/counts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]map[queue.Status]int64](t, resp)
	counts := body["counts"]
	assert.Equal(t, int64(1), counts[queue.StatusPending])
	assert.Contains(t, counts, queue.StatusFailed, "zero counts present")
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	t.Run("cancels and reports", func(t *testing.T) {
		t.Parallel()

		srv, svc, storage := newTestAPI(t)

		id, err := svc.Submit(context.Background(), "doomed", map[string]string{})
		require.NoError(t, err)

		resp := postJSON(t, srv.URL+"/api/v1/tasks/"+id.String()+"/cancel", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody[map[string]any](t, resp)
		assert.Equal(t, "cancelled", body["status"])

		task, err := storage.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCancelled, task.Status)
	})

	t.Run("409 when already terminal", func(t *testing.T) {
		t.Parallel()

		srv, svc, _ := newTestAPI(t)

		id, err := svc.Submit(context.Background(), "done", map[string]string{})
		require.NoError(t, err)
		require.NoError(t, svc.Cancel(context.Background(), id))

		resp := postJSON(t, srv.URL+"/api/v1/tasks/"+id.String()+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("404 on unknown task", func(t *testing.T) {
		t.Parallel()

		srv, _, _ := newTestAPI(t)

		resp := postJSON(t, srv.URL+"/api/v1/tasks/"+uuid.NewString()+"/cancel", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("ready", func(t *testing.T) {
		t.Parallel()

		srv, _, _ := newTestAPI(t, func(context.Context) error { return nil })

		resp, err := http.Get(srv.URL + "/api/v1/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("not ready", func(t *testing.T) {
		t.Parallel()

		srv, _, _ := newTestAPI(t, func(context.Context) error { return errors.New("storage down") })

		resp, err := http.Get(srv.URL + "/api/v1/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
