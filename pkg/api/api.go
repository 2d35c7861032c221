package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrymomot/taskflow/pkg/httpserver"
	"github.com/dmitrymomot/taskflow/pkg/queue"
)

// Router builds the HTTP surface over the task service. Health checks are
// forwarded to the health endpoint as readiness probes.
func Router(svc *queue.Service, log *slog.Logger, checks ...func(context.Context) error) http.Handler {
	h := &handlers{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", httpserver.HealthCheckHandler(log, checks...))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.submitTask)
			r.Get("/", h.listTasks)
			r.Get("/counts", h.countTasks)
			r.Get("/{taskID}", h.getTask)
			r.Post("/{taskID}/cancel", h.cancelTask)
		})
	})

	return r
}

type handlers struct {
	svc *queue.Service
	log *slog.Logger
}

// submitRequest is the task creation payload. Priority is the level name and
// exactly one of delay or scheduled_at may defer execution.
type submitRequest struct {
	TaskName    string          `json:"task_name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *queue.Priority `json:"priority,omitempty"`
	MaxAttempts *int            `json:"max_attempts,omitempty"`
	DelayMs     *int64          `json:"delay_ms,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

type submitResponse struct {
	TaskID uuid.UUID    `json:"task_id"`
	Status queue.Status `json:"status"`
}

func (h *handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TaskName == "" {
		writeError(w, http.StatusBadRequest, "task_name is required")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if req.DelayMs != nil && req.ScheduledAt != nil {
		writeError(w, http.StatusBadRequest, "delay_ms and scheduled_at are mutually exclusive")
		return
	}

	var opts []queue.SubmitOption
	if req.Priority != nil {
		opts = append(opts, queue.WithPriority(*req.Priority))
	}
	if req.MaxAttempts != nil {
		opts = append(opts, queue.WithMaxAttempts(*req.MaxAttempts))
	}
	if req.DelayMs != nil {
		opts = append(opts, queue.WithDelay(time.Duration(*req.DelayMs)*time.Millisecond))
	}
	if req.ScheduledAt != nil {
		opts = append(opts, queue.WithScheduledAt(*req.ScheduledAt))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, queue.WithTags(req.Tags...))
	}

	id, err := h.svc.Submit(r.Context(), req.TaskName, req.Payload, opts...)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrInvalidPriority),
			errors.Is(err, queue.ErrInvalidMaxAttempts),
			errors.Is(err, queue.ErrPayloadMarshal):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.ErrorContext(r.Context(), "task submission failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to create task")
		}
		return
	}

	task, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		// Created but unreadable; report the creation anyway.
		writeJSON(w, http.StatusCreated, submitResponse{TaskID: id, Status: queue.StatusPending})
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{TaskID: id, Status: task.Status})
}

type listResponse struct {
	Tasks []queue.Task `json:"tasks"`
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := h.svc.ListTasks(r.Context(), filter)
	if err != nil {
		h.log.ErrorContext(r.Context(), "task listing failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks})
}

type countsResponse struct {
	Counts map[queue.Status]int64 `json:"counts"`
}

func (h *handlers) countTasks(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.CountsByStatus(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "task counts failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to count tasks")
		return
	}
	writeJSON(w, http.StatusOK, countsResponse{Counts: counts})
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task ID")
		return
	}

	task, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.log.ErrorContext(r.Context(), "task lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task ID")
		return
	}

	err = h.svc.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, submitResponse{TaskID: id, Status: queue.StatusCancelled})
	case errors.Is(err, queue.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, queue.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "task already in a terminal state")
	case errors.Is(err, queue.ErrStatusConflict):
		writeError(w, http.StatusConflict, "task status changed concurrently, try again")
	default:
		h.log.ErrorContext(r.Context(), "task cancellation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
	}
}
