package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dmitrymomot/taskflow/pkg/queue"
)

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

const maxBodyBytes = 1 << 20 // 1 MiB

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// A second document in the body is a malformed request.
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: status, Message: message})
}

// filterFromQuery parses the list endpoint's query parameters. Limit is
// clamped to a sane page size.
func filterFromQuery(r *http.Request) (queue.Filter, error) {
	filter := queue.Filter{Limit: 50}
	q := r.URL.Query()

	if raw := q.Get("status"); raw != "" {
		status := queue.Status(raw)
		if !status.Valid() {
			return queue.Filter{}, fmt.Errorf("unknown status %q", raw)
		}
		filter.Status = &status
	}

	if raw := q.Get("priority"); raw != "" {
		priority, err := queue.ParsePriority(raw)
		if err != nil {
			return queue.Filter{}, fmt.Errorf("unknown priority %q", raw)
		}
		filter.Priority = &priority
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return queue.Filter{}, fmt.Errorf("invalid limit %q", raw)
		}
		if limit > 200 {
			limit = 200
		}
		filter.Limit = limit
	}

	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return queue.Filter{}, fmt.Errorf("invalid offset %q", raw)
		}
		filter.Offset = offset
	}

	return filter, nil
}
