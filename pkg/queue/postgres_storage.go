package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/taskflow/pkg/pg"
)

// PostgresStorage implements Storage on PostgreSQL. The conditional update
// maps directly onto `UPDATE ... WHERE id = $1 AND status = $2`: the row
// lock makes the compare-and-set atomic without any advisory locking, and a
// zero rows-affected result distinguishes a lost race from a missing task.
type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage creates a Postgres-backed task storage. The tasks table
// must exist; apply the migrations shipped with this module first.
func NewPostgresStorage(db *pgxpool.Pool) (*PostgresStorage, error) {
	if db == nil {
		return nil, ErrStorageNil
	}
	return &PostgresStorage{db: db}, nil
}

const taskColumns = `id, task_name, payload, status, priority, scheduled_at,
	max_attempts, attempt_count, created_at, updated_at, started_at,
	completed_at, lease_expires_at, worker_id, tags, last_error, result`

// CreateTask implements Storage
func (ps *PostgresStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	_, err := ps.db.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		task.ID, task.TaskName, task.Payload, string(task.Status), int16(task.Priority),
		task.ScheduledAt, task.MaxAttempts, task.AttemptCount, task.CreatedAt,
		task.UpdatedAt, task.StartedAt, task.CompletedAt, task.LeaseExpiresAt,
		task.WorkerID, task.Tags, task.LastError, task.Result,
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask implements Storage
func (ps *PostgresStorage) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := ps.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	task, err := scanTask(row)
	if err != nil {
		if pg.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// QueryReady implements Storage. The ordering mirrors the dispatch key so
// the first rows are the first candidates; the dispatcher still re-sorts
// through its ready view.
func (ps *PostgresStorage) QueryReady(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := ps.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ('pending', 'scheduled') AND scheduled_at <= now()
		ORDER BY priority DESC, scheduled_at ASC, created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ready tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ConditionalUpdate implements Storage
func (ps *PostgresStorage) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, change TaskChange) error {
	if change.Status != expected {
		if err := ValidateTransition(expected, change.Status); err != nil {
			return err
		}
	}

	set := []string{"status = $3", "updated_at = now()"}
	args := []any{id, string(expected), string(change.Status)}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if change.AttemptCount != nil {
		add("attempt_count", *change.AttemptCount)
	}
	if change.ScheduledAt != nil {
		add("scheduled_at", *change.ScheduledAt)
	}
	if change.StartedAt != nil {
		add("started_at", *change.StartedAt)
	}
	if change.CompletedAt != nil {
		add("completed_at", *change.CompletedAt)
	}
	if change.LeaseExpiresAt != nil {
		add("lease_expires_at", *change.LeaseExpiresAt)
	}
	if change.WorkerID != nil {
		add("worker_id", *change.WorkerID)
	}
	if change.LastError != nil {
		add("last_error", *change.LastError)
	}
	if change.Result != nil {
		add("result", change.Result)
	}
	if change.ReleaseClaim {
		set = append(set, "worker_id = NULL", "lease_expires_at = NULL")
	}

	tag, err := ps.db.Exec(ctx,
		`UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = $1 AND status = $2`,
		args...)
	if err != nil {
		// The attempt ceiling and status CHECKs back the same rules the
		// in-memory store enforces directly.
		if pg.IsCheckViolation(err) {
			return fmt.Errorf("task %s rejected by table constraint: %w", id, err)
		}
		return fmt.Errorf("conditional update of task %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows updated: either the task is gone or the status moved.
	var current string
	err = ps.db.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if pg.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("conditional update of task %s: %w", id, err)
	}
	return fmt.Errorf("%w: expected %q, have %q", ErrStatusConflict, expected, current)
}

// ListTasks implements Storage
func (ps *PostgresStorage) ListTasks(ctx context.Context, filter Filter) ([]Task, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Priority != nil {
		args = append(args, int16(*filter.Priority))
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := ps.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CountsByStatus implements Storage
func (ps *PostgresStorage) CountsByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := ps.db.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	return counts, nil
}

// ReclaimExpired implements Storage. Expired leases holding the final
// attempt fail the task; the rest return to scheduled for another claim.
func (ps *PostgresStorage) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	failed, err := ps.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'failed', worker_id = NULL, lease_expires_at = NULL,
			completed_at = $1, last_error = $2, updated_at = now()
		WHERE status = 'running' AND lease_expires_at < $1 AND attempt_count >= max_attempts`,
		now, leaseExpiredError)
	if err != nil {
		return 0, fmt.Errorf("fail expired leases: %w", err)
	}

	rescheduled, err := ps.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'scheduled', worker_id = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE status = 'running' AND lease_expires_at < $1`, now)
	if err != nil {
		return int(failed.RowsAffected()), fmt.Errorf("reclaim expired leases: %w", err)
	}
	return int(failed.RowsAffected() + rescheduled.RowsAffected()), nil
}

// scanTask reads one task row in taskColumns order.
func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var status string
	var priority int16
	var workerID uuid.NullUUID
	var payload, result []byte

	err := row.Scan(
		&t.ID, &t.TaskName, &payload, &status, &priority, &t.ScheduledAt,
		&t.MaxAttempts, &t.AttemptCount, &t.CreatedAt, &t.UpdatedAt,
		&t.StartedAt, &t.CompletedAt, &t.LeaseExpiresAt, &workerID,
		&t.Tags, &t.LastError, &result,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.Payload = json.RawMessage(payload)
	t.Result = json.RawMessage(result)
	if workerID.Valid {
		id := workerID.UUID
		t.WorkerID = &id
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read task rows: %w", err)
	}
	return tasks, nil
}
