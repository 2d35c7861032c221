package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// bandWeight separates priority bands in the ready index score. Each task
// scores band*bandWeight + dueMillis, so within a band earlier due times
// rank first and any Critical task ranks before any High task. Millisecond
// epochs stay below 1e13 for the next few millennia, keeping scores exact
// in a float64.
const bandWeight = 1e13

// redisTaskDoc is the stored representation: the task plus numeric shadows
// of the fields the Lua scripts need for index maintenance. The shadows are
// ignored when unmarshaling back into Task.
type redisTaskDoc struct {
	Task
	PriorityBand     int    `json:"priority_band"`
	ScheduledAtMs    int64  `json:"scheduled_at_ms"`
	LeaseExpiresAtMs *int64 `json:"lease_expires_at_ms,omitempty"`
}

// RedisStorage implements Storage on Redis. Each task lives in a JSON value;
// a ready-index ZSET orders claim candidates and a lease ZSET tracks claim
// expiries. All mutations run as single Lua scripts, which gives the
// compare-and-set the same atomicity a SQL conditional update has.
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
}

// RedisStorageOption is a functional option for configuring RedisStorage
type RedisStorageOption func(*RedisStorage)

// WithKeyPrefix sets the key namespace. Defaults to "taskflow".
func WithKeyPrefix(prefix string) RedisStorageOption {
	return func(rs *RedisStorage) {
		if prefix != "" {
			rs.prefix = prefix
		}
	}
}

// NewRedisStorage creates a Redis-backed task storage
func NewRedisStorage(rdb *redis.Client, opts ...RedisStorageOption) (*RedisStorage, error) {
	if rdb == nil {
		return nil, ErrStorageNil
	}
	rs := &RedisStorage{rdb: rdb, prefix: "taskflow"}
	for _, opt := range opts {
		opt(rs)
	}
	return rs, nil
}

func (rs *RedisStorage) taskKey(id uuid.UUID) string { return rs.prefix + ":task:" + id.String() }
func (rs *RedisStorage) readyKey() string            { return rs.prefix + ":ready" }
func (rs *RedisStorage) leasesKey() string           { return rs.prefix + ":leases" }
func (rs *RedisStorage) countsKey() string           { return rs.prefix + ":counts" }
func (rs *RedisStorage) allKey() string              { return rs.prefix + ":all" }

// priorityBand maps a priority to its ready-index band: 0 for Critical up
// to 3 for Low, so ascending scores dispatch higher priorities first.
func priorityBand(p Priority) int {
	return int(PriorityCritical - p)
}

func readyScore(p Priority, scheduledAt time.Time) float64 {
	return float64(priorityBand(p))*bandWeight + float64(scheduledAt.UnixMilli())
}

// createScript inserts a task document and registers it in the indexes.
// KEYS: task, ready, counts, all. ARGV: json, status, createdMs, id, readyScore|"".
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'exists'
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HINCRBY', KEYS[3], ARGV[2], 1)
redis.call('ZADD', KEYS[4], tonumber(ARGV[3]), ARGV[4])
if ARGV[5] ~= '' then
  redis.call('ZADD', KEYS[2], tonumber(ARGV[5]), ARGV[4])
end
return 'ok'
`)

// condUpdateScript is the compare-and-set: it applies the merge only while
// the stored status equals the expected status, then rebuilds the ready and
// lease index entries from the merged document.
// KEYS: task, ready, leases, counts. ARGV: expected, mergeJSON, clearCSV, id, bandWeight.
var condUpdateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'not_found'
end
local task = cjson.decode(raw)
if task.status ~= ARGV[1] then
  return 'conflict:' .. task.status
end
local old = task.status
local merge = cjson.decode(ARGV[2])
for k, v in pairs(merge) do
  task[k] = v
end
if ARGV[3] ~= '' then
  for field in string.gmatch(ARGV[3], '[^,]+') do
    task[field] = nil
  end
end
redis.call('SET', KEYS[1], cjson.encode(task))
if old ~= task.status then
  redis.call('HINCRBY', KEYS[4], old, -1)
  redis.call('HINCRBY', KEYS[4], task.status, 1)
end
if task.status == 'pending' or task.status == 'scheduled' then
  local score = task.priority_band * tonumber(ARGV[5]) + task.scheduled_at_ms
  redis.call('ZADD', KEYS[2], score, ARGV[4])
else
  redis.call('ZREM', KEYS[2], ARGV[4])
end
if task.status == 'running' and task.lease_expires_at_ms then
  redis.call('ZADD', KEYS[3], task.lease_expires_at_ms, ARGV[4])
else
  redis.call('ZREM', KEYS[3], ARGV[4])
end
return 'ok'
`)

// CreateTask implements Storage
func (rs *RedisStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	doc := redisTaskDoc{
		Task:          *task,
		PriorityBand:  priorityBand(task.Priority),
		ScheduledAtMs: task.ScheduledAt.UnixMilli(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	score := ""
	if task.Status == StatusPending || task.Status == StatusScheduled {
		score = formatScore(readyScore(task.Priority, task.ScheduledAt))
	}

	res, err := createScript.Run(ctx,
		rs.rdb,
		[]string{rs.taskKey(task.ID), rs.readyKey(), rs.countsKey(), rs.allKey()},
		raw, string(task.Status), task.CreatedAt.UnixMilli(), task.ID.String(), score,
	).Text()
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	if res == "exists" {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	return nil
}

// GetTask implements Storage
func (rs *RedisStorage) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	raw, err := rs.rdb.Get(ctx, rs.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// QueryReady implements Storage. Bands are scanned from Critical downward,
// fetching only entries whose due time has elapsed.
func (rs *RedisStorage) QueryReady(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}

	nowMs := time.Now().UnixMilli()
	var ids []string
	for band := 0; band <= priorityBand(PriorityLow) && len(ids) < limit; band++ {
		base := float64(band) * bandWeight
		batch, err := rs.rdb.ZRangeByScore(ctx, rs.readyKey(), &redis.ZRangeBy{
			Min:   formatScore(base),
			Max:   formatScore(base + float64(nowMs)),
			Count: int64(limit - len(ids)),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("query ready index: %w", err)
		}
		ids = append(ids, batch...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	return rs.fetchTasks(ctx, ids, func(t *Task) bool { return t.Ready(time.Now()) })
}

// ConditionalUpdate implements Storage
func (rs *RedisStorage) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, change TaskChange) error {
	if change.Status != expected {
		if err := ValidateTransition(expected, change.Status); err != nil {
			return err
		}
	}

	merge := map[string]any{"status": string(change.Status)}
	var clears []string

	if change.AttemptCount != nil {
		merge["attempt_count"] = *change.AttemptCount
	}
	if change.ScheduledAt != nil {
		merge["scheduled_at"] = change.ScheduledAt.Format(time.RFC3339Nano)
		merge["scheduled_at_ms"] = change.ScheduledAt.UnixMilli()
	}
	if change.StartedAt != nil {
		merge["started_at"] = change.StartedAt.Format(time.RFC3339Nano)
	}
	if change.CompletedAt != nil {
		merge["completed_at"] = change.CompletedAt.Format(time.RFC3339Nano)
	}
	if change.LeaseExpiresAt != nil {
		merge["lease_expires_at"] = change.LeaseExpiresAt.Format(time.RFC3339Nano)
		merge["lease_expires_at_ms"] = change.LeaseExpiresAt.UnixMilli()
	}
	if change.WorkerID != nil {
		merge["worker_id"] = change.WorkerID.String()
	}
	if change.LastError != nil {
		merge["last_error"] = *change.LastError
	}
	if change.Result != nil {
		merge["result"] = json.RawMessage(change.Result)
	}
	merge["updated_at"] = time.Now().Format(time.RFC3339Nano)

	if change.ReleaseClaim {
		clears = append(clears, "worker_id", "lease_expires_at", "lease_expires_at_ms")
	}

	mergeJSON, err := json.Marshal(merge)
	if err != nil {
		return fmt.Errorf("marshal task change for %s: %w", id, err)
	}

	res, err := condUpdateScript.Run(ctx,
		rs.rdb,
		[]string{rs.taskKey(id), rs.readyKey(), rs.leasesKey(), rs.countsKey()},
		string(expected), mergeJSON, strings.Join(clears, ","), id.String(), int64(bandWeight),
	).Text()
	if err != nil {
		return fmt.Errorf("conditional update of task %s: %w", id, err)
	}

	switch {
	case res == "ok":
		return nil
	case res == "not_found":
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	case strings.HasPrefix(res, "conflict:"):
		return fmt.Errorf("%w: expected %q, have %q",
			ErrStatusConflict, expected, strings.TrimPrefix(res, "conflict:"))
	}
	return fmt.Errorf("conditional update of task %s: unexpected script result %q", id, res)
}

// ListTasks implements Storage. Filters are applied client-side over the
// creation-ordered index; acceptable for the observation endpoints this
// serves, which page with small limits.
func (rs *RedisStorage) ListTasks(ctx context.Context, filter Filter) ([]Task, error) {
	ids, err := rs.rdb.ZRevRange(ctx, rs.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list task index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tasks, err := rs.fetchTasks(ctx, ids, func(t *Task) bool {
		if filter.Status != nil && t.Status != *filter.Status {
			return false
		}
		if filter.Priority != nil && t.Priority != *filter.Priority {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// CountsByStatus implements Storage
func (rs *RedisStorage) CountsByStatus(ctx context.Context) (map[Status]int64, error) {
	raw, err := rs.rdb.HGetAll(ctx, rs.countsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read status counts: %w", err)
	}

	counts := make(map[Status]int64, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for status, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse count for status %q: %w", status, err)
		}
		counts[Status(status)] = n
	}
	return counts, nil
}

// ReclaimExpired implements Storage. Expired lease holders are moved through
// the same CAS as every other transition, so a concurrent completion or
// cancellation always wins over the sweep. Holders of a final attempt fail;
// the rest return to scheduled for another claim.
func (rs *RedisStorage) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := rs.rdb.ZRangeByScore(ctx, rs.leasesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(float64(now.UnixMilli())),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}

	tasks, err := rs.fetchTasks(ctx, ids, func(t *Task) bool {
		return t.Status == StatusRunning
	})
	if err != nil {
		return 0, fmt.Errorf("fetch expired lease holders: %w", err)
	}

	reclaimed := 0
	for _, task := range tasks {
		change := TaskChange{
			Status:       StatusScheduled,
			ReleaseClaim: true,
		}
		if task.AttemptCount >= task.MaxAttempts {
			completed := now
			lastError := leaseExpiredError
			change = TaskChange{
				Status:       StatusFailed,
				CompletedAt:  &completed,
				LastError:    &lastError,
				ReleaseClaim: true,
			}
		}

		err := rs.ConditionalUpdate(ctx, task.ID, StatusRunning, change)
		switch {
		case err == nil:
			reclaimed++
		case errors.Is(err, ErrStatusConflict):
			// Finished or cancelled between the index read and the CAS.
		case errors.Is(err, ErrTaskNotFound):
			rs.rdb.ZRem(ctx, rs.leasesKey(), task.ID.String())
		default:
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

// fetchTasks loads task documents by ID, dropping entries deleted since the
// index read and those rejected by the keep predicate.
func (rs *RedisStorage) fetchTasks(ctx context.Context, ids []string, keep func(*Task) bool) ([]Task, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = rs.prefix + ":task:" + id
	}

	values, err := rs.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]Task, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // deleted since the index read
		}
		var task Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", ids[i], err)
		}
		if keep == nil || keep(&task) {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
