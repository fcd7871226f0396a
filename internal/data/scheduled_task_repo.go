package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/target/merrymaker/internal/data/pgxutil"
	"github.com/target/merrymaker/internal/domain"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// ScheduledTaskRepo provides database operations for recurring task
// definitions and their scheduling bookkeeping.
type ScheduledTaskRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewScheduledTaskRepo creates a ScheduledTaskRepo.
func NewScheduledTaskRepo(db *sql.DB, clock TimeProvider) *ScheduledTaskRepo {
	if clock == nil {
		clock = RealTimeProvider{}
	}
	return &ScheduledTaskRepo{DB: db, clock: clock}
}

const scheduledTaskColumns = `
  id,
  task_name,
  payload,
  EXTRACT(EPOCH FROM run_interval)::bigint AS interval_seconds,
  last_queued_at,
  active_fire_key,
  active_fire_key_set_at,
  overrun_policy,
  overrun_states,
  updated_at
`

// taskLockKey derives a stable advisory-lock key from the task id.
func taskLockKey(taskID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskID))
	u := h.Sum64()
	if u > uint64(math.MaxInt64) {
		u %= uint64(math.MaxInt64)
	}
	return int64(u)
}

// List returns all scheduled tasks.
func (r *ScheduledTaskRepo) List(ctx context.Context) ([]*domain.ScheduledTask, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks
		ORDER BY task_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	return collectScheduledTasks(rows)
}

// FindDue returns tasks whose interval has elapsed since last_queued_at,
// oldest first. Never-queued tasks sort ahead of everything.
func (r *ScheduledTaskRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledTask, error) {
	if limit <= 0 {
		return nil, apperrors.Validation("limit must be positive")
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks
		WHERE last_queued_at IS NULL OR last_queued_at + run_interval <= $1
		ORDER BY
			CASE WHEN last_queued_at IS NULL THEN 0 ELSE 1 END,
			last_queued_at ASC,
			task_name ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find due scheduled tasks: %w", err)
	}
	defer rows.Close()
	return collectScheduledTasks(rows)
}

// GetByID returns one scheduled task.
func (r *ScheduledTaskRepo) GetByID(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks
		WHERE id = $1
	`, id)
	task, err := scanScheduledTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("scheduled task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return task, nil
}

// Upsert registers a task by name, updating payload, interval, and overrun
// settings when the name already exists. Scheduling bookkeeping is preserved.
func (r *ScheduledTaskRepo) Upsert(ctx context.Context, params domain.UpsertTaskParams) (*domain.ScheduledTask, error) {
	if params.TaskName == "" {
		return nil, apperrors.ValidationField("task_name", "task name is required")
	}
	if params.Interval <= 0 {
		return nil, apperrors.ValidationField("interval", "interval must be positive")
	}

	payload := json.RawMessage(`{}`)
	if len(params.Payload) > 0 {
		payload = params.Payload
	}

	var policy *string
	if params.OverrunPolicy != nil {
		p := string(*params.OverrunPolicy)
		policy = &p
	}
	var states *string
	if params.OverrunStates != nil {
		s := params.OverrunStates.String()
		states = &s
	}

	now := r.clock.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO scheduled_tasks (task_name, payload, run_interval, overrun_policy, overrun_states, updated_at)
		VALUES ($1, $2, make_interval(secs => $3), $4, $5, $6)
		ON CONFLICT (task_name) DO UPDATE
		SET payload = EXCLUDED.payload,
		    run_interval = EXCLUDED.run_interval,
		    overrun_policy = EXCLUDED.overrun_policy,
		    overrun_states = EXCLUDED.overrun_states,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+scheduledTaskColumns,
		params.TaskName, []byte(payload), int64(params.Interval/time.Second), policy, states, now,
	)
	task, err := scanScheduledTask(row)
	if err != nil {
		return nil, fmt.Errorf("upsert scheduled task: %w", err)
	}
	return task, nil
}

// Delete removes a scheduled task.
func (r *ScheduledTaskRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete scheduled task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete scheduled task rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkQueued advances last_queued_at for a task.
func (r *ScheduledTaskRepo) MarkQueued(ctx context.Context, params domain.MarkQueuedParams) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_queued_at = $2,
		    updated_at = $2
		WHERE id = $1
	`, params.ID, params.Now.UTC())
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark queued rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("scheduled task %s not found", params.ID)
	}
	return nil
}

// UpdateActiveFireKey sets or clears the task's outstanding fire key.
func (r *ScheduledTaskRepo) UpdateActiveFireKey(ctx context.Context, params domain.UpdateActiveFireKeyParams) error {
	var setAt *time.Time
	if params.FireKey != nil {
		t := params.SetAt.UTC()
		setAt = &t
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET active_fire_key = $2,
		    active_fire_key_set_at = $3,
		    updated_at = $4
		WHERE id = $1
	`, params.ID, params.FireKey, setAt, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("update active fire key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update active fire key rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("scheduled task %s not found", params.ID)
	}
	return nil
}

// TryWithTaskLock runs fn while holding a per-task transaction advisory lock.
// Returns false without calling fn when another replica already holds it.
func (r *ScheduledTaskRepo) TryWithTaskLock(ctx context.Context, taskID string, fn func(ctx context.Context) error) (bool, error) {
	var acquired bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx,
				`SELECT pg_try_advisory_xact_lock($1)`, taskLockKey(taskID),
			).Scan(&acquired); err != nil {
				return fmt.Errorf("acquire advisory lock for task %s: %w", taskID, err)
			}
			if !acquired {
				return nil
			}
			return fn(ctx)
		},
	})
	if err != nil {
		return acquired, err
	}
	return acquired, nil
}

func collectScheduledTasks(rows *sql.Rows) ([]*domain.ScheduledTask, error) {
	var tasks []*domain.ScheduledTask
	for rows.Next() {
		task, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled task rows: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledTask(scanner rowScanner) (*domain.ScheduledTask, error) {
	var (
		task            domain.ScheduledTask
		payload         []byte
		intervalSeconds int64
		lastQueuedAt    sql.NullTime
		fireKey         sql.NullString
		fireKeySetAt    sql.NullTime
		policy          sql.NullString
		states          sql.NullString
	)
	if err := scanner.Scan(
		&task.ID,
		&task.TaskName,
		&payload,
		&intervalSeconds,
		&lastQueuedAt,
		&fireKey,
		&fireKeySetAt,
		&policy,
		&states,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	task.Payload = cloneJSON(payload)
	task.Interval = time.Duration(intervalSeconds) * time.Second
	task.LastQueuedAt = cloneNullableTime(lastQueuedAt)
	task.ActiveFireKey = cloneNullableString(fireKey)
	task.ActiveFireKeySetAt = cloneNullableTime(fireKeySetAt)

	if policy.Valid {
		var p domain.OverrunPolicy
		if err := p.UnmarshalText([]byte(policy.String)); err != nil {
			return nil, fmt.Errorf("task %s: %w", task.TaskName, err)
		}
		task.OverrunPolicy = &p
	}
	if states.Valid {
		mask, err := domain.ParseOverrunStateMask(states.String)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task.TaskName, err)
		}
		task.OverrunStates = &mask
	}
	return &task, nil
}
