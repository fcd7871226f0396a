package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/domain"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/testutil"
)

// TestScheduledTaskRepo_Integration_Upsert verifies that registering a task
// twice under one name updates settings without duplicating the row or
// clobbering scheduling bookkeeping.
func TestScheduledTaskRepo_Integration_Upsert(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewScheduledTaskRepo(db, RealTimeProvider{})
		ctx := context.Background()

		task, err := repo.Upsert(ctx, domain.UpsertTaskParams{
			TaskName: "purge-hourly",
			Interval: time.Hour,
		})
		require.NoError(t, err)
		assert.Equal(t, "purge-hourly", task.TaskName)
		assert.Equal(t, time.Hour, task.Interval)
		assert.Nil(t, task.OverrunPolicy)
		assert.JSONEq(t, `{}`, string(task.Payload))

		require.NoError(t, repo.MarkQueued(ctx, domain.MarkQueuedParams{
			ID:  task.ID,
			Now: time.Now(),
		}))

		policy := domain.OverrunPolicyQueue
		updated, err := repo.Upsert(ctx, domain.UpsertTaskParams{
			TaskName:      "purge-hourly",
			Payload:       json.RawMessage(`{"batch_size": 500}`),
			Interval:      30 * time.Minute,
			OverrunPolicy: &policy,
		})
		require.NoError(t, err)
		assert.Equal(t, task.ID, updated.ID)
		assert.Equal(t, 30*time.Minute, updated.Interval)
		require.NotNil(t, updated.OverrunPolicy)
		assert.Equal(t, domain.OverrunPolicyQueue, *updated.OverrunPolicy)
		assert.NotNil(t, updated.LastQueuedAt)

		_, err = repo.Upsert(ctx, domain.UpsertTaskParams{TaskName: "bad", Interval: 0})
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

// TestScheduledTaskRepo_Integration_FindDue verifies the due query: a task is
// due when it has never fired or when the interval has elapsed since the last
// enqueue.
func TestScheduledTaskRepo_Integration_FindDue(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewScheduledTaskRepo(db, RealTimeProvider{})
		ctx := context.Background()
		now := time.Now().UTC()

		never, err := repo.Upsert(ctx, domain.UpsertTaskParams{
			TaskName: "never-fired",
			Interval: time.Hour,
		})
		require.NoError(t, err)

		recent, err := repo.Upsert(ctx, domain.UpsertTaskParams{
			TaskName: "recently-fired",
			Interval: time.Hour,
		})
		require.NoError(t, err)
		require.NoError(t, repo.MarkQueued(ctx, domain.MarkQueuedParams{ID: recent.ID, Now: now}))

		overdue, err := repo.Upsert(ctx, domain.UpsertTaskParams{
			TaskName: "overdue",
			Interval: time.Hour,
		})
		require.NoError(t, err)
		require.NoError(t, repo.MarkQueued(ctx, domain.MarkQueuedParams{
			ID:  overdue.ID,
			Now: now.Add(-2 * time.Hour),
		}))

		due, err := repo.FindDue(ctx, now, 10)
		require.NoError(t, err)

		ids := make([]string, 0, len(due))
		for _, task := range due {
			ids = append(ids, task.ID)
		}
		assert.Contains(t, ids, never.ID)
		assert.Contains(t, ids, overdue.ID)
		assert.NotContains(t, ids, recent.ID)
	})
}

func TestScheduledTaskRepo_Integration_ActiveFireKey(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewScheduledTaskRepo(db, RealTimeProvider{})
		ctx := context.Background()

		task, err := repo.Upsert(ctx, domain.UpsertTaskParams{
			TaskName: "rules-sweep",
			Interval: 5 * time.Minute,
		})
		require.NoError(t, err)

		fireKey := "rules-sweep:1770000000"
		require.NoError(t, repo.UpdateActiveFireKey(ctx, domain.UpdateActiveFireKeyParams{
			ID:      task.ID,
			FireKey: &fireKey,
			SetAt:   time.Now(),
		}))

		got, err := repo.GetByID(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ActiveFireKey)
		assert.Equal(t, fireKey, *got.ActiveFireKey)
		assert.NotNil(t, got.ActiveFireKeySetAt)

		// FireKey=nil clears both the key and its timestamp.
		require.NoError(t, repo.UpdateActiveFireKey(ctx, domain.UpdateActiveFireKeyParams{ID: task.ID}))
		got, err = repo.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ActiveFireKey)
		assert.Nil(t, got.ActiveFireKeySetAt)

		err = repo.UpdateActiveFireKey(ctx, domain.UpdateActiveFireKeyParams{
			ID:      "00000000-0000-0000-0000-000000000000",
			FireKey: &fireKey,
			SetAt:   time.Now(),
		})
		assert.True(t, apperrors.IsNotFound(err))
	})
}

// TestScheduledTaskRepo_Integration_TryWithTaskLock verifies the per-task
// advisory lock: a second caller skips while the first holds it.
func TestScheduledTaskRepo_Integration_TryWithTaskLock(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewScheduledTaskRepo(db, RealTimeProvider{})
		ctx := context.Background()

		task, err := repo.Upsert(ctx, domain.UpsertTaskParams{
			TaskName: "locked-task",
			Interval: time.Minute,
		})
		require.NoError(t, err)

		var ran bool
		acquired, err := repo.TryWithTaskLock(ctx, task.ID, func(ctx context.Context) error {
			ran = true

			// While the lock is held, a competing caller must skip.
			inner, innerErr := repo.TryWithTaskLock(ctx, task.ID, func(context.Context) error {
				t.Error("competing caller ran under a held lock")
				return nil
			})
			require.NoError(t, innerErr)
			assert.False(t, inner)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.True(t, ran)

		// The lock releases with the transaction.
		acquired, err = repo.TryWithTaskLock(ctx, task.ID, func(context.Context) error { return nil })
		require.NoError(t, err)
		assert.True(t, acquired)
	})
}
