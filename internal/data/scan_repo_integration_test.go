package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/testutil"
)

// TestScanRepo_Integration_Transition verifies the monotonic state machine:
// forward transitions apply once, replays and backward reports are suppressed.
func TestScanRepo_Integration_Transition(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewScanRepo(db, RealTimeProvider{})
		ctx := context.Background()

		scan, err := repo.Create(ctx, core.CreateScanParams{ID: uuid.NewString()})
		require.NoError(t, err)
		assert.Equal(t, model.ScanStateQueued, scan.State)
		assert.Nil(t, scan.StartedAt)

		applied, err := repo.Transition(ctx, scan.ID, model.ScanStateActive)
		require.NoError(t, err)
		assert.True(t, applied)

		// Replaying the same report is a no-op.
		applied, err = repo.Transition(ctx, scan.ID, model.ScanStateActive)
		require.NoError(t, err)
		assert.False(t, applied)

		// Backward reports never regress the state.
		applied, err = repo.Transition(ctx, scan.ID, model.ScanStateQueued)
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = repo.Transition(ctx, scan.ID, model.ScanStateDone)
		require.NoError(t, err)
		assert.True(t, applied)

		// Terminal states do not overwrite each other.
		applied, err = repo.Transition(ctx, scan.ID, model.ScanStateErrored)
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := repo.GetByID(ctx, scan.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScanStateDone, got.State)
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.EndedAt)
	})
}

func TestScanRepo_Integration_TransitionUnknownScan(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewScanRepo(db, RealTimeProvider{})

		_, err := repo.Transition(context.Background(), uuid.NewString(), model.ScanStateActive)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))

		_, err = repo.Transition(context.Background(), uuid.NewString(), model.ScanState("bogus"))
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

// TestScanRepo_Integration_DeleteOlderThan verifies that only terminal scans
// past the retention window are purged.
func TestScanRepo_Integration_DeleteOlderThan(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		// Pin the purge clock ahead of the wall clock the rows were
		// created on, so a short retention window covers them.
		clock := NewFixedTimeProvider(time.Now().Add(48 * time.Hour))
		repo := NewScanRepo(db, clock)
		ctx := context.Background()

		finished, err := repo.Create(ctx, core.CreateScanParams{ID: uuid.NewString()})
		require.NoError(t, err)
		_, err = repo.Transition(ctx, finished.ID, model.ScanStateDone)
		require.NoError(t, err)

		queued, err := repo.Create(ctx, core.CreateScanParams{ID: uuid.NewString()})
		require.NoError(t, err)

		// Retention longer than the rows' age deletes nothing.
		deleted, err := repo.DeleteOlderThan(ctx, 96*time.Hour, 100)
		require.NoError(t, err)
		assert.Zero(t, deleted)

		deleted, err = repo.DeleteOlderThan(ctx, 24*time.Hour, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		// The queued scan survives regardless of age.
		_, err = repo.GetByID(ctx, queued.ID)
		require.NoError(t, err)
		_, err = repo.GetByID(ctx, finished.ID)
		assert.True(t, apperrors.IsNotFound(err))
	})
}
