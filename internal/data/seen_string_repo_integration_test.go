package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/testutil"
)

func TestSeenStringRepo_Integration_RecordAndLookup(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC))
		repo := NewSeenStringRepo(db, clock)
		ctx := context.Background()

		_, err := repo.Lookup(ctx, "domain", "cdn.example.com")
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))

		first, err := repo.RecordSeen(ctx, model.RecordSeenStringRequest{
			Type: "domain",
			Key:  "cdn.example.com",
		})
		require.NoError(t, err)
		assert.Equal(t, clock.Now().UTC(), first.LastCached.UTC())

		// Re-recording restarts the retention window on the same row.
		clock.Advance(time.Hour)
		again, err := repo.RecordSeen(ctx, model.RecordSeenStringRequest{
			Type: "domain",
			Key:  "cdn.example.com",
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, clock.Now().UTC(), again.LastCached.UTC())

		got, err := repo.Lookup(ctx, "domain", "cdn.example.com")
		require.NoError(t, err)
		assert.Equal(t, again.LastCached.UTC(), got.LastCached.UTC())

		_, err = repo.RecordSeen(ctx, model.RecordSeenStringRequest{Type: "domain"})
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestSeenStringRepo_Integration_DeleteOlderThan(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC))
		repo := NewSeenStringRepo(db, clock)
		ctx := context.Background()

		_, err := repo.RecordSeen(ctx, model.RecordSeenStringRequest{Type: "domain", Key: "old.example.com"})
		require.NoError(t, err)

		clock.Advance(72 * time.Hour)
		_, err = repo.RecordSeen(ctx, model.RecordSeenStringRequest{Type: "domain", Key: "fresh.example.com"})
		require.NoError(t, err)

		deleted, err := repo.DeleteOlderThan(ctx, core.DeleteSeenStringsParams{
			MaxAge:    24 * time.Hour,
			BatchSize: 100,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = repo.Lookup(ctx, "domain", "old.example.com")
		assert.True(t, apperrors.IsNotFound(err))
		_, err = repo.Lookup(ctx, "domain", "fresh.example.com")
		require.NoError(t, err)

		_, err = repo.DeleteOlderThan(ctx, core.DeleteSeenStringsParams{})
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}
