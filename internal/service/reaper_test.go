package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/core"
	apperrors "github.com/target/merrymaker/internal/errors"
)

func TestReaper_RunOncePassesAllOperations(t *testing.T) {
	repo := &fakeReaperRepo{
		expireResult: core.ExpireLeasesResult{Requeued: 2, Expired: 1},
		staleFailed:  3,
	}
	s := NewReaperService(ReaperServiceOptions{
		Repo:  repo,
		Scans: newFakeScanRepo(),
		Logs:  &fakeScanLogRepo{},
	})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Contains(t, repo.calls, "expire_leases")
	assert.Contains(t, repo.calls, "fail_stale")
	assert.Contains(t, repo.calls, "delete_jobs_completed")
	assert.Contains(t, repo.calls, "delete_jobs_failed")
	assert.Contains(t, repo.calls, "delete_jobs_expired")
	assert.Contains(t, repo.calls, "delete_results")
}

func TestReaper_LeasePassReportsFirstError(t *testing.T) {
	repo := &fakeReaperRepo{expireErr: apperrors.Internal("db down")}
	s := NewReaperService(ReaperServiceOptions{Repo: repo})

	err := s.LeasePass(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire_leases")
	assert.Contains(t, repo.calls, "fail_stale", "a failed operation does not abort the pass")
}

func TestPurgeWorker_SeenStringBatches(t *testing.T) {
	repo := &countingSeenStringPurger{perCall: []int64{500, 500, 120}}
	w := NewPurgeWorker(PurgeWorkerOptions{SeenStrings: repo, BatchSize: 500})

	require.NoError(t, w.HandleSeenStringPurge(context.Background(), nil))
	assert.Equal(t, 3, repo.calls, "loops until a short batch")
}
