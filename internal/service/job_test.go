package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

func TestJobService_EnqueueDefaults(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewJobService(JobServiceOptions{Jobs: repo})

	res, err := svc.Enqueue(context.Background(), &model.CreateJobRequest{
		Type:    model.JobTypeScan,
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, defaultJobMaxAttempts, res.Job.MaxAttempts)
}

func TestJobService_TestJobsGetOneAttempt(t *testing.T) {
	svc := NewJobService(JobServiceOptions{Jobs: newFakeJobRepo()})

	res, err := svc.Enqueue(context.Background(), &model.CreateJobRequest{
		Type:    model.JobTypeScan,
		Payload: json.RawMessage(`{}`),
		IsTest:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Job.MaxAttempts)
}

func TestJobService_EnqueueValidates(t *testing.T) {
	svc := NewJobService(JobServiceOptions{Jobs: newFakeJobRepo()})

	_, err := svc.Enqueue(context.Background(), &model.CreateJobRequest{
		Type: model.JobType("bogus"),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestJobService_EnqueueDeduplicates(t *testing.T) {
	svc := NewJobService(JobServiceOptions{Jobs: newFakeJobRepo()})
	key := "fire:1"
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, &model.CreateJobRequest{
		Type:           model.JobTypeScan,
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := svc.Enqueue(ctx, &model.CreateJobRequest{
		Type:           model.JobTypeScan,
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Job.ID, second.Job.ID)
}

func TestJobService_StatsRejectsUnknownType(t *testing.T) {
	svc := NewJobService(JobServiceOptions{Jobs: newFakeJobRepo()})

	_, err := svc.Stats(context.Background(), model.JobType("bogus"))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
