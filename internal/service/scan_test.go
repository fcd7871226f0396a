package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

func newTestScanService(scans *fakeScanRepo, jobs *fakeJobRepo, sites *fakeSiteRepo, sources *fakeSourceRepo) *ScanService {
	opts := ScanServiceOptions{
		Scans: scans,
		Logs:  &fakeScanLogRepo{},
		Jobs:  NewJobService(JobServiceOptions{Jobs: jobs}),
	}
	// Assign only when set; a typed nil pointer in the interface field would
	// defeat the service's nil checks.
	if sites != nil {
		opts.Sites = sites
	}
	if sources != nil {
		opts.Sources = sources
	}
	return NewScanService(opts)
}

func TestScanService_StartScan(t *testing.T) {
	scans := newFakeScanRepo()
	jobs := newFakeJobRepo()
	s := newTestScanService(scans, jobs, nil, nil)

	site := testSite("s1", true, 30*time.Minute)
	source := &model.Source{ID: "src1", Name: "checkout", Script: "await page.goto(url)"}

	scan, job, err := s.StartScan(context.Background(), StartScanParams{
		Site:     site,
		Source:   source,
		Priority: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ScanStateQueued, scan.State)
	require.NotNil(t, scan.SiteID)
	assert.Equal(t, "s1", *scan.SiteID)

	assert.Equal(t, model.JobTypeScan, job.Type)
	assert.Equal(t, 10, job.Priority)
	require.NotNil(t, job.ScanID)
	assert.Equal(t, scan.ID, *job.ScanID)

	var payload ScanJobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, scan.ID, payload.ScanID)
	assert.Equal(t, site.URL, payload.URL)
	assert.Equal(t, "src1", payload.SourceID)
	assert.Equal(t, source.Script, payload.Script)
}

func TestScanService_StartScan_RequiresSite(t *testing.T) {
	s := newTestScanService(newFakeScanRepo(), newFakeJobRepo(), nil, nil)

	_, _, err := s.StartScan(context.Background(), StartScanParams{})
	assert.True(t, apperrors.IsValidation(err))
}

func TestScanService_StartScan_TestScanGetsSingleAttempt(t *testing.T) {
	jobs := newFakeJobRepo()
	s := newTestScanService(newFakeScanRepo(), jobs, nil, nil)

	_, job, err := s.StartScan(context.Background(), StartScanParams{
		Site:   testSite("s1", true, time.Hour),
		IsTest: true,
	})
	require.NoError(t, err)
	assert.True(t, job.IsTest)
	assert.Equal(t, 1, job.MaxAttempts)
}

func TestScanService_LaunchScheduledScan(t *testing.T) {
	source := &model.Source{ID: "src1", Name: "checkout", Script: "await page.goto(url)"}
	srcID := source.ID
	site := testSite("s1", true, time.Hour)
	site.SourceID = &srcID

	scans := newFakeScanRepo()
	jobs := newFakeJobRepo()
	s := newTestScanService(scans, jobs, newFakeSiteRepo(site), newFakeSourceRepo(source))

	metadata := json.RawMessage(`{"scheduler.task_id":"task-site:s1"}`)
	created, err := s.LaunchScheduledScan(context.Background(), "s1", ScheduledScanOptions{
		IdempotencyKey: "site:s1:1700000000",
		Metadata:       metadata,
	})
	require.NoError(t, err)
	assert.True(t, created)

	jobList := jobs.created()
	require.Len(t, jobList, 1)
	require.NotNil(t, jobList[0].IdempotencyKey)
	assert.Equal(t, "site:s1:1700000000", *jobList[0].IdempotencyKey)
	assert.JSONEq(t, string(metadata), string(jobList[0].Metadata))

	var payload ScanJobPayload
	require.NoError(t, json.Unmarshal(jobList[0].Payload, &payload))
	assert.Equal(t, "src1", payload.SourceID)
	assert.Equal(t, source.Script, payload.Script)
}

func TestScanService_LaunchScheduledScan_DisabledSite(t *testing.T) {
	scans := newFakeScanRepo()
	jobs := newFakeJobRepo()
	s := newTestScanService(scans, jobs, newFakeSiteRepo(testSite("s1", false, time.Hour)), nil)

	created, err := s.LaunchScheduledScan(context.Background(), "s1", ScheduledScanOptions{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, scans.scans)
	assert.Empty(t, jobs.created())
}

func TestScanService_LaunchScheduledScan_UnknownSite(t *testing.T) {
	s := newTestScanService(newFakeScanRepo(), newFakeJobRepo(), newFakeSiteRepo(), nil)

	_, err := s.LaunchScheduledScan(context.Background(), "missing", ScheduledScanOptions{})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestScanService_LaunchScheduledScan_SlotDeduplicated(t *testing.T) {
	site := testSite("s1", true, time.Hour)
	jobs := newFakeJobRepo()
	s := newTestScanService(newFakeScanRepo(), jobs, newFakeSiteRepo(site), nil)
	ctx := context.Background()

	opts := ScheduledScanOptions{IdempotencyKey: "site:s1:1700000000"}
	created, err := s.LaunchScheduledScan(ctx, "s1", opts)
	require.NoError(t, err)
	require.True(t, created)

	// A second replica firing the same slot dedupes on the key.
	created, err = s.LaunchScheduledScan(ctx, "s1", opts)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, jobs.created(), 1)
}

func TestScanService_TransitionSuppressesReplay(t *testing.T) {
	scans := newFakeScanRepo()
	s := newTestScanService(scans, newFakeJobRepo(), nil, nil)
	ctx := context.Background()

	scan, _, err := s.StartScan(ctx, StartScanParams{Site: testSite("s1", true, time.Hour)})
	require.NoError(t, err)

	applied, err := s.Transition(ctx, scan.ID, model.ScanStateActive)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Transition(ctx, scan.ID, model.ScanStateActive)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestScanService_TransitionRejectsUnknownState(t *testing.T) {
	s := newTestScanService(newFakeScanRepo(), newFakeJobRepo(), nil, nil)

	_, err := s.Transition(context.Background(), "scan-1", model.ScanState("bogus"))
	assert.True(t, apperrors.IsValidation(err))
}
