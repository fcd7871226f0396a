package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// fakeJobRepo is an in-memory JobRepository covering what the service tests
// exercise: creation with idempotency keys, stats, and blocking-job queries.
type fakeJobRepo struct {
	mu      sync.Mutex
	seq     int
	jobs    map[string]*model.Job
	pending map[model.JobType]int
	// blocking reports HasBlockingJobs per task id.
	blocking map[string]bool

	createErr error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{
		jobs:     map[string]*model.Job{},
		pending:  map[model.JobType]int{},
		blocking: map[string]bool{},
	}
}

func (f *fakeJobRepo) Create(_ context.Context, req *model.CreateJobRequest) (*model.CreateJobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if req.IdempotencyKey != nil {
		for _, j := range f.jobs {
			if j.Type == req.Type && j.IdempotencyKey != nil &&
				*j.IdempotencyKey == *req.IdempotencyKey && !j.Status.Terminal() {
				return &model.CreateJobResult{Job: j, Created: false}, nil
			}
		}
	}
	f.seq++
	job := &model.Job{
		ID:             "job-" + strconv.Itoa(f.seq),
		Type:           req.Type,
		Status:         model.JobStatusPending,
		Priority:       req.Priority,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		ScanID:         req.ScanID,
		SiteID:         req.SiteID,
		IsTest:         req.IsTest,
		MaxAttempts:    req.MaxAttempts,
		CreatedAt:      time.Now(),
	}
	f.jobs[job.ID] = job
	f.pending[job.Type]++
	return &model.CreateJobResult{Job: job, Created: true}, nil
}

func (f *fakeJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, apperrors.NotFound("job not found")
}

func (f *fakeJobRepo) ReserveNext(_ context.Context, _ core.ReserveNextParams) (*model.Job, error) {
	return nil, model.ErrNoJobsAvailable
}

func (f *fakeJobRepo) WaitForNotification(ctx context.Context, _ model.JobType) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeJobRepo) Heartbeat(_ context.Context, _ core.HeartbeatParams) error { return nil }

func (f *fakeJobRepo) Complete(_ context.Context, _ core.CompleteJobParams) error { return nil }

func (f *fakeJobRepo) Fail(_ context.Context, _ core.FailJobParams) (*model.Job, error) {
	return nil, nil
}

func (f *fakeJobRepo) Stats(_ context.Context, jobType model.JobType) (*model.JobStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &model.JobStats{Pending: f.pending[jobType]}, nil
}

func (f *fakeJobRepo) HasBlockingJobs(_ context.Context, q core.BlockingJobsQuery) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocking[q.TaskID], nil
}

func (f *fakeJobRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobRepo) created() []*model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeJobRepo) jobsOfType(t model.JobType) []*model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Job
	for _, j := range f.jobs {
		if j.Type == t {
			out = append(out, j)
		}
	}
	return out
}

// fakeTaskRepo is an in-memory ScheduledTaskRepository. TryWithTaskLock can
// be forced to simulate a lost lock race.
type fakeTaskRepo struct {
	mu       sync.Mutex
	tasks    map[string]*domain.ScheduledTask
	lockHeld map[string]bool

	markQueuedCalls int
	fireKeyUpdates  int
	lastActiveKey   map[string]*string
	upserts         []domain.UpsertTaskParams
	deletes         int
}

func newFakeTaskRepo(tasks ...*domain.ScheduledTask) *fakeTaskRepo {
	f := &fakeTaskRepo{
		tasks:         map[string]*domain.ScheduledTask{},
		lockHeld:      map[string]bool{},
		lastActiveKey: map[string]*string{},
	}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeTaskRepo) List(_ context.Context) ([]*domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ScheduledTask
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTaskRepo) FindDue(_ context.Context, now time.Time, limit int) ([]*domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ScheduledTask
	for _, t := range f.tasks {
		if t.Due(now) && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTaskRepo) GetByID(_ context.Context, id string) (*domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, apperrors.NotFound("task not found")
}

func (f *fakeTaskRepo) Upsert(_ context.Context, params domain.UpsertTaskParams) (*domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, params)
	for _, t := range f.tasks {
		if t.TaskName == params.TaskName {
			t.Payload = params.Payload
			t.Interval = params.Interval
			return t, nil
		}
	}
	task := &domain.ScheduledTask{
		ID:            "task-" + params.TaskName,
		TaskName:      params.TaskName,
		Payload:       params.Payload,
		Interval:      params.Interval,
		OverrunPolicy: params.OverrunPolicy,
		OverrunStates: params.OverrunStates,
	}
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeTaskRepo) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return false, nil
	}
	delete(f.tasks, id)
	f.deletes++
	return true, nil
}

func (f *fakeTaskRepo) MarkQueued(_ context.Context, params domain.MarkQueuedParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markQueuedCalls++
	if t, ok := f.tasks[params.ID]; ok {
		now := params.Now
		t.LastQueuedAt = &now
	}
	return nil
}

func (f *fakeTaskRepo) UpdateActiveFireKey(_ context.Context, params domain.UpdateActiveFireKeyParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fireKeyUpdates++
	f.lastActiveKey[params.ID] = params.FireKey
	if t, ok := f.tasks[params.ID]; ok {
		t.ActiveFireKey = params.FireKey
	}
	return nil
}

func (f *fakeTaskRepo) TryWithTaskLock(ctx context.Context, taskID string, fn func(ctx context.Context) error) (bool, error) {
	f.mu.Lock()
	held := f.lockHeld[taskID]
	f.mu.Unlock()
	if held {
		return false, nil
	}
	return true, fn(ctx)
}

// fakeSiteRepo serves a fixed set of sites.
type fakeSiteRepo struct {
	mu    sync.Mutex
	sites []*model.Site
}

func newFakeSiteRepo(sites ...*model.Site) *fakeSiteRepo {
	return &fakeSiteRepo{sites: sites}
}

func (f *fakeSiteRepo) Create(_ context.Context, _ *model.CreateSiteRequest) (*model.Site, error) {
	return nil, apperrors.Internal("not implemented")
}

func (f *fakeSiteRepo) GetByID(_ context.Context, id string) (*model.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sites {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, apperrors.NotFound("site not found")
}

func (f *fakeSiteRepo) GetByName(_ context.Context, name string) (*model.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sites {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, apperrors.NotFound("site not found")
}

func (f *fakeSiteRepo) List(_ context.Context, limit, offset int) ([]*model.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= len(f.sites) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.sites) {
		end = len(f.sites)
	}
	return f.sites[offset:end], nil
}

func (f *fakeSiteRepo) Delete(_ context.Context, _ string) (bool, error) { return false, nil }

// fakeSourceRepo serves a fixed set of browser scripts.
type fakeSourceRepo struct {
	sources map[string]*model.Source
}

func newFakeSourceRepo(sources ...*model.Source) *fakeSourceRepo {
	f := &fakeSourceRepo{sources: map[string]*model.Source{}}
	for _, src := range sources {
		f.sources[src.ID] = src
	}
	return f
}

func (f *fakeSourceRepo) Create(_ context.Context, _ *model.CreateSourceRequest) (*model.Source, error) {
	return nil, apperrors.Internal("not implemented")
}

func (f *fakeSourceRepo) GetByID(_ context.Context, id string) (*model.Source, error) {
	if src, ok := f.sources[id]; ok {
		return src, nil
	}
	return nil, apperrors.NotFound("source not found")
}

func (f *fakeSourceRepo) GetByName(_ context.Context, name string) (*model.Source, error) {
	for _, src := range f.sources {
		if src.Name == name {
			return src, nil
		}
	}
	return nil, apperrors.NotFound("source not found")
}

func (f *fakeSourceRepo) Delete(_ context.Context, _ string) (bool, error) { return false, nil }

// fakeScanLauncher records launch calls and returns a scripted result.
type fakeScanLauncher struct {
	mu      sync.Mutex
	calls   []launchCall
	created bool
	err     error
}

type launchCall struct {
	siteID string
	opts   ScheduledScanOptions
}

func (f *fakeScanLauncher) LaunchScheduledScan(_ context.Context, siteID string, opts ScheduledScanOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, launchCall{siteID: siteID, opts: opts})
	return f.created, f.err
}

// fakeReaperRepo returns scripted results per operation.
type fakeReaperRepo struct {
	mu             sync.Mutex
	expireResult   core.ExpireLeasesResult
	expireErr      error
	staleFailed    int64
	jobsDeleted    int64
	resultsDeleted int64
	calls          []string
}

func (f *fakeReaperRepo) FailStalePendingJobs(_ context.Context, _ time.Duration, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fail_stale")
	return f.staleFailed, nil
}

func (f *fakeReaperRepo) ExpireLeases(_ context.Context, _ int) (core.ExpireLeasesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "expire_leases")
	return f.expireResult, f.expireErr
}

func (f *fakeReaperRepo) DeleteOldJobs(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete_jobs_"+string(params.Status))
	return f.jobsDeleted, nil
}

func (f *fakeReaperRepo) DeleteOldJobResults(_ context.Context, _ core.DeleteOldJobResultsParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete_results")
	return f.resultsDeleted, nil
}

// fakeScanRepo records transitions.
type fakeScanRepo struct {
	mu          sync.Mutex
	scans       map[string]*model.Scan
	transitions []string
}

func newFakeScanRepo() *fakeScanRepo {
	return &fakeScanRepo{scans: map[string]*model.Scan{}}
}

func (f *fakeScanRepo) Create(_ context.Context, params core.CreateScanParams) (*model.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scan := &model.Scan{
		ID:       params.ID,
		SiteID:   params.SiteID,
		SourceID: params.SourceID,
		State:    model.ScanStateQueued,
		IsTest:   params.IsTest,
	}
	f.scans[params.ID] = scan
	return scan, nil
}

func (f *fakeScanRepo) GetByID(_ context.Context, id string) (*model.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.scans[id]; ok {
		return s, nil
	}
	return nil, apperrors.NotFound("scan not found")
}

func (f *fakeScanRepo) Transition(_ context.Context, scanID string, to model.ScanState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, scanID+":"+string(to))
	s, ok := f.scans[scanID]
	if !ok {
		return false, apperrors.NotFound("scan not found")
	}
	if to.Rank() <= s.State.Rank() {
		return false, nil
	}
	s.State = to
	return true, nil
}

func (f *fakeScanRepo) DeleteOlderThan(_ context.Context, _ time.Duration, _ int) (int64, error) {
	return 0, nil
}

// fakeScanLogRepo collects bulk inserts.
type fakeScanLogRepo struct {
	mu       sync.Mutex
	inserted []*model.CreateScanLogRequest
	batches  int
}

func (f *fakeScanLogRepo) BulkInsert(_ context.Context, reqs []*model.CreateScanLogRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	f.inserted = append(f.inserted, reqs...)
	return len(reqs), nil
}

func (f *fakeScanLogRepo) ListByScan(_ context.Context, _ core.ScanLogListOptions) ([]*model.ScanLog, error) {
	return nil, nil
}

func (f *fakeScanLogRepo) DeleteOlderThan(_ context.Context, _ time.Duration, _ int) (int64, error) {
	return 0, nil
}

// fakeAlertRepo stores created alerts and delivery updates.
type fakeAlertRepo struct {
	mu      sync.Mutex
	seq     int
	alerts  map[string]*model.Alert
	updates []core.UpdateAlertDeliveryStatusParams
}

func newFakeAlertRepo() *fakeAlertRepo {
	return &fakeAlertRepo{alerts: map[string]*model.Alert{}}
}

func (f *fakeAlertRepo) Create(_ context.Context, req *model.CreateAlertRequest) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	alert := &model.Alert{
		ID:             "alert-" + strconv.Itoa(f.seq),
		Rule:           req.Rule,
		ScanID:         req.ScanID,
		SiteID:         req.SiteID,
		Message:        req.Message,
		Context:        req.Context,
		DeliveryStatus: model.AlertDeliveryPending,
		CreatedAt:      time.Now(),
	}
	f.alerts[alert.ID] = alert
	return alert, nil
}

func (f *fakeAlertRepo) GetByID(_ context.Context, id string) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.alerts[id]; ok {
		return a, nil
	}
	return nil, apperrors.NotFound("alert not found")
}

func (f *fakeAlertRepo) List(_ context.Context, _, _ int) ([]*model.Alert, error) {
	return nil, nil
}

func (f *fakeAlertRepo) UpdateDeliveryStatus(_ context.Context, params core.UpdateAlertDeliveryStatusParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, params)
	return nil
}

// countingSeenStringPurger scripts DeleteOlderThan results per call.
type countingSeenStringPurger struct {
	perCall []int64
	calls   int
}

func (f *countingSeenStringPurger) Lookup(_ context.Context, _, _ string) (*model.SeenString, error) {
	return nil, apperrors.NotFound("seen string not found")
}

func (f *countingSeenStringPurger) RecordSeen(_ context.Context, _ model.RecordSeenStringRequest) (*model.SeenString, error) {
	return nil, nil
}

func (f *countingSeenStringPurger) DeleteOlderThan(_ context.Context, _ core.DeleteSeenStringsParams) (int64, error) {
	n := int64(0)
	if f.calls < len(f.perCall) {
		n = f.perCall[f.calls]
	}
	f.calls++
	return n, nil
}
