package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/target/merrymaker/internal/domain"
	"github.com/target/merrymaker/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal
// architecture). Services depend on these contracts, never on the concrete
// Postgres or Redis implementations.

// ReserveNextParams identifies the worker taking a lease on the next job.
type ReserveNextParams struct {
	JobType      model.JobType
	WorkerID     string
	LeaseSeconds int
}

// HeartbeatParams renews a lease held by a specific worker. Renewal by any
// other worker fails with a lease_lost error.
type HeartbeatParams struct {
	JobID        string
	WorkerID     string
	LeaseSeconds int
}

// CompleteJobParams finishes a job and optionally persists its result payload.
type CompleteJobParams struct {
	JobID    string
	WorkerID string
	Result   []byte
}

// FailJobParams records a handler failure. Backoff is decided by the store
// from the job's attempt counters; Retry=false forces a terminal failure
// regardless of attempts remaining.
type FailJobParams struct {
	JobID    string
	WorkerID string
	Reason   string
	Retry    bool
}

// BlockingJobsQuery asks whether jobs for a scheduled task occupy any of the
// given overrun states.
type BlockingJobsQuery struct {
	JobType model.JobType
	TaskID  string
	States  domain.OverrunStateMask
}

// JobRepository defines the durable job queue operations.
type JobRepository interface {
	// Create enqueues a job. When the request carries an idempotency key
	// that matches a non-terminal job of the same type, the existing job is
	// returned with Created=false and no new row is written.
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.CreateJobResult, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// ReserveNext leases the oldest available pending job of the type, or
	// returns model.ErrNoJobsAvailable.
	ReserveNext(ctx context.Context, params ReserveNextParams) (*model.Job, error)

	// WaitForNotification blocks until a job of the type may be available
	// or the context ends. Wakeups are hints, not guarantees.
	WaitForNotification(ctx context.Context, jobType model.JobType) error

	Heartbeat(ctx context.Context, params HeartbeatParams) error
	Complete(ctx context.Context, params CompleteJobParams) error
	Fail(ctx context.Context, params FailJobParams) (*model.Job, error)

	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	HasBlockingJobs(ctx context.Context, q BlockingJobsQuery) (bool, error)
	Delete(ctx context.Context, id string) error
}

// JobRepositoryTx is an optional extension for enqueueing inside a caller
// transaction, used by the scheduler to pair enqueue with task bookkeeping.
type JobRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.CreateJobResult, error)
}

// JobResultRepository persists the most recent result payload per job.
type JobResultRepository interface {
	Upsert(ctx context.Context, params UpsertJobResultParams) error
	GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error)
}

// UpsertJobResultParams groups parameters for JobResultRepository.Upsert.
type UpsertJobResultParams struct {
	JobID   string
	JobType model.JobType
	Outcome string
	Result  []byte
}

// ScheduledTaskRepository stores recurring task definitions and their
// scheduling bookkeeping.
type ScheduledTaskRepository interface {
	List(ctx context.Context) ([]*domain.ScheduledTask, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledTask, error)
	GetByID(ctx context.Context, id string) (*domain.ScheduledTask, error)
	Upsert(ctx context.Context, params domain.UpsertTaskParams) (*domain.ScheduledTask, error)
	Delete(ctx context.Context, id string) (bool, error)

	// MarkQueued advances last_queued_at. The scheduler calls it before
	// enqueueing so a crash between the two suppresses the fire rather
	// than duplicating it.
	MarkQueued(ctx context.Context, params domain.MarkQueuedParams) error
	UpdateActiveFireKey(ctx context.Context, params domain.UpdateActiveFireKeyParams) error

	// TryWithTaskLock runs fn while holding a per-task advisory lock.
	// Returns false without running fn when another replica holds the lock.
	TryWithTaskLock(ctx context.Context, taskID string, fn func(ctx context.Context) error) (bool, error)
}

// CreateScanParams registers a scan row when a scan job is enqueued.
type CreateScanParams struct {
	ID       string
	SiteID   *string
	SourceID *string
	IsTest   bool
}

// ScanRepository stores browser scan runs and their state machine.
type ScanRepository interface {
	Create(ctx context.Context, params CreateScanParams) (*model.Scan, error)
	GetByID(ctx context.Context, id string) (*model.Scan, error)

	// Transition moves the scan to the target state only when the target
	// ranks at or above the current state, so replayed events are no-ops.
	// Returns false when the transition was suppressed.
	Transition(ctx context.Context, scanID string, to model.ScanState) (bool, error)

	DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// ScanLogListOptions filters scan log reads.
type ScanLogListOptions struct {
	ScanID string
	Entry  *model.ScanLogEntry
	Limit  int
	Offset int
}

// ScanLogRepository stores the append-only log of scan activity.
type ScanLogRepository interface {
	BulkInsert(ctx context.Context, reqs []*model.CreateScanLogRequest) (int, error)
	ListByScan(ctx context.Context, opts ScanLogListOptions) ([]*model.ScanLog, error)
	DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// AlertRepository stores rule alerts awaiting and after delivery.
type AlertRepository interface {
	Create(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error)
	GetByID(ctx context.Context, id string) (*model.Alert, error)
	List(ctx context.Context, limit, offset int) ([]*model.Alert, error)
	UpdateDeliveryStatus(ctx context.Context, params UpdateAlertDeliveryStatusParams) error
}

// UpdateAlertDeliveryStatusParams records the outcome of a delivery attempt.
type UpdateAlertDeliveryStatusParams struct {
	ID       string
	Sink     string
	Status   model.AlertDeliveryStatus
	Detail   *string
	Attempts int
}

// IOCRepository stores indicators of compromise.
type IOCRepository interface {
	Create(ctx context.Context, req model.CreateIOCRequest) (*model.IOC, error)
	BulkCreate(ctx context.Context, reqs []model.CreateIOCRequest) (int, error)
	GetByID(ctx context.Context, id string) (*model.IOC, error)
	List(ctx context.Context, limit, offset int) ([]*model.IOC, error)
	Delete(ctx context.Context, id string) (bool, error)

	// LookupHost returns the enabled IOC matching the host (exact value,
	// or parent fqdn for subdomains), or nil when none matches.
	LookupHost(ctx context.Context, host string) (*model.IOC, error)
}

// AllowListRepository stores values exempt from alerting.
type AllowListRepository interface {
	Create(ctx context.Context, req model.CreateAllowListRequest) (*model.AllowList, error)
	List(ctx context.Context, limit, offset int) ([]*model.AllowList, error)
	Delete(ctx context.Context, id string) (bool, error)
	Contains(ctx context.Context, typ model.AllowListType, key string) (bool, error)
}

// DeleteSeenStringsParams bounds a seen-string purge pass.
type DeleteSeenStringsParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// SeenStringRepository is the authoritative store of previously observed
// strings used for alert suppression.
type SeenStringRepository interface {
	Lookup(ctx context.Context, typ, key string) (*model.SeenString, error)
	RecordSeen(ctx context.Context, req model.RecordSeenStringRequest) (*model.SeenString, error)
	DeleteOlderThan(ctx context.Context, params DeleteSeenStringsParams) (int64, error)
}

// SiteRepository stores sites registered for scanning.
type SiteRepository interface {
	Create(ctx context.Context, req *model.CreateSiteRequest) (*model.Site, error)
	GetByID(ctx context.Context, id string) (*model.Site, error)
	GetByName(ctx context.Context, name string) (*model.Site, error)
	List(ctx context.Context, limit, offset int) ([]*model.Site, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// SourceRepository stores browser scripts executed by scanner workers.
type SourceRepository interface {
	Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error)
	GetByID(ctx context.Context, id string) (*model.Source, error)
	GetByName(ctx context.Context, name string) (*model.Source, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// DeleteOldJobsParams bounds a job purge pass.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldJobResultsParams bounds a job-result purge pass.
type DeleteOldJobResultsParams struct {
	JobType   model.JobType
	MaxAge    time.Duration
	BatchSize int
}

// ExpireLeasesResult reports the split outcome of a lease-expiry pass.
type ExpireLeasesResult struct {
	// Requeued jobs had attempts remaining and went back to pending.
	Requeued int64
	// Expired jobs had exhausted their attempts.
	Expired int64
}

// ReaperRepository defines the cleanup operations run by the reaper service.
type ReaperRepository interface {
	// FailStalePendingJobs fails pending jobs that have sat unclaimed
	// longer than maxAge, up to batchSize per call.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// ExpireLeases reclaims active jobs whose lease_until has passed:
	// back to pending with backoff when attempts remain, else expired.
	ExpireLeases(ctx context.Context, batchSize int) (ExpireLeasesResult, error)

	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
	DeleteOldJobResults(ctx context.Context, params DeleteOldJobResultsParams) (int64, error)
}

// CacheRepository is the shared second-tier cache (Redis) used by the rule
// engine between the in-process LRU and Postgres.
type CacheRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
