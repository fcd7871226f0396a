package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/target/merrymaker/internal/core"
	domainjob "github.com/target/merrymaker/internal/domain/job"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// JobService is the application-facing surface of the durable queue. It
// validates requests and applies queue defaults before handing off to the
// repository. It also carries the lease operations remote workers reach over
// the transport API.
type JobService struct {
	jobs     core.JobRepository
	results  core.JobResultRepository
	lease    *domainjob.LeasePolicy
	notifier domainjob.Notifier
	logger   *slog.Logger

	defaultMaxAttempts int
}

// JobServiceOptions configures NewJobService.
type JobServiceOptions struct {
	Jobs    core.JobRepository
	Results core.JobResultRepository
	Logger  *slog.Logger

	// Lease normalises lease durations requested by remote workers. When
	// unset, reservations fall back to a 30s lease.
	Lease *domainjob.LeasePolicy
	// Notifier feeds long-poll reservations. When unset, long polls degrade
	// to plain polling.
	Notifier domainjob.Notifier

	// DefaultMaxAttempts applies when a request leaves MaxAttempts at zero.
	DefaultMaxAttempts int
}

const (
	defaultJobMaxAttempts = 3
	defaultLeaseSeconds   = 30
)

// NewJobService creates a JobService.
func NewJobService(opts JobServiceOptions) *JobService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := opts.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultJobMaxAttempts
	}
	return &JobService{
		jobs:               opts.Jobs,
		results:            opts.Results,
		lease:              opts.Lease,
		notifier:           opts.Notifier,
		logger:             logger.With("component", "job_service"),
		defaultMaxAttempts: maxAttempts,
	}
}

// Enqueue validates and creates a job. Test jobs get a single attempt so a
// failing test scan surfaces immediately instead of retrying.
func (s *JobService) Enqueue(ctx context.Context, req *model.CreateJobRequest) (*model.CreateJobResult, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if req.MaxAttempts == 0 {
		if req.IsTest {
			req.MaxAttempts = 1
		} else {
			req.MaxAttempts = s.defaultMaxAttempts
		}
	}

	res, err := s.jobs.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Created {
		s.logger.InfoContext(ctx, "enqueue deduplicated",
			"job_type", req.Type,
			"job_id", res.Job.ID)
	}
	return res, nil
}

// Get returns a job by id.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.jobs.GetByID(ctx, id)
}

// Result returns the latest result payload for a job.
func (s *JobService) Result(ctx context.Context, jobID string) (*model.JobResult, error) {
	return s.results.GetByJobID(ctx, jobID)
}

// Stats returns queue depth counters for a job type.
func (s *JobService) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	if !jobType.Valid() {
		return nil, apperrors.Validation("invalid job type")
	}
	return s.jobs.Stats(ctx, jobType)
}

// Cancel removes a job that has not been reserved. Active jobs cannot be
// cancelled; their lease holder owns them until it finishes or the lease
// expires.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	return s.jobs.Delete(ctx, id)
}

// Reserve leases the next available job of a type for a remote worker.
// Returns model.ErrNoJobsAvailable when the queue is empty.
func (s *JobService) Reserve(ctx context.Context, params core.ReserveNextParams) (*model.Job, error) {
	if !params.JobType.Valid() {
		return nil, apperrors.Validation("invalid job type")
	}
	if params.WorkerID == "" {
		return nil, apperrors.Validation("worker id is required")
	}
	params.LeaseSeconds = s.resolveLease(params.LeaseSeconds)
	return s.jobs.ReserveNext(ctx, params)
}

// Heartbeat extends a worker's lease on an active job.
func (s *JobService) Heartbeat(ctx context.Context, params core.HeartbeatParams) error {
	if params.WorkerID == "" {
		return apperrors.Validation("worker id is required")
	}
	params.LeaseSeconds = s.resolveLease(params.LeaseSeconds)
	return s.jobs.Heartbeat(ctx, params)
}

// Complete settles a leased job as finished, optionally storing its result.
func (s *JobService) Complete(ctx context.Context, params core.CompleteJobParams) error {
	if params.WorkerID == "" {
		return apperrors.Validation("worker id is required")
	}
	return s.jobs.Complete(ctx, params)
}

// Fail settles a leased job as failed. Retryable failures go back to the
// queue with backoff; the rest are terminal.
func (s *JobService) Fail(ctx context.Context, params core.FailJobParams) (*model.Job, error) {
	if params.WorkerID == "" {
		return nil, apperrors.Validation("worker id is required")
	}
	return s.jobs.Fail(ctx, params)
}

// Subscribe returns a wakeup channel hinting that jobs of the given type may
// be available. Without a notifier the channel is nil and callers fall back
// to polling.
func (s *JobService) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	if s.notifier == nil {
		return func() {}, nil
	}
	return s.notifier.Subscribe(jobType)
}

func (s *JobService) resolveLease(requested int) int {
	decision := s.lease.Resolve(time.Duration(requested) * time.Second)
	if decision.Seconds <= 0 {
		return defaultLeaseSeconds
	}
	return decision.Seconds
}
