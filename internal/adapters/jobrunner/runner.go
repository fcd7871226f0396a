// Package jobrunner drains one job type from the durable queue: reserve,
// heartbeat, execute, and settle.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/target/merrymaker/internal/core"
	domainjob "github.com/target/merrymaker/internal/domain/job"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/observability/metrics"
	"github.com/target/merrymaker/internal/observability/statsd"
)

// Handler executes one job. Attempt is the store's attempt counter for this
// execution. A nil return completes the job; a retryable error re-queues it
// with backoff; anything else fails it permanently.
type Handler func(ctx context.Context, job *model.Job) error

// Runner drives the worker loop for a single job type.
type Runner struct {
	jobType  model.JobType
	handler  Handler
	jobs     core.JobRepository
	lease    *domainjob.LeasePolicy
	notifier domainjob.Notifier
	logger   *slog.Logger
	sink     statsd.Sink
	workerID string

	pollInterval time.Duration
	concurrency  int
}

// Options configures New.
type Options struct {
	JobType model.JobType
	Handler Handler
	Jobs    core.JobRepository
	Lease   *domainjob.LeasePolicy
	Logger  *slog.Logger
	Sink    statsd.Sink

	// Notifier shares one notification listener per job type across all
	// worker goroutines. When unset, each goroutine waits on the store
	// directly.
	Notifier domainjob.Notifier

	// PollInterval bounds how long a worker sleeps when notifications are
	// lost. Default 5s.
	PollInterval time.Duration
	// Concurrency is the number of worker goroutines. Default 1.
	Concurrency int
}

const defaultPollInterval = 5 * time.Second

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if !opts.JobType.Valid() {
		return nil, fmt.Errorf("invalid job type %q", opts.JobType)
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Lease == nil {
		return nil, errors.New("lease policy is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	workerID := string(opts.JobType) + "-" + uuid.NewString()
	return &Runner{
		jobType:      opts.JobType,
		handler:      opts.Handler,
		jobs:         opts.Jobs,
		lease:        opts.Lease,
		notifier:     opts.Notifier,
		logger:       logger.With("component", "job_runner", "job_type", opts.JobType, "worker_id", workerID),
		sink:         opts.Sink,
		workerID:     workerID,
		pollInterval: poll,
		concurrency:  concurrency,
	}, nil
}

// WorkerID returns the runner's queue identity.
func (r *Runner) WorkerID() string { return r.workerID }

// Run drains the queue until the context ends. It blocks; callers run it in
// a goroutine per runner.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "runner started", "concurrency", r.concurrency)
	done := make(chan error, r.concurrency)
	for i := 0; i < r.concurrency; i++ {
		go func() { done <- r.loop(ctx) }()
	}
	var firstErr error
	for i := 0; i < r.concurrency; i++ {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.logger.Info("runner stopped")
	return firstErr
}

func (r *Runner) loop(ctx context.Context) error {
	var wake <-chan struct{}
	if r.notifier != nil {
		unsubscribe, ch := r.notifier.Subscribe(r.jobType)
		defer unsubscribe()
		wake = ch
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := r.reserve(ctx, wake)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			r.logger.ErrorContext(ctx, "reservation failed", "error", err)
			r.sleep(ctx, r.pollInterval)
			continue
		}
		if job == nil {
			continue
		}
		r.execute(ctx, job)
	}
}

// reserve attempts one reservation, falling back to notification-or-poll
// waiting when the queue is empty. A nil job with nil error means "try again".
func (r *Runner) reserve(ctx context.Context, wake <-chan struct{}) (*model.Job, error) {
	decision := r.lease.Resolve(0)
	job, err := r.jobs.ReserveNext(ctx, core.ReserveNextParams{
		JobType:      r.jobType,
		WorkerID:     r.workerID,
		LeaseSeconds: decision.Seconds,
	})
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, model.ErrNoJobsAvailable) {
		return nil, err
	}

	// Empty queue: block until a wakeup with the poll interval as an upper
	// bound. Notifications are hints; losing one costs a poll cycle, never
	// a job.
	if wake != nil {
		timer := time.NewTimer(r.pollInterval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		case _, ok := <-wake:
			if !ok {
				// Notifier shut down; keep polling.
				r.sleep(ctx, r.pollInterval)
			}
		}
		return nil, ctx.Err()
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.pollInterval)
	defer cancel()
	if err := r.jobs.WaitForNotification(waitCtx, r.jobType); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		r.logger.WarnContext(ctx, "notification wait failed", "error", err)
		r.sleep(ctx, r.pollInterval)
	}
	return nil, ctx.Err()
}

// execute runs the handler under a lease-scoped context with heartbeat
// renewal, then settles the job.
func (r *Runner) execute(ctx context.Context, job *model.Job) {
	started := time.Now()
	lease := r.lease.Resolve(0).Duration()

	// The handler gets a hard deadline of twice the lease; past that the
	// reaper owns the job anyway.
	handlerCtx, cancel := context.WithTimeout(ctx, 2*lease)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go r.heartbeatLoop(handlerCtx, cancel, job.ID, lease, heartbeatDone)

	err := r.runHandler(handlerCtx, job)
	cancel()
	<-heartbeatDone

	r.settle(ctx, job, err, time.Since(started))
}

// runHandler isolates handler panics so a broken handler fails its job
// instead of killing the worker.
func (r *Runner) runHandler(ctx context.Context, job *model.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperrors.Internalf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, job)
}

// heartbeatLoop renews the lease at a third of its duration. Lease loss
// cancels the handler; some other worker owns the job now.
func (r *Runner) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, jobID string, lease time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.lease.HeartbeatEvery(lease))
	defer ticker.Stop()

	seconds := r.lease.Resolve(lease).Seconds
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.jobs.Heartbeat(ctx, core.HeartbeatParams{
				JobID:        jobID,
				WorkerID:     r.workerID,
				LeaseSeconds: seconds,
			})
			if err == nil {
				continue
			}
			if apperrors.IsLeaseLost(err) {
				r.logger.WarnContext(ctx, "lease lost, cancelling handler", "job_id", jobID)
				cancel()
				return
			}
			// Transient heartbeat failures ride on the lease margin; the
			// next tick retries.
			r.logger.WarnContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
		}
	}
}

// settle records the handler outcome with the store. Settlement uses the
// parent context: the handler's deadline must not strand an outcome write.
func (r *Runner) settle(ctx context.Context, job *model.Job, handlerErr error, took time.Duration) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if handlerErr == nil {
		if err := r.jobs.Complete(settleCtx, core.CompleteJobParams{
			JobID:    job.ID,
			WorkerID: r.workerID,
		}); err != nil {
			r.logger.ErrorContext(ctx, "complete failed", "job_id", job.ID, "error", err)
			return
		}
		r.emit(job, "complete", metrics.ResultSuccess, took, nil)
		return
	}

	if apperrors.IsLeaseLost(handlerErr) {
		// Nothing to settle; the store already reassigned ownership.
		r.emit(job, "lease_lost", metrics.ResultError, took, handlerErr)
		return
	}

	updated, err := r.jobs.Fail(settleCtx, core.FailJobParams{
		JobID:    job.ID,
		WorkerID: r.workerID,
		Reason:   handlerErr.Error(),
		Retry:    apperrors.Retryable(handlerErr),
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "fail settlement failed", "job_id", job.ID, "error", err)
		return
	}

	transition := "retry"
	if updated != nil && updated.Status.Terminal() {
		transition = "fail"
	}
	r.logger.WarnContext(ctx, "job failed",
		"job_id", job.ID,
		"attempt", job.Attempts,
		"terminal", transition == "fail",
		"error", handlerErr)
	r.emit(job, transition, metrics.ResultError, took, handlerErr)
}

func (r *Runner) emit(job *model.Job, transition, result string, took time.Duration, err error) {
	metrics.EmitJobLifecycle(r.sink, metrics.JobMetric{
		JobType:    string(job.Type),
		Transition: transition,
		Result:     result,
		Duration:   took,
		Err:        err,
	})
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
