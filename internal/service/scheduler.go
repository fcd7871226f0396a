package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain"
	"github.com/target/merrymaker/internal/domain/model"
	"github.com/target/merrymaker/internal/observability/statsd"
)

// Metadata keys stamped on scheduler-born jobs so job completion can clear
// the task's outstanding fire key.
const (
	MetaSchedulerTaskID  = "scheduler.task_id"
	MetaSchedulerFireKey = "scheduler.fire_key"
)

// siteTaskPrefix names the per-site recurring scan tasks the scheduler
// maintains from the sites table.
const siteTaskPrefix = "site:"

// SiteScanLauncher starts a scan for a scheduled site slot. Reports false
// when the slot produced no new scan (site disabled, or another replica won
// the idempotency key).
type SiteScanLauncher interface {
	LaunchScheduledScan(ctx context.Context, siteID string, opts ScheduledScanOptions) (bool, error)
}

// SchedulerService turns due scheduled tasks into queue jobs. Multiple
// replicas may tick concurrently; per-task advisory locks plus fire-key
// idempotency guarantee at most one job per task per slot.
type SchedulerService struct {
	tasks     core.ScheduledTaskRepository
	jobs      core.JobRepository
	sites     core.SiteRepository
	siteScans SiteScanLauncher
	logger    *slog.Logger
	sink      statsd.Sink
	now       func() time.Time

	defaultPolicy domain.OverrunPolicy
	defaultStates domain.OverrunStateMask
	backfillLimit int
	batchSize     int
}

// SchedulerServiceOptions configures NewSchedulerService.
type SchedulerServiceOptions struct {
	Tasks  core.ScheduledTaskRepository
	Jobs   core.JobRepository
	Logger *slog.Logger
	Sink   statsd.Sink
	Now    func() time.Time

	// Sites enables reconciling the sites table into per-site scan tasks;
	// SiteScans launches the scans those tasks fire. Both nil disables the
	// site scheduling surface.
	Sites     core.SiteRepository
	SiteScans SiteScanLauncher

	// DefaultOverrunPolicy applies to tasks without a per-task override.
	DefaultOverrunPolicy domain.OverrunPolicy
	// DefaultOverrunStates applies to tasks without a per-task override.
	DefaultOverrunStates domain.OverrunStateMask
	// BackfillLimit short-circuits the tick when the pending backlog for a
	// task's job type already exceeds it.
	BackfillLimit int
	// BatchSize caps how many due tasks one tick processes.
	BatchSize int
}

const (
	defaultBackfillLimit      = 20
	defaultSchedulerBatchSize = 50
)

// NewSchedulerService creates a SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	policy := opts.DefaultOverrunPolicy
	if policy == "" {
		policy = domain.OverrunPolicySkip
	}
	states := opts.DefaultOverrunStates
	if states == 0 {
		states = domain.OverrunStatesDefault
	}
	backfill := opts.BackfillLimit
	if backfill <= 0 {
		backfill = defaultBackfillLimit
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultSchedulerBatchSize
	}
	return &SchedulerService{
		tasks:         opts.Tasks,
		jobs:          opts.Jobs,
		sites:         opts.Sites,
		siteScans:     opts.SiteScans,
		logger:        logger.With("component", "scheduler"),
		sink:          opts.Sink,
		now:           nowFn,
		defaultPolicy: policy,
		defaultStates: states,
		backfillLimit: backfill,
		batchSize:     batch,
	}
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Due      int
	Enqueued int
	Skipped  int
	Deferred int
	LockMiss int
	Errors   int
}

// Tick finds due tasks and processes each under its advisory lock. Task
// failures are isolated; one broken task never starves the rest.
func (s *SchedulerService) Tick(ctx context.Context) (TickResult, error) {
	now := s.now()

	if s.sites != nil {
		// Reconciliation failures leave last tick's tasks in place, so the
		// pass still runs on a slightly stale view.
		if err := s.syncSiteSchedules(ctx); err != nil {
			s.logger.WarnContext(ctx, "site schedule reconcile failed", "error", err)
		}
	}

	due, err := s.tasks.FindDue(ctx, now, s.batchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("find due tasks: %w", err)
	}

	res := TickResult{Due: len(due)}
	for _, task := range due {
		outcome, err := s.processTask(ctx, task, now)
		if err != nil {
			res.Errors++
			s.logger.ErrorContext(ctx, "task processing failed",
				"task", task.TaskName, "error", err)
			continue
		}
		switch outcome {
		case tickEnqueued:
			res.Enqueued++
		case tickSkipped:
			res.Skipped++
		case tickDeferred:
			res.Deferred++
		case tickLockMiss:
			res.LockMiss++
		}
	}

	if s.sink != nil && res.Due > 0 {
		s.sink.Gauge("scheduler.due", float64(res.Due), nil)
		s.sink.Count("scheduler.enqueued", int64(res.Enqueued), nil)
	}
	return res, nil
}

type tickOutcome int

const (
	tickEnqueued tickOutcome = iota
	tickSkipped
	tickDeferred
	tickLockMiss
)

// processTask handles one due task under its per-task lock. A replica that
// loses the lock race reports lock-miss and moves on; the winner does the
// work for this slot.
func (s *SchedulerService) processTask(ctx context.Context, task *domain.ScheduledTask, now time.Time) (tickOutcome, error) {
	outcome := tickSkipped
	acquired, err := s.tasks.TryWithTaskLock(ctx, task.ID, func(ctx context.Context) error {
		// Re-read under the lock; another replica may have fired this slot.
		current, err := s.tasks.GetByID(ctx, task.ID)
		if err != nil {
			return err
		}
		if !current.Due(now) {
			outcome = tickSkipped
			return nil
		}
		outcome, err = s.fire(ctx, current, now)
		return err
	})
	if err != nil {
		return outcome, err
	}
	if !acquired {
		return tickLockMiss, nil
	}
	return outcome, nil
}

func (s *SchedulerService) fire(ctx context.Context, task *domain.ScheduledTask, now time.Time) (tickOutcome, error) {
	jobType, err := jobTypeForTask(task.TaskName)
	if err != nil {
		return tickSkipped, err
	}

	policy := s.defaultPolicy
	if task.OverrunPolicy != nil {
		policy = *task.OverrunPolicy
	}
	fireKey := task.FireKey(now)

	if policy == domain.OverrunPolicySkip &&
		task.ActiveFireKey != nil && *task.ActiveFireKey == fireKey {
		// This slot was already processed, likely by another replica.
		return tickSkipped, nil
	}

	if policy != domain.OverrunPolicyQueue {
		blocked, err := s.overrunBlocked(ctx, task, jobType)
		if err != nil {
			return tickSkipped, err
		}
		if blocked {
			switch policy {
			case domain.OverrunPolicyReschedule:
				// Consume the slot without enqueueing.
				if err := s.tasks.MarkQueued(ctx, domain.MarkQueuedParams{ID: task.ID, Now: now}); err != nil {
					return tickSkipped, err
				}
				s.logger.InfoContext(ctx, "task rescheduled past overrun", "task", task.TaskName)
				return tickDeferred, nil
			default:
				s.logger.InfoContext(ctx, "task skipped, previous fire outstanding", "task", task.TaskName)
				return tickSkipped, nil
			}
		}
	}

	if backlogged, err := s.backlogged(ctx, jobType); err != nil {
		return tickSkipped, err
	} else if backlogged {
		// Leave last_queued_at untouched so the task fires as soon as the
		// backlog drains.
		s.logger.WarnContext(ctx, "backlog above backfill limit, deferring",
			"task", task.TaskName, "job_type", jobType)
		return tickDeferred, nil
	}

	metadata, err := json.Marshal(map[string]string{
		MetaSchedulerTaskID:  task.ID,
		MetaSchedulerFireKey: fireKey,
	})
	if err != nil {
		return tickSkipped, fmt.Errorf("encode task metadata: %w", err)
	}

	// Mark before enqueue: a crash between the two suppresses this fire
	// instead of duplicating it on restart.
	if err := s.tasks.MarkQueued(ctx, domain.MarkQueuedParams{ID: task.ID, Now: now}); err != nil {
		return tickSkipped, err
	}

	created, err := s.enqueueSlot(ctx, task, jobType, fireKey, metadata)
	if err != nil {
		return tickSkipped, err
	}
	if !created {
		// Another replica won this slot through the idempotency key, or a
		// site task resolved to a disabled site.
		return tickSkipped, nil
	}

	if err := s.tasks.UpdateActiveFireKey(ctx, domain.UpdateActiveFireKeyParams{
		ID:      task.ID,
		FireKey: &fireKey,
		SetAt:   now,
	}); err != nil {
		s.logger.WarnContext(ctx, "active fire key not recorded",
			"task", task.TaskName, "error", err)
	}

	s.logger.InfoContext(ctx, "task fired", "task", task.TaskName, "fire_key", fireKey)
	return tickEnqueued, nil
}

// enqueueSlot creates the job for one fire. Site tasks go through the scan
// launcher so the scan row and job payload are built together; everything
// else enqueues the task payload directly.
func (s *SchedulerService) enqueueSlot(
	ctx context.Context,
	task *domain.ScheduledTask,
	jobType model.JobType,
	fireKey string,
	metadata json.RawMessage,
) (bool, error) {
	if siteID, isSite := strings.CutPrefix(task.TaskName, siteTaskPrefix); isSite {
		if s.siteScans == nil {
			return false, fmt.Errorf("task %q needs a site scan launcher", task.TaskName)
		}
		created, err := s.siteScans.LaunchScheduledScan(ctx, siteID, ScheduledScanOptions{
			IdempotencyKey: fireKey,
			Metadata:       metadata,
		})
		if err != nil {
			return false, fmt.Errorf("launch site scan: %w", err)
		}
		return created, nil
	}

	res, err := s.jobs.Create(ctx, &model.CreateJobRequest{
		Type:           jobType,
		Payload:        task.Payload,
		Metadata:       metadata,
		IdempotencyKey: &fireKey,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue task job: %w", err)
	}
	return res.Created, nil
}

// overrunBlocked reports whether an earlier fire still occupies one of the
// task's blocking states.
func (s *SchedulerService) overrunBlocked(ctx context.Context, task *domain.ScheduledTask, jobType model.JobType) (bool, error) {
	mask := s.defaultStates
	if task.OverrunStates != nil {
		mask = *task.OverrunStates
	}
	if mask == 0 {
		return false, nil
	}
	return s.jobs.HasBlockingJobs(ctx, core.BlockingJobsQuery{
		JobType: jobType,
		TaskID:  task.ID,
		States:  mask,
	})
}

func (s *SchedulerService) backlogged(ctx context.Context, jobType model.JobType) (bool, error) {
	stats, err := s.jobs.Stats(ctx, jobType)
	if err != nil {
		return false, fmt.Errorf("queue stats: %w", err)
	}
	return stats.Pending > s.backfillLimit, nil
}

// jobTypeForTask maps a scheduled task name onto its queue type. Site tasks
// feed the scan queue; any other task name is the queue type itself, and
// anything else is a configuration error.
func jobTypeForTask(taskName string) (model.JobType, error) {
	if strings.HasPrefix(taskName, siteTaskPrefix) {
		return model.JobTypeScan, nil
	}
	t := model.JobType(taskName)
	if !t.Valid() {
		return "", fmt.Errorf("task %q has no job type", taskName)
	}
	return t, nil
}

type siteTaskPayload struct {
	SiteID string `json:"site_id"`
}

// syncSiteSchedules reconciles the sites table into per-site scan tasks:
// enabled sites get a task at their interval, disabled and deleted sites
// lose theirs.
func (s *SchedulerService) syncSiteSchedules(ctx context.Context) error {
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	orphaned := make(map[string]*domain.ScheduledTask)
	for _, task := range tasks {
		if strings.HasPrefix(task.TaskName, siteTaskPrefix) {
			orphaned[task.TaskName] = task
		}
	}

	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		sites, err := s.sites.List(ctx, pageSize, offset)
		if err != nil {
			return fmt.Errorf("list sites: %w", err)
		}
		for _, site := range sites {
			name := siteTaskPrefix + site.ID
			existing := orphaned[name]
			delete(orphaned, name)

			if !site.Enabled {
				if existing != nil {
					s.dropSiteTask(ctx, existing)
				}
				continue
			}
			if existing != nil && existing.Interval == site.Interval {
				continue
			}

			payload, err := json.Marshal(siteTaskPayload{SiteID: site.ID})
			if err != nil {
				return fmt.Errorf("encode site task payload: %w", err)
			}
			if _, err := s.tasks.Upsert(ctx, domain.UpsertTaskParams{
				TaskName: name,
				Payload:  payload,
				Interval: site.Interval,
			}); err != nil {
				s.logger.WarnContext(ctx, "site task upsert failed",
					"site", site.Name, "error", err)
			}
		}
		if len(sites) < pageSize {
			break
		}
	}

	// Whatever is left has no site row behind it anymore.
	for _, task := range orphaned {
		s.dropSiteTask(ctx, task)
	}
	return nil
}

func (s *SchedulerService) dropSiteTask(ctx context.Context, task *domain.ScheduledTask) {
	if _, err := s.tasks.Delete(ctx, task.ID); err != nil {
		s.logger.WarnContext(ctx, "site task delete failed",
			"task", task.TaskName, "error", err)
	}
}

// maintenanceTasks are the recurring queue-hygiene jobs every deployment
// runs. Task names double as queue types.
var maintenanceTasks = []domain.UpsertTaskParams{
	{TaskName: string(model.JobTypePurgeHourly), Interval: time.Hour},
	{TaskName: string(model.JobTypePurgeDaily), Interval: 24 * time.Hour},
	{TaskName: string(model.JobTypeSeenStringPurge), Interval: 24 * time.Hour},
}

// RegisterMaintenanceTasks upserts the built-in recurring tasks. Called once
// at startup by the process running the scheduler; safe to repeat.
func (s *SchedulerService) RegisterMaintenanceTasks(ctx context.Context) error {
	for _, params := range maintenanceTasks {
		if _, err := s.tasks.Upsert(ctx, params); err != nil {
			return fmt.Errorf("register task %s: %w", params.TaskName, err)
		}
	}
	return nil
}
