package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/merrymaker/internal/domain"
)

// ServiceMode names a runnable service within the merrymaker binary.
type ServiceMode string

const (
	// ServiceModeHTTP runs the transport/API listener.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeScheduler runs the recurring-task scheduler loop.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the lease and retention sweeper.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeRulesEngine runs the rules job runner.
	ServiceModeRulesEngine ServiceMode = "rules-engine"
	// ServiceModeAlertRunner runs the alert delivery job runner.
	ServiceModeAlertRunner ServiceMode = "alert-runner"
	// ServiceModePurgeRunner runs the scheduled purge job runner.
	ServiceModePurgeRunner ServiceMode = "purge-runner"
)

// ParseServices parses a comma-delimited service list, rejecting unknown
// names so a typo cannot silently disable a worker.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	if strings.TrimSpace(servicesStr) == "" {
		return nil, errors.New("at least one service must be specified")
	}

	services := make(map[ServiceMode]bool)
	for _, part := range strings.Split(servicesStr, ",") {
		name := ServiceMode(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		switch name {
		case ServiceModeHTTP, ServiceModeScheduler, ServiceModeReaper,
			ServiceModeRulesEngine, ServiceModeAlertRunner, ServiceModePurgeRunner:
			services[name] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, scheduler, reaper, rules-engine, alert-runner, purge-runner)",
				name)
		}
	}
	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}
	return services, nil
}

// SchedulerConfig tunes the recurring-task scheduler.
type SchedulerConfig struct {
	// Interval is the tick cadence.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"30s"`

	// BackfillLimit defers firing a task while its job type already has this
	// many pending jobs.
	BackfillLimit int `env:"SCHEDULER_BACKFILL_LIMIT" envDefault:"20"`

	// BatchSize caps the number of due tasks processed per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"50"`

	// OverrunPolicy is the default for tasks that do not set their own.
	// Valid values: skip, queue, reschedule.
	OverrunPolicy domain.OverrunPolicy `env:"SCHEDULER_OVERRUN" envDefault:"skip"`

	// OverrunStates lists the job states that block a skip-policy fire.
	// Comma-separated list of: active, pending, retrying.
	OverrunStates domain.OverrunStateMask `env:"SCHEDULER_OVERRUN_STATES" envDefault:"active,pending"`
}

// Sanitize applies guardrails to scheduler values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.BackfillLimit < 1 {
		s.BackfillLimit = 1
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.OverrunStates == 0 {
		s.OverrunStates = domain.OverrunStatesDefault
	}
}

// ReaperConfig tunes the lease and retention sweeper.
type ReaperConfig struct {
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"60s"`

	// StalePendingAge fails pending jobs nothing ever reserved.
	StalePendingAge time.Duration `env:"REAPER_STALE_PENDING_AGE" envDefault:"24h"`

	// JobRetention bounds how long terminal jobs and their results are kept.
	JobRetention time.Duration `env:"REAPER_JOB_RETENTION" envDefault:"168h"`

	// ScanRetention bounds how long scans and scan logs are kept.
	ScanRetention time.Duration `env:"REAPER_SCAN_RETENTION" envDefault:"720h"`

	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to reaper values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.StalePendingAge < time.Hour {
		r.StalePendingAge = time.Hour
	}
	if r.JobRetention < time.Hour {
		r.JobRetention = time.Hour
	}
	if r.ScanRetention < time.Hour {
		r.ScanRetention = time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

// RunnerConfig tunes one job runner.
type RunnerConfig struct {
	Concurrency int `env:"CONCURRENCY" envDefault:"1"`

	// Lease is the reservation lease; the heartbeat runs at a third of it.
	Lease time.Duration `env:"LEASE" envDefault:"30s"`

	// PollInterval bounds the wait when the queue notification stream is
	// quiet.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
}

func (r *RunnerConfig) sanitize() {
	if r.Concurrency < 1 {
		r.Concurrency = 1
	}
	if r.Lease < 5*time.Second {
		r.Lease = 5 * time.Second
	}
	if r.PollInterval <= 0 {
		r.PollInterval = 5 * time.Second
	}
}

// RunnersConfig groups the per-type job runner settings. Scan tunes the
// leases handed to remote browser workers over the transport API.
type RunnersConfig struct {
	Rules  RunnerConfig `envPrefix:"RULES_RUNNER_"`
	Alert  RunnerConfig `envPrefix:"ALERT_RUNNER_"`
	Purge  RunnerConfig `envPrefix:"PURGE_RUNNER_"`
	Scan   RunnerConfig `envPrefix:"SCAN_RUNNER_"`
	Secret RunnerConfig `envPrefix:"SECRET_RUNNER_"`
}

// Sanitize applies guardrails to every runner.
func (r *RunnersConfig) Sanitize() {
	r.Rules.sanitize()
	r.Alert.sanitize()
	r.Purge.sanitize()
	r.Scan.sanitize()
	r.Secret.sanitize()
}

// RulesConfig tunes the rules caches and retention.
type RulesConfig struct {
	// LRUMaxElements caps each in-process cache.
	LRUMaxElements int `env:"RULES_LRU_MAX_ELEMENTS" envDefault:"1000"`

	// LRUMaxAge bounds in-process cache entries.
	LRUMaxAge time.Duration `env:"RULES_LRU_MAX_AGE" envDefault:"1h"`

	// SeenStringRetention bounds how long seen strings suppress repeat
	// alerts before the purge reclaims them.
	SeenStringRetention time.Duration `env:"RULES_SEEN_STRING_RETENTION" envDefault:"4320h"`
}

// Sanitize applies guardrails to rules cache values.
func (r *RulesConfig) Sanitize() {
	if r.LRUMaxElements < 1 {
		r.LRUMaxElements = 1
	}
	if r.LRUMaxAge <= 0 {
		r.LRUMaxAge = time.Hour
	}
	if r.SeenStringRetention < 24*time.Hour {
		r.SeenStringRetention = 24 * time.Hour
	}
}
