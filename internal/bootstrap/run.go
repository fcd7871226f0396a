package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/target/merrymaker/config"
	"github.com/target/merrymaker/internal/adapters/jobrunner"
	reaperrunner "github.com/target/merrymaker/internal/adapters/reaper"
	schedulerrunner "github.com/target/merrymaker/internal/adapters/scheduler"
	domainjob "github.com/target/merrymaker/internal/domain/job"
	"github.com/target/merrymaker/internal/domain/model"
)

// Run starts every enabled service and blocks until a termination signal or
// the first service failure. All services share one lifetime: when one dies,
// the rest drain and Run returns the original error.
func Run(ctx context.Context, cfg *config.AppConfig, services *Container, logger *slog.Logger) error {
	enabled, err := cfg.EnabledServices()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if enabled[config.ServiceModeHTTP] {
		server, err := BuildHTTPServer(cfg, services, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return serveHTTP(gctx, server, cfg.HTTP, logger) })
	}

	if enabled[config.ServiceModeScheduler] {
		if err := services.Scheduler.RegisterMaintenanceTasks(ctx); err != nil {
			return fmt.Errorf("register maintenance tasks: %w", err)
		}
		runner := schedulerrunner.New(schedulerrunner.Options{
			Service:  services.Scheduler,
			Logger:   logger,
			Interval: cfg.Scheduler.Interval,
		})
		g.Go(func() error { return runner.Run(gctx) })
	}

	if enabled[config.ServiceModeReaper] {
		runner := reaperrunner.New(reaperrunner.Options{
			Service:  services.Reaper,
			Logger:   logger,
			Interval: cfg.Reaper.Interval,
		})
		g.Go(func() error { return runner.Run(gctx) })
	}

	if enabled[config.ServiceModeRulesEngine] {
		if err := startJobRunner(g, gctx, jobRunnerSpec{
			jobType: model.JobTypeRules,
			runner:  cfg.Runners.Rules,
			handler: func(ctx context.Context, job *model.Job) error {
				return services.Rules.Handle(ctx, job.Payload)
			},
			services: services,
			logger:   logger,
		}); err != nil {
			return err
		}
	}

	if enabled[config.ServiceModeAlertRunner] {
		if err := startJobRunner(g, gctx, jobRunnerSpec{
			jobType: model.JobTypeAlert,
			runner:  cfg.Runners.Alert,
			handler: func(ctx context.Context, job *model.Job) error {
				return services.Alerts.Handle(ctx, job.Payload, job.Attempts)
			},
			services: services,
			logger:   logger,
		}); err != nil {
			return err
		}
		// Secret refreshes run alongside the alert runner because the
		// refreshable sink tokens live in this process.
		if err := startJobRunner(g, gctx, jobRunnerSpec{
			jobType: model.JobTypeSecretRefresh,
			runner:  cfg.Runners.Secret,
			handler: func(ctx context.Context, job *model.Job) error {
				return services.Secrets.Handle(ctx, job.Payload)
			},
			services: services,
			logger:   logger,
		}); err != nil {
			return err
		}
	}

	if enabled[config.ServiceModePurgeRunner] {
		if err := startPurgeRunners(g, gctx, cfg.Runners.Purge, services, logger); err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "services running", "enabled", EnabledServiceNames(cfg))
	return g.Wait()
}

type jobRunnerSpec struct {
	jobType  model.JobType
	runner   config.RunnerConfig
	handler  jobrunner.Handler
	services *Container
	logger   *slog.Logger
}

func startJobRunner(g *errgroup.Group, ctx context.Context, spec jobRunnerSpec) error {
	lease, err := domainjob.NewLeasePolicy(spec.runner.Lease)
	if err != nil {
		return fmt.Errorf("%s runner lease: %w", spec.jobType, err)
	}
	// Keep a true nil interface when the container carries no notifier.
	var notifier domainjob.Notifier
	if spec.services.notifier != nil {
		notifier = spec.services.notifier
	}
	runner, err := jobrunner.New(jobrunner.Options{
		JobType:      spec.jobType,
		Handler:      spec.handler,
		Jobs:         spec.services.JobRepo,
		Lease:        lease,
		Notifier:     notifier,
		Logger:       spec.logger,
		Sink:         spec.services.Metrics,
		PollInterval: spec.runner.PollInterval,
		Concurrency:  spec.runner.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("build %s runner: %w", spec.jobType, err)
	}
	g.Go(func() error { return runner.Run(ctx) })
	return nil
}

// startPurgeRunners drains the three maintenance queues with one worker
// each; purge jobs are cheap and rare so they share the purge runner tuning.
func startPurgeRunners(
	g *errgroup.Group,
	ctx context.Context,
	runnerCfg config.RunnerConfig,
	services *Container,
	logger *slog.Logger,
) error {
	purge := services.Purge
	specs := []struct {
		jobType model.JobType
		handler jobrunner.Handler
	}{
		{model.JobTypePurgeHourly, func(ctx context.Context, job *model.Job) error {
			return purge.HandleHourly(ctx, job.Payload)
		}},
		{model.JobTypePurgeDaily, func(ctx context.Context, job *model.Job) error {
			return purge.HandleDaily(ctx, job.Payload)
		}},
		{model.JobTypeSeenStringPurge, func(ctx context.Context, job *model.Job) error {
			return purge.HandleSeenStringPurge(ctx, job.Payload)
		}},
	}
	for _, spec := range specs {
		if err := startJobRunner(g, ctx, jobRunnerSpec{
			jobType:  spec.jobType,
			runner:   runnerCfg,
			handler:  spec.handler,
			services: services,
			logger:   logger,
		}); err != nil {
			return err
		}
	}
	return nil
}
