package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/merrymaker/config"
	redisadapter "github.com/target/merrymaker/internal/adapters/redis"
	"github.com/target/merrymaker/internal/adapters/sinks"
	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/data"
	domainjob "github.com/target/merrymaker/internal/domain/job"
	"github.com/target/merrymaker/internal/observability/statsd"
	"github.com/target/merrymaker/internal/service"
	"github.com/target/merrymaker/internal/service/rules"
)

// Container holds the wired application services.
type Container struct {
	Jobs      *service.JobService
	Scans     *service.ScanService
	Events    *service.EventPipeline
	Sessions  *service.SessionService
	Scheduler *service.SchedulerService
	Reaper    *service.ReaperService
	Rules     *service.RuleWorker
	Alerts    *service.AlertDispatcher
	Purge     *service.PurgeWorker
	Secrets   *service.SecretRefreshWorker

	// JobRepo backs the runner loops directly; services wrap it for the API.
	JobRepo core.JobRepository
	Sites   core.SiteRepository
	Sources core.SourceRepository

	Metrics *statsd.Client

	// notifier shares one queue-notification listener per job type between
	// the in-process runners and the HTTP long-poll surface.
	notifier *domainjob.DefaultNotifier
	kafka    *sinks.KafkaSink
}

// Close releases adapter resources owned by the container.
func (c *Container) Close() {
	if c.notifier != nil {
		c.notifier.StopAll()
	}
	if c.kafka != nil {
		c.kafka.Close()
	}
	if c.Metrics != nil {
		_ = c.Metrics.Close()
	}
}

// Deps groups dependencies for container construction.
type Deps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// repositories groups the data adapters backing service ports.
type repositories struct {
	jobs      *data.JobRepo
	results   *data.JobResultRepo
	scans     *data.ScanRepo
	scanLogs  *data.ScanLogRepo
	alerts    *data.AlertRepo
	sites     *data.SiteRepo
	sources   *data.SourceRepo
	tasks     *data.ScheduledTaskRepo
	seen      *data.SeenStringRepo
	iocs      *data.IOCRepo
	allowlist *data.AllowListRepo
	cache     *redisadapter.CacheRepo
}

func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, logger *slog.Logger) *repositories {
	clock := data.RealTimeProvider{}
	repos := &repositories{
		jobs:      data.NewJobRepo(db, data.JobRepoConfig{Logger: logger, TimeProvider: clock}),
		results:   data.NewJobResultRepo(db, clock),
		scans:     data.NewScanRepo(db, clock),
		scanLogs:  data.NewScanLogRepo(db, clock),
		alerts:    data.NewAlertRepo(db, clock),
		sites:     data.NewSiteRepo(db),
		sources:   data.NewSourceRepo(db),
		tasks:     data.NewScheduledTaskRepo(db, clock),
		seen:      data.NewSeenStringRepo(db, clock),
		iocs:      data.NewIOCRepo(db),
		allowlist: data.NewAllowListRepo(db),
	}
	if redisClient != nil {
		repos.cache = redisadapter.NewCacheRepo(redisClient)
	}
	return repos
}

// buildMetrics returns the statsd client, or nil when metrics are disabled
// or the client cannot be initialised.
func buildMetrics(cfg config.ObservabilityConfig, logger *slog.Logger) *statsd.Client {
	if !cfg.IsEnabled() {
		return nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.StatsdAddress,
		Prefix:  cfg.MetricsPrefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("statsd client init failed; metrics disabled", "error", err)
		return nil
	}
	return client
}

// buildRulesEngine assembles the tiered caches and registers the rule set.
func buildRulesEngine(repos *repositories, cfg config.RulesConfig, metrics rules.CacheMetrics) (*rules.Engine, error) {
	ttl := rules.DefaultCacheTTL()
	if cfg.LRUMaxAge > 0 {
		ttl.IOCLocal = cfg.LRUMaxAge
		ttl.SeenLocal = cfg.LRUMaxAge
	}
	newLRU := func() *rules.LocalLRU {
		return rules.NewLocalLRU(rules.LocalLRUConfig{Capacity: cfg.LRUMaxElements})
	}

	// Keep the shared tier a true nil interface when redis is absent.
	var redisTier core.CacheRepository
	if repos.cache != nil {
		redisTier = repos.cache
	}

	allow := rules.NewAllowListChecker(rules.AllowListCheckerDeps{
		Local:   newLRU(),
		Repo:    repos.allowlist,
		TTL:     ttl,
		Metrics: metrics,
	})
	iocs := rules.NewIOCCache(rules.IOCCacheDeps{
		Local:   newLRU(),
		Redis:   redisTier,
		Repo:    repos.iocs,
		TTL:     ttl,
		Metrics: metrics,
	})
	seen := rules.NewSeenStringsCache(rules.SeenStringsCacheDeps{
		Local:   newLRU(),
		Redis:   redisTier,
		Repo:    repos.seen,
		TTL:     ttl,
		Metrics: metrics,
	})

	engine := rules.NewEngine()
	if err := engine.Register(rules.NewIOCDomainRule(iocs, allow)); err != nil {
		return nil, fmt.Errorf("register ioc rule: %w", err)
	}
	if err := engine.Register(rules.NewUnknownDomainRule(allow, seen)); err != nil {
		return nil, fmt.Errorf("register unknown-domain rule: %w", err)
	}
	return engine, nil
}

// buildAlertSinks constructs the enabled alert sinks. The http sink is
// returned separately because it carries a refreshable token, the kafka sink
// so the container can close its producer.
func buildAlertSinks(
	cfg config.AlertsConfig,
	sites core.SiteRepository,
	logger *slog.Logger,
) ([]service.AlertSink, *sinks.HTTPSink, *sinks.KafkaSink, error) {
	var out []service.AlertSink

	httpSink, err := sinks.NewHTTPSink(sinks.HTTPSinkConfig{
		Enabled:           cfg.HTTP.Enabled,
		URL:               cfg.HTTP.URL,
		Token:             cfg.HTTP.Token,
		TokenFile:         cfg.HTTP.TokenFile,
		SuccessExpression: cfg.HTTP.SuccessExpression,
		Timeout:           cfg.HTTP.Timeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build http alert sink: %w", err)
	}
	out = append(out, httpSink)

	kafkaSink, err := sinks.NewKafkaSink(sinks.KafkaSinkConfig{
		Enabled:     cfg.Kafka.Enabled,
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.Topic,
		ScanBaseURL: cfg.ScanBaseURL,
		Sites:       sites,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build kafka alert sink: %w", err)
	}
	out = append(out, kafkaSink)

	return out, httpSink, kafkaSink, nil
}

// NewContainer wires repositories and services from shared infrastructure.
func NewContainer(ctx context.Context, deps Deps) (*Container, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metricsClient := buildMetrics(cfg.Observability, logger)
	var sink statsd.Sink
	var cacheMetrics rules.CacheMetrics
	if metricsClient != nil {
		sink = metricsClient
		cacheMetrics = rules.StatsdCacheMetrics{Sink: metricsClient}
	}

	repos := buildRepositories(deps.DB, deps.RedisClient, logger)

	engine, err := buildRulesEngine(repos, cfg.Rules, cacheMetrics)
	if err != nil {
		return nil, err
	}

	notifier, err := domainjob.NewNotifier(domainjob.NotifierOptions{Waiter: repos.jobs})
	if err != nil {
		return nil, err
	}
	scanLease, err := domainjob.NewLeasePolicy(cfg.Runners.Scan.Lease)
	if err != nil {
		return nil, fmt.Errorf("scan lease policy: %w", err)
	}

	jobs := service.NewJobService(service.JobServiceOptions{
		Jobs:     repos.jobs,
		Results:  repos.results,
		Lease:    scanLease,
		Notifier: notifier,
		Logger:   logger,
	})
	scans := service.NewScanService(service.ScanServiceOptions{
		Scans:   repos.scans,
		Logs:    repos.scanLogs,
		Jobs:    jobs,
		Sites:   repos.sites,
		Sources: repos.sources,
		Logger:  logger,
	})
	events := service.NewEventPipeline(service.EventPipelineOptions{
		Logs:   repos.scanLogs,
		Jobs:   jobs,
		Scans:  scans,
		Engine: engine,
		Logger: logger,
		Sink:   sink,
	})

	alertSinks, httpSink, kafkaSink, err := buildAlertSinks(cfg.Alerts, repos.sites, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := service.NewAlertDispatcher(service.AlertDispatcherOptions{
		Alerts: repos.alerts,
		Sinks:  alertSinks,
		Logger: logger,
	})
	secrets := service.NewSecretRefreshWorker(service.SecretRefreshWorkerOptions{
		Secrets: []service.RefreshableSecret{httpSink},
		Logger:  logger,
	})
	ruleWorker := service.NewRuleWorker(service.RuleWorkerOptions{
		Engine:    engine,
		Alerts:    repos.alerts,
		Logs:      repos.scanLogs,
		Jobs:      jobs,
		Logger:    logger,
		SinkNames: dispatcher.SinkNames(),
	})

	scheduler := service.NewSchedulerService(service.SchedulerServiceOptions{
		Tasks:                repos.tasks,
		Jobs:                 repos.jobs,
		Sites:                repos.sites,
		SiteScans:            scans,
		Logger:               logger,
		Sink:                 sink,
		DefaultOverrunPolicy: cfg.Scheduler.OverrunPolicy,
		DefaultOverrunStates: cfg.Scheduler.OverrunStates,
		BackfillLimit:        cfg.Scheduler.BackfillLimit,
		BatchSize:            cfg.Scheduler.BatchSize,
	})
	reaperSvc := service.NewReaperService(service.ReaperServiceOptions{
		Repo:            repos.jobs,
		Scans:           repos.scans,
		Logs:            repos.scanLogs,
		Logger:          logger,
		Sink:            sink,
		StalePendingAge: cfg.Reaper.StalePendingAge,
		JobRetention:    cfg.Reaper.JobRetention,
		ScanRetention:   cfg.Reaper.ScanRetention,
		BatchSize:       cfg.Reaper.BatchSize,
	})
	purge := service.NewPurgeWorker(service.PurgeWorkerOptions{
		Reaper:              reaperSvc,
		SeenStrings:         repos.seen,
		Logger:              logger,
		SeenStringRetention: cfg.Rules.SeenStringRetention,
		BatchSize:           cfg.Reaper.BatchSize,
	})

	sessions, err := BuildSessionService(ctx, cfg.Auth, deps.RedisClient, logger)
	if err != nil {
		return nil, err
	}

	return &Container{
		Jobs:      jobs,
		Scans:     scans,
		Events:    events,
		Sessions:  sessions,
		Scheduler: scheduler,
		Reaper:    reaperSvc,
		Rules:     ruleWorker,
		Alerts:    dispatcher,
		Purge:     purge,
		Secrets:   secrets,
		JobRepo:   repos.jobs,
		Sites:     repos.sites,
		Sources:   repos.sources,
		Metrics:   metricsClient,
		notifier:  notifier,
		kafka:     kafkaSink,
	}, nil
}
