package dependencies

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"NetPulse/internal/backend/metrics"
	"NetPulse/internal/backend/models"
	"NetPulse/internal/backend/notify"
	"NetPulse/internal/backend/plugins"
	"NetPulse/internal/backend/services"
	"NetPulse/internal/backend/storage"
	"NetPulse/internal/config"
	"NetPulse/internal/events"
	"NetPulse/internal/shared/collectors"
)

// Container wires the coordinator's components together.
type Container struct {
	Config *config.Config
	Logger *slog.Logger
	Bus    *events.Bus

	// Storage
	DB              *sql.DB
	ResultStore     storage.ResultStore
	DefinitionStore storage.TaskDefinitionStore
	CollectorStore  storage.CollectorStore
	LogStore        storage.LogStore
	SummaryCache    *storage.SummaryCache[models.ResultSummary]
	Forwarder       *storage.EventForwarder

	// Services
	Plugins      *plugins.Manager
	Registry     *services.AgentRegistry
	Monitor      *services.HeartbeatMonitor
	Statistics   *services.Statistics
	Orchestrator *services.Orchestrator
	Scheduler    *services.Scheduler
	History      *services.HistoryService
	AgentLogs    *services.AgentLogService

	// Observability
	Notifier *notify.Dispatcher
	Metrics  *metrics.Metrics

	stopMirror func()
}

// NewContainer builds every dependency. Nothing is started; call Start.
func NewContainer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Container, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Container{
		Config: cfg,
		Logger: log,
		Bus:    events.NewBus(log.With("component", "bus")),
	}

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"database", c.initDatabase},
		{"storage", c.initStorage},
		{"broker", c.initBroker},
		{"plugins", c.initPlugins},
		{"services", c.initServices},
		{"observability", c.initObservability},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	log.Info("dependency container initialized")
	return c, nil
}

func (c *Container) initDatabase(ctx context.Context) error {
	db, err := storage.Open(ctx, &c.Config.Database, c.Logger)
	if err != nil {
		return err
	}
	c.DB = db
	return nil
}

func (c *Container) initStorage(ctx context.Context) error {
	c.ResultStore = storage.NewResultStore(c.DB)
	c.DefinitionStore = storage.NewTaskDefinitionStore(c.DB)
	c.CollectorStore = storage.NewCollectorStore(c.DB)
	c.LogStore = storage.NewLogStore(c.DB)

	cache, err := storage.NewSummaryCache[models.ResultSummary](&c.Config.Cache)
	if err != nil {
		return fmt.Errorf("failed to create summary cache: %w", err)
	}
	c.SummaryCache = cache
	return nil
}

func (c *Container) initBroker(ctx context.Context) error {
	var (
		pub storage.Publisher
		err error
	)
	switch c.Config.Broker.Driver {
	case "redis":
		pub, err = storage.NewRedisPublisher(&c.Config.Redis, c.Logger)
	case "nats":
		pub, err = storage.NewNATSPublisher(c.Config.Broker.NATSURL, c.Logger)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	c.Forwarder = storage.NewEventForwarder(c.Bus, pub, c.Config.Broker.SubjectPrefix, 1024, c.Logger.With("component", "forwarder"))
	return nil
}

func (c *Container) initPlugins(ctx context.Context) error {
	cfg := c.Config.Plugins
	c.Plugins = plugins.NewManager(plugins.ManagerConfig{}, c.Bus, c.Logger.With("component", "plugins"))

	for _, collector := range collectors.Builtin() {
		typ := collector.Type()
		err := c.Plugins.Register(collector, plugins.RegisterOptions{
			DependsOn: cfg.DependsOn[typ],
			Config:    cfg.Settings[typ],
			Disabled:  !slices.Contains(cfg.Enabled, typ),
		})
		if err != nil {
			return fmt.Errorf("failed to register plugin %s: %w", typ, err)
		}
	}

	if err := c.Plugins.StartAllInOrder(ctx); err != nil {
		if errors.Is(err, plugins.ErrDependencyCycle) {
			return err
		}
		// one broken plugin should not keep the coordinator down
		c.Logger.Error("some plugins failed to start", "error", err)
	}
	return nil
}

func (c *Container) initServices(ctx context.Context) error {
	cfg := c.Config
	logger := c.Logger

	c.Registry = services.NewAgentRegistry(services.AgentRegistryConfig{
		TokenExpiry:           cfg.Security.TokenExpiry,
		BootstrapTokenExpiry:  cfg.Security.BootstrapTokenExpiry,
		RequireBootstrapToken: cfg.Security.RequireBootstrapToken,
	}, c.Bus, logger.With("service", "registry"))

	known, err := c.CollectorStore.List(ctx)
	if err != nil {
		logger.Warn("failed to restore known agents", "error", err)
	} else {
		c.Registry.Restore(known)
	}
	c.stopMirror = storage.MirrorAgents(c.Bus, c.CollectorStore, logger.With("component", "collector-mirror"))

	c.Monitor = services.NewHeartbeatMonitor(c.Registry, services.HeartbeatConfig{
		Timeout:       cfg.Heartbeat.Timeout,
		LatestVersion: cfg.Security.LatestAgentVersion,
	}, c.Bus, logger.With("service", "heartbeat"))

	c.Statistics = services.NewStatistics()

	c.Orchestrator = services.NewOrchestrator(services.OrchestratorConfig{
		TaskTimeout:        cfg.Scheduler.TaskTimeout,
		MaxRetryTimes:      cfg.Scheduler.MaxRetryTimes,
		RetryInterval:      cfg.Scheduler.RetryInterval,
		ExponentialBackoff: cfg.Scheduler.ExponentialBackoff,
		BatchPullLimit:     cfg.Scheduler.BatchPullLimit,
	}, c.Registry, c.Plugins, c.ResultStore, c.Statistics, c.Bus, logger.With("service", "orchestrator"))

	scheduler, err := services.NewScheduler(services.SchedulerConfig{
		WorkerPoolSize:       cfg.Scheduler.WorkerPoolSize,
		SweepInterval:        cfg.Heartbeat.SweepInterval,
		DispatchInterval:     cfg.Scheduler.DispatchInterval,
		ReconcileInterval:    cfg.Scheduler.ReconcileInterval,
		StatsInterval:        cfg.Scheduler.StatsInterval,
		CleanupInterval:      cfg.Scheduler.CleanupInterval,
		PluginHealthInterval: cfg.Plugins.HealthCheckInterval,
		Retention:            cfg.Scheduler.Retention,
		AutoRecoverPlugins:   cfg.Plugins.AutoRecover,
	}, c.Registry, c.Monitor, c.Orchestrator, c.Plugins, c.DefinitionStore, c.Statistics, c.Bus, logger.With("service", "scheduler"))
	if err != nil {
		return err
	}
	c.Scheduler = scheduler

	c.History = services.NewHistoryService(c.Registry, c.ResultStore, c.SummaryCache, logger.With("service", "history"))
	c.AgentLogs = services.NewAgentLogService(c.LogStore, logger.With("service", "agent-logs"))
	c.Scheduler.AddPruner("results", c.History)
	c.Scheduler.AddPruner("agent-logs", c.AgentLogs)
	return nil
}

func (c *Container) initObservability(ctx context.Context) error {
	c.Metrics = metrics.New(c.Scheduler, c.Bus)
	if c.Forwarder != nil {
		c.Metrics.TrackForwardDrops(c.Forwarder.Dropped)
	}

	if len(c.Config.Notify.URLs) > 0 {
		c.Notifier = notify.NewDispatcher(notify.Config{
			URLs:        c.Config.Notify.URLs,
			MinSeverity: events.ParseSeverity(c.Config.Notify.MinSeverity),
			Timeout:     c.Config.Notify.Timeout,
			Cooldown:    5 * time.Minute,
		}, c.Bus, nil, c.Logger.With("component", "notify"))
	}
	return nil
}

// Start launches the background parts: notifications and, when configured,
// the scheduler.
func (c *Container) Start(ctx context.Context) error {
	if c.Notifier != nil {
		c.Notifier.Start()
	}
	if c.Config.Scheduler.AutoStart {
		if err := c.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

// Close stops background work and releases connections. It is safe on a
// partially built container.
func (c *Container) Close() error {
	var errs []error

	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Plugins != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.Plugins.StopAllInOrder(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop plugins: %w", err))
		}
		cancel()
	}
	if c.Notifier != nil {
		c.Notifier.Stop()
	}
	if c.Metrics != nil {
		c.Metrics.Close()
	}
	if c.stopMirror != nil {
		c.stopMirror()
	}
	if c.Forwarder != nil {
		if err := c.Forwarder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event forwarder: %w", err))
		}
	}
	if c.SummaryCache != nil {
		c.SummaryCache.Close()
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %w", errors.Join(errs...))
	}
	return nil
}
