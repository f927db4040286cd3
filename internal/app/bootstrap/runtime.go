package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/coaching-engine/internal/config"
	"github.com/wolfman30/coaching-engine/internal/delivery"
	"github.com/wolfman30/coaching-engine/internal/dispatch"
	"github.com/wolfman30/coaching-engine/internal/engine"
	"github.com/wolfman30/coaching-engine/internal/events"
	"github.com/wolfman30/coaching-engine/internal/observability/metrics"
	"github.com/wolfman30/coaching-engine/internal/provider"
	"github.com/wolfman30/coaching-engine/internal/provider/whatsapp"
	"github.com/wolfman30/coaching-engine/internal/recurrence"
	"github.com/wolfman30/coaching-engine/internal/templates"
	"github.com/wolfman30/coaching-engine/internal/window"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

type claimPruner interface {
	events.ClaimStore
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Runtime holds every wired component. Binaries start the loops they need.
type Runtime struct {
	Config   *appconfig.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.EngineMetrics

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Tracker    *window.Tracker
	Reaper     *window.Reaper
	Machine    *delivery.Machine
	Catalog    *templates.Catalog
	Resolver   *dispatch.Resolver
	Dispatcher *dispatch.Dispatcher
	Engine     *engine.Engine
	Gateway    *events.Gateway
	Unmatched  events.UnmatchedStore
	Queue      events.Queue
	Janitor    *events.Janitor
}

// Build wires the engine from configuration. Memory stores are used when
// cfg.UseMemoryStore is set, otherwise Postgres.
func Build(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: config: %w", err)
	}

	rt := &Runtime{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Metrics = metrics.NewEngineMetrics(rt.Registry)

	var (
		windowStore  window.Store
		messageStore delivery.Store
		claims       claimPruner
		unmatched    events.UnmatchedStore
	)
	if cfg.UseMemoryStore {
		logger.Warn("using in-memory stores; state is lost on restart")
		windowStore = window.NewMemoryStore()
		messageStore = delivery.NewMemoryStore()
		claims = events.NewMemoryProcessedStore()
		unmatched = events.NewMemoryUnmatchedStore()
	} else {
		pool, err := connectPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		windowStore = window.NewPostgresStore(pool)
		messageStore = delivery.NewPostgresStore(pool)
		claims = events.NewProcessedStore(pool)
		unmatched = events.NewPostgresUnmatchedStore(pool)
	}

	catalog, err := loadCatalog(cfg.TemplateCatalogPath)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Catalog = catalog

	sender, err := buildSender(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Tracker = window.NewTracker(windowStore, logger).
		WithDuration(cfg.WindowDuration).
		WithMetrics(rt.Metrics)
	rt.Reaper = window.NewReaper(windowStore, logger).WithInterval(cfg.ReaperInterval)

	rt.Machine = delivery.NewMachine(messageStore, logger).
		WithMaxAttempts(cfg.SendMaxAttempts).
		WithBackoff(cfg.SendRetryBaseDelay, cfg.SendRetryMaxDelay).
		WithRetryClassifier(provider.IsRetryable).
		WithMetrics(rt.Metrics)
	rt.Machine.OnTerminal(recurrence.NewRescheduler(rt.Machine, logger).HandleTerminal)

	rt.Resolver = dispatch.NewResolver(rt.Tracker, catalog, cfg.AlwaysTemplateTypes).WithMetrics(rt.Metrics)
	rt.Dispatcher = dispatch.NewDispatcher(rt.Machine, rt.Resolver, sender, logger).
		WithWorkers(cfg.DispatchWorkers).
		WithInterval(cfg.DispatchPollInterval).
		WithBatchSize(cfg.DispatchBatchSize).
		WithLease(cfg.DispatchLease).
		WithSendTimeout(cfg.ProviderSendTimeout).
		WithMetrics(rt.Metrics)

	rt.Engine = engine.New(rt.Machine, rt.Tracker, rt.Dispatcher, logger).
		WithTemplatePolicy(rt.Resolver, catalog).
		WithRecurrence(recurrence.Planner{})

	rt.Gateway = events.NewGateway(claims, unmatched, rt.Tracker, rt.Machine, logger).
		WithLookupRetry(cfg.UnmatchedRetryAttempts, cfg.UnmatchedRetryDelay).
		WithMetrics(rt.Metrics)
	rt.Unmatched = unmatched
	rt.Janitor = events.NewJanitor(claims, logger).WithRetention(cfg.ProcessedRetention)

	if rt.Redis = BuildRedisClient(ctx, cfg, logger, false); rt.Redis != nil {
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("bootstrap: ping redis: %w", err)
		}
		rt.Queue = events.NewRedisQueue(rt.Redis, cfg.EventQueueKey)
	} else {
		if !cfg.UseMemoryStore {
			logger.Warn("REDIS_ADDR not set; webhook events are queued in process")
		}
		rt.Queue = events.NewMemoryQueue(1024)
	}
	return rt, nil
}

// Close releases pooled connections.
func (rt *Runtime) Close() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

// IngestWorker drains the event queue into the gateway, dead-lettering
// events that keep failing.
func (rt *Runtime) IngestWorker() *events.Worker {
	return events.NewWorker(rt.Queue, rt.Gateway, rt.Logger,
		events.WithWorkerCount(rt.Config.IngestWorkers),
		events.WithDeadLetter(rt.Unmatched),
	)
}

// SharedQueue reports whether the event queue is visible to other processes.
func (rt *Runtime) SharedQueue() bool {
	_, ok := rt.Queue.(*events.RedisQueue)
	return ok
}

func connectPostgres(ctx context.Context, cfg *appconfig.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse DATABASE_URL: %w", err)
	}
	if cfg.StoreTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.StoreTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

func loadCatalog(path string) (*templates.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return templates.Default(), nil
	}
	catalog, err := templates.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: template catalog: %w", err)
	}
	return catalog, nil
}

func buildSender(cfg *appconfig.Config, logger *logging.Logger) (provider.Sender, error) {
	if !cfg.WhatsAppConfigured() {
		logger.Warn("whatsapp credentials not set; sends are logged only")
		return provider.NewDryRunSender(logger), nil
	}
	client, err := whatsapp.New(whatsapp.Config{
		BaseURL:       cfg.WhatsAppAPIBaseURL,
		AccessToken:   cfg.WhatsAppAccessToken,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		Timeout:       cfg.ProviderSendTimeout,
		Logger:        logger.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: whatsapp client: %w", err)
	}
	return client, nil
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}

	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}
