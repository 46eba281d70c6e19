package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/admin"
	"github.com/onnwee/livepresence/internal/api"
	"github.com/onnwee/livepresence/internal/archive"
	"github.com/onnwee/livepresence/internal/auth"
	"github.com/onnwee/livepresence/internal/config"
	"github.com/onnwee/livepresence/internal/db"
	"github.com/onnwee/livepresence/internal/fanout"
	"github.com/onnwee/livepresence/internal/health"
	"github.com/onnwee/livepresence/internal/ingest"
	"github.com/onnwee/livepresence/internal/jobs"
	"github.com/onnwee/livepresence/internal/livekit"
	"github.com/onnwee/livepresence/internal/middleware"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/reaper"
	"github.com/onnwee/livepresence/internal/stats"
	"github.com/onnwee/livepresence/internal/store"
	"github.com/onnwee/livepresence/internal/tracing"
	"github.com/onnwee/livepresence/internal/transport"
)

const (
	serviceName    = "livepresence"
	serviceVersion = "0.1.0"

	// Maximum durations of a single periodic run.
	reaperTimeout   = 30 * time.Second
	realtimeTimeout = 5 * time.Second
	archiveTimeout  = time.Minute
)

// app is the wired server: storage, registry, background tasks and the HTTP handler.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	handler http.Handler

	registry    presence.Registry
	hub         *fanout.Hub
	writeBehind *store.WriteBehind
	tracer      *tracing.Provider
	tasks       []*jobs.Task

	database *sql.DB
	redis    *redis.Client

	stopWrites context.CancelFunc
	writesDone sync.WaitGroup
}

// metricSet is implemented by every package-level metrics bundle.
type metricSet interface {
	Register(reg prometheus.Registerer) error
}

// newApp builds every component from cfg. Nothing runs until start is called.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeClients()
		}
	}()

	a.tracer, err = tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSamplingRate,
		InsecureMode:   cfg.TracingInsecure,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewMetrics()
	presenceMetrics := presence.NewMetrics()
	ingestMetrics := ingest.NewMetrics()
	fanoutMetrics := fanout.NewMetrics()
	reaperMetrics := reaper.NewMetrics()
	archiveMetrics := archive.NewMetrics()
	writeMetrics := store.NewWriteBehindMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, m := range []metricSet{httpMetrics, presenceMetrics, ingestMetrics, fanoutMetrics, reaperMetrics, archiveMetrics, writeMetrics, jobMetrics} {
		if err := m.Register(reg); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	adminActions := admin.NewActionsCounter()
	if err := reg.Register(adminActions); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	// Durable store
	var durable store.Store
	var dbChecker api.HealthChecker
	if cfg.DatabaseURL != "" {
		a.database, err = db.Open(ctx, cfg.DatabaseURL, db.Options{})
		if err != nil {
			return nil, err
		}
		durable = store.NewPostgresStore(a.database)
		dbChecker = health.NewDBChecker(a.database)
		logger.Info("using postgres store")
	} else {
		durable = store.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, snapshots and events are kept in memory")
	}
	a.writeBehind = store.NewWriteBehind(durable, store.WriteBehindConfig{
		QueueSize: cfg.WriteBehindQueueSize,
		Logger:    logger,
		Metrics:   writeMetrics,
	})

	// Redis and the presence registry
	var redisChecker api.HealthChecker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		redisChecker = health.NewRedisChecker(a.redis)
	}
	var pruner reaper.Pruner
	switch cfg.RegistryBackend {
	case config.RegistryRedis:
		a.registry = presence.NewRedisRegistry(a.redis, presence.RedisOptions{
			TTL:       cfg.PresenceTTL,
			Retention: cfg.InactiveRetention,
			Metrics:   presenceMetrics,
		})
		logger.Info("using redis presence registry")
	default:
		mem := presence.NewMemoryRegistry(cfg.PresenceTTL,
			presence.WithRetention(cfg.InactiveRetention),
			presence.WithMetrics(presenceMetrics))
		a.registry = mem
		pruner = mem
		logger.Info("using in-memory presence registry")
	}

	events := activity.NewMemoryLog(0, 0, 0)
	counters := stats.NewIngestCounters()
	a.hub = fanout.NewHub(fanout.Config{
		QueueSize:    cfg.FanoutQueueSize,
		WriteTimeout: cfg.FanoutWriteTimeout,
		SampleRate:   cfg.SampleRate,
		SampleBurst:  cfg.SampleBurst,
		Logger:       logger,
		Metrics:      fanoutMetrics,
	})

	ingester := ingest.NewIngester(ingest.Config{
		Logger:   logger,
		Metrics:  ingestMetrics,
		Counters: counters,
	}, a.registry, events, a.writeBehind, a.hub)

	conns := transport.NewConns()
	terminators := []admin.Terminator{conns}
	var liveKitChecker api.HealthChecker
	if cfg.LiveKitEnabled() {
		rooms := livekit.NewRoomService(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)
		terminators = append(terminators, admin.LiveRoomTerminator{Remover: rooms})
		liveKitChecker = health.NewLiveKitChecker(cfg.LiveKitURL)
	}
	controller := admin.NewController(admin.Config{
		Logger:  logger,
		Actions: adminActions,
	}, a.registry, events, a.writeBehind, a.hub, terminators...)

	archiveConfig := archive.Config{Logger: logger, Metrics: archiveMetrics}
	if cfg.ArchiveMirrorEnabled() {
		mirror, err := archive.NewS3Mirror(archive.S3MirrorConfig{
			Bucket:          cfg.ArchiveBucket,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			KeyPrefix:       cfg.ArchiveKeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create archive mirror: %w", err)
		}
		archiveConfig.Mirror = mirror
	}
	aggregator := stats.NewAggregator(stats.AggregatorConfig{
		Logger:   logger,
		Metrics:  presenceMetrics,
		Counters: counters,
	}, a.registry, a.hub, archive.New(archiveConfig, durable))

	sweeper := reaper.New(reaper.Config{
		Logger:     logger,
		Metrics:    reaperMetrics,
		Reconciler: durable,
		Pruner:     pruner,
	}, a.registry, events, a.writeBehind, a.hub)

	a.tasks = []*jobs.Task{
		jobs.NewTask(jobs.TaskConfig{
			Name: "reaper", Interval: cfg.ReaperInterval, Timeout: reaperTimeout,
			Logger: logger, Metrics: jobMetrics,
		}, sweeper.Run),
		jobs.NewTask(jobs.TaskConfig{
			Name: "realtime_stats", Interval: cfg.RealtimeInterval, Timeout: realtimeTimeout,
			RunOnStart: true, Logger: logger, Metrics: jobMetrics,
		}, aggregator.RunRealtime),
		jobs.NewTask(jobs.TaskConfig{
			Name: "snapshot_archive", Interval: cfg.ArchiveInterval, Timeout: archiveTimeout,
			Logger: logger, Metrics: jobMetrics,
		}, aggregator.RunArchive),
	}

	// Rate limiting is shared across instances when Redis is available.
	var limits middleware.RateLimitStore
	if a.redis != nil {
		limits = middleware.NewRedisRateLimitStore(a.redis, "ratelimit:", httpMetrics, logger)
	} else {
		limits = middleware.NewInMemoryRateLimitStore()
	}
	ingestLimit := middleware.DefaultIngestLimit()
	if cfg.IngestRateLimit > 0 {
		ingestLimit.RequestsPerWindow = cfg.IngestRateLimit
	}

	jwtService := auth.NewJWTServiceWithRotation(cfg.AdminJWTSecret, cfg.AdminJWTPreviousSecret)
	mux := api.NewRouter(api.RouterConfig{
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			DBChecker:      dbChecker,
			RedisChecker:   redisChecker,
			LiveKitChecker: liveKitChecker,
			MetricsEnabled: true,
		}),
		Sessions: api.NewSessionHandlers(ingester, conns, api.WebSocketConfig{}, logger),
		Admin: api.NewAdminHandlers(api.AdminHandlersConfig{
			Sessions:   a.registry,
			Events:     events,
			Snapshots:  aggregator,
			History:    durable,
			Controller: controller,
			Logger:     logger,
		}),
		Dashboard:   api.NewDashboardHandlers(a.hub, logger),
		AdminAuth:   middleware.RequireAdmin(jwtService),
		IngestLimit: middleware.InstrumentedRateLimiter(limits, ingestLimit, middleware.IPKeyFunc(), httpMetrics, "ingest"),
		AdminLimit:  middleware.InstrumentedRateLimiter(limits, middleware.DefaultAdminLimit(), middleware.AdminKeyFunc(), httpMetrics, "admin"),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ServiceName: serviceName,
		Version:     serviceVersion,
	})

	// RequestID -> Tracing -> Logging -> HTTPMetrics -> router
	var handler http.Handler = mux
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	if a.tracer.IsEnabled() {
		handler = middleware.Tracing(serviceName)(handler)
	}
	a.handler = middleware.RequestID(handler)
	return a, nil
}

// start launches the write-behind worker and the periodic tasks.
func (a *app) start(ctx context.Context) error {
	writeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopWrites = cancel
	a.writesDone.Add(1)
	go func() {
		defer a.writesDone.Done()
		a.writeBehind.Run(writeCtx)
	}()

	for _, t := range a.tasks {
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s task: %w", t.Name(), err)
		}
	}
	return nil
}

// shutdown stops the tasks, disconnects subscribers, flushes pending writes and
// closes external clients. The HTTP server must already be shut down.
func (a *app) shutdown(ctx context.Context) error {
	for _, t := range a.tasks {
		t.Stop()
	}
	a.hub.Close()

	if a.stopWrites != nil {
		a.stopWrites()
		a.writesDone.Wait()
	}

	var errs []error
	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	if err := a.closeClients(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) closeClients() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	return errors.Join(errs...)
}
