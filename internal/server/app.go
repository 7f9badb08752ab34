// Package server builds the application's dependency graph and runs the HTTP
// server together with the periodic scheduler tasks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/api"
	"github.com/JakeFAU/sitemapwatch/internal/clock/system"
	"github.com/JakeFAU/sitemapwatch/internal/config"
	"github.com/JakeFAU/sitemapwatch/internal/diff"
	"github.com/JakeFAU/sitemapwatch/internal/discovery"
	"github.com/JakeFAU/sitemapwatch/internal/fetch"
	"github.com/JakeFAU/sitemapwatch/internal/hash/sha256"
	"github.com/JakeFAU/sitemapwatch/internal/id/uuid"
	"github.com/JakeFAU/sitemapwatch/internal/lease"
	"github.com/JakeFAU/sitemapwatch/internal/metrics"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
	"github.com/JakeFAU/sitemapwatch/internal/notify"
	memorypublisher "github.com/JakeFAU/sitemapwatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitemapwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/sitemapwatch/internal/scan"
	"github.com/JakeFAU/sitemapwatch/internal/scheduler"
	gcsstorage "github.com/JakeFAU/sitemapwatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitemapwatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/sitemapwatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitemapwatch/internal/storage/postgres"
	"github.com/JakeFAU/sitemapwatch/internal/telemetry"
)

// Periodic task names registered with the cron registry.
const (
	TaskCronScan   = "cron-scan"
	TaskDrainQueue = "drain-queue"
	TaskReapStale  = "reap-stale"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     monitor.Store
	pg        *pgstore.Store
	gcs       *storage.Client
	pubsub    *gcppublisher.Publisher
	redis     *redis.Client
	telemetry *telemetry.Providers

	discovery *discovery.Service
	runner    *scan.Runner
	reaper    *scan.Reaper
	scheduler *scheduler.Scheduler
	registry  *scheduler.Registry
	api       *api.Server

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. The caller owns Close.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("scheduler_mode", cfg.Scheduler.Mode),
		zap.String("snapshots_backend", cfg.Snapshots.Backend),
	)
	metrics.Init()

	app.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	blobs, err := app.setupSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	cronLease := app.setupLease()

	clock := system.New()
	ids := uuid.New()
	fetcher := fetch.New(fetch.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.SitemapTimeout(),
		MaxAttempts:  cfg.HTTP.MaxAttempts,
		Backoff:      time.Duration(cfg.HTTP.BackoffMs) * time.Millisecond,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		PerHostRPS:   cfg.HTTP.PerHostRPS,
		PerHostBurst: cfg.HTTP.PerHostBurst,
	}, logger)

	finder := discovery.NewDiscoverer(fetcher, discovery.Config{
		MaxDepth:         cfg.Discovery.MaxDepth,
		MaxSitemaps:      cfg.Discovery.MaxSitemaps,
		RobotsTimeout:    cfg.RobotsTimeout(),
		SitemapTimeout:   cfg.SitemapTimeout(),
		HTMLLinkFallback: cfg.Discovery.HTMLLinkFallback,
	}, logger)
	app.discovery = discovery.NewService(app.store, finder, clock, ids, discovery.SiteDefaults{
		Priority:        cfg.Scheduler.DefaultPriority,
		IntervalMinutes: cfg.Scheduler.DefaultIntervalMinutes,
	}, logger)

	engine := diff.NewEngine(app.store, fetcher, blobs, sha256.New(), clock, ids, diff.Config{
		Timeout:        cfg.SitemapTimeout(),
		SnapshotPrefix: cfg.Snapshots.Prefix,
	}, logger)
	dispatcher := notify.NewDispatcher(app.store, publisher, notify.Config{
		Secret:          cfg.Notify.WebhookSecret,
		SignatureHeader: cfg.Notify.SignatureHeader,
		Timeout:         cfg.WebhookTimeout(),
		Topic:           cfg.PubSub.Topic,
		UserAgent:       cfg.HTTP.UserAgent,
	}, logger)

	app.runner = scan.NewRunner(app.store, engine, dispatcher, clock, scan.Config{}, logger)
	app.reaper = scan.NewReaper(app.store, clock, cfg.StaleAfter(), logger)
	app.scheduler = scheduler.New(app.store, app.runner, clock, ids, cronLease, scheduler.Config{
		Mode:               cfg.Scheduler.Mode,
		MinIntervalMinutes: cfg.Scheduler.MinIntervalMinutes,
		CronMaxSites:       cfg.Scheduler.CronMaxSites,
	}, logger)

	app.registry = scheduler.NewRegistry(logger)
	if err = app.registerTasks(); err != nil {
		return nil, err
	}

	opts := api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.RequestTimeout(),
		DrainMax:       cfg.Scheduler.DrainMaxConcurrent,
	}
	if app.pg != nil {
		opts.Ready = app.pg
	}
	app.api = api.NewServer(app.discovery, app.scheduler, app.store, opts, logger)
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory store")
		a.store = memorystorage.NewStore()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxConns),
		MinConns: int32(a.cfg.DB.MinConns),
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pg = pg
	a.store = pg
	if a.cfg.DB.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema applied")
	}
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) (monitor.BlobStore, error) {
	switch a.cfg.Snapshots.Backend {
	case config.SnapshotsGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Snapshots.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving sitemap snapshots to GCS", zap.String("bucket", a.cfg.Snapshots.Bucket))
		return blobs, nil
	case config.SnapshotsLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshots.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving sitemap snapshots locally", zap.String("path", a.cfg.Snapshots.BaseDir))
		return blobs, nil
	case config.SnapshotsMemory:
		a.logger.Info("archiving sitemap snapshots in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("sitemap snapshot archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (monitor.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupLease() lease.Lease {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("no redis configured, cron lease is process-local")
		return lease.NewLocal(system.New(), a.cfg.LeaseTTL())
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.logger.Info("cron lease backed by redis", zap.String("addr", a.cfg.Redis.Addr))
	return lease.NewRedis(a.redis, lease.DefaultKey, a.cfg.LeaseTTL())
}

func (a *App) registerTasks() error {
	sc := a.cfg.Scheduler
	tasks := []struct {
		name string
		spec string
		task scheduler.Task
	}{
		{TaskCronScan, sc.CronSpec, func(ctx context.Context) error {
			report, err := a.scheduler.CronScan(ctx, sc.CronMaxSites)
			if err != nil {
				return fmt.Errorf("cron scan: %w", err)
			}
			a.logger.Debug("cron scan pass",
				zap.Int("due", report.DueCount),
				zap.Int("processed", report.Processed),
				zap.Bool("skipped", report.Skipped),
			)
			return nil
		}},
		{TaskDrainQueue, sc.DrainSpec, func(ctx context.Context) error {
			if _, err := a.scheduler.ProcessQueuedScans(ctx, sc.DrainMaxConcurrent); err != nil {
				return fmt.Errorf("drain queue: %w", err)
			}
			return nil
		}},
		{TaskReapStale, sc.ReapSpec, func(ctx context.Context) error {
			if _, err := a.reaper.Reap(ctx); err != nil {
				return fmt.Errorf("reap stale scans: %w", err)
			}
			return nil
		}},
	}
	for _, t := range tasks {
		if t.spec == "" {
			a.logger.Info("periodic task disabled", zap.String("task", t.name))
			continue
		}
		if err := a.registry.Add(t.name, t.spec, t.task); err != nil {
			return fmt.Errorf("register %s: %w", t.name, err)
		}
	}
	return nil
}

// Discovery returns the site discovery service.
func (a *App) Discovery() *discovery.Service { return a.discovery }

// Scheduler returns the scan scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Reaper returns the stale-scan reaper.
func (a *App) Reaper() *scan.Reaper { return a.reaper }

// Store returns the persistence layer.
func (a *App) Store() monitor.Store { return a.store }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Tasks lists the registered periodic task names.
func (a *App) Tasks() []string { return a.registry.Names() }

// Migrate applies the Postgres schema. It is a no-op for the in-memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.pg == nil {
		a.logger.Warn("migrate skipped, no database configured")
		return nil
	}
	if err := a.pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Run serves HTTP and runs periodic tasks until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.registry.Start()
	a.logger.Info("periodic tasks started", zap.Strings("tasks", a.registry.Names()))

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGrace())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close stops periodic tasks, waits for background scans, and releases clients.
// Only the first call does work; later calls return its result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close(ctx)
	})
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		if err := a.registry.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop periodic tasks: %w", err))
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for scans: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
