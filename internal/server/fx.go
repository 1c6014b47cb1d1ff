// Package server builds the application's collaborators once per process and
// owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/api"
	"github.com/JakeFAU/sitemap-indexer/internal/clock/system"
	"github.com/JakeFAU/sitemap-indexer/internal/config"
	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/sitemap-indexer/internal/fetcher/colly"
	"github.com/JakeFAU/sitemap-indexer/internal/hash/sha256"
	"github.com/JakeFAU/sitemap-indexer/internal/headless/detector"
	"github.com/JakeFAU/sitemap-indexer/internal/id/uuid"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/pagecrawler"
	"github.com/JakeFAU/sitemap-indexer/internal/policy/ratelimit"
	"github.com/JakeFAU/sitemap-indexer/internal/processor"
	gcppublisher "github.com/JakeFAU/sitemap-indexer/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/sitemap-indexer/internal/queue/memory"
	autorender "github.com/JakeFAU/sitemap-indexer/internal/render/auto"
	chromedprender "github.com/JakeFAU/sitemap-indexer/internal/render/chromedp"
	staticrender "github.com/JakeFAU/sitemap-indexer/internal/render/static"
	"github.com/JakeFAU/sitemap-indexer/internal/sitemap"
	gcsstorage "github.com/JakeFAU/sitemap-indexer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitemap-indexer/internal/storage/local"
	memoryStorage "github.com/JakeFAU/sitemap-indexer/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitemap-indexer/internal/storage/postgres"
	"github.com/JakeFAU/sitemap-indexer/internal/telemetry"
	"github.com/JakeFAU/sitemap-indexer/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queueMemory.Queue
	store     crawler.Store
	browser   crawler.Browser
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	checks    []api.ReadinessCheck
	tracing   telemetry.Shutdown
}

// Build creates the application's dependencies. Nothing is started until Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if vErr := cfg.Validate(); vErr != nil {
		return nil, fmt.Errorf("invalid config: %w", vErr)
	}
	metrics.Init()

	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()
	if app.tracing, err = telemetry.InitTracerProvider(ctx, cfg.Tracing); err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("export_driver", cfg.Export.Driver),
		zap.String("renderer", cfg.Crawl.Renderer),
	)

	clock := system.New()
	ids := uuid.New()

	if err = app.setupStore(ctx, clock); err != nil {
		return nil, err
	}
	if err = app.setupExport(ctx); err != nil {
		return nil, err
	}
	if err = app.setupBrowser(); err != nil {
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Sitemap.UserAgent,
		Timeout:      cfg.Sitemap.HTTPTimeout(),
		MaxBodyBytes: int(cfg.Sitemap.MaxBodyBytes),
	})
	resolver := sitemap.NewResolver(fetcher, clock, sitemap.Config{
		UserAgent: cfg.Sitemap.UserAgent,
		Accept:    cfg.Sitemap.Accept,
		Retry: sitemap.RetryPolicy{
			MaxAttempts: cfg.Sitemap.MaxAttempts,
			BaseDelay:   cfg.Sitemap.RetryBase(),
			MaxDelay:    cfg.Sitemap.RetryMax(),
		},
		MaxDepth:     cfg.Sitemap.MaxDepth,
		MaxFetches:   cfg.Sitemap.MaxFetches,
		MaxBodyBytes: cfg.Sitemap.MaxBodyBytes,
	}, logger.Named("sitemap"))

	pacer := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawl.HostRPS,
		DefaultBurst: cfg.Crawl.HostBurst,
	})
	pages := pagecrawler.New(app.browser, pacer, pagecrawler.Config{
		Concurrency: cfg.Crawl.Concurrency,
		PageTimeout: cfg.Crawl.PageTimeout(),
		WaitUntil:   crawler.WaitUntil(cfg.Crawl.WaitUntil),
		UserAgent:   cfg.Crawl.UserAgent,
	}, logger.Named("pagecrawler"))

	proc, err := processor.New(processor.Deps{
		Store:     app.store,
		Resolver:  resolver,
		Crawler:   pages,
		IDs:       ids,
		Clock:     clock,
		Blobs:     app.blobs,
		Hasher:    sha256.New(),
		Publisher: app.publisher,
	}, processor.Config{
		MaxCrawlLength:    cfg.Sitemap.MaxCrawlLength,
		ProgressThreshold: cfg.Crawl.ProgressThreshold,
		ExportPrefix:      cfg.Export.Prefix,
		Topic:             cfg.PubSub.TopicName,
	}, logger.Named("processor"))
	if err != nil {
		return nil, fmt.Errorf("processor init failed: %w", err)
	}

	app.queue = queueMemory.NewQueue(cfg.Dispatch.QueueDepth)
	app.dispatch = dispatcher.NewPool(
		app.queue,
		proc,
		cfg.Dispatch.Workers,
		worker.Config{RunTimeout: cfg.Dispatch.RunTimeout()},
		logger.Named("worker"),
	)
	logger.Info("dispatcher configured",
		zap.Int("workers", app.dispatch.Workers()),
		zap.Int("queue_depth", cfg.Dispatch.QueueDepth),
		zap.Duration("run_timeout", cfg.Dispatch.RunTimeout()),
	)

	trigger := processor.NewTrigger(app.store, app.dispatch, ids, clock, logger.Named("trigger"),
		processor.WithStaleAfter(processor.StaleAfter(cfg.Dispatch.RunTimeout())))
	// A previous process may have died mid-run; nothing else releases its sites.
	if _, err := trigger.RecoverStale(ctx); err != nil {
		return nil, err
	}
	app.apiServer = api.NewServer(trigger, app.store, cfg, logger.Named("api"), app.checks...)
	return app, nil
}

func (a *App) setupStore(ctx context.Context, clock crawler.Clock) error {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:         a.cfg.Storage.DSN,
			MaxConns:    a.cfg.Storage.MaxConns,
			AutoMigrate: a.cfg.Storage.AutoMigrate,
		}, clock)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = store
		a.checks = append(a.checks, store.Ping)
		a.logger.Info("using postgres document store", zap.Bool("auto_migrate", a.cfg.Storage.AutoMigrate))
	default:
		a.store = memoryStorage.NewStore(clock)
		a.logger.Warn("using in-memory document store; records are lost on restart")
	}
	return nil
}

func (a *App) setupExport(ctx context.Context) error {
	switch a.cfg.Export.Driver {
	case config.DriverGCS:
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Export.Bucket}, a.logger)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("exporting sitemaps to GCS", zap.String("bucket", a.cfg.Export.Bucket))
	case config.DriverLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("exporting sitemaps to local disk", zap.String("path", a.cfg.Export.BaseDir))
	case config.DriverMemory:
		a.blobs = memoryStorage.NewBlobStore()
		a.logger.Info("exporting sitemaps to memory")
	default:
		a.logger.Info("sitemap export disabled")
	}

	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, completion notifications disabled")
		return nil
	}
	publisher, err := gcppublisher.Open(ctx, gcppublisher.Config{
		ProjectID:    a.cfg.PubSub.ProjectID,
		DefaultTopic: a.cfg.PubSub.TopicName,
	})
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupBrowser() error {
	static := staticrender.New(staticrender.Config{
		Timeout:      a.cfg.Crawl.PageTimeout(),
		MaxBodyBytes: int(a.cfg.Sitemap.MaxBodyBytes),
	})
	if a.cfg.Crawl.Renderer == config.RendererStatic {
		a.browser = static
		a.logger.Info("using static page renderer")
		return nil
	}
	headless, err := chromedprender.New(chromedprender.Config{
		ExecPath:  a.cfg.Crawl.ChromeExecPath,
		Headful:   a.cfg.Crawl.ChromeHeadful,
		NoSandbox: a.cfg.Crawl.ChromeNoSandbox,
		MaxTabs:   maxTabs(a.cfg),
	}, a.logger.Named("chromedp"))
	if err != nil {
		return fmt.Errorf("chromedp renderer init failed: %w", err)
	}
	if a.cfg.Crawl.Renderer == config.RendererAuto {
		a.browser = autorender.New(static, headless, detector.NewHeuristic(0), a.logger.Named("autorender"))
		a.logger.Info("using auto page renderer", zap.Int("max_tabs", maxTabs(a.cfg)))
		return nil
	}
	a.browser = headless
	a.logger.Info("using chromedp page renderer", zap.Int("max_tabs", maxTabs(a.cfg)))
	return nil
}

// maxTabs gives every dispatch worker a full crawl's worth of tabs.
func maxTabs(cfg config.Config) int {
	return cfg.Crawl.Concurrency * max(cfg.Dispatch.Workers, 1)
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the dispatcher and HTTP server and blocks until ctx is canceled
// or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not stop before the shutdown deadline")
	}
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every owned client. It is safe to call after a failed Build.
func (a *App) Close() {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if closer, ok := a.publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if closer, ok := a.blobs.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if pg, ok := a.store.(*pgstore.Store); ok {
		pg.Close()
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
