// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/api"
	"github.com/JakeFAU/bookmark-pipeline/internal/blob"
	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/clock/system"
	"github.com/JakeFAU/bookmark-pipeline/internal/config"
	"github.com/JakeFAU/bookmark-pipeline/internal/dispatcher"
	"github.com/JakeFAU/bookmark-pipeline/internal/enrich"
	"github.com/JakeFAU/bookmark-pipeline/internal/extractor"
	"github.com/JakeFAU/bookmark-pipeline/internal/id/uuid"
	"github.com/JakeFAU/bookmark-pipeline/internal/inflight"
	"github.com/JakeFAU/bookmark-pipeline/internal/memo"
	"github.com/JakeFAU/bookmark-pipeline/internal/metrics"
	"github.com/JakeFAU/bookmark-pipeline/internal/pipeline"
	platformredis "github.com/JakeFAU/bookmark-pipeline/internal/platform/redis"
	memorypublisher "github.com/JakeFAU/bookmark-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/bookmark-pipeline/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/bookmark-pipeline/internal/queue/memory"
	"github.com/JakeFAU/bookmark-pipeline/internal/queue/redisstream"
	"github.com/JakeFAU/bookmark-pipeline/internal/ratelimit"
	"github.com/JakeFAU/bookmark-pipeline/internal/screenshot"
	gcsstorage "github.com/JakeFAU/bookmark-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bookmark-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/bookmark-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/bookmark-pipeline/internal/storage/postgres"
	redisstore "github.com/JakeFAU/bookmark-pipeline/internal/storage/redis"
	"github.com/JakeFAU/bookmark-pipeline/internal/store"
	"github.com/JakeFAU/bookmark-pipeline/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer  *api.Server
	dispatcher *dispatcher.Dispatcher
	workers    []dispatcher.Runner
	limiter    *ratelimit.Limiter

	queue        bookmark.Queue
	redis        *goredis.Client
	gcs          *storage.Client
	postgres     *pgstore.ObjectStore
	pubsub       *gcppublisher.Publisher
	screenshots  *screenshot.Chromedp
	closeEnrich  func() error
	closeHandler []func()
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("enrich_provider", cfg.Enrich.Provider),
	)
	metrics.Init()

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	if cfg.UsesRedis() {
		client, err := platformredis.New(ctx, platformredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		a.redis = client
	}

	objects, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	clock := system.New()
	blobs := blob.New(objects, a.logger)
	if !blobs.Versioned() {
		a.logger.Warn("object store has no compare-and-swap, concurrent writes are last-writer-wins")
	}
	items := store.NewProcessingRepository(blobs, clock, store.Retention{
		TerminalTTL: cfg.TerminalTTL(),
		MaxItems:    cfg.Retention.MaxItems,
	}, a.logger)
	bookmarks := store.NewBookmarkRepository(blobs)

	if err := a.setupQueue(ctx); err != nil {
		return err
	}
	guard, stepMemo := a.setupCoordination()

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	enricher, err := a.setupEnricher(ctx)
	if err != nil {
		return err
	}
	shots, err := a.setupScreenshots()
	if err != nil {
		return err
	}

	orch, err := pipeline.New(pipeline.Deps{
		Items:     items,
		Bookmarks: bookmarks,
		Blobs:     blobs,
		Extractor: extractor.New(extractor.Config{
			UserAgent: cfg.Pipeline.UserAgent,
			Timeout:   cfg.FetchTimeout(),
		}),
		Enricher:      enricher,
		Screenshotter: shots,
		Publisher:     publisher,
		Memo:          stepMemo,
		Clock:         clock,
	}, pipeline.Config{
		FetchTimeout:       cfg.FetchTimeout(),
		EnrichTimeout:      cfg.EnrichTimeout(),
		ScreenshotTimeout:  cfg.StageTimeout(),
		MaxTags:            cfg.Pipeline.MaxTags,
		SparseTagThreshold: cfg.Pipeline.SparseTagThreshold,
		Screenshots:        cfg.Pipeline.Screenshots,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	workerCfg := worker.Config{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial(),
		BackoffMax:     cfg.BackoffMax(),
	}
	for i := 0; i < cfg.Pipeline.Workers; i++ {
		a.workers = append(a.workers, worker.New(a.queue, orch, guard, stepMemo, workerCfg, a.logger))
	}
	a.logger.Info("worker pool configured",
		zap.Int("workers", cfg.Pipeline.Workers),
		zap.Int("max_attempts", workerCfg.MaxAttempts),
		zap.Duration("backoff_initial", workerCfg.BackoffInitial),
		zap.Duration("backoff_max", workerCfg.BackoffMax),
	)

	a.dispatcher = dispatcher.New(a.queue, items, guard, uuid.New(), clock, dispatcher.Config{
		MaxActive:   cfg.Quota.MaxActive,
		MaxItems:    cfg.Quota.MaxItems,
		InFlightTTL: cfg.InFlightTTL(),
	}, a.logger)

	if cfg.Quota.RPS > 0 {
		a.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.Quota.RPS, Burst: cfg.Quota.Burst})
	}
	a.apiServer, err = api.NewServer(api.Deps{
		Submitter: a.dispatcher,
		Items:     items,
		Bookmarks: bookmarks,
		Clock:     clock,
		Limiter:   a.limiter,
		Ready:     a.ready,
	}, cfg, a.logger)
	if err != nil {
		return fmt.Errorf("api init failed: %w", err)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (bookmark.ObjectStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		objects, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		return objects, nil
	case "local":
		objects, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", cfg.LocalDir))
		return objects, nil
	case "postgres":
		objects, err := pgstore.New(ctx, pgstore.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres object store init failed: %w", err)
		}
		a.postgres = objects
		a.logger.Info("using postgres storage backend", zap.String("table", cfg.Postgres.Table))
		return objects, nil
	case "redis":
		objects, err := redisstore.New(a.redis, cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("redis object store init failed: %w", err)
		}
		a.logger.Info("using redis storage backend", zap.String("prefix", cfg.Prefix))
		return objects, nil
	default:
		a.logger.Warn("non-durable in-memory object store active")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupQueue(ctx context.Context) error {
	if a.cfg.Queue.Backend != "redis" {
		a.queue = queuememory.NewQueue(a.cfg.Queue.Depth)
		a.logger.Info("using in-memory queue", zap.Int("depth", a.cfg.Queue.Depth))
		return nil
	}
	q, err := redisstream.New(ctx, a.redis, redisstream.Config{
		Stream:    a.cfg.Queue.Stream,
		Group:     a.cfg.Queue.Group,
		Consumer:  a.cfg.Queue.Consumer,
		ClaimIdle: time.Duration(a.cfg.Queue.ClaimIdleSeconds) * time.Second,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("redis stream queue init failed: %w", err)
	}
	a.queue = q
	a.logger.Info("using redis stream queue",
		zap.String("stream", a.cfg.Queue.Stream),
		zap.String("group", a.cfg.Queue.Group),
		zap.String("consumer", a.cfg.Queue.Consumer),
	)
	return nil
}

// setupCoordination picks the in-flight guard and step memo. They live in
// Redis whenever Redis is configured so several replicas share them.
func (a *App) setupCoordination() (bookmark.InFlight, bookmark.StepMemo) {
	if a.redis != nil {
		return inflight.NewRedis(a.redis, a.cfg.Storage.Prefix),
			memo.NewRedis(a.redis, a.cfg.Storage.Prefix, a.cfg.MemoTTL())
	}
	return inflight.NewMemory(), memo.NewMemory(a.cfg.MemoTTL())
}

func (a *App) setupPublisher(ctx context.Context) (bookmark.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupEnricher(ctx context.Context) (bookmark.Enricher, error) {
	if a.cfg.Enrich.Provider != "gemini" {
		a.logger.Info("tag enrichment disabled")
		return nil, nil
	}
	gemini, err := enrich.NewGemini(ctx, enrich.Config{
		APIKey:  a.cfg.Enrich.APIKey,
		Model:   a.cfg.Enrich.Model,
		MaxTags: a.cfg.Pipeline.MaxTags,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini enricher init failed: %w", err)
	}
	a.logger.Info("using gemini enricher", zap.String("model", a.cfg.Enrich.Model))
	return gemini, nil
}

func (a *App) setupScreenshots() (bookmark.Screenshotter, error) {
	if !a.cfg.Headless.Enabled {
		return nil, nil
	}
	shots, err := screenshot.NewChromedp(screenshot.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Pipeline.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("headless screenshotter init failed: %w", err)
	}
	a.screenshots = shots
	a.logger.Info("using headless screenshotter", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return shots, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	return nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("workers started", zap.Int("count", len(a.workers)))
		dispatcher.Run(ctx, a.workers...)
	}()
	if a.limiter != nil {
		go a.limiter.Run(ctx, time.Minute)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(err, closeErr)
	default:
		return closeErr
	}
}

// Close releases every client the App opened.
func (a *App) Close(_ context.Context) error {
	var errs []error
	if q, ok := a.queue.(*queuememory.Queue); ok {
		errs = append(errs, q.Close())
	}
	if a.screenshots != nil {
		a.screenshots.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub close: %w", err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
