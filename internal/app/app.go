// Package app builds and holds the long-lived services of the indexer and
// runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/api"
	"github.com/JakeFAU/sitemap-indexer/internal/clock"
	"github.com/JakeFAU/sitemap-indexer/internal/config"
	"github.com/JakeFAU/sitemap-indexer/internal/discovery"
	"github.com/JakeFAU/sitemap-indexer/internal/fetcher/secure"
	"github.com/JakeFAU/sitemap-indexer/internal/id"
	"github.com/JakeFAU/sitemap-indexer/internal/indexapi"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/pipeline"
	"github.com/JakeFAU/sitemap-indexer/internal/policy/netguard"
	"github.com/JakeFAU/sitemap-indexer/internal/policy/ratelimit"
	"github.com/JakeFAU/sitemap-indexer/internal/publisher"
	memorypublisher "github.com/JakeFAU/sitemap-indexer/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitemap-indexer/internal/publisher/pubsub"
	"github.com/JakeFAU/sitemap-indexer/internal/queue"
	"github.com/JakeFAU/sitemap-indexer/internal/quota"
	"github.com/JakeFAU/sitemap-indexer/internal/scheduler"
	"github.com/JakeFAU/sitemap-indexer/internal/sitemap"
	"github.com/JakeFAU/sitemap-indexer/internal/storage/gcs"
	"github.com/JakeFAU/sitemap-indexer/internal/storage/local"
	memorystore "github.com/JakeFAU/sitemap-indexer/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitemap-indexer/internal/storage/postgres"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// Repository is the full persistence surface the pipeline needs.
type Repository interface {
	store.SiteRepository
	store.SourceRepository
	store.URLRepository
	store.QuotaRepository
	store.ExecutionRepository
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  clock.Clock

	store           Repository
	pg              *pgstore.Store
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	publisher       publisher.Publisher
	storageClient   *storage.Client
	archive         pipeline.Archive

	queue     *queue.Service
	quotas    *quota.Registry
	refresh   *pipeline.RefreshJob
	scheduler *scheduler.Scheduler
	apiServer *api.Server
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *zap.Logger
	clock      clock.Clock
	httpClient *http.Client
	guard      secure.Guard
	publisher  publisher.Publisher
}

// WithLogger replaces the logger Build would create from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithClock overrides the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *buildOptions) { o.clock = clk }
}

// WithIndexHTTPClient overrides the HTTP client used for the remote index APIs.
func WithIndexHTTPClient(c *http.Client) Option {
	return func(o *buildOptions) { o.httpClient = c }
}

// WithGuard overrides the outbound address policy of the sitemap fetcher.
func WithGuard(g secure.Guard) Option {
	return func(o *buildOptions) { o.guard = g }
}

// WithPublisher overrides the event publisher selected from config.
func WithPublisher(p publisher.Publisher) Option {
	return func(o *buildOptions) { o.publisher = p }
}

// Build creates the application's dependencies. The returned App must be closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (a *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	clk := o.clock
	if clk == nil {
		clk = clock.New()
	}

	a = &App{cfg: cfg, logger: logger, clock: clk}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	metrics.Init()
	a.logger.Info("building application dependencies", zap.Int("server_port", cfg.Server.Port))

	if err = a.setupStore(ctx); err != nil {
		return nil, err
	}
	if err = a.seed(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx, o.publisher); err != nil {
		return nil, err
	}

	if err = a.setupArchive(ctx); err != nil {
		return nil, err
	}

	a.queue = queue.NewService(a.store, clk, queue.Config{MaxAttempts: cfg.Queue.MaxAttempts}, logger.Named("queue"))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Quota.RequestsPerSecond,
		DefaultBurst: cfg.Quota.Burst,
	})
	a.quotas = quota.NewRegistry(a.store, limiter, clk, quota.Config{
		DefaultSubmission:   cfg.Quota.DefaultSubmission,
		DefaultVerification: cfg.Quota.DefaultVerification,
		MaxConcurrent:       cfg.Quota.MaxConcurrent,
	}, logger)
	if err = a.quotas.Load(ctx); err != nil {
		return nil, fmt.Errorf("quota registry load failed: %w", err)
	}

	if err = a.setupPipeline(o); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory store")
		a.store = memorystore.NewStore()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
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
	}
	a.logger.Info("postgres store initialized", zap.Bool("migrated", a.cfg.DB.Migrate))
	return nil
}

// seed upserts the sites and sources named in config. The external management
// layer owns these records; config seeding covers single-binary deployments.
func (a *App) seed(ctx context.Context) error {
	for _, sc := range a.cfg.Sites {
		site := store.Site{ID: sc.ID, URL: sc.URL, CredentialRef: sc.CredentialRef}
		if err := a.store.UpsertSite(ctx, site); err != nil {
			return fmt.Errorf("seed site %s: %w", sc.ID, err)
		}
	}
	for _, sc := range a.cfg.Sources {
		kind := store.SourceKind(sc.Kind)
		if kind == "" {
			kind = store.KindUnknown
		}
		src := store.SitemapSource{ID: sc.ID, SiteID: sc.SiteID, URL: sc.URL, Kind: kind, Active: sc.IsActive()}
		if err := a.store.UpsertSource(ctx, src); err != nil {
			return fmt.Errorf("seed source %s: %w", sc.ID, err)
		}
	}
	if len(a.cfg.Sites)+len(a.cfg.Sources) > 0 {
		a.logger.Info("seeded from config", zap.Int("sites", len(a.cfg.Sites)), zap.Int("sources", len(a.cfg.Sources)))
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context, override publisher.Publisher) error {
	if override != nil {
		a.publisher = override
		return nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher, err = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.Topic, a.logger)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = a.pubsubPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	cfg := a.cfg.Archive
	switch cfg.Backend {
	case "":
		return nil
	case "local":
		blobs, err := local.New(local.Config{BaseDir: cfg.BaseDir, Prefix: cfg.Prefix})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = blobs
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("storage client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = blobs
	default:
		return fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
	a.logger.Info("sitemap archive initialized", zap.String("backend", cfg.Backend))
	return nil
}

func (a *App) setupPipeline(o buildOptions) error {
	cfg := a.cfg
	guard := o.guard
	if guard == nil {
		guard = netguard.New()
	}
	fetcher, err := secure.New(guard, secure.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxRedirects: cfg.Fetch.MaxRedirects,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		MaxRetries:   cfg.Fetch.MaxRetries,
		BackoffBase:  time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
	}, secure.WithLogger(a.logger.Named("fetcher")))
	if err != nil {
		return fmt.Errorf("fetcher init failed: %w", err)
	}
	traverser := sitemap.NewTraverser(fetcher, sitemap.Config{
		MaxDepth:    cfg.Traversal.MaxDepth,
		MaxChildren: cfg.Traversal.MaxChildren,
		Concurrency: cfg.Traversal.Concurrency,
	}, a.logger)
	detector := discovery.NewDetector(a.store, a.queue, id.New(), a.logger)

	client, err := indexapi.New(indexapi.Config{
		SubmitEndpoint:  cfg.IndexAPI.SubmitEndpoint,
		InspectEndpoint: cfg.IndexAPI.InspectEndpoint,
		Timeout:         time.Duration(cfg.IndexAPI.TimeoutSeconds) * time.Second,
		UserAgent:       cfg.Fetch.UserAgent,
	},
		indexapi.WithHTTPClient(o.httpClient),
		indexapi.WithRetryAfterParser(quota.ParseRetryAfter),
		indexapi.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("index api client init failed: %w", err)
	}

	a.refresh = pipeline.NewRefreshJob(
		a.store,
		traverser,
		detector,
		a.publisher,
		pipeline.NewReports(cfg.Pipeline.ReportHistory),
		a.clock,
		a.logger,
	)
	if a.archive != nil {
		a.refresh.SetArchive(a.archive)
	}
	submission := pipeline.NewSubmissionJob(
		a.queue,
		a.store,
		a.quotas,
		client,
		a.publisher,
		a.clock,
		pipeline.SubmissionConfig{Batch: cfg.Pipeline.SubmissionBatch, Workers: cfg.Pipeline.Workers},
		a.logger,
	)
	verification := pipeline.NewVerificationJob(
		a.queue,
		a.store,
		a.quotas,
		client,
		pipeline.VerificationConfig{
			Batch:         cfg.Pipeline.VerificationBatch,
			Workers:       cfg.Pipeline.Workers,
			ReverifyAfter: cfg.ReverifyAfter(),
		},
		a.logger,
	)

	runner := scheduler.NewRunner(a.store, id.New(), a.clock, a.logger)
	a.scheduler = scheduler.New(runner, a.logger)
	for _, job := range []scheduler.Job{
		{ID: scheduler.JobSubmission, Interval: cfg.Scheduler.SubmissionInterval, Run: submission.Run},
		{ID: scheduler.JobVerification, Interval: cfg.Scheduler.VerificationInterval, Run: verification.Run},
		{ID: scheduler.JobRefresh, Interval: cfg.Scheduler.RefreshInterval, Run: a.refresh.Run},
	} {
		if err := a.scheduler.Register(job); err != nil {
			return fmt.Errorf("register job: %w", err)
		}
	}

	deps := api.Deps{
		Traversals: a.refresh.Reports(),
		Jobs:       a.scheduler,
		Stats:      runner,
		Executions: a.store,
		Quotas:     a.quotas,
		Queue:      a.queue,
	}
	if a.pg != nil {
		deps.Ready = a.pg
	}
	a.apiServer = api.NewServer(deps, cfg, a.logger.Named("api"))
	return nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Store returns the persistence layer.
func (a *App) Store() Repository { return a.store }

// Scheduler returns the job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Refresh returns the sitemap refresh job for one-off traversals.
func (a *App) Refresh() *pipeline.RefreshJob { return a.refresh }

// Publisher returns the event publisher.
func (a *App) Publisher() publisher.Publisher { return a.publisher }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Recover marks executions orphaned by a previous process as interrupted.
func (a *App) Recover(ctx context.Context) (int, error) {
	n, err := a.scheduler.Runner().Recover(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover executions: %w", err)
	}
	if n > 0 {
		a.logger.Warn("recovered interrupted executions", zap.Int("count", n))
	}
	return n, nil
}

// Traverse refreshes the active sources named by sourceIDs, or every active
// source when none are named, outside the scheduler.
func (a *App) Traverse(ctx context.Context, sourceIDs ...string) ([]pipeline.TraversalReport, error) {
	sources, err := a.store.ListActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	want := make(map[string]bool, len(sourceIDs))
	for _, sid := range sourceIDs {
		want[sid] = true
	}
	var reports []pipeline.TraversalReport
	for _, src := range sources {
		if len(want) > 0 && !want[src.ID] {
			continue
		}
		delete(want, src.ID)
		rep, err := a.refresh.RefreshSource(ctx, src)
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
	}
	for sid := range want {
		return reports, fmt.Errorf("source %s: %w", sid, store.ErrNotFound)
	}
	return reports, nil
}

// Run recovers interrupted executions, starts the scheduler and the HTTP
// server, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Recover(ctx); err != nil {
		return err
	}
	if a.cfg.Scheduler.Enabled {
		a.scheduler.Start(ctx)
	} else {
		a.logger.Info("scheduler disabled, jobs run only when triggered")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop failed", zap.Error(err))
	}
	return runErr
}

// Close releases infrastructure. It is safe to call on a partially built App.
func (a *App) Close(_ context.Context) error {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("storage client close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}
