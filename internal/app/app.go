// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the command fronts.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/analyze"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/api"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/config"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/extract"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/fetch"
	collyfetcher "github.com/noah-vh/bylaw-mgmt-sub000/internal/fetcher/colly"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/finder"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/hash/sha256"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/job"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/logging"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/output"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/pipeline"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/policy/ratelimit"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress/sinks"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/registry"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/runner"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/service"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/storage/gcs"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/storage/local"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/storage/memory"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/storage/postgres"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/storage/sqlite"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/telemetry"
)

// Option customises how New builds the container.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	transport fetch.Transport
	version   string
	targets   []crawler.Target
}

// WithLogger supplies a logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTransport replaces the colly transport.
func WithTransport(t fetch.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithVersion sets the version reported by health checks.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithTargets loads targets directly instead of reading registry.targets_file.
func WithTargets(targets []crawler.Target) Option {
	return func(o *options) { o.targets = targets }
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the shared, long-lived services. It is built once at startup and
// closed when the command finishes.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registry   *registry.Registry
	runner     *runner.Runner
	pipeline   *pipeline.Controller
	service    *service.Service
	operations *memory.OperationStore
	hub        *progress.Hub
	closers    []closer
}

// New builds every service from cfg. It fails fast: anything opened before
// the failure is closed again.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: o.logger}
	if a.logger == nil {
		logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		a.logger = logger
	}
	if err := a.init(ctx, o); err != nil {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn("cleanup after failed init", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, o options) error {
	cfg := a.cfg
	l := a.logger
	l.Info("initializing application services")
	clock := system.New()

	a.registry = registry.New(finder.Builtins(), l.Named("registry"))
	switch {
	case o.targets != nil:
		if err := a.registry.Load(o.targets); err != nil {
			return fmt.Errorf("load targets: %w", err)
		}
	case cfg.Registry.TargetsFile != "":
		if err := a.registry.LoadFile(cfg.Registry.TargetsFile); err != nil {
			return fmt.Errorf("load targets: %w", err)
		}
	}
	l.Info("target registry loaded",
		zap.Int("targets", len(a.registry.List())),
		zap.Int("active", len(a.registry.ActiveIDs())),
	)

	_, shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Tracing,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.onClose("tracing", shutdown)

	progressSinks, err := a.progressSinks(ctx)
	if err != nil {
		return err
	}
	a.hub = progress.NewHub(progress.Config{Logger: l.Named("progress")}, progressSinks...)
	a.onClose("progress hub", a.hub.Close)

	fetchers, err := a.fetcherFactory(o.transport)
	if err != nil {
		return err
	}

	docs, err := a.documentStore(ctx)
	if err != nil {
		return err
	}
	sink, err := a.outputSink(ctx, clock)
	if err != nil {
		return err
	}

	runnerOpts := []runner.Option{
		runner.WithReporter(a.hub),
		runner.WithLogger(l.Named("runner")),
	}
	if sink != nil {
		runnerOpts = append(runnerOpts, runner.WithOutputSink(sink))
	}
	a.runner = runner.New(a.registry, fetchers, runner.Config{
		Limits: job.Limits{
			MaxDepth:   cfg.Job.MaxDepth,
			MaxPages:   cfg.Job.MaxPages,
			MaxPending: cfg.Job.MaxPending,
		},
		DefaultConcurrency: cfg.Batch.Concurrency,
	}, runnerOpts...)

	analyzer, err := analyze.New(analyze.Config{
		Keywords:  cfg.Analyze.Keywords,
		Threshold: cfg.Analyze.Threshold,
	}, clock)
	if err != nil {
		return fmt.Errorf("init analyzer: %w", err)
	}
	extractor := extract.New(
		extract.WithHasher(sha256.New()),
		extract.WithClock(clock),
		extract.WithLogger(l.Named("extract")),
	)
	a.pipeline = pipeline.New(a.registry, a.runner, docs, extractor, analyzer, fetchers,
		pipeline.WithReporter(a.hub),
		pipeline.WithClock(clock),
		pipeline.WithConcurrency(cfg.Pipeline.Workers),
		pipeline.WithLogger(l.Named("pipeline")),
	)

	a.operations = memory.NewOperationStore()
	a.service = service.New(a.registry, a.runner, a.pipeline, a.operations,
		service.WithClock(clock),
		service.WithLogger(l.Named("service")),
		service.WithVersion(o.version),
	)
	l.Info("application services initialized")
	return nil
}

func (a *App) progressSinks(ctx context.Context) ([]progress.Sink, error) {
	cfg := a.cfg.Progress
	var out []progress.Sink
	if cfg.Log {
		out = append(out, sinks.NewLogSink(a.logger.Named("progress")))
	}
	if cfg.Prometheus {
		s, err := sinks.NewPrometheusSink(nil)
		if err != nil {
			return nil, fmt.Errorf("init prometheus progress sink: %w", err)
		}
		out = append(out, s)
	}
	if cfg.Redis.Addr != "" {
		a.logger.Info("publishing progress to redis", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
		s, err := sinks.NewRedisSink(ctx, cfg.Redis.Addr, cfg.Redis.Channel)
		if err != nil {
			return nil, fmt.Errorf("init redis progress sink: %w", err)
		}
		out = append(out, s)
	}
	if cfg.PubSub.ProjectID != "" {
		a.logger.Info("publishing progress to pubsub", zap.String("topic", cfg.PubSub.Topic))
		s, err := sinks.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub progress sink: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// fetcherFactory builds one ResilientFetcher per job. Every fetcher shares the
// transport and the per-host limiter.
func (a *App) fetcherFactory(transport fetch.Transport) (runner.FetcherFactory, error) {
	cfg := a.cfg
	strategy, err := fetch.ParseStrategy(cfg.Retry.Strategy)
	if err != nil {
		return nil, err
	}
	policy := fetch.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Multiplier: cfg.Retry.Multiplier,
		Jitter:     cfg.Retry.Jitter,
		Strategy:   strategy,
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	limits := fetch.ResourceLimits{
		MaxConcurrentRequests: cfg.Fetch.MaxConcurrentRequests,
		MaxMemoryMB:           cfg.Fetch.MaxMemoryMB,
		RequestTimeout:        cfg.Fetch.RequestTimeout,
		MaxRequestsPerSecond:  cfg.Fetch.MaxRequestsPerSecond,
		MaxResponseSizeMB:     cfg.Fetch.MaxResponseSizeMB,
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resource limits: %w", err)
	}
	if transport == nil {
		transport = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.Fetch.RequestTimeout,
		})
	}
	hosts := ratelimit.New(ratelimit.Config{
		PerHostRPS:   cfg.RateLimit.PerHostRPS,
		PerHostBurst: cfg.RateLimit.PerHostBurst,
	})
	logger := a.logger.Named("fetch")

	return func(target crawler.Target) (job.Fetcher, error) {
		f, err := fetch.New(transport, policy, limits,
			fetch.WithHostLimiter(hosts),
			fetch.WithLogger(logger.With(zap.Int("target_id", target.ID))),
		)
		if err != nil {
			return nil, fmt.Errorf("fetcher for target %d: %w", target.ID, err)
		}
		return f, nil
	}, nil
}

func (a *App) documentStore(ctx context.Context) (crawler.DocumentStore, error) {
	cfg := a.cfg.Storage.Documents
	switch cfg.Driver {
	case "sqlite":
		a.logger.Info("using sqlite document store", zap.String("path", cfg.SQLitePath))
		store, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("open document store: %w", err)
		}
		a.onClose("document store", func(context.Context) error { return store.Close() })
		return store, nil
	case "memory", "":
		return memory.NewDocumentStore(), nil
	default:
		return nil, fmt.Errorf("unknown document store driver: %s", cfg.Driver)
	}
}

// outputSink returns nil when results are not persisted.
func (a *App) outputSink(ctx context.Context, clock crawler.Clock) (crawler.OutputSink, error) {
	cfg := a.cfg.Storage.Output
	var blobs crawler.BlobStore
	switch cfg.Driver {
	case "none", "":
		a.logger.Info("result persistence disabled")
		return nil, nil
	case "memory":
		blobs = memory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local output: %w", err)
		}
		a.logger.Info("writing results to local disk", zap.String("dir", store.BaseDir()))
		blobs = store
	case "gcs":
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs output: %w", err)
		}
		a.logger.Info("writing results to gcs", zap.String("bucket", cfg.GCSBucket))
		a.onClose("gcs client", func(context.Context) error { return store.Close() })
		blobs = store
	case "postgres":
		store, err := postgres.NewResultStore(ctx, postgres.Config{
			DSN:      cfg.PostgresDSN,
			JobTable: cfg.PostgresTable,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres output: %w", err)
		}
		a.logger.Info("writing results to postgres", zap.String("table", cfg.PostgresTable))
		a.onClose("postgres pool", func(context.Context) error {
			store.Close()
			return nil
		})
		return store, nil
	default:
		return nil, fmt.Errorf("unknown output driver: %s", cfg.Driver)
	}
	sink, err := output.NewBlobSink(blobs, cfg.Prefix, clock)
	if err != nil {
		return nil, fmt.Errorf("init output sink: %w", err)
	}
	return sink, nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Config returns the configuration the container was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the target catalog.
func (a *App) Registry() *registry.Registry { return a.registry }

// Runner returns the JobRunner.
func (a *App) Runner() *runner.Runner { return a.runner }

// Pipeline returns the PipelineController.
func (a *App) Pipeline() *pipeline.Controller { return a.pipeline }

// Service returns the NDJSON service front.
func (a *App) Service() *service.Service { return a.service }

// Progress returns the shared progress hub.
func (a *App) Progress() *progress.Hub { return a.hub }

// HTTPHandler builds the HTTP front over the service.
func (a *App) HTTPHandler() http.Handler {
	return api.NewServer(a.service, a.operations, a.cfg.Server, a.logger.Named("api")).Handler()
}

// Close shuts services down in reverse start order. The hub is drained before
// tracing stops so late events still reach their sinks.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
