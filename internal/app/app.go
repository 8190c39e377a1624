// Package app initializes and holds long-lived application services, acting as a dependency
// injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/api"
	"github.com/JakeFAU/docket-harvester/internal/clock/system"
	"github.com/JakeFAU/docket-harvester/internal/config"
	"github.com/JakeFAU/docket-harvester/internal/download"
	collyfetcher "github.com/JakeFAU/docket-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/docket-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/docket-harvester/internal/filter"
	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/hash/sha256"
	"github.com/JakeFAU/docket-harvester/internal/id/uuid"
	"github.com/JakeFAU/docket-harvester/internal/metadata"
	"github.com/JakeFAU/docket-harvester/internal/notify"
	"github.com/JakeFAU/docket-harvester/internal/pipeline"
	"github.com/JakeFAU/docket-harvester/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/docket-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/docket-harvester/internal/storage/gcs"
	"github.com/JakeFAU/docket-harvester/internal/storage/local"
	"github.com/JakeFAU/docket-harvester/internal/storage/postgres"
	"github.com/JakeFAU/docket-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/docket-harvester/internal/telemetry"
	"github.com/JakeFAU/docket-harvester/internal/traversal"
)

// App holds the shared, long-lived services of one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    *system.Clock
	ledger   harvest.StateStore
	store    *local.BlobStore
	limiter  *ratelimit.Limiter
	metadata *metadata.Fetcher
	reporter *notify.Reporter
	mirror   *gcs.BlobStore
	closers  []func() error

	openBrowser BrowserOpener
}

// BrowserOpener starts a browser driver. Tests replace it to avoid launching Chrome.
type BrowserOpener func(ctx context.Context, cfg headless.Config) (download.Driver, error)

// Option customizes New.
type Option func(*options)

type options struct {
	openBrowser BrowserOpener
}

// WithBrowserOpener overrides how browser drivers are started.
func WithBrowserOpener(open BrowserOpener) Option {
	return func(o *options) {
		o.openBrowser = open
	}
}

func defaultBrowserOpener(ctx context.Context, cfg headless.Config) (download.Driver, error) {
	return headless.Open(ctx, cfg)
}

// New builds every service named in cfg. It fails fast when a critical service cannot be
// initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{openBrowser: defaultBrowserOpener}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	logger.Info("Initializing application services")

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, logger.Named("trace"))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	if tp != nil {
		a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })
	}

	a.store, err = local.New(local.Config{BaseDir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("init data dir: %w", err)
	}
	if err := a.openLedger(ctx); err != nil {
		return nil, err
	}

	a.limiter, err = ratelimit.New(cfg.Limits, a.clock, a.clock, ratelimit.WithLogger(logger.Named("ratelimit")))
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.API.UserAgent,
		Timeout:   cfg.API.Timeout,
	})
	a.metadata, err = metadata.New(cfg.API.Config, transport, a.limiter,
		metadata.WithLogger(logger.Named("metadata")),
		metadata.WithPageStore(a.store),
	)
	if err != nil {
		return nil, fmt.Errorf("init metadata fetcher: %w", err)
	}

	if cfg.Storage.GCS.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.mirror, err = gcs.New(client, cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("init gcs mirror: %w", err)
		}
		logger.Info("Mirroring artifacts to GCS", zap.String("bucket", cfg.Storage.GCS.Bucket))
	}

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return nil, err
	}
	a.reporter = notify.NewReporter(notifier, a.clock, logger.Named("notify"))
	a.openBrowser = o.openBrowser

	logger.Info("Application services initialized")
	return a, nil
}

func (a *App) openLedger(ctx context.Context) error {
	switch a.cfg.Storage.Ledger {
	case config.LedgerPostgres:
		l, err := postgres.NewLedger(ctx, a.cfg.Storage.Postgres, a.clock)
		if err != nil {
			return fmt.Errorf("init postgres ledger: %w", err)
		}
		a.ledger = l
		if err := l.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
		a.logger.Info("Using Postgres ledger")
	default:
		l, err := sqlite.Open(ctx, a.cfg.Storage.SQLitePath, a.clock)
		if err != nil {
			return fmt.Errorf("init sqlite ledger: %w", err)
		}
		a.ledger = l
		a.logger.Info("Using SQLite ledger", zap.String("path", a.cfg.Storage.SQLitePath))
	}
	return nil
}

func (a *App) buildNotifier(ctx context.Context) (notify.Notifier, error) {
	var sinks notify.Multi
	if a.cfg.Notify.File {
		n, err := notify.NewFile(a.store, a.cfg.Notify.FileName)
		if err != nil {
			return nil, fmt.Errorf("init file notifier: %w", err)
		}
		sinks = append(sinks, n)
	}
	if a.cfg.Notify.PubSubEnabled() {
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		pub, err := pubsubpublisher.NewFromClient(client, a.cfg.Notify.PubSubTopic, map[string]string{"source": "docket-harvester"})
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, func() error { pub.Stop(); return nil })
		n, err := notify.NewPublisher(pub, a.cfg.Notify.PubSubTopic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub notifier: %w", err)
		}
		sinks = append(sinks, n)
		a.logger.Info("Publishing notifications to Pub/Sub", zap.String("topic", a.cfg.Notify.PubSubTopic))
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Ledger returns the state store.
func (a *App) Ledger() harvest.StateStore {
	return a.ledger
}

// ForgetDate removes a processed day so the next run collects it again.
func (a *App) ForgetDate(ctx context.Context, date time.Time) error {
	return a.ledger.ForgetDate(ctx, date)
}

// Reporter returns the notification reporter.
func (a *App) Reporter() *notify.Reporter {
	return a.reporter
}

// Limits reads the remote quota without consuming the local budget.
func (a *App) Limits(ctx context.Context) (harvest.QuotaInfo, error) {
	return a.metadata.Limits(ctx)
}

// Server builds the status server.
func (a *App) Server() *api.Server {
	return api.NewServer(a.ledger, a.metadata, a.cfg.Server, a.logger.Named("api"))
}

// Pipeline assembles the acquisition stages. The browser is started lazily, only when
// there is something to download.
func (a *App) Pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	orch, err := traversal.New(a.cfg.Traversal, a.metadata, a.ledger, a.limiter, a.clock,
		traversal.WithLogger(a.logger.Named("traversal")),
		traversal.WithDayHook(a.reportDay),
	)
	if err != nil {
		return nil, fmt.Errorf("init traversal: %w", err)
	}
	flt, err := filter.New(ctx, a.cfg.Filter, a.ledger, filter.WithLogger(a.logger.Named("filter")))
	if err != nil {
		return nil, fmt.Errorf("init filter: %w", err)
	}

	deps := pipeline.Deps{
		Traverser:  orch,
		Quota:      a.metadata,
		Syncer:     a.limiter,
		Budget:     a.limiter,
		Filter:     flt,
		Downloader: a.openDownloader,
		Ledger:     a.ledger,
		Sidecars:   a.store,
		Dumps:      a.store,
		Hasher:     sha256.New(),
		IDs:        uuid.NewUUIDGenerator(),
		Clock:      a.clock,
		Reporter:   a.reporter,
		Logger:     a.logger.Named("pipeline"),
	}
	if a.mirror != nil {
		deps.Mirror = a.mirror
	}
	return pipeline.New(a.cfg.Pipeline, deps)
}

func (a *App) reportDay(ctx context.Context, day traversal.DayOutcome) {
	if !day.Committed {
		return
	}
	a.reporter.Progress(ctx, fmt.Sprintf("Date %s: %d items, %d/%d pages",
		harvest.FormatDate(day.Date), day.Items, day.Fetched, day.Pages))
}

// openDownloader starts a browser and wraps it in a download session.
func (a *App) openDownloader(ctx context.Context) (pipeline.Downloader, error) {
	driver, err := a.openBrowser(ctx, a.cfg.Browser)
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	snapshots, err := local.New(local.Config{BaseDir: filepath.Join(a.cfg.DataDir, "logs")})
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("init snapshot dir: %w", err)
	}
	session, err := download.Open(a.cfg.Download, driver, a.clock, a.clock,
		download.WithLogger(a.logger.Named("download")),
		download.WithSnapshotStore(snapshots),
	)
	if err != nil {
		return nil, fmt.Errorf("open download session: %w", err)
	}
	return session, nil
}

// Close releases every service in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
		a.ledger = nil
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Error shutting down application services", zap.Error(err))
		return err
	}
	return nil
}
