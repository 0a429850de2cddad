// Package app initializes and holds long-lived harvester services,
// acting as a dependency injection container. It is initialized once at
// startup and passed to the commands that need it.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/archive"
	archivegcs "github.com/pcallen/catalogue-harvester/internal/archive/gcs"
	archivelocal "github.com/pcallen/catalogue-harvester/internal/archive/local"
	archivemem "github.com/pcallen/catalogue-harvester/internal/archive/memory"
	"github.com/pcallen/catalogue-harvester/internal/clock/system"
	"github.com/pcallen/catalogue-harvester/internal/config"
	"github.com/pcallen/catalogue-harvester/internal/fetcher"
	"github.com/pcallen/catalogue-harvester/internal/harvest"
	iduuid "github.com/pcallen/catalogue-harvester/internal/id/uuid"
	"github.com/pcallen/catalogue-harvester/internal/job"
	"github.com/pcallen/catalogue-harvester/internal/logging"
	"github.com/pcallen/catalogue-harvester/internal/metrics"
	"github.com/pcallen/catalogue-harvester/internal/notify"
	notifymem "github.com/pcallen/catalogue-harvester/internal/notify/memory"
	notifypubsub "github.com/pcallen/catalogue-harvester/internal/notify/pubsub"
	"github.com/pcallen/catalogue-harvester/internal/progress"
	"github.com/pcallen/catalogue-harvester/internal/progress/sinks"
	"github.com/pcallen/catalogue-harvester/internal/source/file"
	"github.com/pcallen/catalogue-harvester/internal/source/qs"
	storemem "github.com/pcallen/catalogue-harvester/internal/store/memory"
	storepg "github.com/pcallen/catalogue-harvester/internal/store/postgres"
	"github.com/pcallen/catalogue-harvester/internal/store/postgrest"
)

const closeTimeout = 5 * time.Second

// App holds the shared, long-lived services for the harvester: the
// record store, the snapshot archive, the notifier, the progress hub,
// and the job runner built on top of them.
type App struct {
	Logger   *zap.Logger
	Store    harvest.RecordStore
	Archive  archive.Provider
	Notifier notify.Provider
	Hub      *progress.Hub
	Runner   *job.Runner

	clock      harvest.Clock
	transport  *fetcher.Client
	fetcherCfg config.FetcherConfig
	feedCfg    config.FeedConfig

	pgStore   *storepg.Store
	gcsClient *storage.Client
}

// NewApp creates and initializes an App from the loaded configuration.
// It instantiates the configured providers and fails fast when any
// critical service cannot be built.
func NewApp(ctx context.Context) (*App, error) {
	l := logging.L
	l.Info("Initializing harvester services...")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	metrics.Init()

	a := &App{
		Logger:     l,
		clock:      system.New(),
		fetcherCfg: config.Fetcher(),
		feedCfg:    config.Feed(),
	}
	a.transport = fetcher.New(transportConfig(a.fetcherCfg), a.clock, l)

	if err := a.initStore(ctx, l); err != nil {
		return nil, err
	}
	if err := a.initArchive(ctx, l); err != nil {
		return nil, err
	}
	if err := a.initNotifier(ctx, l); err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize progress metrics: %w", err)
	}
	a.Hub = progress.NewHub(
		progress.Config{Logger: l},
		sinks.NewLogSink(l),
		promSink,
		sinks.NewStoreSink(a.Store, l),
	)

	engine := harvest.NewEngine(a.Store, l)
	a.Runner = job.NewRunner(a.Store, engine, a.Hub, a.Notifier, a.clock, job.Config{
		PaceMin:                config.Job().PaceMin,
		PaceMax:                config.Job().PaceMax,
		MaxConsecutiveFailures: config.Job().MaxConsecutiveFailures,
	}, l)

	l.Info("Harvester services initialized successfully.")
	return a, nil
}

func (a *App) initStore(ctx context.Context, l *zap.Logger) error {
	cfg := config.Store()
	switch cfg.Provider {
	case "postgrest":
		if cfg.PostgREST.BaseURL == "" {
			return fmt.Errorf("store provider is 'postgrest' but postgrest.base_url is not set")
		}
		l.Info("Using PostgREST record store", zap.String("base_url", cfg.PostgREST.BaseURL))
		// Store traffic keeps the retry policy but is never paced.
		storeFetcher := a.fetcherCfg
		storeFetcher.MinInterval = 0
		a.Store = postgrest.New(postgrest.Config{
			BaseURL:   cfg.PostgREST.BaseURL,
			APIKey:    cfg.PostgREST.APIKey,
			Table:     cfg.PostgREST.Table,
			JobsTable: cfg.PostgREST.JobsTable,
			LogsTable: cfg.PostgREST.LogsTable,
		}, fetcher.New(transportConfig(storeFetcher), a.clock, l), a.clock, l)
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return fmt.Errorf("store provider is 'postgres' but postgres.dsn is not set")
		}
		l.Info("Connecting to PostgreSQL...")
		pg, err := storepg.New(ctx, storepg.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: int32(cfg.Postgres.MaxConns),
		}, a.clock)
		if err != nil {
			return fmt.Errorf("failed to initialize record store: %w", err)
		}
		a.pgStore = pg
		a.Store = pg
	case "memory":
		l.Info("Using in-memory record store. Rows are discarded on exit.")
		a.Store = storemem.New(a.clock, iduuid.New())
	default:
		return fmt.Errorf("unknown store provider: %s", cfg.Provider)
	}
	return nil
}

func (a *App) initArchive(ctx context.Context, l *zap.Logger) error {
	cfg := config.Archive()
	switch cfg.Provider {
	case "noop":
		l.Info("Snapshot archiving disabled.")
		a.Archive = archive.Noop{}
		return nil
	case "local":
		l.Info("Using local snapshot archive", zap.String("dir", cfg.LocalDir))
		arc, err := archivelocal.New(archivelocal.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		a.Archive = arc
	case "gcs":
		if cfg.GCSBucket == "" {
			return fmt.Errorf("archive provider is 'gcs' but archive.gcs.bucket is not set")
		}
		l.Info("Using GCS snapshot archive", zap.String("bucket", cfg.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		arc, err := archivegcs.New(ctx, client, archivegcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			if closeErr := client.Close(); closeErr != nil {
				l.Warn("Error closing storage client", zap.Error(closeErr))
			}
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		a.gcsClient = client
		a.Archive = arc
	case "memory":
		a.Archive = archivemem.New()
	default:
		return fmt.Errorf("unknown archive provider: %s", cfg.Provider)
	}
	if cfg.Prefix != "" {
		a.Archive = archive.Prefixed{Inner: a.Archive, Prefix: cfg.Prefix}
	}
	return nil
}

func (a *App) initNotifier(ctx context.Context, l *zap.Logger) error {
	cfg := config.Notify()
	switch cfg.Provider {
	case "noop":
		l.Info("Using No-Op notifier. No completion messages will be sent.")
		a.Notifier = notify.Noop{}
	case "pubsub":
		if cfg.ProjectID == "" || cfg.TopicID == "" {
			return fmt.Errorf("notify provider is 'pubsub' but project_id or topic_id is not set")
		}
		l.Info("Connecting to GCP Pub/Sub", zap.String("topic", cfg.TopicID))
		n, err := notifypubsub.New(ctx, cfg.ProjectID, cfg.TopicID)
		if err != nil {
			return fmt.Errorf("failed to initialize notifier: %w", err)
		}
		a.Notifier = n
	case "memory":
		a.Notifier = notifymem.New()
	default:
		return fmt.Errorf("unknown notify provider: %s", cfg.Provider)
	}
	return nil
}

// Feed builds a rankings feed on the shared transport, archive, and
// clock. The page URL falls back to the feed default so discovery has a
// page to scan even when the caller names no endpoint.
func (a *App) Feed(cfg qs.Config) (*qs.Feed, error) {
	pageURL := cfg.PageURL
	if pageURL == "" {
		pageURL = qs.DefaultPageURL
	}
	finder := qs.NewDiscoverer(qs.DiscoveryConfig{
		PageURL:         pageURL,
		UserAgent:       a.fetcherCfg.UserAgent,
		Timeout:         a.fetcherCfg.Timeout,
		ScriptScanLimit: a.feedCfg.ScriptScanLimit,
	}, a.Logger)
	return qs.NewFeed(cfg, a.transport, finder, a.Archive, a.clock, a.Logger)
}

// RankingsFeed implements the API's source builder.
func (a *App) RankingsFeed(cfg qs.Config) (harvest.Source, error) {
	return a.Feed(cfg)
}

// FileSource implements the API's source builder for local documents.
func (a *App) FileSource(path string) (harvest.Source, error) {
	if path == "" {
		return nil, fmt.Errorf("file source path is required")
	}
	return file.New(path), nil
}

// Close gracefully shuts down the App's services. It is called by a
// Cobra hook after the command finishes execution.
func (a *App) Close() {
	a.Logger.Info("Shutting down harvester services...")
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			a.Logger.Warn("Error draining progress hub", zap.Error(err))
		}
	}
	if a.Notifier != nil {
		if err := a.Notifier.Close(); err != nil {
			a.Logger.Warn("Error closing notifier", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.Logger.Warn("Error closing storage client", zap.Error(err))
		}
	}

	// Sync can legitimately fail when logging to stderr.
	_ = a.Logger.Sync()
}

func transportConfig(c config.FetcherConfig) fetcher.Config {
	return fetcher.Config{
		UserAgent:    c.UserAgent,
		MinInterval:  c.MinInterval,
		Timeout:      c.Timeout,
		MaxRetries:   c.MaxRetries,
		RetryDelay:   c.RetryDelay,
		BackoffBase:  c.BackoffBase,
		MaxBodyBytes: c.MaxBodyBytes,
	}
}
