// Package config loads and validates harvester configuration via Viper.
// Defaults, an optional config file, and HARVESTER_* environment variables
// feed a single global instance that the section loaders read from.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/logging"
)

// InitConfig initializes the global Viper instance: defaults, config file
// search paths, and environment overrides. Call once at startup, before
// the section loaders.
func InitConfig() {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/harvester/")
	viper.AddConfigPath("$HOME/.harvester")

	setDefaults()

	viper.SetEnvPrefix("HARVESTER") // e.g. HARVESTER_FETCHER_TIMEOUT=90s
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logging.L.Debug("Config file not found; using defaults and environment variables.")
		} else {
			logging.L.Error("Error reading config file", zap.Error(err))
		}
	} else {
		logging.L.Info("Using config file", zap.String("path", viper.ConfigFileUsed()))
	}
}

func setDefaults() {
	const defaultUA = "CatalogueHarvester/1.0 (+https://github.com/pcallen/catalogue-harvester)"

	viper.SetDefault("logging.development", false)

	viper.SetDefault("fetcher.user_agent", defaultUA)
	viper.SetDefault("fetcher.min_interval", "5s")
	viper.SetDefault("fetcher.timeout", "60s")
	viper.SetDefault("fetcher.max_retries", 3)
	viper.SetDefault("fetcher.retry_delay", "5s")
	viper.SetDefault("fetcher.backoff_base", "5s")
	viper.SetDefault("fetcher.max_body_bytes", 10*1024*1024)

	viper.SetDefault("job.pace_min", "1s")
	viper.SetDefault("job.pace_max", "2s")
	viper.SetDefault("job.max_consecutive_failures", 5)

	viper.SetDefault("store.provider", "postgrest")
	viper.SetDefault("postgrest.base_url", "")
	viper.SetDefault("postgrest.api_key", "")
	viper.SetDefault("postgrest.table", "unreviewed_schools")
	viper.SetDefault("postgrest.jobs_table", "crawler_jobs")
	viper.SetDefault("postgrest.logs_table", "crawler_logs")
	viper.SetDefault("postgres.dsn", "")
	viper.SetDefault("postgres.max_conns", 4)

	viper.SetDefault("feed.page_url", "https://www.qschina.cn/en/university-rankings/world-university-rankings/2026")
	viper.SetDefault("feed.main_url", "")
	viper.SetDefault("feed.indicators_url", "")
	viper.SetDefault("feed.limit", 20)
	viper.SetDefault("feed.script_scan_limit", 15)

	viper.SetDefault("archive.provider", "noop")
	viper.SetDefault("archive.local.dir", "data/snapshots")
	viper.SetDefault("archive.gcs.bucket", "")
	viper.SetDefault("archive.prefix", "snapshots")

	viper.SetDefault("notify.provider", "noop")
	viper.SetDefault("notify.pubsub.project_id", "")
	viper.SetDefault("notify.pubsub.topic_id", "")

	viper.SetDefault("api.addr", ":8080")
	viper.SetDefault("api.request_timeout", "60s")
	viper.SetDefault("api.queue_depth", 8)
}

// FetcherConfig governs the paced, retrying HTTP transport.
type FetcherConfig struct {
	UserAgent    string
	MinInterval  time.Duration
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	BackoffBase  time.Duration
	MaxBodyBytes int64
}

// JobConfig governs pacing and failure tolerance inside a harvest job.
type JobConfig struct {
	PaceMin                time.Duration
	PaceMax                time.Duration
	MaxConsecutiveFailures int
}

// PostgRESTConfig points the store at a PostgREST endpoint.
type PostgRESTConfig struct {
	BaseURL   string
	APIKey    string
	Table     string
	JobsTable string
	LogsTable string
}

// PostgresConfig controls direct database access.
type PostgresConfig struct {
	DSN      string
	MaxConns int
}

// StoreConfig selects and configures the record store provider.
type StoreConfig struct {
	Provider  string
	PostgREST PostgRESTConfig
	Postgres  PostgresConfig
}

// FeedConfig configures the ranking feed source.
type FeedConfig struct {
	PageURL         string
	MainURL         string
	IndicatorsURL   string
	Limit           int
	ScriptScanLimit int
}

// ArchiveConfig selects and configures the snapshot archive provider.
type ArchiveConfig struct {
	Provider  string
	LocalDir  string
	GCSBucket string
	Prefix    string
}

// NotifyConfig selects and configures the completion notifier.
type NotifyConfig struct {
	Provider  string
	ProjectID string
	TopicID   string
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Addr           string
	RequestTimeout time.Duration
	QueueDepth     int
}

// Fetcher reads the fetcher section.
func Fetcher() FetcherConfig {
	return FetcherConfig{
		UserAgent:    viper.GetString("fetcher.user_agent"),
		MinInterval:  viper.GetDuration("fetcher.min_interval"),
		Timeout:      viper.GetDuration("fetcher.timeout"),
		MaxRetries:   viper.GetInt("fetcher.max_retries"),
		RetryDelay:   viper.GetDuration("fetcher.retry_delay"),
		BackoffBase:  viper.GetDuration("fetcher.backoff_base"),
		MaxBodyBytes: viper.GetInt64("fetcher.max_body_bytes"),
	}
}

// Job reads the job section.
func Job() JobConfig {
	return JobConfig{
		PaceMin:                viper.GetDuration("job.pace_min"),
		PaceMax:                viper.GetDuration("job.pace_max"),
		MaxConsecutiveFailures: viper.GetInt("job.max_consecutive_failures"),
	}
}

// Store reads the store section.
func Store() StoreConfig {
	return StoreConfig{
		Provider: viper.GetString("store.provider"),
		PostgREST: PostgRESTConfig{
			BaseURL:   viper.GetString("postgrest.base_url"),
			APIKey:    viper.GetString("postgrest.api_key"),
			Table:     viper.GetString("postgrest.table"),
			JobsTable: viper.GetString("postgrest.jobs_table"),
			LogsTable: viper.GetString("postgrest.logs_table"),
		},
		Postgres: PostgresConfig{
			DSN:      viper.GetString("postgres.dsn"),
			MaxConns: viper.GetInt("postgres.max_conns"),
		},
	}
}

// Feed reads the feed section.
func Feed() FeedConfig {
	return FeedConfig{
		PageURL:         viper.GetString("feed.page_url"),
		MainURL:         viper.GetString("feed.main_url"),
		IndicatorsURL:   viper.GetString("feed.indicators_url"),
		Limit:           viper.GetInt("feed.limit"),
		ScriptScanLimit: viper.GetInt("feed.script_scan_limit"),
	}
}

// Archive reads the archive section.
func Archive() ArchiveConfig {
	return ArchiveConfig{
		Provider:  viper.GetString("archive.provider"),
		LocalDir:  viper.GetString("archive.local.dir"),
		GCSBucket: viper.GetString("archive.gcs.bucket"),
		Prefix:    viper.GetString("archive.prefix"),
	}
}

// Notify reads the notify section.
func Notify() NotifyConfig {
	return NotifyConfig{
		Provider:  viper.GetString("notify.provider"),
		ProjectID: viper.GetString("notify.pubsub.project_id"),
		TopicID:   viper.GetString("notify.pubsub.topic_id"),
	}
}

// API reads the api section.
func API() APIConfig {
	return APIConfig{
		Addr:           viper.GetString("api.addr"),
		RequestTimeout: viper.GetDuration("api.request_timeout"),
		QueueDepth:     viper.GetInt("api.queue_depth"),
	}
}

// Validate enforces required values and reasonable limits across the
// loaded sections.
func Validate() error {
	f := Fetcher()
	if f.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if f.MaxRetries < 0 {
		return fmt.Errorf("fetcher.max_retries must be >= 0")
	}
	if f.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetcher.max_body_bytes must be > 0")
	}

	j := Job()
	if j.PaceMin < 0 {
		return fmt.Errorf("job.pace_min must be >= 0")
	}
	if j.PaceMax < j.PaceMin {
		return fmt.Errorf("job.pace_max must be >= job.pace_min")
	}
	if j.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("job.max_consecutive_failures must be >= 0")
	}

	feed := Feed()
	if feed.Limit <= 0 {
		return fmt.Errorf("feed.limit must be > 0")
	}
	if feed.ScriptScanLimit < 0 {
		return fmt.Errorf("feed.script_scan_limit must be >= 0")
	}

	a := API()
	if a.Addr == "" {
		return fmt.Errorf("api.addr must be set")
	}
	if a.QueueDepth <= 0 {
		return fmt.Errorf("api.queue_depth must be > 0")
	}
	return nil
}
