// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/docket-harvester/internal/api"
	"github.com/JakeFAU/docket-harvester/internal/download"
	"github.com/JakeFAU/docket-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/docket-harvester/internal/filter"
	"github.com/JakeFAU/docket-harvester/internal/metadata"
	"github.com/JakeFAU/docket-harvester/internal/pipeline"
	"github.com/JakeFAU/docket-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/docket-harvester/internal/storage/gcs"
	"github.com/JakeFAU/docket-harvester/internal/storage/postgres"
	"github.com/JakeFAU/docket-harvester/internal/telemetry"
	"github.com/JakeFAU/docket-harvester/internal/traversal"
)

// Ledger backends.
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	// DataDir roots every local path that is not configured explicitly.
	DataDir   string           `mapstructure:"data_dir"`
	API       APIConfig        `mapstructure:"api"`
	Limits    ratelimit.Config `mapstructure:"limits"`
	Filter    filter.Config    `mapstructure:"filter"`
	Traversal traversal.Config `mapstructure:"traversal"`
	Browser   headless.Config  `mapstructure:"browser"`
	Download  download.Config  `mapstructure:"download"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Server    api.Config       `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Pipeline  pipeline.Config  `mapstructure:"pipeline"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// APIConfig describes the remote search API and the HTTP client talking to it.
type APIConfig struct {
	metadata.Config `mapstructure:",squash"`
	UserAgent       string `mapstructure:"user_agent"`
}

// StorageConfig selects the ledger backend and the optional artifact mirror.
type StorageConfig struct {
	Ledger     string          `mapstructure:"ledger"`
	SQLitePath string          `mapstructure:"sqlite_path"`
	Postgres   postgres.Config `mapstructure:"postgres"`
	// GCS mirrors verified artifacts when GCS.Bucket is set.
	GCS gcs.Config `mapstructure:"gcs"`
}

// NotifyConfig controls where run notifications go.
type NotifyConfig struct {
	// File writes the hand-off file polled by the chat relay.
	File     bool   `mapstructure:"file"`
	FileName string `mapstructure:"file_name"`
	// PubSubProject and PubSubTopic enable the Pub/Sub notifier when both are set.
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// PubSubEnabled reports whether a Pub/Sub notifier is configured.
func (n NotifyConfig) PubSubEnabled() bool {
	return n.PubSubProject != "" && n.PubSubTopic != ""
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// envAliases binds the flat variable names used by the deployment scripts.
var envAliases = map[string]string{
	"api.key":                     "API_KEY",
	"api.search_url":              "API_URL",
	"api.stat_url":                "API_STAT_URL",
	"api.search_text":             "SEARCH_TEXT",
	"limits.max_requests_per_run": "MAX_REQUESTS_PER_RUN",
	"limits.min_delay":            "DELAY_BETWEEN_REQUESTS",
	"download.retry_limit":        "RETRY_LIMIT",
	"download.timeout":            "SELENIUM_TIMEOUT",
	"download.base_delay":         "BASE_DELAY_SEC",
	"download.delay_jitter":       "JITTER_SEC",
	"download.long_pause_every":   "LONG_PAUSE_EVERY",
	"download.long_pause_min":     "LONG_PAUSE_MIN",
	"download.long_pause_max":     "LONG_PAUSE_MAX",
	"download.prewarm_every":      "PREWARM_EVERY",
	"filter.min_level":            "FILTER_INSTANCE_LEVEL_MIN",
	"filter.exclude_type":         "FILTER_EXCLUDE_TYPE",
	"data_dir":                    "DATA_DIR",
	"storage.sqlite_path":         "DB_PATH",
}

// secondsKeys accept a bare number of seconds in addition to a Go duration string.
var secondsKeys = []string{
	"limits.min_delay",
	"download.timeout",
	"download.base_delay",
	"download.delay_jitter",
	"download.long_pause_min",
	"download.long_pause_max",
	"api.timeout",
}

// Load builds a Config from a .env file, an optional config file and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, alias := range envAliases {
		envKey := "HARVESTER_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", alias, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	for _, key := range secondsKeys {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(v.GetString(key)), 64); err == nil {
			v.Set(key, time.Duration(secs*float64(time.Second)))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	dl := download.DefaultConfig()

	v.SetDefault("data_dir", "data")
	v.SetDefault("api.search_url", "https://service.api-assist.com/parser/ras_arbitr_api/")
	v.SetDefault("api.stat_url", "https://service.api-assist.com/stat/")
	v.SetDefault("api.search_text", "'решение'")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.page_prefix", "metadata")
	v.SetDefault("api.user_agent", headless.DefaultUserAgent)
	v.SetDefault("limits.max_requests_per_run", 500)
	v.SetDefault("limits.max_requests_per_day", 0)
	v.SetDefault("limits.min_delay", time.Second)
	v.SetDefault("filter.min_level", 1)
	v.SetDefault("filter.exclude_type", "Определение")
	v.SetDefault("filter.bloom_fp_rate", 0.001)
	v.SetDefault("traversal.lookback_days", 365)
	v.SetDefault("traversal.max_days", 0)
	v.SetDefault("browser.engine", headless.EngineChromedp)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.lang", "ru-RU")
	v.SetDefault("browser.window_width", dl.ViewportWidth)
	v.SetDefault("browser.window_height", dl.ViewportHeight)
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.referer", dl.LandingURL)
	v.SetDefault("download.landing_url", dl.LandingURL)
	v.SetDefault("download.retry_limit", dl.RetryLimit)
	v.SetDefault("download.backoff_base", dl.BackoffBase)
	v.SetDefault("download.backoff_jitter", dl.BackoffJitter)
	v.SetDefault("download.backoff_max", dl.BackoffMax)
	v.SetDefault("download.poll_interval", dl.PollInterval)
	v.SetDefault("download.timeout", dl.Timeout)
	v.SetDefault("download.stall_timeout", dl.StallTimeout)
	v.SetDefault("download.network_settle", dl.NetworkSettle)
	v.SetDefault("download.base_delay", dl.BaseDelay)
	v.SetDefault("download.delay_jitter", dl.DelayJitter)
	v.SetDefault("download.prewarm_every", dl.PrewarmEvery)
	v.SetDefault("download.long_pause_every", dl.LongPauseEvery)
	v.SetDefault("download.long_pause_min", dl.LongPauseMin)
	v.SetDefault("download.long_pause_max", dl.LongPauseMax)
	v.SetDefault("download.viewport_width", dl.ViewportWidth)
	v.SetDefault("download.viewport_height", dl.ViewportHeight)
	v.SetDefault("download.strict_pdf", false)
	v.SetDefault("storage.ledger", LedgerSQLite)
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("notify.file", true)
	v.SetDefault("notify.file_name", "state/notifications.json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pipeline.check_limits", true)
	v.SetDefault("pipeline.progress_every", 10)
	v.SetDefault("pipeline.sidecar_prefix", "artifacts")
	v.SetDefault("pipeline.dump_prefix", "metadata")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "docket-harvester")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// resolvePaths fills local paths left empty from DataDir and makes every local path
// absolute, so a browser started elsewhere writes where the watcher looks.
func (c *Config) resolvePaths() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return nil
	}
	if c.Download.ArtifactDir == "" {
		c.Download.ArtifactDir = filepath.Join(c.DataDir, c.Pipeline.SidecarPrefix)
	}
	if c.Download.DownloadDir == "" {
		c.Download.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.Browser.DownloadDir == "" {
		c.Browser.DownloadDir = c.Download.DownloadDir
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.DataDir, "state", "ledger.db")
	}

	paths := []*string{&c.DataDir, &c.Download.ArtifactDir, &c.Download.DownloadDir, &c.Browser.DownloadDir}
	if c.Storage.SQLitePath != ":memory:" {
		paths = append(paths, &c.Storage.SQLitePath)
	}
	for i := range c.Download.ExtraDirs {
		paths = append(paths, &c.Download.ExtraDirs[i])
	}
	for _, p := range paths {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.API.SearchURL == "" {
		errs = append(errs, fmt.Errorf("api.search_url is required"))
	}
	if c.Limits.MaxRequestsPerRun <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_requests_per_run must be > 0"))
	}
	if c.Limits.MinDelay < 0 {
		errs = append(errs, fmt.Errorf("limits.min_delay must be >= 0"))
	}
	if c.Traversal.LookbackDays <= 0 {
		errs = append(errs, fmt.Errorf("traversal.lookback_days must be > 0"))
	}
	if c.Traversal.MaxDays < 0 {
		errs = append(errs, fmt.Errorf("traversal.max_days must be >= 0"))
	}
	if c.Filter.BloomFPRate < 0 || c.Filter.BloomFPRate >= 1 {
		errs = append(errs, fmt.Errorf("filter.bloom_fp_rate must be in [0, 1)"))
	}
	if err := c.Download.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("download: %w", err))
	}
	switch c.Storage.Ledger {
	case LedgerSQLite:
	case LedgerPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn is required for the postgres ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.ledger %q", c.Storage.Ledger))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0"))
	}
	if c.Pipeline.ProgressEvery < 0 {
		errs = append(errs, fmt.Errorf("pipeline.progress_every must be >= 0"))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
