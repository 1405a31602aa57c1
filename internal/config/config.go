// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Traversal TraversalConfig `mapstructure:"traversal"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	IndexAPI  IndexAPIConfig  `mapstructure:"indexapi"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Sites     []SiteConfig    `mapstructure:"sites"`
	Sources   []SourceConfig  `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// FetchConfig configures the secure sitemap fetcher.
type FetchConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRedirects     int    `mapstructure:"max_redirects"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int64  `mapstructure:"max_body_bytes"`
}

// TraversalConfig bounds recursive sitemap expansion.
type TraversalConfig struct {
	MaxDepth    int `mapstructure:"max_depth"`
	MaxChildren int `mapstructure:"max_children"`
	Concurrency int `mapstructure:"concurrency"`
}

// QueueConfig tunes the submission queue.
type QueueConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// QuotaConfig seeds quota discovery and pacing.
type QuotaConfig struct {
	DefaultSubmission   int     `mapstructure:"default_submission"`
	DefaultVerification int     `mapstructure:"default_verification"`
	MaxConcurrent       int     `mapstructure:"max_concurrent"`
	RequestsPerSecond   float64 `mapstructure:"requests_per_second"`
	Burst               int     `mapstructure:"burst"`
}

// SchedulerConfig sets how often each job fires.
type SchedulerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	SubmissionInterval   time.Duration `mapstructure:"submission_interval"`
	VerificationInterval time.Duration `mapstructure:"verification_interval"`
	RefreshInterval      time.Duration `mapstructure:"refresh_interval"`
}

// PipelineConfig sizes job batches.
type PipelineConfig struct {
	SubmissionBatch    int `mapstructure:"submission_batch"`
	VerificationBatch  int `mapstructure:"verification_batch"`
	Workers            int `mapstructure:"workers"`
	ReverifyAfterHours int `mapstructure:"reverify_after_hours"`
	ReportHistory      int `mapstructure:"report_history"`
}

// IndexAPIConfig points at the remote submission and inspection services.
type IndexAPIConfig struct {
	SubmitEndpoint  string `mapstructure:"submit_endpoint"`
	InspectEndpoint string `mapstructure:"inspect_endpoint"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// PubSubConfig holds metadata for event publication. Empty ProjectID keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig selects where changed root sitemap documents are kept.
// An empty backend disables archiving.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// SiteConfig seeds one site identity.
type SiteConfig struct {
	ID            string `mapstructure:"id"`
	URL           string `mapstructure:"url"`
	CredentialRef string `mapstructure:"credential_ref"`
}

// SourceConfig seeds one sitemap source.
type SourceConfig struct {
	ID     string `mapstructure:"id"`
	SiteID string `mapstructure:"site_id"`
	URL    string `mapstructure:"url"`
	Kind   string `mapstructure:"kind"`
	Active *bool  `mapstructure:"active"`
}

// IsActive treats an omitted flag as active.
func (s SourceConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("fetch.user_agent", "sitemap-indexer/0.1")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_ms", 8000)
	v.SetDefault("fetch.max_body_bytes", 50<<20)
	v.SetDefault("traversal.max_depth", 5)
	v.SetDefault("traversal.max_children", 1000)
	v.SetDefault("traversal.concurrency", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("quota.default_submission", 50)
	v.SetDefault("quota.default_verification", 500)
	v.SetDefault("quota.max_concurrent", 2)
	v.SetDefault("quota.requests_per_second", 5)
	v.SetDefault("quota.burst", 1)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.submission_interval", "5m")
	v.SetDefault("scheduler.verification_interval", "15m")
	v.SetDefault("scheduler.refresh_interval", "6h")
	v.SetDefault("pipeline.submission_batch", 50)
	v.SetDefault("pipeline.verification_batch", 100)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.reverify_after_hours", 72)
	v.SetDefault("pipeline.report_history", 200)
	v.SetDefault("indexapi.submit_endpoint", "https://indexing.googleapis.com/v3/urlNotifications:publish")
	v.SetDefault("indexapi.inspect_endpoint", "https://searchconsole.googleapis.com/v1/urlInspection/index:inspect")
	v.SetDefault("indexapi.timeout_seconds", 30)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.migrate", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "sitemap-indexer-events")
	v.SetDefault("archive.backend", "")
	v.SetDefault("archive.prefix", "sitemaps")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0")
	}
	if c.Traversal.MaxDepth <= 0 || c.Traversal.MaxChildren <= 0 || c.Traversal.Concurrency <= 0 {
		return fmt.Errorf("traversal limits must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Quota.DefaultSubmission <= 0 || c.Quota.DefaultVerification <= 0 {
		return fmt.Errorf("quota defaults must be > 0")
	}
	if c.Quota.MaxConcurrent <= 0 {
		return fmt.Errorf("quota.max_concurrent must be > 0")
	}
	if c.Scheduler.SubmissionInterval <= 0 || c.Scheduler.VerificationInterval <= 0 || c.Scheduler.RefreshInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.IndexAPI.SubmitEndpoint == "" || c.IndexAPI.InspectEndpoint == "" {
		return fmt.Errorf("indexapi endpoints must be set")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic must be set when pubsub.project_id is set")
	}
	switch c.Archive.Backend {
	case "":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be local or gcs")
	}
	return c.validateSeeds()
}

func (c Config) validateSeeds() error {
	sites := make(map[string]struct{}, len(c.Sites))
	for i, s := range c.Sites {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("sites[%d]: id and url are required", i)
		}
		if _, dup := sites[s.ID]; dup {
			return fmt.Errorf("sites[%d]: duplicate id %q", i, s.ID)
		}
		sites[s.ID] = struct{}{}
	}
	sources := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("sources[%d]: id and url are required", i)
		}
		if _, ok := sites[s.SiteID]; !ok {
			return fmt.Errorf("sources[%d]: unknown site_id %q", i, s.SiteID)
		}
		if _, dup := sources[s.ID]; dup {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		switch s.Kind {
		case "", "unknown", "index", "urlset":
		default:
			return fmt.Errorf("sources[%d]: kind must be index or urlset", i)
		}
		sources[s.ID] = struct{}{}
	}
	return nil
}

// FetchTimeout returns the per-fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// ReverifyAfter returns how long checked URLs rest before re-inspection.
func (c Config) ReverifyAfter() time.Duration {
	return time.Duration(c.Pipeline.ReverifyAfterHours) * time.Hour
}
