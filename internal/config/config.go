// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

// Renderer names accepted by crawl.renderer.
const (
	RendererChromedp = "chromedp"
	RendererStatic   = "static"
	// RendererAuto renders statically and promotes script-driven pages to chromedp.
	RendererAuto     = "auto"
)

// Storage and export drivers.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sitemap  SitemapConfig  `mapstructure:"sitemap"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Export   ExportConfig   `mapstructure:"export"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                int `mapstructure:"port"`
	RequestTimeoutSec   int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSecs int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SitemapConfig governs sitemap discovery and fetching.
type SitemapConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	Accept             string `mapstructure:"accept"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	RetryBaseMs        int    `mapstructure:"retry_base_ms"`
	RetryMaxMs         int    `mapstructure:"retry_max_ms"`
	MaxDepth           int    `mapstructure:"max_depth"`
	MaxFetches         int    `mapstructure:"max_fetches"`
	MaxCrawlLength     int    `mapstructure:"max_crawl_length"`
	HTTPTimeoutSeconds int    `mapstructure:"http_timeout_seconds"`
	MaxBodyBytes       int64  `mapstructure:"max_body_bytes"`
}

// CrawlConfig governs the page crawler.
type CrawlConfig struct {
	Concurrency        int     `mapstructure:"concurrency"`
	PageTimeoutSeconds int     `mapstructure:"page_timeout_seconds"`
	WaitUntil          string  `mapstructure:"wait_until"`
	Renderer           string  `mapstructure:"renderer"`
	UserAgent          string  `mapstructure:"user_agent"`
	HostRPS            float64 `mapstructure:"host_rps"`
	HostBurst          int     `mapstructure:"host_burst"`
	ProgressThreshold  int     `mapstructure:"progress_threshold"`
	ChromeExecPath     string  `mapstructure:"chrome_exec_path"`
	ChromeNoSandbox    bool    `mapstructure:"chrome_no_sandbox"`
	ChromeHeadful      bool    `mapstructure:"chrome_headful"`
}

// DispatchConfig sizes the queue and the worker pool that runs orchestrations.
type DispatchConfig struct {
	Workers           int `mapstructure:"workers"`
	QueueDepth        int `mapstructure:"queue_depth"`
	RunTimeoutSeconds int `mapstructure:"run_timeout_seconds"`
}

// StorageConfig selects the document store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// ExportConfig selects where completed page indexes are written.
type ExportConfig struct {
	Driver  string `mapstructure:"driver"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("sitemap.user_agent", "sitemap-indexer/1.0 (+https://github.com/JakeFAU/sitemap-indexer)")
	v.SetDefault("sitemap.accept", "application/xml, text/xml; q=0.9, */*; q=0.8")
	v.SetDefault("sitemap.max_attempts", 3)
	v.SetDefault("sitemap.retry_base_ms", 100)
	v.SetDefault("sitemap.retry_max_ms", 5000)
	v.SetDefault("sitemap.max_depth", 5)
	v.SetDefault("sitemap.max_fetches", 500)
	v.SetDefault("sitemap.max_crawl_length", 300)
	v.SetDefault("sitemap.http_timeout_seconds", 30)
	v.SetDefault("sitemap.max_body_bytes", 50<<20)

	v.SetDefault("crawl.concurrency", 10)
	v.SetDefault("crawl.page_timeout_seconds", 20)
	v.SetDefault("crawl.wait_until", string(crawler.WaitDOMContentLoaded))
	v.SetDefault("crawl.renderer", RendererChromedp)
	v.SetDefault("crawl.user_agent", "")
	v.SetDefault("crawl.host_rps", 0)
	v.SetDefault("crawl.host_burst", 1)
	v.SetDefault("crawl.progress_threshold", 10)
	v.SetDefault("crawl.chrome_no_sandbox", false)

	v.SetDefault("dispatch.workers", 1)
	v.SetDefault("dispatch.queue_depth", 64)
	v.SetDefault("dispatch.run_timeout_seconds", 900)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.auto_migrate", true)

	v.SetDefault("export.driver", DriverNone)
	v.SetDefault("export.prefix", "sitemaps")

	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "sitemap-indexer")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Sitemap.MaxAttempts <= 0 {
		return fmt.Errorf("sitemap.max_attempts must be > 0")
	}
	if c.Sitemap.MaxCrawlLength <= 0 {
		return fmt.Errorf("sitemap.max_crawl_length must be > 0")
	}
	if c.Sitemap.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("sitemap.http_timeout_seconds must be > 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Crawl.PageTimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.page_timeout_seconds must be > 0")
	}
	switch crawler.WaitUntil(c.Crawl.WaitUntil) {
	case crawler.WaitDOMContentLoaded, crawler.WaitLoad:
	default:
		return fmt.Errorf("crawl.wait_until must be %q or %q", crawler.WaitDOMContentLoaded, crawler.WaitLoad)
	}
	switch c.Crawl.Renderer {
	case RendererChromedp, RendererStatic, RendererAuto:
	default:
		return fmt.Errorf("crawl.renderer must be %q, %q or %q", RendererChromedp, RendererStatic, RendererAuto)
	}
	if c.Crawl.HostRPS < 0 {
		return fmt.Errorf("crawl.host_rps must be >= 0")
	}
	if c.Crawl.ProgressThreshold < 1 || c.Crawl.ProgressThreshold > 100 {
		return fmt.Errorf("crawl.progress_threshold must be between 1 and 100")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be > 0")
	}
	if c.Dispatch.QueueDepth <= 0 {
		return fmt.Errorf("dispatch.queue_depth must be > 0")
	}
	if c.Dispatch.RunTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch.run_timeout_seconds must be > 0")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Export.Driver {
	case DriverNone, DriverMemory:
	case DriverLocal:
		if c.Export.BaseDir == "" {
			return fmt.Errorf("export.base_dir must be set for the local driver")
		}
	case DriverGCS:
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket must be set for the gcs driver")
		}
	default:
		return fmt.Errorf("export.driver %q is not supported", c.Export.Driver)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

// RetryBase is the first retry delay for sitemap fetches.
func (s SitemapConfig) RetryBase() time.Duration {
	return time.Duration(s.RetryBaseMs) * time.Millisecond
}

// RetryMax caps the sitemap retry delay.
func (s SitemapConfig) RetryMax() time.Duration {
	return time.Duration(s.RetryMaxMs) * time.Millisecond
}

// HTTPTimeout bounds a single sitemap or robots.txt request.
func (s SitemapConfig) HTTPTimeout() time.Duration {
	return time.Duration(s.HTTPTimeoutSeconds) * time.Second
}

// PageTimeout bounds a single page visit.
func (c CrawlConfig) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSeconds) * time.Second
}

// RunTimeout is the wall-clock budget of one orchestration.
func (d DispatchConfig) RunTimeout() time.Duration {
	return time.Duration(d.RunTimeoutSeconds) * time.Second
}

// RequestTimeout bounds one API request.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSecs) * time.Second
}
