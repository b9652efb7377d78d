// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Job       JobConfig       `mapstructure:"job"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Analyze   AnalyzeConfig   `mapstructure:"analyze"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RegistryConfig points at the targets catalog.
type RegistryConfig struct {
	TargetsFile string `mapstructure:"targets_file"`
}

// FetchConfig holds the per-job resource limits and transport settings.
type FetchConfig struct {
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	MaxMemoryMB           int           `mapstructure:"max_memory_mb"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	MaxRequestsPerSecond  float64       `mapstructure:"max_requests_per_second"`
	MaxResponseSizeMB     int           `mapstructure:"max_response_size_mb"`
	UserAgent             string        `mapstructure:"user_agent"`
	RespectRobots         bool          `mapstructure:"respect_robots"`
}

// RetryConfig configures the fetch retry policy.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     bool          `mapstructure:"jitter"`
	Strategy   string        `mapstructure:"strategy"`
}

// RateLimitConfig controls the process-wide per-host limiter.
type RateLimitConfig struct {
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`
}

// JobConfig bounds a single crawl job's frontier.
type JobConfig struct {
	MaxDepth   int `mapstructure:"max_depth"`
	MaxPages   int `mapstructure:"max_pages"`
	MaxPending int `mapstructure:"max_pending"`
}

// BatchConfig sets the default worker pool shape.
type BatchConfig struct {
	Concurrency int  `mapstructure:"concurrency"`
	Sequential  bool `mapstructure:"sequential"`
}

// PipelineConfig configures the extract/analyze phases.
type PipelineConfig struct {
	Workers    int      `mapstructure:"workers"`
	SkipPhases []string `mapstructure:"skip_phases"`
}

// AnalyzeConfig drives relevance scoring.
type AnalyzeConfig struct {
	Keywords  []string `mapstructure:"keywords"`
	Threshold float64  `mapstructure:"threshold"`
}

// StorageConfig selects the document store and the output sink.
type StorageConfig struct {
	Documents DocumentStoreConfig `mapstructure:"documents"`
	Output    OutputConfig        `mapstructure:"output"`
}

// DocumentStoreConfig selects where discovered documents live between phases.
type DocumentStoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// OutputConfig selects the OutputSink implementation.
type OutputConfig struct {
	Driver        string `mapstructure:"driver"`
	Prefix        string `mapstructure:"prefix"`
	LocalDir      string `mapstructure:"local_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

// ProgressConfig enables progress sinks behind the hub.
type ProgressConfig struct {
	Log        bool                 `mapstructure:"log"`
	Prometheus bool                 `mapstructure:"prometheus"`
	Redis      RedisProgressConfig  `mapstructure:"redis"`
	PubSub     PubSubProgressConfig `mapstructure:"pubsub"`
}

// RedisProgressConfig publishes progress to a Redis channel.
type RedisProgressConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

// PubSubProgressConfig publishes progress to a GCP Pub/Sub topic.
type PubSubProgressConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the optional HTTP front.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Auth           AuthConfig    `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("registry.targets_file", "targets.yaml")
	v.SetDefault("fetch.max_concurrent_requests", 5)
	v.SetDefault("fetch.max_memory_mb", 1024)
	v.SetDefault("fetch.request_timeout", "30s")
	v.SetDefault("fetch.max_requests_per_second", 2.0)
	v.SetDefault("fetch.max_response_size_mb", 50)
	v.SetDefault("fetch.user_agent", "bylaw-crawler/1.0")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("retry.strategy", "exponential")
	v.SetDefault("ratelimit.per_host_rps", 0)
	v.SetDefault("ratelimit.per_host_burst", 1)
	v.SetDefault("job.max_depth", 2)
	v.SetDefault("job.max_pages", 50)
	v.SetDefault("job.max_pending", 20)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.sequential", false)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.skip_phases", []string{})
	v.SetDefault("analyze.keywords", []string{"bylaw", "by-law", "zoning", "parking", "noise", "amendment"})
	v.SetDefault("analyze.threshold", 0.2)
	v.SetDefault("storage.documents.driver", "memory")
	v.SetDefault("storage.documents.sqlite_path", "data/documents.db")
	v.SetDefault("storage.output.driver", "local")
	v.SetDefault("storage.output.prefix", "results")
	v.SetDefault("storage.output.local_dir", "data")
	v.SetDefault("storage.output.postgres_table", "job_results")
	v.SetDefault("progress.log", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("progress.redis.channel", "crawler:progress")
	v.SetDefault("server.addr", "")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.service_name", "bylaw-crawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Fetch.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("fetch.max_concurrent_requests must be > 0")
	}
	if c.Fetch.RequestTimeout <= 0 {
		return fmt.Errorf("fetch.request_timeout must be > 0")
	}
	if c.Fetch.MaxResponseSizeMB <= 0 {
		return fmt.Errorf("fetch.max_response_size_mb must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	switch strings.ToLower(c.Retry.Strategy) {
	case "exponential", "linear", "fixed":
	default:
		return fmt.Errorf("retry.strategy must be one of exponential, linear, fixed")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be > 0")
	}
	if c.Job.MaxPages <= 0 {
		return fmt.Errorf("job.max_pages must be > 0")
	}
	if c.Job.MaxDepth < 0 {
		return fmt.Errorf("job.max_depth must be >= 0")
	}
	switch c.Storage.Documents.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Documents.SQLitePath == "" {
			return fmt.Errorf("storage.documents.sqlite_path must be set when driver is sqlite")
		}
	default:
		return fmt.Errorf("unknown storage.documents.driver %q", c.Storage.Documents.Driver)
	}
	switch c.Storage.Output.Driver {
	case "none", "memory":
	case "local":
		if c.Storage.Output.LocalDir == "" {
			return fmt.Errorf("storage.output.local_dir must be set when driver is local")
		}
	case "gcs":
		if c.Storage.Output.GCSBucket == "" {
			return fmt.Errorf("storage.output.gcs_bucket must be set when driver is gcs")
		}
	case "postgres":
		if c.Storage.Output.PostgresDSN == "" {
			return fmt.Errorf("storage.output.postgres_dsn must be set when driver is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.output.driver %q", c.Storage.Output.Driver)
	}
	if c.Progress.PubSub.ProjectID != "" && c.Progress.PubSub.Topic == "" {
		return fmt.Errorf("progress.pubsub.topic must be set when project_id is set")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return fmt.Errorf("server.auth.api_key must be set when auth is enabled")
	}
	return nil
}
