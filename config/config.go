package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickerflow TickerflowConfig `yaml:"tickerflow"`
	Polygon    PolygonConfig    `yaml:"polygon"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	Retry      RetryConfig      `yaml:"retry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Partial    PartialConfig    `yaml:"partial"`
	Sink       SinkConfig       `yaml:"sink"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TickerflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// PolygonConfig describes the reference tickers endpoint and its query.
type PolygonConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Market  string        `yaml:"market"`
	Active  bool          `yaml:"active"`
	Order   string        `yaml:"order"`
	Sort    string        `yaml:"sort"`
	Limit   int           `yaml:"limit"`
	Timeout time.Duration `yaml:"timeout"`
}

type ThrottleConfig struct {
	MinInterval       time.Duration `yaml:"min_interval"`
	DefaultPenalty    time.Duration `yaml:"default_penalty"`
	MaxPenalty        time.Duration `yaml:"max_penalty"`
	PenaltyMultiplier float64       `yaml:"penalty_multiplier"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type CheckpointConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

type PartialConfig struct {
	Path       string `yaml:"path"`
	FlushEvery int    `yaml:"flush_every_pages"`
}

type SinkConfig struct {
	Type    string        `yaml:"type"`
	Path    string        `yaml:"path"`
	Parquet ParquetConfig `yaml:"parquet"`
	S3      S3Config      `yaml:"s3"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// SQLiteConfig points the warehouse sink at a database file and table.
type SQLiteConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

type SchedulerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	RunOnStart bool          `yaml:"run_on_start"`
}

type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

const (
	SinkCSV     = "csv"
	SinkParquet = "parquet"
	SinkS3      = "s3"
	SinkSQLite  = "sqlite"

	CheckpointFile   = "file"
	CheckpointSQLite = "sqlite"
	CheckpointRedis  = "redis"
)

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Tickerflow: TickerflowConfig{Name: "tickerflow", Version: "dev"},
		Polygon: PolygonConfig{
			BaseURL: "https://api.polygon.io",
			Market:  "stocks",
			Active:  true,
			Order:   "asc",
			Sort:    "ticker",
			Limit:   1000,
			Timeout: 30 * time.Second,
		},
		Throttle: ThrottleConfig{
			MinInterval:       12 * time.Second,
			DefaultPenalty:    60 * time.Second,
			MaxPenalty:        5 * time.Minute,
			PenaltyMultiplier: 2,
		},
		Retry: RetryConfig{
			MaxAttempts:       5,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
		},
		Checkpoint: CheckpointConfig{
			Backend: CheckpointFile,
			Path:    "progress.json",
			Redis:   RedisConfig{Addr: "localhost:6379", Key: "tickerflow:checkpoint"},
		},
		Partial: PartialConfig{Path: "tickers_partial.csv", FlushEvery: 1},
		Sink: SinkConfig{
			Type:    SinkCSV,
			Path:    "tickers_final.csv",
			Parquet: ParquetConfig{Compression: "snappy"},
			S3:      S3Config{Prefix: "tickers"},
			SQLite:  SQLiteConfig{Path: "warehouse.db", Table: "STOCK_TICKERS"},
		},
		Scheduler: SchedulerConfig{Interval: time.Minute, RunOnStart: true},
		Metrics: MetricsConfig{
			Prometheus: PrometheusConfig{Listen: ":9090"},
			CloudWatch: CloudWatchConfig{Namespace: "Tickerflow", Dashboard: "Tickerflow"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: time.Minute},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config, AppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		config.Polygon.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYGON_BASE_URL"); v != "" {
		config.Polygon.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Checkpoint.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = strings.TrimSpace(v)
	}

	if config.Sink.Type == SinkS3 {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sink.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sink.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sink.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Sink.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Sink.S3.Bucket = strings.TrimSpace(config.Sink.S3.Bucket)
}

func validateConfig(cfg *Config, env string) error {
	if cfg.Tickerflow.Name == "" {
		return fmt.Errorf("tickerflow.name is required")
	}
	if cfg.Tickerflow.Version == "" {
		return fmt.Errorf("tickerflow.version is required")
	}

	if strings.TrimSpace(cfg.Polygon.APIKey) == "" {
		return fmt.Errorf("polygon.api_key is required (set POLYGON_API_KEY)")
	}
	if cfg.Polygon.BaseURL == "" {
		return fmt.Errorf("polygon.base_url is required")
	}
	if cfg.Polygon.Limit <= 0 || cfg.Polygon.Limit > 1000 {
		return fmt.Errorf("polygon.limit must be between 1 and 1000")
	}

	if cfg.Throttle.MinInterval < 0 {
		return fmt.Errorf("throttle.min_interval must not be negative")
	}
	if cfg.Throttle.PenaltyMultiplier < 1 {
		return fmt.Errorf("throttle.penalty_multiplier must be at least 1")
	}

	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be positive and not exceed retry.max_delay")
	}

	if cfg.Partial.FlushEvery <= 0 {
		return fmt.Errorf("partial.flush_every_pages must be greater than 0")
	}
	if cfg.Partial.Path == "" {
		return fmt.Errorf("partial.path is required")
	}

	switch cfg.Checkpoint.Backend {
	case CheckpointFile, CheckpointSQLite:
		if cfg.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path is required for the %s backend", cfg.Checkpoint.Backend)
		}
	case CheckpointRedis:
		if cfg.Checkpoint.Redis.Addr == "" || cfg.Checkpoint.Redis.Key == "" {
			return fmt.Errorf("checkpoint.redis.addr and checkpoint.redis.key are required for the redis backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend '%s' is not supported", cfg.Checkpoint.Backend)
	}

	switch cfg.Sink.Type {
	case SinkCSV, SinkParquet:
		if cfg.Sink.Path == "" {
			return fmt.Errorf("sink.path is required for the %s sink", cfg.Sink.Type)
		}
	case SinkS3:
		if cfg.Sink.S3.Bucket == "" {
			return fmt.Errorf("sink.s3.bucket is required for the s3 sink")
		}
		if cfg.Sink.S3.Region == "" {
			return fmt.Errorf("sink.s3.region is required for the s3 sink")
		}
		if !isValidS3Bucket(cfg.Sink.S3.Bucket) {
			return fmt.Errorf("sink.s3.bucket '%s' is invalid", cfg.Sink.S3.Bucket)
		}
		if IsProductionLike(env) && (cfg.Sink.S3.AccessKeyID == "" || cfg.Sink.S3.SecretAccessKey == "") {
			return fmt.Errorf("sink.s3.access_key_id and sink.s3.secret_access_key are required in %s", env)
		}
	case SinkSQLite:
		if cfg.Sink.SQLite.Path == "" {
			return fmt.Errorf("sink.sqlite.path is required for the sqlite sink")
		}
		if !isValidTableName(cfg.Sink.SQLite.Table) {
			return fmt.Errorf("sink.sqlite.table '%s' is invalid", cfg.Sink.SQLite.Table)
		}
	default:
		return fmt.Errorf("sink.type '%s' is not supported", cfg.Sink.Type)
	}

	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than 0")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

var tableNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

func isValidTableName(name string) bool {
	return tableNameRegexp.MatchString(name)
}
