// Package config loads settings from defaults, an optional segmatch.yaml,
// a .env file and SEGMATCH_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "SEGMATCH"

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Corpus   CorpusConfig   `mapstructure:"corpus"`
	Matching MatchingConfig `mapstructure:"matching"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	// Backend is postgres, postgis, bolt or auto.
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	BoltPath        string        `mapstructure:"bolt_path"`
	InsertBatchSize int           `mapstructure:"insert_batch_size"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
}

type CorpusConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	ResourceID      string        `mapstructure:"resource_id"`
	PageSize        int           `mapstructure:"page_size"`
	MaxPages        int           `mapstructure:"max_pages"`
	FetchRetries    int           `mapstructure:"fetch_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

type MatchingConfig struct {
	MaxEditDistance int     `mapstructure:"max_edit_distance"`
	MinConfidence   float64 `mapstructure:"min_confidence"`
	// CachePolicy is first_match or best_confidence.
	CachePolicy string `mapstructure:"cache_policy"`
	Workers     int    `mapstructure:"workers"`
	MemoSize    int    `mapstructure:"memo_size"`
}

type RedisConfig struct {
	// URL empty means an in-process lock.
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
}

type LogConfig struct {
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.backend", "auto")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.bolt_path", "segmatch.db")
	v.SetDefault("database.insert_batch_size", 500)
	v.SetDefault("database.query_timeout", 30*time.Second)
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("corpus.base_url", "https://ckan0.cf.opendata.inter.prod-toronto.ca/api/3/action/datastore_search")
	v.SetDefault("corpus.resource_id", "")
	v.SetDefault("corpus.page_size", 1000)
	v.SetDefault("corpus.max_pages", 500)
	v.SetDefault("corpus.fetch_retries", 3)
	v.SetDefault("corpus.retry_backoff", 2*time.Second)
	v.SetDefault("corpus.request_timeout", 30*time.Second)
	v.SetDefault("corpus.freshness_window", 7*24*time.Hour)
	v.SetDefault("corpus.lock_ttl", 30*time.Minute)

	v.SetDefault("matching.max_edit_distance", 3)
	v.SetDefault("matching.min_confidence", 0.0)
	v.SetDefault("matching.cache_policy", "first_match")
	v.SetDefault("matching.workers", 4)
	v.SetDefault("matching.memo_size", 4096)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "segmatch:")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.api_key", "")

	v.SetDefault("log.env", "development")
	v.SetDefault("log.level", "")
}

// Load reads configuration. configFile may be empty, in which case
// segmatch.yaml is looked up in ./config and the working directory and is
// optional.
func Load(configFile string) (*Config, error) {
	// .env never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("segmatch")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = dsnFromPGEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// dsnFromPGEnv builds a DSN from the standard libpq variables.
func dsnFromPGEnv() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnvOrDefault("PGHOST", "localhost"),
		getEnvOrDefault("PGPORT", "5432"),
		getEnvOrDefault("PGUSER", "segmatch"),
		getEnvOrDefault("PGPASSWORD", "segmatch"),
		getEnvOrDefault("PGDATABASE", "segmatch"),
		getEnvOrDefault("PGSSLMODE", "disable"))
}

// getEnvOrDefault returns environment variable or default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "auto", "postgres", "postgis", "bolt":
	default:
		return fmt.Errorf("database.backend must be auto, postgres, postgis or bolt, got %q", c.Database.Backend)
	}
	switch c.Matching.CachePolicy {
	case "first_match", "best_confidence":
	default:
		return fmt.Errorf("matching.cache_policy must be first_match or best_confidence, got %q", c.Matching.CachePolicy)
	}
	if c.Matching.MaxEditDistance < 0 {
		return fmt.Errorf("matching.max_edit_distance must not be negative")
	}
	if c.Matching.MinConfidence < 0 || c.Matching.MinConfidence > 1 {
		return fmt.Errorf("matching.min_confidence must be within [0, 1]")
	}
	if c.Matching.Workers < 1 {
		return fmt.Errorf("matching.workers must be at least 1")
	}
	if c.Corpus.PageSize < 1 {
		return fmt.Errorf("corpus.page_size must be at least 1")
	}
	if c.Database.InsertBatchSize < 1 || c.Database.InsertBatchSize > 5000 {
		return fmt.Errorf("database.insert_batch_size must be within [1, 5000]")
	}
	return nil
}
