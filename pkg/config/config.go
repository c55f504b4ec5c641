// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Postgres, Kafka, Redis, Index, Catalogs, Logging,
// Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Postgres PostgresConfig  `yaml:"postgres"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Redis    RedisConfig     `yaml:"redis"`
	Index    IndexConfig     `yaml:"index"`
	Catalogs []CatalogConfig `yaml:"catalogs"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Health   HealthConfig    `yaml:"health"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
// BundleNotifications carries "index this bundle" / "delete this bundle"
// messages; Tallies bridges the contribute phase to the aggregate phase.
type KafkaTopics struct {
	BundleNotifications string `yaml:"bundleNotifications"`
	Tallies             string `yaml:"tallies"`
}

// RedisConfig holds Redis connection parameters. Redis carries best-effort
// duplicate-notification markers; correctness never depends on it.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	MarkerTTL time.Duration `yaml:"markerTTL"`
}

// IndexConfig holds the tunable constants of the indexing core: write
// strategy thresholds, retry limits, and aggregation caps. These are
// configuration, not invariants.
type IndexConfig struct {
	// BulkThreshold is the batch size at or above which the writer switches
	// from individual writes to a single bulk call.
	BulkThreshold int `yaml:"bulkThreshold"`
	// ParallelThreshold is the batch size at or above which bulk writes are
	// split across parallel workers. Purely a throughput choice; semantics
	// are identical.
	ParallelThreshold int `yaml:"parallelThreshold"`
	// ParallelWorkers bounds the worker count for parallel bulk writes.
	ParallelWorkers int `yaml:"parallelWorkers"`
	// ConflictRetryLimit is the number of local retries allowed per document
	// after an optimistic-version conflict.
	ConflictRetryLimit int `yaml:"conflictRetryLimit"`
	// ErrorRetryLimit is the number of local retries allowed per document
	// after a transient store error. Zero defers to outer redelivery.
	ErrorRetryLimit int `yaml:"errorRetryLimit"`
	// MaxSetSize caps the cardinality of set-valued aggregate fields.
	// Excess distinct values are truncated to bound document size.
	MaxSetSize int `yaml:"maxSetSize"`
	// MaxFrequencyKeys caps the number of distinct keys kept per frequency
	// table.
	MaxFrequencyKeys int `yaml:"maxFrequencyKeys"`
	// ScrollThreshold is the expected result size above which contribution
	// reads use a scrolling cursor instead of direct paged search.
	ScrollThreshold int `yaml:"scrollThreshold"`
	// ScrollPageSize is the page size for both read strategies.
	ScrollPageSize int `yaml:"scrollPageSize"`
}

// CatalogConfig names one index partition and the metadata plugin whose
// transformers populate it.
type CatalogConfig struct {
	Name   string `yaml:"name"`
	Plugin string `yaml:"plugin"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HealthConfig controls the liveness/readiness HTTP server.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Catalog returns the catalog config with the given name.
func (c *Config) Catalog(name string) (CatalogConfig, error) {
	for _, cat := range c.Catalogs {
		if cat.Name == name {
			return cat, nil
		}
	}
	return CatalogConfig{}, fmt.Errorf("unknown catalog %q", name)
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Catalogs))
	for _, cat := range c.Catalogs {
		if cat.Name == "" {
			return fmt.Errorf("catalog with empty name")
		}
		if cat.Plugin == "" {
			return fmt.Errorf("catalog %s has no plugin", cat.Name)
		}
		if seen[cat.Name] {
			return fmt.Errorf("duplicate catalog %s", cat.Name)
		}
		seen[cat.Name] = true
	}
	if c.Index.BulkThreshold <= 0 || c.Index.ParallelThreshold < c.Index.BulkThreshold {
		return fmt.Errorf("invalid write thresholds: bulk=%d parallel=%d",
			c.Index.BulkThreshold, c.Index.ParallelThreshold)
	}
	return nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "metaindex",
			User:            "metaindex",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "metaindex-group",
			Topics: KafkaTopics{
				BundleNotifications: "bundle-notifications",
				Tallies:             "contribution-tallies",
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Password:  "",
			DB:        0,
			PoolSize:  10,
			MarkerTTL: 24 * time.Hour,
		},
		Index: IndexConfig{
			BulkThreshold:      32,
			ParallelThreshold:  1024,
			ParallelWorkers:    8,
			ConflictRetryLimit: 1,
			ErrorRetryLimit:    0,
			MaxSetSize:         100,
			MaxFrequencyKeys:   100,
			ScrollThreshold:    10000,
			ScrollPageSize:     1000,
		},
		Catalogs: []CatalogConfig{
			{Name: "dcp1", Plugin: "repository"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Health: HealthConfig{
			Port: 8086,
		},
	}
}

// applyEnvOverrides reads MI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MI_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("MI_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("MI_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("MI_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("MI_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("MI_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("MI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MI_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("MI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MI_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("MI_HEALTH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Health.Port = port
		}
	}
}
