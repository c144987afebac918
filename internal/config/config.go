package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration shared by the broker and the worker.
// Environment names are the service's recognized options; the MSSQL_* names
// are kept from the original deployment even though MSSQL_DRIVER selects a
// database/sql driver name ("pgx" or "sqlite").
type Config struct {
	// Broker listen port
	Port int `envconfig:"MH_PORT" default:"50051"`

	// Status cache and job queue
	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`

	// Database (metadata store and query execution share one handle)
	DBDriver   string `envconfig:"MSSQL_DRIVER" default:"pgx"`
	DBHost     string `envconfig:"MSSQL_HOST" default:"127.0.0.1"`
	DBName     string `envconfig:"MSSQL_DB" default:""`
	DBUser     string `envconfig:"MSSQL_USER" default:""`
	DBPassword string `envconfig:"MSSQL_PWD" default:""`

	// Overrides the DSN assembled from the MSSQL_* parts when set.
	DatabaseDSN string `envconfig:"DATABASE_DSN" default:""`

	// Seconds; bounds the worker's SELECT.
	QueryTimeoutSecs int `envconfig:"MSSQL_QUERY_TIMEOUT" default:"300"`

	// Object store
	GCSBucket string `envconfig:"GCS_BUCKET" default:"clearcard-sql-results"`

	// Chunk rotation threshold in MiB.
	ChunkMaxMB int `envconfig:"RESULT_CHUNK_MAX_MB" default:"100"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// New creates a Config by parsing environment variables.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Int("port", cfg.Port).
		Str("db_driver", cfg.DBDriver).
		Str("db_host", cfg.DBHost).
		Str("db_name", cfg.DBName).
		Str("gcs_bucket", cfg.GCSBucket).
		Int("chunk_max_mb", cfg.ChunkMaxMB).
		Int("query_timeout_s", cfg.QueryTimeoutSecs).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "pgx", "sqlite":
	default:
		return fmt.Errorf("unsupported MSSQL_DRIVER: %s", c.DBDriver)
	}
	if c.ChunkMaxMB <= 0 {
		return fmt.Errorf("RESULT_CHUNK_MAX_MB must be positive, got %d", c.ChunkMaxMB)
	}
	if c.QueryTimeoutSecs <= 0 {
		return fmt.Errorf("MSSQL_QUERY_TIMEOUT must be positive, got %d", c.QueryTimeoutSecs)
	}
	return nil
}

// DSN returns the database connection string: the DATABASE_DSN override when
// set, otherwise one assembled from the MSSQL_* parts for the selected
// driver.
func (c *Config) DSN() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	switch c.DBDriver {
	case "sqlite":
		// Host doubles as a file path for the embedded driver.
		return c.DBHost
	default:
		u := url.URL{
			Scheme: "postgres",
			Host:   c.DBHost,
			Path:   "/" + c.DBName,
		}
		if c.DBUser != "" {
			u.User = url.UserPassword(c.DBUser, c.DBPassword)
		}
		q := u.Query()
		q.Set("sslmode", "disable")
		u.RawQuery = q.Encode()
		return u.String()
	}
}

// Addr returns the broker listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// ChunkMaxBytes returns the rotation threshold in bytes.
func (c *Config) ChunkMaxBytes() int64 { return int64(c.ChunkMaxMB) * 1024 * 1024 }

// QueryTimeout returns the SELECT timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSecs) * time.Second
}
