// Package config loads the service configuration from YAML with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the entity-resolution service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Redis      RedisConfig      `yaml:"redis"`
	Snowflake  SnowflakeConfig  `yaml:"snowflake"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Mapping    MappingConfig    `yaml:"mapping"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WarehouseConfig holds the Postgres warehouse connection settings.
type WarehouseConfig struct {
	URL                 string `yaml:"url"`
	MaxOpenConns        int    `yaml:"max_open_conns"`
	MaxIdleConns        int    `yaml:"max_idle_conns"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
}

// QueryTimeout returns the per-statement timeout.
func (w WarehouseConfig) QueryTimeout() time.Duration {
	return time.Duration(w.QueryTimeoutSeconds) * time.Second
}

// RedisConfig holds optional Redis settings for run progress and the job
// lock. When disabled, progress stays in-process and locking falls back
// to warehouse advisory locks.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SnowflakeConfig holds the optional analytics mirror settings.
type SnowflakeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
}

// ResolutionConfig holds the resolution job settings.
type ResolutionConfig struct {
	DefaultRegion   string `yaml:"default_region"`
	BatchSize       int    `yaml:"batch_size"`
	LockTTLMinutes  int    `yaml:"lock_ttl_minutes"`
	RunHistoryLimit int    `yaml:"run_history_limit"`
}

// LockTTL returns how long a crashed run may hold the job lock.
func (r ResolutionConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLMinutes) * time.Minute
}

// MappingConfig holds manual-mapping importer settings.
type MappingConfig struct {
	S3Region   string `yaml:"s3_region"`
	AWSProfile string `yaml:"aws_profile"`
}

// Load reads the YAML file at path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the YAML file, then overrides secrets and endpoints
// from the environment (bootstrapping a local .env file first).
func LoadFromEnv(path string) (*Config, error) {
	// .env is optional; ignore load errors
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Warehouse.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SNOWFLAKE_ACCOUNT"); v != "" {
		cfg.Snowflake.Account = v
	}
	if v := os.Getenv("SNOWFLAKE_USER"); v != "" {
		cfg.Snowflake.User = v
	}
	if v := os.Getenv("SNOWFLAKE_PASSWORD"); v != "" {
		cfg.Snowflake.Password = v
	}
	if v := os.Getenv("AWS_PROFILE_OVERRIDE"); v != "" {
		cfg.Mapping.AWSProfile = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Warehouse.MaxOpenConns == 0 {
		c.Warehouse.MaxOpenConns = 10
	}
	if c.Warehouse.MaxIdleConns == 0 {
		c.Warehouse.MaxIdleConns = 2
	}
	if c.Warehouse.QueryTimeoutSeconds == 0 {
		c.Warehouse.QueryTimeoutSeconds = 30
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Snowflake.Database == "" {
		c.Snowflake.Database = "SALES_INTELLIGENCE"
	}
	if c.Snowflake.Schema == "" {
		c.Snowflake.Schema = "RESOLUTION"
	}
	if c.Resolution.DefaultRegion == "" {
		c.Resolution.DefaultRegion = "US"
	}
	if c.Resolution.BatchSize == 0 {
		c.Resolution.BatchSize = 1000
	}
	if c.Resolution.LockTTLMinutes == 0 {
		c.Resolution.LockTTLMinutes = 30
	}
	if c.Resolution.RunHistoryLimit == 0 {
		c.Resolution.RunHistoryLimit = 50
	}
	if c.Mapping.S3Region == "" {
		c.Mapping.S3Region = "us-east-1"
	}
}

// Validate checks the settings a run cannot start without.
func (c *Config) Validate() error {
	if c.Warehouse.URL == "" {
		return fmt.Errorf("warehouse.url is required (or set DATABASE_URL)")
	}
	if c.Resolution.BatchSize < 1 {
		return fmt.Errorf("resolution.batch_size must be positive, got %d", c.Resolution.BatchSize)
	}
	if c.Snowflake.Enabled {
		if c.Snowflake.Account == "" || c.Snowflake.User == "" {
			return fmt.Errorf("snowflake.account and snowflake.user are required when snowflake.enabled")
		}
	}
	return nil
}
