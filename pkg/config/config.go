package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Cache types. A memory cache only sees invalidations made by its own
// process, so deployments where several processes mutate the same database
// must use redis or none.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Audit sinks
const (
	AuditNone     = "none"
	AuditLog      = "log"
	AuditDatabase = "database"
	AuditBoth     = "both"
)

// Config holds all application configuration
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Resolver      ResolverConfig      `yaml:"resolver"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig selects the SQL backend for agents, grants and hierarchy
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig configures the visible-set cache
type CacheConfig struct {
	Type      string        `yaml:"type"`
	Size      int           `yaml:"size"`
	TTL       time.Duration `yaml:"ttl"`
	RedisURL  string        `yaml:"redis_url"`
	RedisDB   int           `yaml:"redis_db"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// ResolverConfig bounds hierarchy traversal
type ResolverConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// AuditConfig chooses where admin mutations are recorded
type AuditConfig struct {
	Sink string `yaml:"sink"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// MetricsTextfile, when set, receives the collected metrics in the
	// Prometheus text format as the process exits
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			URL:             "unis.db",
			MaxOpenConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheConfig{
			Type:      CacheMemory,
			Size:      1024,
			TTL:       5 * time.Minute,
			KeyPrefix: "unis:visible:",
		},
		Resolver: ResolverConfig{
			MaxDepth: 64,
		},
		Audit: AuditConfig{
			Sink: AuditBoth,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
		},
	}
}

// LoadConfig loads configuration from the file named by UNIS_CONFIG_FILE (if
// any) and then environment variables, which take precedence.
func LoadConfig() (*Config, error) {
	return Load(getEnv("UNIS_CONFIG_FILE", ""))
}

// Load reads an optional YAML file on top of the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields with UNIS_* environment variables
func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("UNIS_DB_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("UNIS_DB_URL", c.Database.URL)
	if maxConns := getEnvInt("UNIS_DB_MAX_OPEN_CONNS", 0); maxConns > 0 {
		c.Database.MaxOpenConns = maxConns
	}
	c.Database.ConnMaxLifetime = getEnvDuration("UNIS_DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.Cache.Type = strings.ToLower(getEnv("UNIS_CACHE_TYPE", c.Cache.Type))
	if size := getEnvInt("UNIS_CACHE_SIZE", 0); size > 0 {
		c.Cache.Size = size
	}
	c.Cache.TTL = getEnvDuration("UNIS_CACHE_TTL", c.Cache.TTL)
	c.Cache.RedisURL = getEnv("UNIS_REDIS_URL", c.Cache.RedisURL)
	if redisDB := getEnvInt("UNIS_REDIS_DB", -1); redisDB >= 0 {
		c.Cache.RedisDB = redisDB
	}
	c.Cache.KeyPrefix = getEnv("UNIS_REDIS_KEY_PREFIX", c.Cache.KeyPrefix)

	if depth := getEnvInt("UNIS_RESOLVER_MAX_DEPTH", 0); depth > 0 {
		c.Resolver.MaxDepth = depth
	}

	c.Audit.Sink = strings.ToLower(getEnv("UNIS_AUDIT_SINK", c.Audit.Sink))

	c.Observability.LogLevel = getEnv("UNIS_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.MetricsEnabled = getEnvBool("UNIS_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.MetricsTextfile = getEnv("UNIS_METRICS_TEXTFILE", c.Observability.MetricsTextfile)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Cache.Type {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis cache")
		}
	default:
		return fmt.Errorf("invalid cache type: %s (must be none, memory, or redis)", c.Cache.Type)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}

	if c.Resolver.MaxDepth <= 0 {
		return fmt.Errorf("resolver max depth must be positive")
	}

	switch c.Audit.Sink {
	case AuditNone, AuditLog, AuditDatabase, AuditBoth:
	default:
		return fmt.Errorf("invalid audit sink: %s (must be none, log, database, or both)", c.Audit.Sink)
	}

	if c.Observability.MetricsTextfile != "" && !c.Observability.MetricsEnabled {
		return fmt.Errorf("metrics textfile requires metrics to be enabled")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
