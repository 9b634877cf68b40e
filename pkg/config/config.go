package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tenancy/pkg/storage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Redis         RedisConfig         `yaml:"redis"`
	Cache         CacheConfig         `yaml:"cache"`
	Routing       RoutingConfig       `yaml:"routing"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// StorageConfig selects and configures the tenant store
type StorageConfig struct {
	Driver              string        `yaml:"driver"`
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs []string      `yaml:"postgres_replica_urls"`
	MaxConns            int           `yaml:"max_conns"`
	MinConns            int           `yaml:"min_conns"`
	Timeout             time.Duration `yaml:"timeout"`
	// AutoMigrate applies the schema on startup
	AutoMigrate bool `yaml:"auto_migrate"`
}

// ConnectionConfig converts the storage settings for storage.NewConnectionManager
func (s StorageConfig) ConnectionConfig() storage.ConnectionConfig {
	return storage.ConnectionConfig{
		PrimaryURL:  s.PostgresURL,
		ReplicaURLs: s.PostgresReplicaURLs,
		MaxConns:    s.MaxConns,
		MinConns:    s.MinConns,
		Timeout:     s.Timeout,
	}
}

// RedisConfig configures the optional Redis used for cross-process cache
// invalidation and shared rate limits. An empty URL disables Redis.
type RedisConfig struct {
	URL                 string `yaml:"url"`
	Password            string `yaml:"password"`
	DB                  int    `yaml:"db"`
	MaxRetries          int    `yaml:"max_retries"`
	PoolSize            int    `yaml:"pool_size"`
	InvalidationChannel string `yaml:"invalidation_channel"`
}

// Enabled reports whether a Redis URL is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// ClientConfig converts the settings for storage.NewRedisClient
func (r RedisConfig) ClientConfig() storage.RedisConfig {
	return storage.RedisConfig{
		URL:        r.URL,
		Password:   r.Password,
		DB:         r.DB,
		MaxRetries: r.MaxRetries,
		PoolSize:   r.PoolSize,
	}
}

// CacheConfig configures the tenant cache
type CacheConfig struct {
	NegativeSize int           `yaml:"negative_size"`
	NegativeTTL  time.Duration `yaml:"negative_ttl"`
	// FlushSchedule is a cron expression for a periodic full flush, for
	// deployments without Redis invalidation. Empty disables it.
	FlushSchedule string `yaml:"flush_schedule"`
}

// RoutingConfig configures the tenant middleware
type RoutingConfig struct {
	AdminPrefix         string `yaml:"admin_prefix"`
	SuperAdminPrefix    string `yaml:"super_admin_prefix"`
	TrustForwardedProto bool   `yaml:"trust_forwarded_proto"`
}

// RateLimitConfig configures per-tenant rate limiting
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
	FailOpen          bool `yaml:"fail_open"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: StorageConfig{
			Driver:      DriverPostgres,
			MaxConns:    20,
			MinConns:    2,
			Timeout:     5 * time.Second,
			AutoMigrate: true,
		},
		Cache: CacheConfig{
			NegativeSize: 10000,
			NegativeTTL:  30 * time.Second,
		},
		Routing: RoutingConfig{
			AdminPrefix:      "/admin/",
			SuperAdminPrefix: "/root/",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 6000,
			Burst:             200,
			FailOpen:          true,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "json",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "tenancy",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and TENANCY_* environment variables, in that order,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("TENANCY_HOST", s.Host)
	s.Port = getEnv("TENANCY_PORT", s.Port)
	s.HealthPort = getEnv("TENANCY_HEALTH_PORT", s.HealthPort)
	s.ReadTimeout = getEnvDuration("TENANCY_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("TENANCY_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("TENANCY_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("TENANCY_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	st := &c.Storage
	st.Driver = strings.ToLower(getEnv("TENANCY_STORAGE_DRIVER", st.Driver))
	st.PostgresURL = getEnv("TENANCY_POSTGRES_URL", st.PostgresURL)
	if replicas := getEnv("TENANCY_POSTGRES_REPLICA_URLS", ""); replicas != "" {
		st.PostgresReplicaURLs = storage.ParseReplicaURLs(replicas)
	}
	st.MaxConns = getEnvInt("TENANCY_POSTGRES_MAX_CONNS", st.MaxConns)
	st.MinConns = getEnvInt("TENANCY_POSTGRES_MIN_CONNS", st.MinConns)
	st.Timeout = getEnvDuration("TENANCY_POSTGRES_TIMEOUT", st.Timeout)
	st.AutoMigrate = getEnvBool("TENANCY_AUTO_MIGRATE", st.AutoMigrate)

	r := &c.Redis
	r.URL = getEnv("TENANCY_REDIS_URL", r.URL)
	r.Password = getEnv("TENANCY_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("TENANCY_REDIS_DB", r.DB)
	r.MaxRetries = getEnvInt("TENANCY_REDIS_MAX_RETRIES", r.MaxRetries)
	r.PoolSize = getEnvInt("TENANCY_REDIS_POOL_SIZE", r.PoolSize)
	r.InvalidationChannel = getEnv("TENANCY_INVALIDATION_CHANNEL", r.InvalidationChannel)

	ca := &c.Cache
	ca.NegativeSize = getEnvInt("TENANCY_NEGATIVE_CACHE_SIZE", ca.NegativeSize)
	ca.NegativeTTL = getEnvDuration("TENANCY_NEGATIVE_CACHE_TTL", ca.NegativeTTL)
	ca.FlushSchedule = getEnv("TENANCY_CACHE_FLUSH_SCHEDULE", ca.FlushSchedule)

	ro := &c.Routing
	ro.AdminPrefix = getEnv("TENANCY_ADMIN_PREFIX", ro.AdminPrefix)
	ro.SuperAdminPrefix = getEnv("TENANCY_SUPER_ADMIN_PREFIX", ro.SuperAdminPrefix)
	ro.TrustForwardedProto = getEnvBool("TENANCY_TRUST_FORWARDED_PROTO", ro.TrustForwardedProto)

	rl := &c.RateLimit
	rl.Enabled = getEnvBool("TENANCY_RATE_LIMIT_ENABLED", rl.Enabled)
	rl.RequestsPerMinute = getEnvInt("TENANCY_RATE_LIMIT_RPM", rl.RequestsPerMinute)
	rl.Burst = getEnvInt("TENANCY_RATE_LIMIT_BURST", rl.Burst)
	rl.FailOpen = getEnvBool("TENANCY_RATE_LIMIT_FAIL_OPEN", rl.FailOpen)

	o := &c.Observability
	o.LogLevel = getEnv("TENANCY_LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("TENANCY_LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("TENANCY_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("TENANCY_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("TENANCY_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("TENANCY_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("TENANCY_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("TENANCY_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("TENANCY_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid storage driver: %s (must be postgres or memory)", c.Storage.Driver)
	}

	if c.Cache.FlushSchedule != "" {
		if _, err := cron.ParseStandard(c.Cache.FlushSchedule); err != nil {
			return fmt.Errorf("invalid cache flush schedule %q: %w", c.Cache.FlushSchedule, err)
		}
	}

	if !strings.HasPrefix(c.Routing.AdminPrefix, "/") || !strings.HasPrefix(c.Routing.SuperAdminPrefix, "/") {
		return fmt.Errorf("admin prefixes must start with /")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit requests per minute must be positive")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r <= 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be in (0, 1]")
		}
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

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
