package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenancy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TENANCY_STORAGE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "/admin/", cfg.Routing.AdminPrefix)
	assert.Equal(t, "/root/", cfg.Routing.SuperAdminPrefix)
	assert.False(t, cfg.Routing.TrustForwardedProto)
	assert.Equal(t, 30*time.Second, cfg.Cache.NegativeTTL)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "json", cfg.Observability.LogFormat)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "8000"
  read_timeout: 5s
storage:
  driver: postgres
  postgres_url: postgres://file/tenancy
  postgres_replica_urls:
    - postgres://replica-a/tenancy
redis:
  url: redis://localhost:6379/0
cache:
  negative_ttl: 1m
  flush_schedule: "*/5 * * * *"
routing:
  trust_forwarded_proto: true
observability:
  log_level: debug
  log_format: text
`)
	t.Setenv("TENANCY_POSTGRES_URL", "postgres://env/tenancy")
	t.Setenv("TENANCY_POSTGRES_REPLICA_URLS", "postgres://r1/t, postgres://r2/t")
	t.Setenv("TENANCY_NEGATIVE_CACHE_SIZE", "50")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "postgres://env/tenancy", cfg.Storage.PostgresURL)
	assert.Equal(t, []string{"postgres://r1/t", "postgres://r2/t"}, cfg.Storage.PostgresReplicaURLs)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, time.Minute, cfg.Cache.NegativeTTL)
	assert.Equal(t, 50, cfg.Cache.NegativeSize)
	assert.Equal(t, "*/5 * * * *", cfg.Cache.FlushSchedule)
	assert.True(t, cfg.Routing.TrustForwardedProto)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)

	conn := cfg.Storage.ConnectionConfig()
	assert.Equal(t, "postgres://env/tenancy", conn.PrimaryURL)
	assert.Len(t, conn.ReplicaURLs, 2)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.ClientConfig().URL)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeConfig(t, "storage:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, "postgres URL is required")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"memory ok", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "invalid storage driver"},
		{"bad cron", func(c *Config) { c.Cache.FlushSchedule = "every tuesday" }, "invalid cache flush schedule"},
		{"relative prefix", func(c *Config) { c.Routing.AdminPrefix = "admin/" }, "admin prefixes"},
		{"rate limit", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.RequestsPerMinute = 0 }, "requests per minute"},
		{"log level", func(c *Config) { c.Observability.LogLevel = "loud" }, "invalid log level"},
		{"log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "invalid log format"},
		{"otel endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "endpoint is required"},
		{"otel ratio", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelSampleRatio = 2
		}, "sample ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Storage.Driver = DriverMemory
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TENANCY_TEST_STRING", "custom")
	t.Setenv("TENANCY_TEST_BOOL", "1")
	t.Setenv("TENANCY_TEST_INT", "not-a-number")
	t.Setenv("TENANCY_TEST_DURATION", "90s")
	t.Setenv("TENANCY_TEST_FLOAT", "0.25")

	assert.Equal(t, "custom", getEnv("TENANCY_TEST_STRING", "default"))
	assert.Equal(t, "default", getEnv("TENANCY_TEST_UNSET", "default"))
	assert.True(t, getEnvBool("TENANCY_TEST_BOOL", false))
	assert.Equal(t, 7, getEnvInt("TENANCY_TEST_INT", 7))
	assert.Equal(t, 90*time.Second, getEnvDuration("TENANCY_TEST_DURATION", time.Second))
	assert.Equal(t, 0.25, getEnvFloat("TENANCY_TEST_FLOAT", 1))
}
