// Package config loads the tenancy server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// TENANCY_* environment variables. The result is validated before use.
//
//	server:
//	  port: "8080"
//	  health_port: "9090"
//	storage:
//	  driver: postgres            # or memory
//	  postgres_url: postgres://localhost/tenancy?sslmode=disable
//	redis:
//	  url: redis://localhost:6379/0
//	cache:
//	  negative_ttl: 30s
//	  flush_schedule: "*/10 * * * *"
//	routing:
//	  trust_forwarded_proto: true
//
// Common environment overrides:
//
//	TENANCY_PORT, TENANCY_HEALTH_PORT
//	TENANCY_STORAGE_DRIVER, TENANCY_POSTGRES_URL, TENANCY_POSTGRES_REPLICA_URLS
//	TENANCY_REDIS_URL, TENANCY_INVALIDATION_CHANNEL
//	TENANCY_CACHE_FLUSH_SCHEDULE, TENANCY_TRUST_FORWARDED_PROTO
//	TENANCY_LOG_LEVEL, TENANCY_LOG_FORMAT, TENANCY_OTEL_ENABLED
package config
