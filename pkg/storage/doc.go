// Package storage holds the connection plumbing shared by the tenant store
// and the permission store.
//
// # PostgreSQL
//
// ConnectionManager owns the primary pool and any read replicas. Writes and
// uniqueness checks must use Primary; host lookups on the request path may
// use Replica, which round-robins across healthy replicas and falls back to
// the primary when none are left:
//
//	cm, err := storage.NewConnectionManager(ctx, storage.ConnectionConfig{
//		PrimaryURL:  "postgres://tenancy@db/tenancy?sslmode=disable",
//		ReplicaURLs: storage.ParseReplicaURLs(os.Getenv("TENANCY_POSTGRES_REPLICA_URLS")),
//		MaxConns:    20,
//	}, log)
//	defer cm.Close()
//	cm.StartHealthCheckRoutine(ctx, 30*time.Second, metrics)
//
// # Migrations
//
// RunMigrations applies versioned schema steps, one transaction each, and
// records them in a per-package tracking table (tenancy_migrations,
// rbac_migrations). Re-running is a no-op.
//
// # Redis
//
// NewRedisClient builds a pinged go-redis client. It backs cross-process
// cache invalidation and the shared rate limiter; nothing in Redis is a
// source of truth.
package storage
