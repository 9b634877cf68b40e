package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/platinummonkey/tenancy/pkg/config"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/platinummonkey/tenancy/pkg/storage"
	"github.com/platinummonkey/tenancy/pkg/tenancy"
)

// OpenStore loads the configuration at path and connects to the Postgres
// tenant store it names. When Redis is configured, writes are broadcast so
// running servers drop stale cache entries.
func OpenStore(ctx context.Context, path string) (Sites, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		return nil, nil, fmt.Errorf("storage driver %q keeps no state between runs; configure %q", cfg.Storage.Driver, config.DriverPostgres)
	}

	// Command output goes to stdout, so keep logs to warnings on stderr
	log, err := observability.NewLogger("warn", observability.FormatText, os.Stderr)
	if err != nil {
		return nil, nil, err
	}

	cm, err := storage.NewConnectionManager(ctx, cfg.Storage.ConnectionConfig(), log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	cleanups := []func(){func() { _ = cm.Close() }}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Storage.AutoMigrate {
		if err := tenancy.RunMigrations(ctx, cm.Primary(), log); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	svc := tenancy.NewService(tenancy.NewPostgresRepository(cm.Primary()), nil, log)

	if cfg.Redis.Enabled() {
		client, err := storage.NewRedisClient(ctx, cfg.Redis.ClientConfig())
		if err != nil {
			log.WithError(err).Warn("redis unavailable; running servers learn about the change when their cache is next flushed")
		} else {
			cleanups = append(cleanups, func() { _ = client.Close() })
			svc.SetInvalidator(tenancy.NewRedisInvalidator(client, svc.Cache(), cfg.Redis.InvalidationChannel, nil, log))
		}
	}

	return svc, cleanup, nil
}
