package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/tenancy/pkg/api"
	"github.com/platinummonkey/tenancy/pkg/config"
	"github.com/platinummonkey/tenancy/pkg/httputil"
	"github.com/platinummonkey/tenancy/pkg/middleware"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/platinummonkey/tenancy/pkg/rbac"
	"github.com/platinummonkey/tenancy/pkg/storage"
	"github.com/platinummonkey/tenancy/pkg/tenancy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const replicaCheckInterval = 30 * time.Second

// App is a wired tenancy deployment: stores, cache, resolver and the
// request pipeline in front of the admin API
type App struct {
	cfg     *config.Config
	log     *logrus.Logger
	version string

	registry *prometheus.Registry
	metrics  *observability.Metrics
	otel     *observability.OTelProviders

	conns *storage.ConnectionManager
	redis *redis.Client

	tenants  *tenancy.Service
	resolver *tenancy.Resolver
	perms    *rbac.Resolver
	limiter  middleware.Limiter
	flusher  *cron.Cron

	handler http.Handler
	ops     http.Handler

	// cancel stops the background workers
	cancel context.CancelFunc
}

// New builds the application described by cfg. Background workers run
// until Close.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger, version string) (app *App, err error) {
	if log == nil {
		log = logrus.New()
	}
	bg, cancel := context.WithCancel(context.Background())
	a := &App{cfg: cfg, log: log, version: version, cancel: cancel}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if cfg.Observability.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = observability.NewMetrics(a.registry)
	}

	a.otel, err = observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	repo, store, err := a.openStores(ctx, bg)
	if err != nil {
		return nil, err
	}

	cache := tenancy.NewCache(tenancy.CacheOptions{
		NegativeSize: cfg.Cache.NegativeSize,
		NegativeTTL:  cfg.Cache.NegativeTTL,
		Metrics:      a.metrics,
	})
	a.tenants = tenancy.NewService(repo, cache, log)
	a.resolver = tenancy.NewResolver(repo, cache, log, tenancy.ResolverOptions{
		Metrics: a.metrics,
		Tracer:  observability.Tracer(),
	})

	if cfg.Redis.Enabled() {
		a.redis, err = storage.NewRedisClient(ctx, cfg.Redis.ClientConfig())
		if err != nil {
			return nil, err
		}
		inv := tenancy.NewRedisInvalidator(a.redis, cache, cfg.Redis.InvalidationChannel, a.metrics, log)
		if err := inv.Listen(bg); err != nil {
			return nil, err
		}
		a.tenants.SetInvalidator(inv)
	}

	if cfg.Cache.FlushSchedule != "" {
		a.flusher, err = tenancy.ScheduleFlush(cache, cfg.Cache.FlushSchedule, log)
		if err != nil {
			return nil, err
		}
		a.flusher.Start()
	}

	a.perms = rbac.NewResolver(store, rbac.ResolverOptions{Metrics: a.metrics, Logger: log})
	if err := api.RegisterPermissions(ctx, store); err != nil {
		return nil, fmt.Errorf("failed to register admin permissions: %w", err)
	}

	if cfg.RateLimit.Enabled {
		a.limiter = a.newLimiter(bg)
	}

	a.handler = a.buildHandler()
	a.ops = a.buildOpsHandler()
	return a, nil
}

// openStores connects the tenant repository and permission store for the
// configured driver
func (a *App) openStores(ctx, bg context.Context) (tenancy.Repository, rbac.Store, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverMemory:
		a.log.Warn("using in-memory storage; sites are lost on restart")
		return tenancy.NewMemoryRepository(), rbac.NewMemoryStore(), nil
	case config.DriverPostgres:
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", a.cfg.Storage.Driver)
	}

	cm, err := storage.NewConnectionManager(ctx, a.cfg.Storage.ConnectionConfig(), a.log)
	if err != nil {
		return nil, nil, err
	}
	a.conns = cm

	if a.cfg.Storage.AutoMigrate {
		if err := tenancy.RunMigrations(ctx, cm.Primary(), a.log); err != nil {
			return nil, nil, err
		}
		if err := rbac.RunMigrations(ctx, cm.Primary(), a.log); err != nil {
			return nil, nil, err
		}
	}
	if a.metrics != nil {
		cm.StartHealthCheckRoutine(bg, replicaCheckInterval, a.metrics)
	}

	repo := tenancy.NewPostgresRepository(cm.Primary(), tenancy.PostgresOptions{
		Lister:  cm.Replica(),
		Metrics: a.metrics,
	})
	store, err := rbac.NewPostgresStore(cm.Primary(), a.metrics)
	if err != nil {
		return nil, nil, err
	}
	return repo, store, nil
}

func (a *App) newLimiter(bg context.Context) middleware.Limiter {
	cfg := &middleware.RateLimitConfig{
		RequestsPerWindow: a.cfg.RateLimit.RequestsPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         a.cfg.RateLimit.Burst,
	}
	if a.redis != nil {
		return middleware.NewRedisLimiter(a.redis, cfg, "")
	}
	l := middleware.NewMemoryLimiter(cfg)
	l.StartCleanup(bg)
	return l
}

// buildHandler assembles the site-facing pipeline. The admin API is served
// under the admin prefix on every site, and under the super-admin prefix on
// the root site only; root-site admin requests arrive there through the
// tenant middleware's rewrite.
func (a *App) buildHandler() http.Handler {
	routing := a.cfg.Routing

	siteAPI := api.NewServer(api.Options{
		PathPrefix:  routing.AdminPrefix + "api/v1",
		Scope:       api.ScopeSite,
		Tenants:     a.tenants,
		Permissions: a.perms,
		Authorize:   true,
		Logger:      a.log,
	})
	rootAPI := api.NewServer(api.Options{
		PathPrefix:  routing.SuperAdminPrefix + "api/v1",
		Scope:       api.ScopeRoot,
		Tenants:     a.tenants,
		Permissions: a.perms,
		Authorize:   true,
		Logger:      a.log,
	})

	router := mux.NewRouter()
	router.PathPrefix(routing.SuperAdminPrefix).Handler(middleware.RequireRootSite(rootAPI))
	router.PathPrefix(routing.AdminPrefix).Handler(siteAPI)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "not found")
	})

	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(a.log),
		httputil.RecoveryMiddleware(a.log),
	}
	if a.metrics != nil {
		chain = append(chain, observability.HTTPMetricsMiddleware(a.metrics))
	}
	chain = append(chain,
		middleware.Tenant(a.resolver, middleware.TenantOptions{
			AdminPrefix:         routing.AdminPrefix,
			SuperAdminPrefix:    routing.SuperAdminPrefix,
			TrustForwardedProto: routing.TrustForwardedProto,
			Metrics:             a.metrics,
			Logger:              a.log,
		}),
		middleware.Principal(a.perms, middleware.AuthOptions{Optional: true, Logger: a.log}),
	)
	if a.limiter != nil {
		chain = append(chain, middleware.TenantRateLimit(a.limiter, middleware.RateLimitOptions{
			FailOpen: a.cfg.RateLimit.FailOpen,
			Logger:   a.log,
		}))
	}

	h := httputil.Chain(chain...)(router)
	if a.otel != nil {
		h = otelhttp.NewHandler(h, "tenancy")
	}
	return h
}

// buildOpsHandler serves health checks and metrics on the health port
func (a *App) buildOpsHandler() http.Handler {
	router := mux.NewRouter()

	var db *sql.DB
	if a.conns != nil {
		db = a.conns.Primary()
	}
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, a.redis, a.version))

	if a.registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(a.registry)).Methods(http.MethodGet)
	}
	return router
}

// Handler returns the site-facing HTTP handler
func (a *App) Handler() http.Handler {
	return a.handler
}

// OpsHandler returns the health and metrics handler
func (a *App) OpsHandler() http.Handler {
	return a.ops
}

// Tenants returns the tenant store
func (a *App) Tenants() *tenancy.Service {
	return a.tenants
}

// Permissions returns the permission resolver
func (a *App) Permissions() *rbac.Resolver {
	return a.perms
}

// Close stops background workers and releases connections
func (a *App) Close(ctx context.Context) error {
	a.cancel()

	var errs []error
	if a.flusher != nil {
		<-a.flusher.Stop().Done()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.conns != nil {
		if err := a.conns.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
