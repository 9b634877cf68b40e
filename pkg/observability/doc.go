// Package observability provides logrus logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Logging
//
//	logger, err := observability.NewLogger("info", observability.FormatJSON, os.Stdout)
//	observability.FromContext(ctx, logger).Info("tenant resolved")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// Every Record* helper is a no-op on a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "tenantd",
//	}, logger)
//	defer providers.Shutdown(ctx)
package observability
