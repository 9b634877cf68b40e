package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/platinummonkey/tenancy/pkg/config"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/platinummonkey/tenancy/pkg/server"
	"github.com/sirupsen/logrus"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("TENANCY_CONFIG"), "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("tenantd stopped")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	app, err := server.New(context.Background(), cfg, log, version)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      app.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	ops := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      app.OpsHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdown := observability.NewShutdownManager(log, srv, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(ops.Shutdown)
	shutdown.RegisterShutdownFunc(app.Close)

	errs := make(chan error, 2)
	serve := func(name string, s *http.Server) {
		log.WithFields(logrus.Fields{"listener": name, "addr": s.Addr}).Info("listening")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serve("sites", srv)
	go serve("ops", ops)

	log.WithField("version", version).Info("tenantd started")

	done := make(chan error, 1)
	go func() { done <- shutdown.WaitForShutdown() }()

	select {
	case err := <-errs:
		_ = shutdown.Shutdown()
		return err
	case err := <-done:
		return err
	}
}
