// Command portico runs the portal extraction service: the HTTP surface, the
// session manager, the scheduled health monitor, and the progress bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/portico/pkg/api"
	"github.com/kestrelhq/portico/pkg/bus"
	"github.com/kestrelhq/portico/pkg/config"
	"github.com/kestrelhq/portico/pkg/extract"
	"github.com/kestrelhq/portico/pkg/health"
	"github.com/kestrelhq/portico/pkg/otp"
	"github.com/kestrelhq/portico/pkg/portal"
	"github.com/kestrelhq/portico/pkg/portal/adapters/formgate"
	"github.com/kestrelhq/portico/pkg/session"
	"github.com/kestrelhq/portico/pkg/storage"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "portico.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("portico %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal().Err(err).Msg("portico exited")
	}
}

func run(configPath string, logger zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Integrations) == 0 {
		return errors.New("no integrations configured")
	}
	if cfg.CredentialsFile == "" {
		return errors.New("credentials_file is required")
	}

	store, err := storage.New(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	eventBus, err := newBus(cfg)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	creds, err := config.LoadCredentials(cfg.CredentialsFile, logger)
	if err != nil {
		return err
	}
	if err := creds.Watch(); err != nil {
		logger.Warn().Err(err).Msg("credential hot reload unavailable")
	}
	defer creds.Close()

	registry := portal.NewRegistry()
	for _, integ := range cfg.Integrations {
		adapter, err := newAdapter(integ)
		if err != nil {
			return err
		}
		registry.Register(adapter)
	}

	gateway := otp.NewGateway(cfg.Session.ChallengeTTL, logger)
	sessions := session.NewManager(session.Options{
		Store:               store,
		Credentials:         creds,
		Registry:            registry,
		Gateway:             gateway,
		Bus:                 eventBus,
		Logger:              logger,
		MaxConcurrentLogins: cfg.Session.MaxConcurrentLogins,
		LoginTimeout:        cfg.Session.LoginTimeout,
		IdleTTL:             cfg.Session.IdleTTL,
	})
	sessions.Start()

	pipeline := extract.NewPipeline(extract.Options{
		Sessions:       sessions,
		Audit:          store,
		Bus:            eventBus,
		Logger:         logger,
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	})
	runner := extract.NewBatchRunner(extract.BatchOptions{
		Pipeline:         pipeline,
		Logger:           logger,
		Concurrency:      cfg.Batch.MaxConcurrent,
		RecordsPerSecond: cfg.Batch.RatePerSecond,
	})

	var monitor *health.Monitor
	if cfg.Monitor.Enabled && cfg.Monitor.Tenant != "" {
		checks := make([]health.Check, 0, len(cfg.Integrations))
		for _, integ := range cfg.Integrations {
			checks = append(checks, health.Check{
				Integration: integ.ID,
				Record:      integ.ProbeRecord,
				Classify:    health.ClassifierFor(integ.Classification),
			})
		}
		monitor = health.NewMonitor(health.Options{
			Extractor:    pipeline,
			Store:        store,
			Logger:       logger,
			Tenant:       cfg.Monitor.Tenant,
			Checks:       checks,
			Interval:     cfg.Monitor.Interval,
			CheckTimeout: cfg.Monitor.CheckTimeout,
		})
		monitor.Start()
	} else {
		logger.Info().Msg("health monitor disabled")
	}

	server := api.NewServer(api.Options{
		Config:    cfg,
		Extractor: pipeline,
		Batch:     runner,
		Gateway:   gateway,
		Sessions:  sessions,
		Health:    store,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Str("version", version).Msg("portico listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if monitor != nil {
		monitor.Stop()
	}
	// Persists every live session snapshot before closing the browsers.
	sessions.Shutdown(shutdownCtx)
	return nil
}

func newBus(cfg *config.Config) (bus.EventBus, error) {
	switch cfg.Bus.Kind {
	case "nats":
		return bus.NewNATSBus(cfg.Bus.URL, "portico")
	default:
		return bus.NewMemoryBus(), nil
	}
}

func newAdapter(integ config.IntegrationConfig) (portal.Adapter, error) {
	switch integ.Adapter {
	case "", "formgate":
		if integ.BaseURL == "" {
			return nil, fmt.Errorf("integration %s: base_url is required", integ.ID)
		}
		return formgate.New(formgate.Options{Integration: integ.ID, BaseURL: integ.BaseURL})
	default:
		return nil, fmt.Errorf("integration %s: unknown adapter %q", integ.ID, integ.Adapter)
	}
}
