// Package main is the entry point for the session supervisor daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/continuity/continuity/internal/common/config"
	"github.com/continuity/continuity/internal/common/logger"
	"github.com/continuity/continuity/internal/events/bus"
	"github.com/continuity/continuity/internal/supervisor"
	"github.com/continuity/continuity/internal/ticket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting session supervisor...")

	// 3. Create context cancelled on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Select the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the ticket store
	store, err := newStore(cfg)
	if err != nil {
		log.Fatal("Failed to open ticket store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Ticket store ready", zap.String("backend", cfg.Store.Backend))

	// 6. Construct and start the supervisor
	sup := supervisor.New(supervisor.Options{
		Config:   cfg,
		Store:    store,
		EventBus: eventBus,
		Logger:   log,
	})
	sup.Start(ctx)
	log.Info("Supervisor started")

	// 7. Run until a shutdown signal arrives
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Supervisor terminated", zap.Error(err))
	}

	// 8. Graceful shutdown with a bounded window
	log.Info("Shutting down supervisor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.GracePeriodDuration()*2)
	defer cancel()
	sup.Stop(shutdownCtx)
	log.Info("Supervisor exited")
}

// newStore opens the configured ticket store backend.
func newStore(cfg *config.Config) (ticket.Store, error) {
	switch cfg.Store.Backend {
	case "yaml":
		return ticket.NewYAMLStore(cfg.Store.Path)
	case "sqlite":
		return ticket.NewSQLiteStore(cfg.Store.Path)
	case "memory", "":
		return ticket.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}
