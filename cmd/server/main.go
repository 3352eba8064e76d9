package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/x402-facilitator/service/config"
	"github.com/brojonat/x402-facilitator/service/db"
	"github.com/brojonat/x402-facilitator/service/facilitator"
	"github.com/brojonat/x402-facilitator/service/metrics"
	natspkg "github.com/brojonat/x402-facilitator/service/nats"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/server"
	"github.com/brojonat/x402-facilitator/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"default_network", cfg.DefaultNetwork,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	wallet, err := payment.NewWallet(cfg.FacilitatorPrivateKey, cfg.MinBalance, cfg.ServiceFeePercent, logger,
		payment.WithWalletMetrics(metricsCollector),
	)
	if err != nil {
		logger.Error("failed to load facilitator wallet", "error", err)
		os.Exit(1)
	}

	deps := facilitator.Deps{
		Wallet:  wallet,
		Ledger:  payment.NewFeeLedger(),
		Metrics: metricsCollector,
		Logger:  logger,
	}

	// Settlement records go to Postgres when configured, memory otherwise.
	var settlements server.SettlementStore
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		store := db.NewStore(dbPool, metricsCollector)
		if err := store.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")

		recorder := db.NewRecorder(store)
		deps.Recorder = recorder
		settlements = recorder
	} else {
		logger.Warn("DATABASE_URL not set, settlement history is kept in memory")
		recorder := payment.NewMemoryRecorder()
		deps.Recorder = recorder
		settlements = recorder
	}

	var events server.EventSource
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		deps.Publisher = publisher

		subscriber, err := natspkg.NewSubscriber(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create NATS subscriber", "error", err)
			os.Exit(1)
		}
		defer subscriber.Close()
		events = subscriber
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	if cfg.TemporalHost != "" {
		temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		deps.Retrier = temporalClient
		logger.Info("connected to temporal for payout retries",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
			"task_queue", cfg.TemporalTaskQueue,
		)
	} else {
		logger.Warn("TEMPORAL_HOST not set, failed merchant payouts will not be retried")
	}

	nets, err := facilitator.Networks(cfg, deps)
	if err != nil {
		logger.Error("failed to configure networks", "error", err)
		os.Exit(1)
	}

	serverNets := make([]*server.Network, 0, len(nets))
	for _, n := range nets {
		serverNets = append(serverNets, &server.Network{
			Name:     n.Name,
			RPCURL:   n.RPCURL,
			Chain:    n.Chain,
			Registry: n.Registry,
			Creator:  n.Creator,
			Verifier: n.Verifier,
			Settler:  n.Settler,
		})
	}

	// Initialize HTTP server
	httpServer, err := server.New(server.Config{
		Addr:           cfg.ServerAddr,
		Wallet:         wallet,
		Ledger:         deps.Ledger,
		Networks:       serverNets,
		DefaultNetwork: cfg.DefaultNetwork,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		Settlements:    settlements,
		Events:         events,
		Metrics:        metricsCollector,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	logger.Info("server initialized, all dependencies ready",
		"facilitation_enabled", wallet.Enabled(),
		"database", cfg.DatabaseURL != "",
		"nats", cfg.NATSURL != "",
		"temporal", cfg.TemporalHost != "",
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
