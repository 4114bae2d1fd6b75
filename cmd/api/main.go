package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nova-ledger/config"
	natsEvents "nova-ledger/internal/adapter/events/nats"
	httpHandler "nova-ledger/internal/adapter/http/handler"
	"nova-ledger/internal/adapter/provider"
	memStorage "nova-ledger/internal/adapter/storage/memory"
	pgStorage "nova-ledger/internal/adapter/storage/postgres"
	redisStorage "nova-ledger/internal/adapter/storage/redis"
	"nova-ledger/internal/core/ports"
	"nova-ledger/internal/service"
	"nova-ledger/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Str("storage", cfg.Storage.Driver).
		Int("port", cfg.Server.Port).
		Msg("Starting Nova Ledger")

	ctx := context.Background()

	// Storage wiring. The memory driver serves local development only; the
	// config layer rejects it outside local mode.
	var (
		accountRepo    ports.AccountRepository
		ledgerRepo     ports.LedgerRepository
		payoutRepo     ports.PayoutRepository
		idempRepo      ports.IdempotencyRepository
		transactor     ports.DBTransactor
		idempCache     ports.IdempotencyCache
		healthCheckers []ports.HealthChecker
	)

	switch cfg.Storage.Driver {
	case "memory":
		store, err := memStorage.New(cfg.Server)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize memory storage")
		}
		accountRepo = memStorage.NewAccountRepo(store)
		ledgerRepo = memStorage.NewLedgerRepo(store)
		payoutRepo = memStorage.NewPayoutRepo(store)
		idempRepo = memStorage.NewIdempotencyRepo(store)
		transactor = memStorage.NewTransactor(store)
		idempCache = memStorage.NewIdempotencyCache(store)
		log.Warn().Msg("Memory storage active: state is not durable")

	default:
		pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		log.Info().Msg("PostgreSQL connected")

		rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("Redis connected")

		accountRepo = pgStorage.NewAccountRepo(pool)
		ledgerRepo = pgStorage.NewLedgerRepo(pool)
		payoutRepo = pgStorage.NewPayoutRepo(pool)
		idempRepo = pgStorage.NewIdempotencyRepo(pool)
		transactor = pgStorage.NewTransactor(pool)
		idempCache = redisStorage.NewIdempotencyCache(rdb)
		healthCheckers = append(healthCheckers, pgStorage.NewHealthCheck(pool), redisStorage.NewHealthCheck(rdb))
	}

	// Audit event sink: NATS when enabled, structured log otherwise.
	var events ports.EventSink
	if cfg.Nats.Enabled {
		nc, err := natsEvents.Connect(cfg.Nats.URL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		events = natsEvents.NewPublisher(nc, log)
	} else {
		events = natsEvents.NewLogSink(log)
	}

	// External payment provider
	paymentProvider := provider.NewClient(cfg.Provider, &http.Client{Timeout: cfg.Provider.Timeout}, log)

	// Fraud signals: the risk platform's signal API is not wired yet, so the
	// gate runs against fixed zero signals and never blocks.
	signals := &service.StaticSignalSource{}
	riskGate := service.NewThresholdRiskGate()

	allowDerivedKeys := cfg.Server.IsLocal()

	// Business services
	ledgerSvc := service.NewLedgerService(
		accountRepo,
		ledgerRepo,
		idempRepo,
		idempCache,
		riskGate,
		signals,
		events,
		transactor,
		allowDerivedKeys,
		cfg.Risk.BlockThreshold,
		log,
	)
	payoutSvc := service.NewPayoutService(
		accountRepo,
		ledgerRepo,
		payoutRepo,
		paymentProvider,
		transactor,
		allowDerivedKeys,
		cfg.Payout.MinAmount,
		cfg.Payout.MaxAmount,
		cfg.Payout.DailyCap,
		log,
	)
	reconcileSvc := service.NewReconcileService(
		accountRepo,
		ledgerRepo,
		payoutRepo,
		paymentProvider,
		events,
		transactor,
		cfg.Payout.SweepStaleness,
		log,
	)

	// Background reconciliation sweep
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go reconcileSvc.RunSweeper(sweepCtx, cfg.Payout.SweepInterval)

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		LedgerSvc:      ledgerSvc,
		PayoutSvc:      payoutSvc,
		ReconcileSvc:   reconcileSvc,
		HealthCheckers: healthCheckers,
		JWTSecret:      cfg.JWT.Secret,
		JWTIssuer:      cfg.JWT.Issuer,
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
