/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize SQLite store and publish the preset rate tables
  3. Choose the calculation lease backend (memory or Redis)
  4. Build the period manager, seed demo scenarios when SEED_DEMO is set
  5. Start the payment handoff dispatcher when Kafka is configured
  6. Configure HTTP router and start serving

COMMAND-LINE FLAGS:
  -addr    HTTP listen address (overrides APP_ADDR)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go for the full list. The common ones:
  APP_ENV, DB_PATH, CALC_WORKERS, REDIS_ADDR, KAFKA_BROKERS

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the dispatcher and cancel in-flight calculation runs
  4. Close Kafka writer, Redis client and database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/payroll.db"

  # Run with in-memory database and shared leases
  REDIS_ADDR=localhost:6379 ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Configuration
  - api/server.go: Router configuration
  - payroll/period_manager.go: Period orchestration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/handoff"
	"github.com/warp/payroll-engine/lease/redislease"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	// Flags
	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Addr = *addr
	cfg.DBPath = *dbPath

	logger := newLogger(cfg.Environment)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer store.Close()

	if err := api.EnsureRateTables(context.Background(), store); err != nil {
		logger.Fatal("failed to publish preset rate tables", zap.Error(err))
	}

	managerCfg := payroll.Config{
		Store:     store,
		Rates:     store,
		Snapshots: store,
		Detection: &cfg.Detection,
		Gate:      &cfg.Gate,
		Workers:   cfg.Workers,
		LeaseTTL:  cfg.LeaseTTL,
		Logger:    logger,
	}

	// Leases: Redis when configured, otherwise in-process
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		managerCfg.Leases = redislease.New(rdb, logger)
		logger.Info("using redis calculation leases", zap.String("addr", cfg.RedisAddr))
	}

	manager, err := payroll.NewPeriodManager(managerCfg)
	if err != nil {
		logger.Fatal("failed to build period manager", zap.Error(err))
	}

	handler := api.NewHandler(manager, store, logger)
	if cfg.SeedDemo {
		if err := handler.SeedScenarios(context.Background()); err != nil {
			logger.Fatal("failed to seed demo scenarios", zap.Error(err))
		}
	}

	// Payment handoff
	var dispatcher *handoff.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		writer := handoff.NewKafkaWriter(cfg.KafkaBrokers)
		defer writer.Close()

		dispatcher = handoff.NewDispatcher(manager, handoff.NewKafkaPublisher(writer, cfg.KafkaTopic), logger)
		dispatcher.CheckInterval = cfg.DispatchEvery
		dispatcher.Enabled = cfg.DispatchOn
		dispatcher.Start()
		handler.Dispatcher = dispatcher
		logger.Info("payment handoff enabled",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.Duration("interval", cfg.DispatchEvery),
			zap.Bool("scheduled", cfg.DispatchOn))
	}

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr), zap.String("env", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
	manager.Close()

	logger.Info("server stopped")
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
