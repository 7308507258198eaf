package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/koyon-nft/internal/chain"
	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/handler"
	"github.com/koyon-nft/internal/kafka"
	"github.com/koyon-nft/internal/memstore"
	"github.com/koyon-nft/internal/metrics"
	"github.com/koyon-nft/internal/postgres"
	"github.com/koyon-nft/internal/redis"
	"github.com/koyon-nft/internal/scoring"
	"github.com/koyon-nft/internal/service"
	"github.com/koyon-nft/internal/websocket"
	"github.com/koyon-nft/internal/worker"
)

// gameStore is everything the server needs from the durable store
type gameStore interface {
	service.Store
	scoring.GuessStore
	scoring.PointsLedger
	scoring.RunStore
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", cfgErr)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsManager := metrics.NewManager()
	checks := make(map[string]handler.Pinger)

	// Initialize durable store
	var store gameStore
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("using in-memory storage; state is lost on restart")
		store = memstore.New()
	default:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		postgresRepo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer postgresRepo.Close()
		logger.Info("connected to PostgreSQL")

		if err := postgresRepo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		store = postgresRepo
		checks["postgres"] = postgresRepo
	}

	// Initialize chain client
	var minter chain.Client
	if cfg.Chain.Enabled {
		ethClient, err := chain.NewEthClient(ctx, &cfg.Chain, logger)
		if err != nil {
			logger.Error("failed to initialize chain client", "error", err)
			os.Exit(1)
		}
		defer ethClient.Close()
		minter = ethClient
	} else {
		logger.Warn("chain disabled, mints are simulated")
		minter = chain.NewDryRun(cfg.Chain.Categories(), logger)
	}

	// Initialize scoring engine
	engine := scoring.NewEngine(store, store, store, scoring.NewRules(&cfg.Scoring),
		scoring.WithConcurrency(cfg.Scoring.Concurrency),
		scoring.WithPageSize(cfg.Scoring.PageSize),
		scoring.WithStaleRunAfter(cfg.Scoring.StaleRunAfter),
		scoring.WithObserver(metricsManager),
		scoring.WithLogger(logger),
	)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger, metricsManager.SetWebSocketClients)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	opts := []service.Option{
		service.WithBroadcaster(wsHub),
		service.WithRecorder(metricsManager),
	}

	// Initialize Redis
	var syncWorker *worker.SyncWorker
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		cache, err := redis.NewCache(&cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer cache.Close()
		logger.Info("connected to Redis")
		opts = append(opts, service.WithCache(cache))
		checks["redis"] = cache

		syncWorker = worker.NewSyncWorker(store, cache, &cfg.Sync, logger)

		// Rebuild caches from the durable store on startup
		if err := syncWorker.RunOnce(ctx); err != nil {
			logger.Warn("failed to rebuild caches on startup", "error", err)
		}
		if cfg.Sync.Enabled {
			if err := syncWorker.Start(ctx); err != nil {
				logger.Error("failed to start sync worker", "error", err)
				os.Exit(1)
			}
		}
	}

	// Initialize Kafka run publisher
	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		var err error
		publisher, err = kafka.NewPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka publisher, run events disabled", "error", err)
		} else {
			opts = append(opts, service.WithPublisher(publisher))
		}
	}

	gameService := service.NewGameService(store, engine, minter, cfg, logger, opts...)

	// Initialize Kafka consumer for high-load submission ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, gameService, metricsManager, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(gameService, wsHub, metricsManager, checks, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server first so no new scoring runs start
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close Kafka publisher", "error", err)
		}
	}

	// Stop sync worker
	if syncWorker != nil {
		if err := syncWorker.Stop(); err != nil {
			logger.Error("failed to stop sync worker", "error", err)
		}
	}

	logger.Info("server stopped")
}
