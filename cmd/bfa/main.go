package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/starbank-bfa-go/internal/config"
	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/handler"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/cache"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/messaging"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
	"github.com/boddenberg/starbank-bfa-go/internal/service"

	"go.uber.org/zap"
)

var version = "dev"

func main() {
	// --- Config ---
	cfg, err := config.Load("starbank")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("version", version),
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("data_backend", cfg.DataBackend),
		zap.String("transaction_log_backend", cfg.TransactionLogBackend),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("store_call_timeout", cfg.StoreCallTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Duration("jwt_access_ttl", cfg.JWTAccessTTL),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Stores ---
	st, err := openStores(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Fatal("failed to open stores", zap.Error(err))
	}
	defer st.close()

	// --- Events ---
	var broker port.EventPublisher = messaging.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaEventsTopic,
		}, logger)
		if err != nil {
			logger.Fatal("failed to create kafka publisher", zap.Error(err))
		}
		broker = kafka
		logger.Info("publishing ledger events to kafka", zap.String("topic", cfg.KafkaEventsTopic))
	} else {
		logger.Info("no kafka brokers configured, ledger events are dropped")
	}
	events, err := messaging.NewAsyncPublisher(broker, messaging.AsyncConfig{Workers: cfg.EventWorkers}, metrics, logger)
	if err != nil {
		logger.Fatal("failed to start event workers", zap.Error(err))
	}

	// --- Cache ---
	apiKeyCache := cache.New[*domain.APIKey](ctx, cfg.CacheTTL)

	// --- Services ---
	var engineOpts []service.TransferOption
	if st.uow != nil {
		engineOpts = append(engineOpts, service.WithUnitOfWork(st.uow))
		logger.Info("transfers run inside a database transaction")
	}
	engine := service.NewTransferEngine(st.accounts, st.log, events, metrics, logger, service.TransferConfig{
		ConflictRetries: cfg.ConflictRetries,
		MaxAmount:       cfg.MaxTransferAmount,
	}, engineOpts...)

	services := handler.Services{
		Auth: service.NewAuthService(st.users, service.AuthConfig{
			JWTSecret:        cfg.JWTSecret,
			AccessTTL:        cfg.JWTAccessTTL,
			BotToken:         cfg.TelegramBotToken,
			TelegramMaxAge:   cfg.TelegramAuthMaxAge,
			AdminTelegramIDs: cfg.AdminTelegramIDs,
		}, logger),
		Cards:     service.NewCardService(st.accounts, st.log, metrics, logger),
		Transfers: engine,
		TopUps:    service.NewTopUpService(st.accounts, st.log, events, metrics, logger, cfg.StarsPerRuble, cfg.ConflictRetries),
		Admin:     service.NewAdminService(st.users, st.accounts, st.log, events, metrics, logger, cfg.ConflictRetries),
		Developer: service.NewDeveloperService(st.developers, st.users, st.accounts, engine,
			apiKeyCache, cfg.MaxTransferAmount, metrics, logger),
		MaxTransferAmount: cfg.MaxTransferAmount,
	}

	// --- Router ---
	router := handler.NewRouter(services, st.checkers, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	if err := events.Close(); err != nil {
		logger.Warn("event publisher close failed", zap.Error(err))
	}

	logger.Info("server stopped")
}
