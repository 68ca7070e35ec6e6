package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/boddenberg/starbank-bfa-go/internal/config"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/memory"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/mongo"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/postgres"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/supabase"
	"github.com/boddenberg/starbank-bfa-go/internal/port"

	"go.uber.org/zap"
)

// stores is the persistence wiring selected by DATA_BACKEND and TRANSACTION_LOG_BACKEND.
type stores struct {
	accounts   port.AccountStore
	log        port.TransactionLog
	users      port.UserStore
	developers port.DeveloperStore
	uow        port.UnitOfWork // nil unless cards and records share one database
	checkers   []port.HealthChecker
	closers    []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.DataBackend {
	case config.BackendSupabase:
		logger.Info("using Supabase as data backend", zap.String("supabase_url", cfg.SupabaseURL))
		client := supabase.NewClient(
			&http.Client{Timeout: cfg.HTTPTimeout},
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.Config{
				MaxRetries:     cfg.MaxRetries,
				InitialBackoff: cfg.InitialBackoff,
				MaxConcurrency: cfg.MaxConcurrency,
				CallTimeout:    cfg.StoreCallTimeout,
			},
			metrics,
			logger,
		)
		s.accounts = supabase.NewCardStore(client)
		s.log = supabase.NewTransactionStore(client)
		s.users = supabase.NewUserStore(client)
		s.developers = supabase.NewDeveloperStore(client)
		s.checkers = append(s.checkers, client)

	case config.BackendPostgres:
		logger.Info("using PostgreSQL as data backend")
		db, closeDB, err := postgres.Open(ctx, postgres.Config{
			URL:            cfg.PostgresURL,
			MaxConns:       cfg.PostgresMaxConns,
			MinConns:       cfg.PostgresMinConns,
			MigrationsPath: cfg.PostgresMigrationsPath,
			CallTimeout:    cfg.StoreCallTimeout,
		}, metrics, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closeDB)
		s.accounts = postgres.NewCardRepository(db)
		s.log = postgres.NewTransactionRepository(db)
		s.users = postgres.NewUserRepository(db)
		s.developers = postgres.NewDeveloperRepository(db)
		s.uow = postgres.NewUnitOfWork(db)
		s.checkers = append(s.checkers, db)

	case config.BackendMemory:
		logger.Warn("using in-memory data backend, nothing survives a restart")
		store := memory.New()
		s.accounts = store
		s.log = store
		s.users = store
		s.developers = store
		s.checkers = append(s.checkers, store)

	default:
		return nil, fmt.Errorf("unknown data backend %q", cfg.DataBackend)
	}

	if cfg.TransactionLogBackend == "mongo" {
		client, err := mongo.Connect(ctx, mongo.Config{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
			Timeout:  cfg.MongoTimeout,
		}, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect failed", zap.Error(err))
			}
		})

		txLog := mongo.NewTransactionLog(client.Database(cfg.MongoDatabase), metrics, logger)
		if err := txLog.EnsureIndexes(ctx); err != nil {
			s.close()
			return nil, err
		}
		s.log = txLog
		s.checkers = append(s.checkers, txLog)
		if s.uow != nil {
			logger.Info("transaction log lives outside the card database, transfers use conditional updates")
			s.uow = nil
		}
	}

	return s, nil
}
