// Package postgres stores the ledger in PostgreSQL through pgx. It is the
// only backend with a UnitOfWork, so transfers on it are fully atomic.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
)

const backendName = "postgres"

// Querier supports database operations for both pool and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the part of *pgxpool.Pool the repositories need.
type Pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
	_ Pool    = (*pgxpool.Pool)(nil)
)

// Config holds connection settings.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
	// CallTimeout bounds each statement, pool acquire and commit. Zero disables it.
	CallTimeout time.Duration
}

// DB owns the pool and hands out repositories.
type DB struct {
	pool        Pool
	callTimeout time.Duration
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithCallTimeout bounds every statement issued through the DB.
func WithCallTimeout(d time.Duration) Option {
	return func(db *DB) { db.callTimeout = d }
}

// New wraps an existing pool.
func New(pool Pool, metrics *observability.Metrics, logger *zap.Logger, opts ...Option) *DB {
	db := &DB{pool: pool, metrics: metrics, logger: logger}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Open applies pending migrations, connects and pings. The returned close
// function releases the pool.
func Open(ctx context.Context, cfg Config, metrics *observability.Metrics, logger *zap.Logger) (*DB, func(), error) {
	if cfg.MigrationsPath != "" {
		if err := RunMigrations(cfg.URL, cfg.MigrationsPath); err != nil {
			return nil, nil, err
		}
		logger.Info("postgres migrations applied", zap.String("path", cfg.MigrationsPath))
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns),
		zap.Duration("call_timeout", cfg.CallTimeout),
	)

	closeFn := func() {
		pool.Close()
		logger.Info("closed PostgreSQL connection")
	}
	return New(pool, metrics, logger, WithCallTimeout(cfg.CallTimeout)), closeFn, nil
}

// Name implements port.HealthChecker.
func (db *DB) Name() string { return backendName }

// Ping implements port.HealthChecker.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.boundCtx(ctx)
	defer cancel()
	return db.pool.Ping(ctx)
}

// ExecuteTx runs fn in a transaction, rolling back on error or panic.
// Begin and commit each get the per-call timeout; statements inside fn get
// theirs from the repositories bound to tx.
func (db *DB) ExecuteTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	beginCtx, cancel := db.boundCtx(ctx)
	tx, err := db.pool.Begin(beginCtx)
	cancel()
	if err != nil {
		return db.wrap("begin", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if r := recover(); r != nil {
			db.rollback(ctx, tx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		db.rollback(ctx, tx, err)
		return err
	}

	commitCtx, cancel := db.boundCtx(ctx)
	defer cancel()
	if err := tx.Commit(commitCtx); err != nil {
		return db.wrap("commit", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// rollback ignores the caller's cancellation so a timed-out transaction
// still releases its locks.
func (db *DB) rollback(ctx context.Context, tx pgx.Tx, cause error) {
	ctx, cancel := db.boundCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := tx.Rollback(ctx); err != nil {
		db.logger.Error("postgres rollback failed", zap.Error(err), zap.NamedError("cause", cause))
	}
}

const uniqueViolation = "23505"

// wrap turns a driver error into a domain error. Errors that already are
// domain errors pass through.
func (db *DB) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		nf    *domain.ErrNotFound
		stale *domain.ErrStaleWrite
		cf    *domain.ErrConflict
		ext   *domain.ErrExternalService
	)
	if errors.As(err, &nf) || errors.As(err, &stale) || errors.As(err, &cf) || errors.As(err, &ext) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &domain.ErrConflict{Message: fmt.Sprintf("duplicate value violates %s", pgErr.ConstraintName)}
	}

	db.metrics.IncrExternalError(backendName)
	db.logger.Error("postgres operation failed", zap.String("op", op), zap.Error(err))
	return &domain.ErrExternalService{Service: backendName + "/" + op, Err: err}
}
