// Package mongo keeps the transaction log in a MongoDB collection.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
)

// CollectionName is the collection holding transaction records.
const CollectionName = "transactions"

const backendName = "mongo"

// Config holds connection settings.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("connected to MongoDB", zap.String("database", cfg.Database))
	return client, nil
}

// TransactionLog implements port.TransactionLog.
type TransactionLog struct {
	db      *mongo.Database
	coll    *mongo.Collection
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewTransactionLog returns a log on db.
func NewTransactionLog(db *mongo.Database, metrics *observability.Metrics, logger *zap.Logger) *TransactionLog {
	return &TransactionLog{
		db:      db,
		coll:    db.Collection(CollectionName),
		metrics: metrics,
		logger:  logger,
	}
}

// EnsureIndexes creates the statement index (card, newest first) and the
// transfer correlation index.
func (l *TransactionLog) EnsureIndexes(ctx context.Context) error {
	_, err := l.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "card_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "transfer_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}
	return nil
}

// Name implements port.HealthChecker.
func (l *TransactionLog) Name() string { return backendName }

// Ping implements port.HealthChecker.
func (l *TransactionLog) Ping(ctx context.Context) error {
	return l.db.Client().Ping(ctx, readpref.Primary())
}

// AppendTransaction inserts tx, assigning an id and timestamp when missing.
func (l *TransactionLog) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	rec := *tx
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if _, err := l.coll.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &domain.ErrConflict{Message: fmt.Sprintf("transaction %s already recorded", rec.ID)}
		}
		return l.fail("AppendTransaction", fmt.Errorf("failed to insert transaction: %w", err), zap.String("card_id", rec.AccountID))
	}

	tx.ID = rec.ID
	tx.CreatedAt = rec.CreatedAt
	return nil
}

// ListTransactions returns the card's records, newest first. limit <= 0 means all.
func (l *TransactionLog) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := l.coll.Find(ctx, bson.M{"card_id": accountID}, opts)
	if err != nil {
		return nil, l.fail("ListTransactions", fmt.Errorf("failed to find transactions: %w", err), zap.String("card_id", accountID))
	}
	defer cursor.Close(ctx)

	out := make([]domain.Transaction, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, l.fail("ListTransactions", fmt.Errorf("failed to decode transactions: %w", err), zap.String("card_id", accountID))
	}
	return out, nil
}

func (l *TransactionLog) fail(op string, err error, fields ...zap.Field) error {
	l.metrics.IncrExternalError(backendName)
	l.logger.Error("mongo operation failed", append(fields, zap.String("op", op), zap.Error(err))...)
	return &domain.ErrExternalService{Service: backendName + "/" + op, Err: err}
}
