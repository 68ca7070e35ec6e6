package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

// TransactionRepository implements port.TransactionLog on the "transactions" table.
type TransactionRepository struct {
	db      *DB
	querier Querier
}

// NewTransactionRepository returns a repository on the pool.
func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db, querier: db.bound(db.pool)}
}

// WithTx returns a repository bound to tx.
func (r *TransactionRepository) WithTx(tx pgx.Tx) *TransactionRepository {
	return &TransactionRepository{db: r.db, querier: r.db.bound(tx)}
}

// AppendTransaction inserts tx and fills in its id and timestamp.
func (r *TransactionRepository) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	var transferID *string
	if tx.TransferID != "" {
		transferID = &tx.TransferID
	}

	query := `
		INSERT INTO transactions (id, card_id, transfer_id, type, amount, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err := r.querier.QueryRow(ctx, query,
		tx.ID,
		tx.AccountID,
		transferID,
		tx.Type,
		tx.Amount,
		tx.Description,
		tx.Status,
	).Scan(&tx.CreatedAt)
	if err != nil {
		return r.db.wrap("AppendTransaction", fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

// ListTransactions returns the card's records, newest first. limit <= 0 means all.
func (r *TransactionRepository) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT id::text, card_id::text, COALESCE(transfer_id::text, ''), type, amount, description, status, created_at
		FROM transactions
		WHERE card_id::text = $1
		ORDER BY created_at DESC, id DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.querier.Query(ctx, query, args...)
	if err != nil {
		return nil, r.db.wrap("ListTransactions", fmt.Errorf("failed to list transactions: %w", err))
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0)
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(
			&t.ID,
			&t.AccountID,
			&t.TransferID,
			&t.Type,
			&t.Amount,
			&t.Description,
			&t.Status,
			&t.CreatedAt,
		); err != nil {
			return nil, r.db.wrap("ListTransactions", fmt.Errorf("failed to scan transaction: %w", err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, r.db.wrap("ListTransactions", err)
	}
	return out, nil
}
