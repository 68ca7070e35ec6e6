package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

const cardColumns = `id::text, user_id::text, card_number, balance, status, created_at, updated_at`

// CardRepository implements port.AccountStore on the "cards" table.
type CardRepository struct {
	db      *DB
	querier Querier
	// forUpdate locks every card it reads; set inside a unit of work.
	forUpdate bool
}

// NewCardRepository returns a repository on the pool.
func NewCardRepository(db *DB) *CardRepository {
	return &CardRepository{db: db, querier: db.bound(db.pool)}
}

// WithTx returns a repository bound to tx that locks the rows it reads.
func (r *CardRepository) WithTx(tx pgx.Tx) *CardRepository {
	return &CardRepository{db: r.db, querier: r.db.bound(tx), forUpdate: true}
}

func scanCard(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(
		&acc.ID,
		&acc.OwnerID,
		&acc.ExternalNumber,
		&acc.Balance,
		&acc.Status,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *CardRepository) lockClause() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func (r *CardRepository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE id::text = $1` + r.lockClause()

	acc, err := scanCard(r.querier.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "card", ID: id}
	}
	if err != nil {
		return nil, r.db.wrap("GetAccount", fmt.Errorf("failed to get card: %w", err))
	}
	return acc, nil
}

func (r *CardRepository) GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE card_number = $1` + r.lockClause()

	acc, err := scanCard(r.querier.QueryRow(ctx, query, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "card", ID: number}
	}
	if err != nil {
		return nil, r.db.wrap("GetAccountByNumber", fmt.Errorf("failed to get card by number: %w", err))
	}
	return acc, nil
}

// ListAccountsByOwner returns the owner's cards, oldest first.
func (r *CardRepository) ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE user_id::text = $1 ORDER BY created_at, id`

	rows, err := r.querier.Query(ctx, query, ownerID)
	if err != nil {
		return nil, r.db.wrap("ListAccountsByOwner", fmt.Errorf("failed to list cards: %w", err))
	}
	defer rows.Close()

	out := make([]domain.Account, 0)
	for rows.Next() {
		acc, err := scanCard(rows)
		if err != nil {
			return nil, r.db.wrap("ListAccountsByOwner", fmt.Errorf("failed to scan card: %w", err))
		}
		out = append(out, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, r.db.wrap("ListAccountsByOwner", err)
	}
	return out, nil
}

func (r *CardRepository) CreateAccount(ctx context.Context, acc *domain.Account) (*domain.Account, error) {
	id := acc.ID
	if id == "" {
		id = uuid.NewString()
	}
	query := `
		INSERT INTO cards (id, user_id, card_number, balance, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + cardColumns

	created, err := scanCard(r.querier.QueryRow(ctx, query,
		id,
		acc.OwnerID,
		acc.ExternalNumber,
		acc.Balance,
		acc.Status,
	))
	if err != nil {
		return nil, r.db.wrap("CreateAccount", fmt.Errorf("failed to create card: %w", err))
	}
	return created, nil
}

// UpdateBalance writes newBalance only while the stored balance equals expected.
func (r *CardRepository) UpdateBalance(ctx context.Context, id string, expected, newBalance int64) (*domain.Account, error) {
	if newBalance < 0 {
		return nil, &domain.ErrValidation{Field: "balance", Message: "balance cannot be negative"}
	}
	query := `
		UPDATE cards
		SET balance = $1, updated_at = NOW()
		WHERE id::text = $2 AND balance = $3
		RETURNING ` + cardColumns

	acc, err := scanCard(r.querier.QueryRow(ctx, query, newBalance, id, expected))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, r.db.wrap("UpdateBalance", fmt.Errorf("failed to update card balance: %w", err))
	}

	var exists bool
	if err := r.querier.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cards WHERE id::text = $1)`, id).Scan(&exists); err != nil {
		return nil, r.db.wrap("UpdateBalance", fmt.Errorf("failed to check card: %w", err))
	}
	if !exists {
		return nil, &domain.ErrNotFound{Resource: "card", ID: id}
	}
	return nil, &domain.ErrStaleWrite{Resource: "card", ID: id}
}

func (r *CardRepository) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error) {
	query := `
		UPDATE cards
		SET status = $1, updated_at = NOW()
		WHERE id::text = $2
		RETURNING ` + cardColumns

	acc, err := scanCard(r.querier.QueryRow(ctx, query, status, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "card", ID: id}
	}
	if err != nil {
		return nil, r.db.wrap("UpdateStatus", fmt.Errorf("failed to update card status: %w", err))
	}
	return acc, nil
}
