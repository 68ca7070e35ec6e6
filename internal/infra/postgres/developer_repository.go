package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

const (
	apiKeyColumns = `id::text, user_id::text, key_prefix, key_hash, revoked, created_at`
	linkColumns   = `id::text, merchant_user_id::text, card_number, amount, description, status, COALESCE(transfer_id::text, ''), created_at, paid_at`
)

// DeveloperRepository implements port.DeveloperStore.
type DeveloperRepository struct {
	db      *DB
	querier Querier
}

// NewDeveloperRepository returns a repository on the pool.
func NewDeveloperRepository(db *DB) *DeveloperRepository {
	return &DeveloperRepository{db: db, querier: db.bound(db.pool)}
}

func scanAPIKey(row pgx.Row) (*domain.APIKey, error) {
	var k domain.APIKey
	if err := row.Scan(&k.ID, &k.UserID, &k.Prefix, &k.KeyHash, &k.Revoked, &k.CreatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func scanLink(row pgx.Row) (*domain.PaymentLink, error) {
	var l domain.PaymentLink
	if err := row.Scan(
		&l.ID,
		&l.MerchantUserID,
		&l.CardNumber,
		&l.Amount,
		&l.Description,
		&l.Status,
		&l.TransferID,
		&l.CreatedAt,
		&l.PaidAt,
	); err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *DeveloperRepository) CreateAPIKey(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error) {
	query := `
		INSERT INTO api_keys (id, user_id, key_prefix, key_hash, revoked)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + apiKeyColumns

	created, err := scanAPIKey(r.querier.QueryRow(ctx, query, uuid.NewString(), key.UserID, key.Prefix, key.KeyHash, key.Revoked))
	if err != nil {
		return nil, r.db.wrap("CreateAPIKey", fmt.Errorf("failed to create api key: %w", err))
	}
	return created, nil
}

func (r *DeveloperRepository) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	k, err := scanAPIKey(r.querier.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "api_key", ID: "***"}
	}
	if err != nil {
		return nil, r.db.wrap("GetAPIKeyByHash", fmt.Errorf("failed to get api key: %w", err))
	}
	return k, nil
}

func (r *DeveloperRepository) RevokeAPIKey(ctx context.Context, userID, keyID string) (*domain.APIKey, error) {
	query := `
		UPDATE api_keys SET revoked = TRUE
		WHERE id::text = $1 AND user_id::text = $2
		RETURNING ` + apiKeyColumns

	k, err := scanAPIKey(r.querier.QueryRow(ctx, query, keyID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "api_key", ID: keyID}
	}
	if err != nil {
		return nil, r.db.wrap("RevokeAPIKey", fmt.Errorf("failed to revoke api key: %w", err))
	}
	return k, nil
}

func (r *DeveloperRepository) CreatePaymentLink(ctx context.Context, link *domain.PaymentLink) (*domain.PaymentLink, error) {
	id := link.ID
	if id == "" {
		id = uuid.NewString()
	}
	query := `
		INSERT INTO payment_links (id, merchant_user_id, card_number, amount, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + linkColumns

	created, err := scanLink(r.querier.QueryRow(ctx, query,
		id,
		link.MerchantUserID,
		link.CardNumber,
		link.Amount,
		link.Description,
		link.Status,
	))
	if err != nil {
		return nil, r.db.wrap("CreatePaymentLink", fmt.Errorf("failed to create payment link: %w", err))
	}
	return created, nil
}

func (r *DeveloperRepository) GetPaymentLink(ctx context.Context, id string) (*domain.PaymentLink, error) {
	l, err := scanLink(r.querier.QueryRow(ctx, `SELECT `+linkColumns+` FROM payment_links WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "payment_link", ID: id}
	}
	if err != nil {
		return nil, r.db.wrap("GetPaymentLink", fmt.Errorf("failed to get payment link: %w", err))
	}
	return l, nil
}

// MarkPaymentLinkPaid only matches open links, so a second payer gets a conflict.
func (r *DeveloperRepository) MarkPaymentLinkPaid(ctx context.Context, id, transferID string) (*domain.PaymentLink, error) {
	query := `
		UPDATE payment_links
		SET status = $1, transfer_id = $2, paid_at = NOW()
		WHERE id::text = $3 AND status = $4
		RETURNING ` + linkColumns

	l, err := scanLink(r.querier.QueryRow(ctx, query, domain.PaymentLinkPaid, transferID, id, domain.PaymentLinkOpen))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, r.db.wrap("MarkPaymentLinkPaid", fmt.Errorf("failed to mark payment link paid: %w", err))
	}
	if _, err := r.GetPaymentLink(ctx, id); err != nil {
		return nil, err
	}
	return nil, &domain.ErrConflict{Message: "payment link already paid"}
}
