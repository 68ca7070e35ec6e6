package supabase

import (
	"context"
	"fmt"
	"net/http"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

// TransactionStore implements port.TransactionLog on the "transactions" table.
type TransactionStore struct {
	c *Client
}

// NewTransactionStore returns a transaction log using c.
func NewTransactionStore(c *Client) *TransactionStore {
	return &TransactionStore{c: c}
}

// AppendTransaction inserts tx and fills in the generated id and timestamp.
func (s *TransactionStore) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	body := map[string]any{
		"card_id":     tx.AccountID,
		"type":        tx.Type,
		"amount":      tx.Amount,
		"description": tx.Description,
		"status":      tx.Status,
	}
	if tx.ID != "" {
		body["id"] = tx.ID
	}
	if tx.TransferID != "" {
		body["transfer_id"] = tx.TransferID
	}

	return s.c.call(ctx, "AppendTransaction", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodPost, "transactions", body, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.Transaction](resp)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			tx.ID = rows[0].ID
			tx.CreatedAt = rows[0].CreatedAt
		}
		return nil
	})
}

// ListTransactions returns the card's records, newest first. limit <= 0 means all.
func (s *TransactionStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	path := fmt.Sprintf("transactions?select=*&card_id=%s&order=created_at.desc", eq(accountID))
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}

	out := []domain.Transaction{}
	err := s.c.call(ctx, "ListTransactions", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.Transaction](resp)
		if err != nil {
			return err
		}
		out = append(out[:0], rows...)
		return nil
	})
	return out, err
}
