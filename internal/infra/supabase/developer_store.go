package supabase

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

// ============================================================
// DeveloperStore
// ============================================================

type apiKeyRow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Prefix    string    `json:"key_prefix"`
	KeyHash   string    `json:"key_hash"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

func (r apiKeyRow) toDomain() *domain.APIKey {
	return &domain.APIKey{
		ID:        r.ID,
		UserID:    r.UserID,
		Prefix:    r.Prefix,
		KeyHash:   r.KeyHash,
		Revoked:   r.Revoked,
		CreatedAt: r.CreatedAt,
	}
}

// DeveloperStore implements port.DeveloperStore on the "api_keys" and
// "payment_links" tables.
type DeveloperStore struct {
	c *Client
}

// NewDeveloperStore returns a developer store using c.
func NewDeveloperStore(c *Client) *DeveloperStore {
	return &DeveloperStore{c: c}
}

func (s *DeveloperStore) CreateAPIKey(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error) {
	body := map[string]any{
		"user_id":    key.UserID,
		"key_prefix": key.Prefix,
		"key_hash":   key.KeyHash,
		"revoked":    key.Revoked,
	}

	var created *domain.APIKey
	err := s.c.call(ctx, "CreateAPIKey", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodPost, "api_keys", body, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[apiKeyRow](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("insert api key returned no rows")
		}
		created = rows[0].toDomain()
		return nil
	})
	return created, err
}

func (s *DeveloperStore) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	var found *domain.APIKey
	err := s.c.call(ctx, "GetAPIKeyByHash", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodGet, "api_keys?select=*&key_hash="+eq(hash)+"&limit=1", nil, "")
		if err != nil {
			return err
		}
		rows, err := decodeRows[apiKeyRow](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "api_key", ID: "***"}
		}
		found = rows[0].toDomain()
		return nil
	})
	return found, err
}

func (s *DeveloperStore) CreatePaymentLink(ctx context.Context, link *domain.PaymentLink) (*domain.PaymentLink, error) {
	body := map[string]any{
		"merchant_user_id": link.MerchantUserID,
		"card_number":      link.CardNumber,
		"amount":           link.Amount,
		"description":      link.Description,
		"status":           link.Status,
	}
	if link.ID != "" {
		body["id"] = link.ID
	}

	var created *domain.PaymentLink
	err := s.c.call(ctx, "CreatePaymentLink", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodPost, "payment_links", body, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.PaymentLink](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("insert payment link returned no rows")
		}
		created = &rows[0]
		return nil
	})
	return created, err
}

func (s *DeveloperStore) GetPaymentLink(ctx context.Context, id string) (*domain.PaymentLink, error) {
	var found *domain.PaymentLink
	err := s.c.call(ctx, "GetPaymentLink", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodGet, "payment_links?select=*&id="+eq(id)+"&limit=1", nil, "")
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.PaymentLink](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "payment_link", ID: id}
		}
		found = &rows[0]
		return nil
	})
	return found, err
}

func (s *DeveloperStore) RevokeAPIKey(ctx context.Context, userID, keyID string) (*domain.APIKey, error) {
	var revoked *domain.APIKey
	err := s.c.call(ctx, "RevokeAPIKey", func(ctx context.Context) error {
		path := fmt.Sprintf("api_keys?id=%s&user_id=%s", eq(keyID), eq(userID))
		resp, err := s.c.do(ctx, http.MethodPatch, path, map[string]any{"revoked": true}, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[apiKeyRow](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "api_key", ID: keyID}
		}
		revoked = rows[0].toDomain()
		return nil
	})
	return revoked, err
}

// MarkPaymentLinkPaid only matches open links, so a second payer loses.
func (s *DeveloperStore) MarkPaymentLinkPaid(ctx context.Context, id, transferID string) (*domain.PaymentLink, error) {
	var updated *domain.PaymentLink
	err := s.c.call(ctx, "MarkPaymentLinkPaid", func(ctx context.Context) error {
		path := fmt.Sprintf("payment_links?id=%s&status=eq.%s", eq(id), domain.PaymentLinkOpen)
		resp, err := s.c.do(ctx, http.MethodPatch, path, map[string]any{
			"status":      domain.PaymentLinkPaid,
			"transfer_id": transferID,
			"paid_at":     time.Now().UTC(),
		}, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.PaymentLink](resp)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			updated = &rows[0]
			return nil
		}
		resp, err = s.c.do(ctx, http.MethodGet, "payment_links?select=id&id="+eq(id)+"&limit=1", nil, "")
		if err != nil {
			return err
		}
		existing, err := decodeRows[domain.PaymentLink](resp)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return &domain.ErrNotFound{Resource: "payment_link", ID: id}
		}
		return &domain.ErrConflict{Message: "payment link already paid"}
	})
	return updated, err
}
