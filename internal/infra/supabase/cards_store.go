package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

// ============================================================
// AccountStore
// ============================================================

// CardStore implements port.AccountStore on the "cards" table.
type CardStore struct {
	c *Client
}

// NewCardStore returns a card store using c.
func NewCardStore(c *Client) *CardStore {
	return &CardStore{c: c}
}

func (s *CardStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return s.getOne(ctx, "GetAccount", "id="+eq(id), id)
}

func (s *CardStore) GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	return s.getOne(ctx, "GetAccountByNumber", "card_number="+eq(number), number)
}

func (s *CardStore) getOne(ctx context.Context, op, filter, id string) (*domain.Account, error) {
	var acc *domain.Account
	err := s.c.call(ctx, op, func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodGet, "cards?select=*&"+filter+"&limit=1", nil, "")
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.Account](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "card", ID: id}
		}
		acc = &rows[0]
		return nil
	})
	return acc, err
}

// ListAccountsByOwner returns the owner's cards, oldest first.
func (s *CardStore) ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error) {
	var out []domain.Account
	err := s.c.call(ctx, "ListAccountsByOwner", func(ctx context.Context) error {
		path := fmt.Sprintf("cards?select=*&user_id=%s&order=created_at.asc,id.asc", eq(ownerID))
		resp, err := s.c.do(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		out, err = decodeRows[domain.Account](resp)
		return err
	})
	if out == nil && err == nil {
		out = []domain.Account{}
	}
	return out, err
}

func (s *CardStore) CreateAccount(ctx context.Context, acc *domain.Account) (*domain.Account, error) {
	body := map[string]any{
		"user_id":     acc.OwnerID,
		"card_number": acc.ExternalNumber,
		"balance":     acc.Balance,
		"status":      acc.Status,
	}
	if acc.ID != "" {
		body["id"] = acc.ID
	}

	var created *domain.Account
	err := s.c.call(ctx, "CreateAccount", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodPost, "cards", body, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.Account](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("insert card returned no rows")
		}
		created = &rows[0]
		return nil
	})
	return created, err
}

// UpdateBalance is a conditional PATCH filtered on the balance the caller
// read. Every attempt of one call writes the same updated_at, so a retried
// PATCH whose first answer was lost is recognised as already applied instead
// of being reported as a lost race.
func (s *CardStore) UpdateBalance(ctx context.Context, id string, expected, newBalance int64) (*domain.Account, error) {
	if newBalance < 0 {
		return nil, &domain.ErrValidation{Field: "balance", Message: "balance cannot be negative"}
	}

	stamp := time.Now().UTC().Truncate(time.Microsecond)

	var updated *domain.Account
	err := s.c.call(ctx, "UpdateBalance", func(ctx context.Context) error {
		path := fmt.Sprintf("cards?id=%s&balance=eq.%s", eq(id), url.QueryEscape(strconv.FormatInt(expected, 10)))
		resp, err := s.c.do(ctx, http.MethodPatch, path, map[string]any{
			"balance":    newBalance,
			"updated_at": stamp,
		}, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.Account](resp)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			updated = &rows[0]
			return nil
		}
		updated, err = s.reconcile(ctx, id, newBalance, stamp)
		return err
	})
	if err == nil || isDomainError(err) {
		return updated, err
	}

	// Outcome unknown: the last PATCH may have committed. One more read
	// settles it; if that fails too the caller gets the original error.
	if acc, rerr := s.confirmBalance(ctx, id, newBalance, stamp); rerr == nil {
		s.c.logger.Warn("supabase: balance update confirmed after failed response",
			zap.String("card_id", id), zap.Error(err))
		return acc, nil
	}
	return nil, err
}

// reconcile runs after a conditional update matched nothing. It tells a
// missing card and a lost race apart from an earlier attempt of the same
// call that already applied.
func (s *CardStore) reconcile(ctx context.Context, id string, newBalance int64, stamp time.Time) (*domain.Account, error) {
	resp, err := s.c.do(ctx, http.MethodGet, "cards?select=*&id="+eq(id)+"&limit=1", nil, "")
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[domain.Account](resp)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "card", ID: id}
	}
	if appliedBy(&rows[0], newBalance, stamp) {
		return &rows[0], nil
	}
	s.c.logger.Debug("supabase: conditional balance update lost race", zap.String("card_id", id))
	return nil, &domain.ErrStaleWrite{Resource: "card", ID: id}
}

func (s *CardStore) confirmBalance(ctx context.Context, id string, newBalance int64, stamp time.Time) (*domain.Account, error) {
	var acc *domain.Account
	err := s.c.call(ctx, "ConfirmBalance", func(ctx context.Context) error {
		var err error
		acc, err = s.reconcile(ctx, id, newBalance, stamp)
		return err
	})
	return acc, err
}

func appliedBy(acc *domain.Account, newBalance int64, stamp time.Time) bool {
	return acc.Balance == newBalance && acc.UpdatedAt.Equal(stamp)
}

func (s *CardStore) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error) {
	var updated *domain.Account
	err := s.c.call(ctx, "UpdateStatus", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodPatch, "cards?id="+eq(id), map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.Account](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "card", ID: id}
		}
		updated = &rows[0]
		return nil
	})
	return updated, err
}
