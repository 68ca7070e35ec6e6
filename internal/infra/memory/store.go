// Package memory is a mutex-guarded implementation of every store port.
// It backs DATA_BACKEND=memory and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

// Store holds all state in maps. Values are copied in and out so callers
// never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]domain.Account
	byNumber map[string]string
	txs      []domain.Transaction
	users    map[string]domain.User
	apiKeys  map[string]domain.APIKey
	links    map[string]domain.PaymentLink
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[string]domain.Account),
		byNumber: make(map[string]string),
		users:    make(map[string]domain.User),
		apiKeys:  make(map[string]domain.APIKey),
		links:    make(map[string]domain.PaymentLink),
		now:      time.Now,
	}
}

// Name implements port.HealthChecker.
func (s *Store) Name() string { return "memory" }

// Ping implements port.HealthChecker.
func (s *Store) Ping(context.Context) error { return nil }

// ============================================================
// Cards
// ============================================================

func (s *Store) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "card", ID: id}
	}
	return &acc, nil
}

func (s *Store) GetAccountByNumber(_ context.Context, number string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNumber[number]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "card", ID: number}
	}
	acc := s.accounts[id]
	return &acc, nil
}

// ListAccountsByOwner returns the owner's cards, oldest first.
func (s *Store) ListAccountsByOwner(_ context.Context, ownerID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0)
	for _, acc := range s.accounts {
		if acc.OwnerID == ownerID {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateAccount(_ context.Context, acc *domain.Account) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := *acc
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if _, dup := s.accounts[created.ID]; dup {
		return nil, &domain.ErrConflict{Message: fmt.Sprintf("card %s already exists", created.ID)}
	}
	if _, dup := s.byNumber[created.ExternalNumber]; dup {
		return nil, &domain.ErrConflict{Message: "card number already issued"}
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	created.UpdatedAt = created.CreatedAt

	s.accounts[created.ID] = created
	s.byNumber[created.ExternalNumber] = created.ID
	return &created, nil
}

func (s *Store) UpdateBalance(_ context.Context, id string, expected, newBalance int64) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "card", ID: id}
	}
	if acc.Balance != expected {
		return nil, &domain.ErrStaleWrite{Resource: "card", ID: id}
	}
	if newBalance < 0 {
		return nil, &domain.ErrValidation{Field: "balance", Message: "balance cannot be negative"}
	}
	acc.Balance = newBalance
	acc.UpdatedAt = s.now()
	s.accounts[id] = acc
	return &acc, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status domain.AccountStatus) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "card", ID: id}
	}
	acc.Status = status
	acc.UpdatedAt = s.now()
	s.accounts[id] = acc
	return &acc, nil
}

// ============================================================
// Transaction log
// ============================================================

func (s *Store) AppendTransaction(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *tx
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.txs = append(s.txs, rec)
	tx.ID = rec.ID
	tx.CreatedAt = rec.CreatedAt
	return nil
}

// ListTransactions returns the card's records, newest first. limit <= 0 means all.
func (s *Store) ListTransactions(_ context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0)
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].AccountID != accountID {
			continue
		}
		out = append(out, s.txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ============================================================
// Users
// ============================================================

func (s *Store) CreateUser(_ context.Context, u *domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := *u
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	for _, existing := range s.users {
		if created.Email != "" && strings.EqualFold(existing.Email, created.Email) {
			return nil, &domain.ErrConflict{Message: "email already registered"}
		}
		if created.TelegramID != nil && existing.TelegramID != nil && *existing.TelegramID == *created.TelegramID {
			return nil, &domain.ErrConflict{Message: "telegram account already registered"}
		}
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	s.users[created.ID] = created
	return &created, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: id}
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "user", ID: email}
}

func (s *Store) GetUserByTelegramID(_ context.Context, telegramID int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.TelegramID != nil && *u.TelegramID == telegramID {
			return &u, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "user", ID: fmt.Sprintf("telegram:%d", telegramID)}
}

// ListUsers pages through users ordered by creation time. page is 1-based.
func (s *Store) ListUsers(_ context.Context, page, pageSize int) ([]domain.User, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	start := (page - 1) * pageSize
	if start >= len(all) {
		return []domain.User{}, len(all), nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (s *Store) UpdateRole(_ context.Context, id string, role domain.Role) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: id}
	}
	u.Role = role
	s.users[id] = u
	return &u, nil
}

// ============================================================
// Developer keys and payment links
// ============================================================

func (s *Store) CreateAPIKey(_ context.Context, key *domain.APIKey) (*domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := *key
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	s.apiKeys[created.KeyHash] = created
	return &created, nil
}

func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.apiKeys[hash]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "api_key", ID: "***"}
	}
	return &k, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, userID, keyID string) (*domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, k := range s.apiKeys {
		if k.ID == keyID && k.UserID == userID {
			k.Revoked = true
			s.apiKeys[hash] = k
			return &k, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "api_key", ID: keyID}
}

func (s *Store) CreatePaymentLink(_ context.Context, link *domain.PaymentLink) (*domain.PaymentLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := *link
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	s.links[created.ID] = created
	return &created, nil
}

func (s *Store) GetPaymentLink(_ context.Context, id string) (*domain.PaymentLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.links[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "payment_link", ID: id}
	}
	return &l, nil
}

func (s *Store) MarkPaymentLinkPaid(_ context.Context, id, transferID string) (*domain.PaymentLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "payment_link", ID: id}
	}
	if l.Status != domain.PaymentLinkOpen {
		return nil, &domain.ErrConflict{Message: "payment link already paid"}
	}
	paidAt := s.now()
	l.Status = domain.PaymentLinkPaid
	l.TransferID = transferID
	l.PaidAt = &paidAt
	s.links[id] = l
	return &l, nil
}
