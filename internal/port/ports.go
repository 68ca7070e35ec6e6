// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

// AccountStore reads and mutates cards.
//
// Missing cards are reported as *domain.ErrNotFound. UpdateBalance is a
// conditional write: it succeeds only while the stored balance still equals
// expected, otherwise it returns *domain.ErrStaleWrite and changes nothing.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error)
	CreateAccount(ctx context.Context, acc *domain.Account) (*domain.Account, error)
	UpdateBalance(ctx context.Context, id string, expected, newBalance int64) (*domain.Account, error)
	UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error)
}

// TransactionLog is the append-only ledger of balance-affecting events.
type TransactionLog interface {
	AppendTransaction(ctx context.Context, tx *domain.Transaction) error
	ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error)
}

// UnitOfWork runs fn inside one atomic transaction. Stores handed to fn see
// and lock the same snapshot; any error from fn rolls everything back.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(accounts AccountStore, log TransactionLog) error) error
}

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) (*domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error)
	ListUsers(ctx context.Context, page, pageSize int) ([]domain.User, int, error)
	UpdateRole(ctx context.Context, id string, role domain.Role) (*domain.User, error)
}

// DeveloperStore persists API keys and payment links.
type DeveloperStore interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	// RevokeAPIKey marks one of userID's keys revoked. Keys of other users
	// are reported as not found.
	RevokeAPIKey(ctx context.Context, userID, keyID string) (*domain.APIKey, error)
	CreatePaymentLink(ctx context.Context, link *domain.PaymentLink) (*domain.PaymentLink, error)
	GetPaymentLink(ctx context.Context, id string) (*domain.PaymentLink, error)
	// MarkPaymentLinkPaid flips an open link to paid. A link that is already
	// paid yields *domain.ErrConflict.
	MarkPaymentLinkPaid(ctx context.Context, id, transferID string) (*domain.PaymentLink, error)
}

// Event is a domain event handed to the broker.
type Event struct {
	Type    string
	Key     string
	Payload any
}

// Event types.
const (
	EventTransferCompleted = "transfer.completed"
	EventBalanceToppedUp   = "balance.topped_up"
	EventBalanceAdjusted   = "balance.adjusted"
	EventLedgerAnomaly     = "ledger.anomaly"
)

// EventPublisher emits domain events. Publishing never affects the outcome
// of the operation that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// HealthChecker is implemented by stores that can report their own reachability.
type HealthChecker interface {
	Name() string
	Ping(ctx context.Context) error
}
