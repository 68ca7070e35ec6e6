package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/memory"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

var errStoreDown = errors.New("store unavailable")

// --- Fakes ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []port.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt port.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []port.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []port.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// spyAccounts counts writes and lets a test intercept UpdateBalance.
type spyAccounts struct {
	port.AccountStore
	updates  atomic.Int32
	reads    atomic.Int32
	onUpdate func(id string, expected, newBalance int64) error
}

func (s *spyAccounts) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	s.reads.Add(1)
	return s.AccountStore.GetAccount(ctx, id)
}

func (s *spyAccounts) GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	s.reads.Add(1)
	return s.AccountStore.GetAccountByNumber(ctx, number)
}

func (s *spyAccounts) UpdateBalance(ctx context.Context, id string, expected, newBalance int64) (*domain.Account, error) {
	s.updates.Add(1)
	if s.onUpdate != nil {
		if err := s.onUpdate(id, expected, newBalance); err != nil {
			return nil, err
		}
	}
	return s.AccountStore.UpdateBalance(ctx, id, expected, newBalance)
}

// failingLog rejects every append.
type failingLog struct {
	port.TransactionLog
}

func (failingLog) AppendTransaction(context.Context, *domain.Transaction) error {
	return errStoreDown
}

// stagedUoW is a UnitOfWork over the memory store: writes made inside fn are
// buffered and applied only when fn returns nil.
type stagedUoW struct {
	store    *memory.Store
	logStore port.TransactionLog
	mu       sync.Mutex
}

type stagedAccounts struct {
	port.AccountStore
	balances map[string]int64
}

func (a *stagedAccounts) overlay(acc *domain.Account) *domain.Account {
	if b, ok := a.balances[acc.ID]; ok {
		acc.Balance = b
	}
	return acc
}

func (a *stagedAccounts) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := a.AccountStore.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.overlay(acc), nil
}

func (a *stagedAccounts) GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	acc, err := a.AccountStore.GetAccountByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return a.overlay(acc), nil
}

func (a *stagedAccounts) UpdateBalance(ctx context.Context, id string, expected, newBalance int64) (*domain.Account, error) {
	acc, err := a.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.Balance != expected {
		return nil, &domain.ErrStaleWrite{Resource: "card", ID: id}
	}
	a.balances[id] = newBalance
	acc.Balance = newBalance
	return acc, nil
}

type stagedLog struct {
	port.TransactionLog
	pending []*domain.Transaction
}

func (l *stagedLog) AppendTransaction(_ context.Context, tx *domain.Transaction) error {
	l.pending = append(l.pending, tx)
	return nil
}

func (u *stagedUoW) WithinTx(ctx context.Context, fn func(port.AccountStore, port.TransactionLog) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	accounts := &stagedAccounts{AccountStore: u.store, balances: map[string]int64{}}
	log := &stagedLog{TransactionLog: u.store}
	if err := fn(accounts, log); err != nil {
		return err
	}
	for id, b := range accounts.balances {
		cur, err := u.store.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if _, err := u.store.UpdateBalance(ctx, id, cur.Balance, b); err != nil {
			return err
		}
	}
	for _, tx := range log.pending {
		if err := u.logStore.AppendTransaction(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

// --- Fixtures ---

const (
	numberA = "6660000000000001"
	numberB = "6660000000000002"
	numberC = "6660000000000003"
)

func newLogger() *zap.Logger { return zap.NewNop() }

func seedCard(t *testing.T, store port.AccountStore, id, owner, number string, balance int64, status domain.AccountStatus) *domain.Account {
	t.Helper()
	acc, err := store.CreateAccount(context.Background(), &domain.Account{
		ID:             id,
		OwnerID:        owner,
		ExternalNumber: number,
		Balance:        balance,
		Status:         status,
	})
	require.NoError(t, err)
	return acc
}

func balanceOf(t *testing.T, store port.AccountStore, id string) int64 {
	t.Helper()
	acc, err := store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func txsOf(t *testing.T, log port.TransactionLog, id string) []domain.Transaction {
	t.Helper()
	txs, err := log.ListTransactions(context.Background(), id, 0)
	require.NoError(t, err)
	return txs
}

func ptr[T any](v T) *T { return &v }

func newMetrics() *observability.Metrics { return observability.NewMetrics() }
