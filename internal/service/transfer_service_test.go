package service_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/memory"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
	"github.com/boddenberg/starbank-bfa-go/internal/service"
)

type transferFixture struct {
	store   *memory.Store
	spy     *spyAccounts
	events  *recordingPublisher
	metrics *observability.Metrics
	engine  *service.TransferEngine
}

func newTransferFixture(t *testing.T, opts ...service.TransferOption) *transferFixture {
	t.Helper()
	store := memory.New()
	f := &transferFixture{
		store:   store,
		spy:     &spyAccounts{AccountStore: store},
		events:  &recordingPublisher{},
		metrics: newMetrics(),
	}
	f.engine = service.NewTransferEngine(f.spy, store, f.events, f.metrics, newLogger(),
		service.TransferConfig{ConflictRetries: 3, MaxAmount: 1_000_000}, opts...)
	return f
}

func (f *transferFixture) transfer(requester, from, to string, amount int64) (*domain.TransferResult, error) {
	return f.engine.Transfer(context.Background(), &domain.TransferRequest{
		RequesterID:   requester,
		FromAccountID: from,
		ToNumber:      to,
		Amount:        &amount,
	})
}

func requireKind(t *testing.T, err error, kind domain.TransferFailure) {
	t.Helper()
	var te *domain.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, kind, te.Kind)
}

func TestTransfer_ScenarioA_MovesFundsAndPostsTwoRecords(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, f.store, "dst", "bob", numberB, 100, domain.AccountStatusActive)

	res, err := f.transfer("alice", "src", numberB, 200)
	require.NoError(t, err)

	assert.Equal(t, int64(300), balanceOf(t, f.store, "src"))
	assert.Equal(t, int64(300), balanceOf(t, f.store, "dst"))
	assert.Equal(t, "src", res.FromAccountID)
	assert.Equal(t, numberB, res.ToNumber)
	assert.Equal(t, int64(200), res.Amount)
	assert.Equal(t, "completed", res.Status)
	assert.False(t, res.Degraded)

	debits := txsOf(t, f.store, "src")
	credits := txsOf(t, f.store, "dst")
	require.Len(t, debits, 1)
	require.Len(t, credits, 1)
	assert.Equal(t, int64(-200), debits[0].Amount)
	assert.Equal(t, int64(200), credits[0].Amount)
	assert.Equal(t, domain.TransactionTypeTransfer, debits[0].Type)
	assert.Contains(t, debits[0].Description, numberB)
	assert.Contains(t, credits[0].Description, numberA)
	assert.Equal(t, res.TransferID, debits[0].TransferID)
	assert.Equal(t, res.TransferID, credits[0].TransferID)

	assert.Len(t, f.events.ofType(port.EventTransferCompleted), 1)
	assert.Equal(t, float64(1), f.metrics.Snapshot().Transfers["completed"])
}

func TestTransfer_ScenarioB_InsufficientFunds(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 100, domain.AccountStatusActive)
	seedCard(t, f.store, "dst", "bob", numberB, 100, domain.AccountStatusActive)

	_, err := f.transfer("alice", "src", numberB, 200)

	requireKind(t, err, domain.TransferInsufficientFunds)
	assert.Equal(t, int64(100), balanceOf(t, f.store, "src"))
	assert.Equal(t, int64(100), balanceOf(t, f.store, "dst"))
	assert.Zero(t, f.spy.updates.Load())
}

// mockAccounts fails the test if the engine touches the store at all.
type mockAccounts struct {
	mock.Mock
	port.AccountStore
}

func (m *mockAccounts) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*domain.Account), args.Error(1)
}

func (m *mockAccounts) UpdateBalance(ctx context.Context, id string, expected, newBalance int64) (*domain.Account, error) {
	args := m.Called(ctx, id, expected, newBalance)
	return args.Get(0).(*domain.Account), args.Error(1)
}

func TestTransfer_ScenarioC_BadRecipientRejectedBeforeLookup(t *testing.T) {
	accounts := &mockAccounts{}
	engine := service.NewTransferEngine(accounts, memory.New(), &recordingPublisher{}, newMetrics(), newLogger(),
		service.TransferConfig{ConflictRetries: 1})

	_, err := engine.Transfer(context.Background(), &domain.TransferRequest{
		RequesterID:   "alice",
		FromAccountID: "src",
		ToNumber:      "12345",
		Amount:        ptr(int64(10)),
	})

	requireKind(t, err, domain.TransferInvalidRecipientFormat)
	accounts.AssertNotCalled(t, "GetAccount", mock.Anything, mock.Anything)
	accounts.AssertNotCalled(t, "UpdateBalance", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTransfer_ScenarioD_SelfTransferForbidden(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 500, domain.AccountStatusActive)

	_, err := f.transfer("alice", "src", numberA, 50)

	requireKind(t, err, domain.TransferSelfTransferForbidden)
	assert.Equal(t, int64(500), balanceOf(t, f.store, "src"))
	assert.Empty(t, txsOf(t, f.store, "src"))
}

func TestTransfer_RecipientNumberWhitespaceIsStripped(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, f.store, "dst", "bob", numberB, 0, domain.AccountStatusActive)

	res, err := f.transfer("alice", "src", " 6660 0000 0000\t0002 ", 1)

	require.NoError(t, err)
	assert.Equal(t, numberB, res.ToNumber)
	assert.Equal(t, int64(1), balanceOf(t, f.store, "dst"))
}

func TestTransfer_ValidationFailuresNeverMutate(t *testing.T) {
	tests := []struct {
		name      string
		requester string
		from      string
		to        string
		amount    *int64
		want      domain.TransferFailure
	}{
		{"missing requester", "", "src", numberB, ptr(int64(10)), domain.TransferInvalidRequest},
		{"missing source", "alice", "", numberB, ptr(int64(10)), domain.TransferInvalidRequest},
		{"missing recipient", "alice", "src", "  ", ptr(int64(10)), domain.TransferInvalidRequest},
		{"missing amount", "alice", "src", numberB, nil, domain.TransferInvalidRequest},
		{"zero amount", "alice", "src", numberB, ptr(int64(0)), domain.TransferInvalidAmount},
		{"negative amount", "alice", "src", numberB, ptr(int64(-5)), domain.TransferInvalidAmount},
		{"above limit", "alice", "src", numberB, ptr(int64(1_000_001)), domain.TransferInvalidAmount},
		{"short number", "alice", "src", "666123", ptr(int64(10)), domain.TransferInvalidRecipientFormat},
		{"wrong prefix", "alice", "src", "5550000000000002", ptr(int64(10)), domain.TransferInvalidRecipientFormat},
		{"letters", "alice", "src", "666000000000000x", ptr(int64(10)), domain.TransferInvalidRecipientFormat},
		{"unknown source", "alice", "nope", numberB, ptr(int64(10)), domain.TransferSourceNotFound},
		{"someone else's card", "mallory", "src", numberB, ptr(int64(10)), domain.TransferSourceNotFound},
		{"source blocked", "alice", "blocked", numberB, ptr(int64(10)), domain.TransferSourceInactive},
		{"source awaiting activation", "alice", "fresh", numberB, ptr(int64(10)), domain.TransferSourceInactive},
		{"insufficient funds", "alice", "src", numberB, ptr(int64(501)), domain.TransferInsufficientFunds},
		{"unknown recipient", "alice", "src", "6669999999999999", ptr(int64(10)), domain.TransferRecipientNotFound},
		{"recipient pending", "alice", "src", numberC, ptr(int64(10)), domain.TransferRecipientInactive},
		{"self transfer", "alice", "src", numberA, ptr(int64(10)), domain.TransferSelfTransferForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTransferFixture(t)
			seedCard(t, f.store, "src", "alice", numberA, 500, domain.AccountStatusActive)
			seedCard(t, f.store, "dst", "bob", numberB, 100, domain.AccountStatusActive)
			seedCard(t, f.store, "pending", "bob", numberC, 0, domain.AccountStatusPending)
			seedCard(t, f.store, "blocked", "alice", "6660000000000004", 500, domain.AccountStatusBlocked)
			seedCard(t, f.store, "fresh", "alice", "6660000000000005", 500, domain.AccountStatusAwaitingActivation)

			_, err := f.engine.Transfer(context.Background(), &domain.TransferRequest{
				RequesterID:   tt.requester,
				FromAccountID: tt.from,
				ToNumber:      tt.to,
				Amount:        tt.amount,
			})

			requireKind(t, err, tt.want)
			assert.NotEmpty(t, tt.want.UserMessage())
			assert.Zero(t, f.spy.updates.Load(), "update must not be called")
			assert.Equal(t, int64(500), balanceOf(t, f.store, "src"))
			assert.Equal(t, int64(100), balanceOf(t, f.store, "dst"))
			assert.Empty(t, txsOf(t, f.store, "src"))
			assert.Empty(t, txsOf(t, f.store, "dst"))
			assert.Equal(t, float64(1), f.metrics.Snapshot().Transfers[string(tt.want)])
		})
	}
}

func TestTransfer_RetriesWhenSourceChangedConcurrently(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, f.store, "dst", "bob", numberB, 100, domain.AccountStatusActive)

	raced := false
	f.spy.onUpdate = func(id string, expected, _ int64) error {
		if id == "src" && !raced {
			raced = true
			// Another request spends 100 between our read and our write.
			_, err := f.store.UpdateBalance(context.Background(), "src", expected, expected-100)
			require.NoError(t, err)
		}
		return nil
	}

	_, err := f.transfer("alice", "src", numberB, 200)

	require.NoError(t, err)
	assert.Equal(t, int64(200), balanceOf(t, f.store, "src"))
	assert.Equal(t, int64(300), balanceOf(t, f.store, "dst"))
	assert.Equal(t, float64(1), f.metrics.Snapshot().OptimisticRetries)
}

func TestTransfer_RevalidatesAfterConflict(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 300, domain.AccountStatusActive)
	seedCard(t, f.store, "dst", "bob", numberB, 100, domain.AccountStatusActive)

	raced := false
	f.spy.onUpdate = func(id string, expected, _ int64) error {
		if id == "src" && !raced {
			raced = true
			_, err := f.store.UpdateBalance(context.Background(), "src", expected, expected-200)
			require.NoError(t, err)
		}
		return nil
	}

	_, err := f.transfer("alice", "src", numberB, 200)

	requireKind(t, err, domain.TransferInsufficientFunds)
	assert.Equal(t, int64(100), balanceOf(t, f.store, "src"))
	assert.Equal(t, int64(100), balanceOf(t, f.store, "dst"))
}

func TestTransfer_ConflictRetriesExhausted(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, f.store, "dst", "bob", numberB, 100, domain.AccountStatusActive)
	f.spy.onUpdate = func(id string, _, _ int64) error {
		return &domain.ErrStaleWrite{Resource: "card", ID: id}
	}

	_, err := f.transfer("alice", "src", numberB, 200)

	requireKind(t, err, domain.TransferPersistenceError)
	assert.Equal(t, int32(4), f.spy.updates.Load())
	assert.Equal(t, int64(500), balanceOf(t, f.store, "src"))
}

func TestTransfer_SourceWriteFailureAbortsCleanly(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, f.store, "dst", "bob", numberB, 100, domain.AccountStatusActive)
	f.spy.onUpdate = func(string, int64, int64) error { return errStoreDown }

	_, err := f.transfer("alice", "src", numberB, 200)

	requireKind(t, err, domain.TransferPersistenceError)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, int32(1), f.spy.updates.Load())
	assert.Equal(t, int64(500), balanceOf(t, f.store, "src"))
	assert.Equal(t, int64(100), balanceOf(t, f.store, "dst"))
	assert.Empty(t, txsOf(t, f.store, "src"))
}

func TestTransfer_FailedCreditIsCompensated(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, f.store, "dst", "bob", numberB, 100, domain.AccountStatusActive)
	f.spy.onUpdate = func(id string, _, _ int64) error {
		if id == "dst" {
			return errStoreDown
		}
		return nil
	}

	_, err := f.transfer("alice", "src", numberB, 200)

	requireKind(t, err, domain.TransferPersistenceError)
	assert.Equal(t, int64(500), balanceOf(t, f.store, "src"))
	assert.Equal(t, int64(100), balanceOf(t, f.store, "dst"))
	assert.Empty(t, txsOf(t, f.store, "src"))
	assert.Empty(t, txsOf(t, f.store, "dst"))
	assert.Equal(t, float64(1), f.metrics.Snapshot().Compensations["succeeded"])
	assert.Empty(t, f.events.ofType(port.EventLedgerAnomaly))
}

func TestTransfer_FailedCompensationIsReportedAsAnomaly(t *testing.T) {
	f := newTransferFixture(t)
	seedCard(t, f.store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, f.store, "dst", "bob", numberB, 100, domain.AccountStatusActive)
	debited := false
	f.spy.onUpdate = func(id string, _, _ int64) error {
		if id == "src" && !debited {
			debited = true
			return nil
		}
		return errStoreDown
	}

	_, err := f.transfer("alice", "src", numberB, 200)

	requireKind(t, err, domain.TransferPersistenceError)
	assert.Equal(t, int64(300), balanceOf(t, f.store, "src"))
	assert.Equal(t, int64(100), balanceOf(t, f.store, "dst"))
	assert.Equal(t, float64(1), f.metrics.Snapshot().Compensations["failed"])
	anomalies := f.events.ofType(port.EventLedgerAnomaly)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "src", anomalies[0].Key)
}

func TestTransfer_LogFailureStillSucceedsDegraded(t *testing.T) {
	store := memory.New()
	events := &recordingPublisher{}
	metrics := newMetrics()
	engine := service.NewTransferEngine(store, failingLog{TransactionLog: store}, events, metrics, newLogger(),
		service.TransferConfig{ConflictRetries: 3})
	seedCard(t, store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, store, "dst", "bob", numberB, 100, domain.AccountStatusActive)

	res, err := engine.Transfer(context.Background(), &domain.TransferRequest{
		RequesterID: "alice", FromAccountID: "src", ToNumber: numberB, Amount: ptr(int64(200)),
	})

	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, int64(300), balanceOf(t, store, "src"))
	assert.Equal(t, int64(300), balanceOf(t, store, "dst"))
	assert.Equal(t, float64(2), metrics.Snapshot().AppendFailures)
	assert.Len(t, events.ofType(port.EventLedgerAnomaly), 2)
}

func TestTransfer_UnitOfWorkCommitsEverything(t *testing.T) {
	store := memory.New()
	uow := &stagedUoW{store: store, logStore: store}
	engine := service.NewTransferEngine(store, store, &recordingPublisher{}, newMetrics(), newLogger(),
		service.TransferConfig{}, service.WithUnitOfWork(uow))
	seedCard(t, store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, store, "dst", "bob", numberB, 100, domain.AccountStatusActive)

	_, err := engine.Transfer(context.Background(), &domain.TransferRequest{
		RequesterID: "alice", FromAccountID: "src", ToNumber: numberB, Amount: ptr(int64(200)),
	})

	require.NoError(t, err)
	assert.Equal(t, int64(300), balanceOf(t, store, "src"))
	assert.Equal(t, int64(300), balanceOf(t, store, "dst"))
	assert.Len(t, txsOf(t, store, "src"), 1)
	assert.Len(t, txsOf(t, store, "dst"), 1)
}

func TestTransfer_UnitOfWorkRollsBackOnLogFailure(t *testing.T) {
	store := memory.New()
	uow := (&failingTxUoW{}).wrap(&stagedUoW{store: store, logStore: store})
	engine := service.NewTransferEngine(store, store, &recordingPublisher{}, newMetrics(), newLogger(),
		service.TransferConfig{}, service.WithUnitOfWork(uow))
	seedCard(t, store, "src", "alice", numberA, 500, domain.AccountStatusActive)
	seedCard(t, store, "dst", "bob", numberB, 100, domain.AccountStatusActive)

	_, err := engine.Transfer(context.Background(), &domain.TransferRequest{
		RequesterID: "alice", FromAccountID: "src", ToNumber: numberB, Amount: ptr(int64(200)),
	})

	requireKind(t, err, domain.TransferPersistenceError)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, int64(500), balanceOf(t, store, "src"))
	assert.Equal(t, int64(100), balanceOf(t, store, "dst"))
	assert.Empty(t, txsOf(t, store, "src"))
}

// failingTxUoW hands fn a log that rejects appends, inside an otherwise working unit of work.
type failingTxUoW struct {
	inner port.UnitOfWork
}

func (f *failingTxUoW) wrap(inner port.UnitOfWork) port.UnitOfWork {
	f.inner = inner
	return f
}

func (f *failingTxUoW) WithinTx(ctx context.Context, fn func(port.AccountStore, port.TransactionLog) error) error {
	return f.inner.WithinTx(ctx, func(accounts port.AccountStore, log port.TransactionLog) error {
		return fn(accounts, failingLog{TransactionLog: log})
	})
}

func TestTransfer_UnitOfWorkValidationFailureKeepsKind(t *testing.T) {
	store := memory.New()
	engine := service.NewTransferEngine(store, store, &recordingPublisher{}, newMetrics(), newLogger(),
		service.TransferConfig{}, service.WithUnitOfWork(&stagedUoW{store: store, logStore: store}))
	seedCard(t, store, "src", "alice", numberA, 100, domain.AccountStatusActive)
	seedCard(t, store, "dst", "bob", numberB, 100, domain.AccountStatusBlocked)

	_, err := engine.Transfer(context.Background(), &domain.TransferRequest{
		RequesterID: "alice", FromAccountID: "src", ToNumber: numberB, Amount: ptr(int64(50)),
	})

	requireKind(t, err, domain.TransferRecipientInactive)
}

func TestTransfer_ConservesTotalBalance(t *testing.T) {
	f := newTransferFixture(t)
	cards := []struct{ id, owner, number string }{
		{"c1", "u1", numberA},
		{"c2", "u2", numberB},
		{"c3", "u3", numberC},
	}
	for _, c := range cards {
		seedCard(t, f.store, c.id, c.owner, c.number, 1000, domain.AccountStatusActive)
	}

	rng := rand.New(rand.NewSource(7))
	completed := 0
	for i := 0; i < 200; i++ {
		from := cards[rng.Intn(len(cards))]
		to := cards[rng.Intn(len(cards))]
		amount := int64(rng.Intn(400)) - 50

		before := balanceOf(t, f.store, from.id)
		_, err := f.transfer(from.owner, from.id, to.number, amount)
		if err == nil {
			completed++
			assert.Equal(t, before-amount, balanceOf(t, f.store, from.id))
		}

		var total int64
		for _, c := range cards {
			b := balanceOf(t, f.store, c.id)
			assert.GreaterOrEqual(t, b, int64(0))
			total += b
		}
		require.Equal(t, int64(3000), total)
	}

	var records int
	for _, c := range cards {
		var sum int64
		for _, tx := range txsOf(t, f.store, c.id) {
			sum += tx.Amount
		}
		assert.Equal(t, balanceOf(t, f.store, c.id)-1000, sum)
		records += len(txsOf(t, f.store, c.id))
	}
	assert.Equal(t, 2*completed, records)
}
