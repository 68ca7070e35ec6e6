package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/cache"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/memory"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/service"
)

type devFixture struct {
	store   *memory.Store
	metrics *observability.Metrics
	svc     *service.DeveloperService
}

func newDevFixture(t *testing.T) *devFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memory.New()
	metrics := newMetrics()
	engine := service.NewTransferEngine(store, store, &recordingPublisher{}, metrics, newLogger(),
		service.TransferConfig{ConflictRetries: 3})
	keys := cache.New[*domain.APIKey](ctx, time.Minute)
	return &devFixture{
		store:   store,
		metrics: metrics,
		svc:     service.NewDeveloperService(store, store, store, engine, keys, 1_000_000, metrics, newLogger()),
	}
}

func TestIssueAPIKey_RequiresDeveloperRole(t *testing.T) {
	f := newDevFixture(t)
	seedUser(t, f.store, "plain", domain.RoleUser)
	seedUser(t, f.store, "dev", domain.RoleDeveloper)

	_, err := f.svc.IssueAPIKey(context.Background(), "plain")
	var forbidden *domain.ErrForbidden
	assert.ErrorAs(t, err, &forbidden)

	issued, err := f.svc.IssueAPIKey(context.Background(), "dev")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Key, "sk_live_"))
	assert.Len(t, issued.Key, len("sk_live_")+64)
	assert.True(t, strings.HasPrefix(issued.Key, issued.APIKey.Prefix))
	assert.NotContains(t, issued.APIKey.KeyHash, issued.Key)
}

func TestAuthenticate_CachesLookups(t *testing.T) {
	f := newDevFixture(t)
	seedUser(t, f.store, "dev", domain.RoleDeveloper)
	issued, err := f.svc.IssueAPIKey(context.Background(), "dev")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key, err := f.svc.Authenticate(context.Background(), issued.Key)
		require.NoError(t, err)
		assert.Equal(t, "dev", key.UserID)
	}

	_, err = f.svc.Authenticate(context.Background(), "sk_live_deadbeef")
	var ua *domain.ErrUnauthorized
	assert.ErrorAs(t, err, &ua)

	_, err = f.svc.Authenticate(context.Background(), "pk_wrong_prefix")
	assert.ErrorAs(t, err, &ua)
}

func TestRevokeAPIKey_EvictsCachedKey(t *testing.T) {
	f := newDevFixture(t)
	seedUser(t, f.store, "dev", domain.RoleDeveloper)
	seedUser(t, f.store, "other", domain.RoleDeveloper)
	issued, err := f.svc.IssueAPIKey(context.Background(), "dev")
	require.NoError(t, err)

	// Warm the cache.
	_, err = f.svc.Authenticate(context.Background(), issued.Key)
	require.NoError(t, err)

	_, err = f.svc.RevokeAPIKey(context.Background(), "other", issued.APIKey.ID)
	var nf *domain.ErrNotFound
	require.ErrorAs(t, err, &nf)

	revoked, err := f.svc.RevokeAPIKey(context.Background(), "dev", issued.APIKey.ID)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	_, err = f.svc.Authenticate(context.Background(), issued.Key)
	var ua *domain.ErrUnauthorized
	assert.ErrorAs(t, err, &ua)
}

func TestPaymentLink_CreateAndPay(t *testing.T) {
	f := newDevFixture(t)
	seedUser(t, f.store, "merchant", domain.RoleDeveloper)
	seedCard(t, f.store, "shop", "merchant", numberA, 0, domain.AccountStatusActive)
	seedCard(t, f.store, "wallet", "payer", numberB, 500, domain.AccountStatusActive)
	issued, err := f.svc.IssueAPIKey(context.Background(), "merchant")
	require.NoError(t, err)
	key, err := f.svc.Authenticate(context.Background(), issued.Key)
	require.NoError(t, err)

	link, err := f.svc.CreatePaymentLink(context.Background(), key, &domain.CreatePaymentLinkRequest{
		CardID: "shop", Amount: 120, Description: "Premium spins",
	})
	require.NoError(t, err)
	assert.Equal(t, numberA, link.CardNumber)
	assert.Equal(t, domain.PaymentLinkOpen, link.Status)

	paid, res, err := f.svc.PayPaymentLink(context.Background(), "payer", "wallet", link.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentLinkPaid, paid.Status)
	assert.Equal(t, res.TransferID, paid.TransferID)
	assert.Equal(t, int64(380), balanceOf(t, f.store, "wallet"))
	assert.Equal(t, int64(120), balanceOf(t, f.store, "shop"))

	txs := txsOf(t, f.store, "shop")
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionTypePaymentLink, txs[0].Type)
	assert.Contains(t, txs[0].Description, link.ID)

	_, _, err = f.svc.PayPaymentLink(context.Background(), "payer", "wallet", link.ID)
	var conflict *domain.ErrConflict
	assert.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(380), balanceOf(t, f.store, "wallet"))
}

func TestPaymentLink_TransferFailuresPassThrough(t *testing.T) {
	f := newDevFixture(t)
	seedUser(t, f.store, "merchant", domain.RoleDeveloper)
	seedCard(t, f.store, "shop", "merchant", numberA, 0, domain.AccountStatusActive)
	seedCard(t, f.store, "wallet", "payer", numberB, 10, domain.AccountStatusActive)
	key := &domain.APIKey{UserID: "merchant"}

	link, err := f.svc.CreatePaymentLink(context.Background(), key, &domain.CreatePaymentLinkRequest{CardID: "shop", Amount: 120})
	require.NoError(t, err)

	_, _, err = f.svc.PayPaymentLink(context.Background(), "payer", "wallet", link.ID)
	requireKind(t, err, domain.TransferInsufficientFunds)

	still, err := f.svc.GetPaymentLink(context.Background(), link.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentLinkOpen, still.Status)
}

func TestCreatePaymentLink_Validation(t *testing.T) {
	f := newDevFixture(t)
	seedCard(t, f.store, "shop", "merchant", numberA, 0, domain.AccountStatusActive)
	seedCard(t, f.store, "frozen", "merchant", numberB, 0, domain.AccountStatusBlocked)
	seedCard(t, f.store, "foreign", "other", numberC, 0, domain.AccountStatusActive)
	key := &domain.APIKey{UserID: "merchant"}

	_, err := f.svc.CreatePaymentLink(context.Background(), key, &domain.CreatePaymentLinkRequest{CardID: "shop", Amount: 0})
	var verr *domain.ErrValidation
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.CreatePaymentLink(context.Background(), key, &domain.CreatePaymentLinkRequest{CardID: "shop", Amount: 2_000_000})
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.CreatePaymentLink(context.Background(), key, &domain.CreatePaymentLinkRequest{CardID: "frozen", Amount: 5})
	var inactive *domain.ErrAccountInactive
	assert.ErrorAs(t, err, &inactive)

	_, err = f.svc.CreatePaymentLink(context.Background(), key, &domain.CreatePaymentLinkRequest{CardID: "foreign", Amount: 5})
	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}
