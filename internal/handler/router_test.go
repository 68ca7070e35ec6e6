package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/handler"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/cache"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/memory"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/messaging"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
	"github.com/boddenberg/starbank-bfa-go/internal/service"
)

const (
	testSecret   = "router-test-secret"
	testBotToken = "123456:router-test"
	adminTgID    = int64(7001)
)

type testEnv struct {
	router  http.Handler
	store   *memory.Store
	metrics *observability.Metrics
}

func newEnv(t *testing.T, checkers ...port.HealthChecker) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memory.New()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	events := messaging.NopPublisher{}

	engine := service.NewTransferEngine(store, store, events, metrics, logger,
		service.TransferConfig{ConflictRetries: 3, MaxAmount: 1_000_000})
	svc := handler.Services{
		Auth: service.NewAuthService(store, service.AuthConfig{
			JWTSecret:        testSecret,
			AccessTTL:        time.Hour,
			BotToken:         testBotToken,
			TelegramMaxAge:   time.Hour,
			AdminTelegramIDs: []int64{adminTgID},
		}, logger),
		Cards:     service.NewCardService(store, store, metrics, logger),
		Transfers: engine,
		TopUps:    service.NewTopUpService(store, store, events, metrics, logger, domain.DefaultStarsPerRuble, 3),
		Admin:     service.NewAdminService(store, store, store, events, metrics, logger, 3),
		Developer: service.NewDeveloperService(store, store, store, engine,
			cache.New[*domain.APIKey](ctx, time.Minute), 1_000_000, metrics, logger),
		MaxTransferAmount: 1_000_000,
	}
	if checkers == nil {
		checkers = []port.HealthChecker{store}
	}
	return &testEnv{
		router:  handler.NewRouter(svc, checkers, metrics, logger),
		store:   store,
		metrics: metrics,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// telegramLogin signs in a Telegram user and returns the token and user id.
func (e *testEnv) telegramLogin(t *testing.T, tgID int64) (string, string) {
	t.Helper()
	v := url.Values{}
	v.Set("user", `{"id":`+strconv.FormatInt(tgID, 10)+`,"first_name":"Test"}`)
	v.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	v.Set("hash", service.SignInitData(v, testBotToken))

	rec := e.do(t, http.MethodPost, "/v1/auth/telegram", map[string]string{"init_data": v.Encode()}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[domain.LoginResponse](t, rec)
	return resp.AccessToken, resp.User.ID
}

func (e *testEnv) seedCard(t *testing.T, owner, number string, balance int64) *domain.Account {
	t.Helper()
	acc, err := e.store.CreateAccount(context.Background(), &domain.Account{
		ID:             "card-" + number,
		OwnerID:        owner,
		ExternalNumber: number,
		Balance:        balance,
		Status:         domain.AccountStatusActive,
	})
	require.NoError(t, err)
	return acc
}

func (e *testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	acc, err := e.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

// --- Operational endpoints ---

func TestHealthz(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decode[domain.HealthStatus](t, rec)
	assert.Equal(t, "healthy", health.Status)
	require.Len(t, health.Services, 1)
	assert.Equal(t, "memory", health.Services[0].Name)
}

type downChecker struct{}

func (downChecker) Name() string { return "postgres" }

func (downChecker) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyz_Unhealthy(t *testing.T) {
	env := newEnv(t, memory.New(), downChecker{})
	rec := env.do(t, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	health := decode[domain.HealthStatus](t, rec)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy", health.Services[1].Status)
	assert.Equal(t, "connection refused", health.Services[1].Error)
}

func TestMetrics(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodGet, "/healthz", nil, nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "starbank_request_duration_seconds")
}

// --- Auth ---

func TestMe_RequiresToken(t *testing.T) {
	env := newEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Token abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/me", nil, bearer("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterLoginAndMe(t *testing.T) {
	env := newEnv(t)
	creds := map[string]string{"email": "bob@example.com", "password": "long-enough-pass"}

	rec := env.do(t, http.MethodPost, "/v1/auth/register", creds, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/auth/register", creds, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/auth/login", map[string]string{"email": "bob@example.com", "password": "wrong-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/auth/login", creds, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[domain.LoginResponse](t, rec)

	rec = env.do(t, http.MethodGet, "/v1/me", nil, bearer(login.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[domain.User](t, rec)
	assert.Equal(t, "bob@example.com", me.Email)
	assert.Equal(t, domain.RoleUser, me.Role)
}

func TestRegister_BadBody(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/auth/register", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Cards ---

func TestCardLifecycle(t *testing.T) {
	env := newEnv(t)
	token, _ := env.telegramLogin(t, 501)

	rec := env.do(t, http.MethodPost, "/v1/cards", nil, bearer(token))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	card := decode[domain.Account](t, rec)
	assert.Equal(t, domain.AccountStatusAwaitingActivation, card.Status)
	assert.True(t, domain.ValidExternalNumber(card.ExternalNumber))

	rec = env.do(t, http.MethodPost, "/v1/cards/"+card.ID+"/activate", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.AccountStatusActive, decode[domain.Account](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/v1/cards", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Cards []domain.Account `json:"cards"`
	}](t, rec)
	require.Len(t, list.Cards, 1)

	rec = env.do(t, http.MethodGet, "/v1/cards/"+card.ID+"/transactions?limit=10", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	stmt := decode[struct {
		Transactions []domain.Transaction `json:"transactions"`
	}](t, rec)
	require.Len(t, stmt.Transactions, 1)
	assert.Equal(t, domain.TransactionTypeCardCreation, stmt.Transactions[0].Type)
}

func TestGetCard_OtherOwnerIsNotFound(t *testing.T) {
	env := newEnv(t)
	_, ownerID := env.telegramLogin(t, 601)
	otherToken, _ := env.telegramLogin(t, 602)
	card := env.seedCard(t, ownerID, "6660000000000601", 10)

	rec := env.do(t, http.MethodGet, "/v1/cards/"+card.ID, nil, bearer(otherToken))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Transfers ---

func TestTransfer_Success(t *testing.T) {
	env := newEnv(t)
	aliceToken, aliceID := env.telegramLogin(t, 101)
	_, bobID := env.telegramLogin(t, 102)
	from := env.seedCard(t, aliceID, "6660000000000101", 500)
	to := env.seedCard(t, bobID, "6660000000000102", 20)

	rec := env.do(t, http.MethodPost, "/v1/transfers", map[string]any{
		"from_card_id":   from.ID,
		"to_card_number": "6660 0000 0000 0102",
		"amount":         150,
		"description":    "lunch",
	}, bearer(aliceToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Message  string                `json:"message"`
		Transfer domain.TransferResult `json:"transfer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(150), resp.Transfer.Amount)
	assert.Equal(t, to.ExternalNumber, resp.Transfer.ToNumber)
	assert.NotEmpty(t, resp.Transfer.TransferID)
	assert.NotContains(t, rec.Body.String(), "balance")

	assert.Equal(t, int64(350), env.balance(t, from.ID))
	assert.Equal(t, int64(170), env.balance(t, to.ID))
}

func TestTransfer_FailureMapping(t *testing.T) {
	env := newEnv(t)
	token, userID := env.telegramLogin(t, 201)
	_, otherID := env.telegramLogin(t, 202)
	from := env.seedCard(t, userID, "6660000000000201", 100)
	env.seedCard(t, otherID, "6660000000000202", 0)

	blocked := env.seedCard(t, otherID, "6660000000000203", 0)
	_, err := env.store.UpdateStatus(context.Background(), blocked.ID, domain.AccountStatusBlocked)
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   any
		status int
		code   domain.TransferFailure
	}{
		{
			name:   "malformed body",
			body:   "{",
			status: http.StatusBadRequest,
			code:   domain.TransferInvalidRequest,
		},
		{
			name:   "missing amount",
			body:   map[string]any{"from_card_id": from.ID, "to_card_number": "6660000000000202"},
			status: http.StatusBadRequest,
			code:   domain.TransferInvalidRequest,
		},
		{
			name:   "fractional amount",
			body:   map[string]any{"from_card_id": from.ID, "to_card_number": "6660000000000202", "amount": 1.5},
			status: http.StatusBadRequest,
			code:   domain.TransferInvalidAmount,
		},
		{
			name:   "negative amount",
			body:   map[string]any{"from_card_id": from.ID, "to_card_number": "6660000000000202", "amount": -5},
			status: http.StatusBadRequest,
			code:   domain.TransferInvalidAmount,
		},
		{
			name:   "bad recipient format",
			body:   map[string]any{"from_card_id": from.ID, "to_card_number": "1234", "amount": 5},
			status: http.StatusBadRequest,
			code:   domain.TransferInvalidRecipientFormat,
		},
		{
			name:   "unknown source",
			body:   map[string]any{"from_card_id": "nope", "to_card_number": "6660000000000202", "amount": 5},
			status: http.StatusNotFound,
			code:   domain.TransferSourceNotFound,
		},
		{
			name:   "insufficient funds",
			body:   map[string]any{"from_card_id": from.ID, "to_card_number": "6660000000000202", "amount": 101},
			status: http.StatusUnprocessableEntity,
			code:   domain.TransferInsufficientFunds,
		},
		{
			name:   "unknown recipient",
			body:   map[string]any{"from_card_id": from.ID, "to_card_number": "6669999999999999", "amount": 5},
			status: http.StatusNotFound,
			code:   domain.TransferRecipientNotFound,
		},
		{
			name:   "blocked recipient",
			body:   map[string]any{"from_card_id": from.ID, "to_card_number": "6660000000000203", "amount": 5},
			status: http.StatusConflict,
			code:   domain.TransferRecipientInactive,
		},
		{
			name:   "self transfer",
			body:   map[string]any{"from_card_id": from.ID, "to_card_number": "6660000000000201", "amount": 5},
			status: http.StatusConflict,
			code:   domain.TransferSelfTransferForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/transfers", tt.body, bearer(token))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			var body struct {
				Error string `json:"error"`
				Code  string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(tt.code), body.Code)
			assert.Equal(t, tt.code.UserMessage(), body.Error)
		})
	}

	assert.Equal(t, int64(100), env.balance(t, from.ID), "rejected transfers must not move funds")
}

// --- Top-ups ---

func TestStarsTopUp(t *testing.T) {
	env := newEnv(t)
	token, userID := env.telegramLogin(t, 301)
	card := env.seedCard(t, userID, "6660000000000301", 10)

	rec := env.do(t, http.MethodPost, "/v1/topups/stars", map[string]any{
		"card_id": card.ID, "stars": 11, "charge_id": "tg-charge-1",
	}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[domain.TopUpResult](t, rec)
	assert.Equal(t, int64(5), res.Credited)
	assert.Equal(t, int64(15), res.NewBalance)

	rec = env.do(t, http.MethodPost, "/v1/topups/stars", map[string]any{"card_id": card.ID, "stars": 1}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Admin ---

func TestAdmin_RequiresAdminRole(t *testing.T) {
	env := newEnv(t)
	token, _ := env.telegramLogin(t, 401)

	rec := env.do(t, http.MethodGet, "/v1/admin/stats", nil, bearer(token))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/admin/users", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_AdjustAndStats(t *testing.T) {
	env := newEnv(t)
	adminToken, adminID := env.telegramLogin(t, adminTgID)
	_, userID := env.telegramLogin(t, 402)
	card := env.seedCard(t, userID, "6660000000000402", 30)

	rec := env.do(t, http.MethodPost, "/v1/admin/users/"+userID+"/balance",
		map[string]any{"amount": -50, "reason": "chargeback"}, bearer(adminToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	adj := decode[domain.AdjustmentResult](t, rec)
	assert.Equal(t, int64(0), adj.NewBalance)
	assert.Equal(t, int64(-30), adj.Applied)
	assert.Equal(t, int64(0), env.balance(t, card.ID))

	rec = env.do(t, http.MethodPut, "/v1/admin/users/"+adminID+"/role",
		map[string]string{"role": "user"}, bearer(adminToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/admin/cards/"+card.ID+"/status",
		map[string]string{"status": "blocked"}, bearer(adminToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.AccountStatusBlocked, decode[domain.Account](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/v1/admin/users?page=1&page_size=10", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[domain.ListResponse[domain.User]](t, rec)
	assert.Equal(t, 2, users.Total)

	rec = env.do(t, http.MethodGet, "/v1/admin/stats", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[domain.LedgerStats](t, rec)
	assert.Equal(t, float64(1), stats.Adjustments)
}

func TestAdmin_AdjustRejectsOutOfRangeAmounts(t *testing.T) {
	env := newEnv(t)
	adminToken, _ := env.telegramLogin(t, adminTgID)
	_, userID := env.telegramLogin(t, 403)
	card := env.seedCard(t, userID, "6660000000000403", 100)

	for _, amount := range []string{"18446744073709551716", "9223372036854775807", "-9223372036854775808", "1000001"} {
		t.Run(amount, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/admin/users/"+userID+"/balance",
				`{"amount": `+amount+`, "reason": "overflow"}`, bearer(adminToken))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, int64(100), env.balance(t, card.ID))
		})
	}
}

func TestAdmin_DemotedTokenRejected(t *testing.T) {
	env := newEnv(t)
	adminToken, adminID := env.telegramLogin(t, adminTgID)

	_, err := env.store.UpdateRole(context.Background(), adminID, domain.RoleUser)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/admin/stats", nil, bearer(adminToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// --- Developer API ---

func TestPaymentLinkFlow(t *testing.T) {
	env := newEnv(t)
	merchantToken, merchantID := env.telegramLogin(t, adminTgID)
	payerToken, payerID := env.telegramLogin(t, 702)
	merchantCard := env.seedCard(t, merchantID, "6660000000000701", 0)
	payerCard := env.seedCard(t, payerID, "6660000000000702", 100)

	rec := env.do(t, http.MethodPost, "/v1/payment-links", map[string]any{"card_id": merchantCard.ID, "amount": 40}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/developer/api-keys", nil, bearer(payerToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/developer/api-keys", nil, bearer(merchantToken))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	issued := decode[domain.IssuedAPIKey](t, rec)
	require.NotEmpty(t, issued.Key)

	apiKey := map[string]string{"X-API-Key": issued.Key}
	rec = env.do(t, http.MethodPost, "/v1/payment-links",
		map[string]any{"card_id": merchantCard.ID, "amount": 40, "description": "coffee"}, apiKey)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	link := decode[domain.PaymentLink](t, rec)
	assert.Equal(t, domain.PaymentLinkOpen, link.Status)

	rec = env.do(t, http.MethodGet, "/v1/payment-links/"+link.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/payment-links/"+link.ID+"/pay",
		map[string]string{"from_card_id": payerCard.ID}, bearer(payerToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, int64(60), env.balance(t, payerCard.ID))
	assert.Equal(t, int64(40), env.balance(t, merchantCard.ID))

	rec = env.do(t, http.MethodPost, "/v1/payment-links/"+link.ID+"/pay",
		map[string]string{"from_card_id": payerCard.ID}, bearer(payerToken))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int64(60), env.balance(t, payerCard.ID))
}

func TestAPIKey_RevokedKeyStopsWorking(t *testing.T) {
	env := newEnv(t)
	devToken, devID := env.telegramLogin(t, adminTgID)
	card := env.seedCard(t, devID, "6660000000000801", 0)

	rec := env.do(t, http.MethodPost, "/v1/developer/api-keys", nil, bearer(devToken))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	issued := decode[domain.IssuedAPIKey](t, rec)
	apiKey := map[string]string{"X-API-Key": issued.Key}

	body := map[string]any{"card_id": card.ID, "amount": 10}
	rec = env.do(t, http.MethodPost, "/v1/payment-links", body, apiKey)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodDelete, "/v1/developer/api-keys/"+issued.APIKey.ID, nil, bearer(devToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[domain.APIKey](t, rec).Revoked)

	rec = env.do(t, http.MethodPost, "/v1/payment-links", body, apiKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPaymentLink_InvalidKey(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/payment-links",
		map[string]any{"card_id": "x", "amount": 1}, map[string]string{"X-API-Key": "sk_live_deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
