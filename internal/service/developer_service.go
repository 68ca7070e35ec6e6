package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

var devTracer = otel.Tracer("service/developer")

const (
	apiKeyPrefix        = "sk_live_"
	apiKeyDisplayLength = len(apiKeyPrefix) + 6
)

// DeveloperService issues API keys and runs payment links on top of the transfer engine.
type DeveloperService struct {
	store     port.DeveloperStore
	users     port.UserStore
	accounts  port.AccountStore
	transfers *TransferEngine
	keys      port.Cache[*domain.APIKey]
	maxAmount int64
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewDeveloperService creates a new developer service.
func NewDeveloperService(store port.DeveloperStore, users port.UserStore, accounts port.AccountStore,
	transfers *TransferEngine, keys port.Cache[*domain.APIKey], maxAmount int64,
	metrics *observability.Metrics, logger *zap.Logger) *DeveloperService {
	return &DeveloperService{
		store:     store,
		users:     users,
		accounts:  accounts,
		transfers: transfers,
		keys:      keys,
		maxAmount: maxAmount,
		metrics:   metrics,
		logger:    logger,
	}
}

// ============================================================
// API keys
// ============================================================

// IssueAPIKey creates a key for a developer. The raw key is returned once and never stored.
func (s *DeveloperService) IssueAPIKey(ctx context.Context, userID string) (*domain.IssuedAPIKey, error) {
	ctx, span := devTracer.Start(ctx, "DeveloperService.IssueAPIKey")
	defer span.End()

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Role != domain.RoleDeveloper && user.Role != domain.RoleAdmin {
		return nil, &domain.ErrForbidden{Action: "issue API keys without the developer role"}
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := apiKeyPrefix + hex.EncodeToString(b)

	key, err := s.store.CreateAPIKey(ctx, &domain.APIKey{
		ID:      uuid.NewString(),
		UserID:  userID,
		Prefix:  raw[:apiKeyDisplayLength],
		KeyHash: hashToken(raw),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("api key issued", zap.String("user_id", userID), zap.String("key_id", key.ID))
	return &domain.IssuedAPIKey{Key: raw, APIKey: key}, nil
}

// RevokeAPIKey disables one of the user's keys and drops it from the lookup cache.
func (s *DeveloperService) RevokeAPIKey(ctx context.Context, userID, keyID string) (*domain.APIKey, error) {
	ctx, span := devTracer.Start(ctx, "DeveloperService.RevokeAPIKey")
	defer span.End()
	span.SetAttributes(attribute.String("api_key.id", keyID))

	key, err := s.store.RevokeAPIKey(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	s.keys.Delete(key.KeyHash)

	s.logger.Info("api key revoked", zap.String("user_id", userID), zap.String("key_id", keyID))
	return key, nil
}

// Authenticate resolves a raw X-API-Key value. Lookups are cached by hash.
func (s *DeveloperService) Authenticate(ctx context.Context, rawKey string) (*domain.APIKey, error) {
	ctx, span := devTracer.Start(ctx, "DeveloperService.Authenticate")
	defer span.End()

	if !strings.HasPrefix(rawKey, apiKeyPrefix) {
		return nil, &domain.ErrUnauthorized{Message: "invalid API key"}
	}
	hash := hashToken(rawKey)

	key, ok := s.keys.Get(hash)
	if ok {
		s.metrics.IncrCacheHit("api_keys")
	} else {
		s.metrics.IncrCacheMiss("api_keys")
		var err error
		key, err = s.store.GetAPIKeyByHash(ctx, hash)
		if err != nil {
			if isNotFound(err) {
				return nil, &domain.ErrUnauthorized{Message: "invalid API key"}
			}
			return nil, err
		}
		s.keys.Set(hash, key)
	}

	if key.Revoked {
		return nil, &domain.ErrUnauthorized{Message: "API key revoked"}
	}
	return key, nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ============================================================
// Payment links
// ============================================================

// CreatePaymentLink creates an open link paying into one of the key owner's active cards.
func (s *DeveloperService) CreatePaymentLink(ctx context.Context, key *domain.APIKey, req *domain.CreatePaymentLinkRequest) (*domain.PaymentLink, error) {
	ctx, span := devTracer.Start(ctx, "DeveloperService.CreatePaymentLink")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", key.UserID), attribute.Int64("amount", req.Amount))

	if req.Amount <= 0 {
		return nil, &domain.ErrValidation{Field: "amount", Message: "amount must be greater than zero"}
	}
	if s.maxAmount > 0 && req.Amount > s.maxAmount {
		return nil, &domain.ErrValidation{Field: "amount", Message: "amount is too large"}
	}

	card, err := s.accounts.GetAccount(ctx, req.CardID)
	if err != nil {
		return nil, err
	}
	if card.OwnerID != key.UserID {
		return nil, &domain.ErrNotFound{Resource: "card", ID: req.CardID}
	}
	if !card.IsActive() {
		return nil, &domain.ErrAccountInactive{AccountID: card.ID, Status: card.Status}
	}

	link, err := s.store.CreatePaymentLink(ctx, &domain.PaymentLink{
		ID:             uuid.NewString(),
		MerchantUserID: key.UserID,
		CardNumber:     card.ExternalNumber,
		Amount:         req.Amount,
		Description:    strings.TrimSpace(req.Description),
		Status:         domain.PaymentLinkOpen,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment link created", zap.String("link_id", link.ID), zap.String("user_id", key.UserID))
	return link, nil
}

func (s *DeveloperService) GetPaymentLink(ctx context.Context, id string) (*domain.PaymentLink, error) {
	ctx, span := devTracer.Start(ctx, "DeveloperService.GetPaymentLink")
	defer span.End()

	return s.store.GetPaymentLink(ctx, id)
}

// PayPaymentLink pays an open link from the payer's card with a regular transfer.
// Transfer failures are returned unchanged as *domain.TransferError.
func (s *DeveloperService) PayPaymentLink(ctx context.Context, payerID, fromCardID, linkID string) (*domain.PaymentLink, *domain.TransferResult, error) {
	ctx, span := devTracer.Start(ctx, "DeveloperService.PayPaymentLink")
	defer span.End()

	link, err := s.store.GetPaymentLink(ctx, linkID)
	if err != nil {
		return nil, nil, err
	}
	if link.Status != domain.PaymentLinkOpen {
		return nil, nil, &domain.ErrConflict{Message: "payment link already paid"}
	}

	description := "Payment link " + link.ID
	if link.Description != "" {
		description += " (" + link.Description + ")"
	}
	amount := link.Amount
	res, err := s.transfers.Transfer(ctx, &domain.TransferRequest{
		RequesterID:   payerID,
		FromAccountID: fromCardID,
		ToNumber:      link.CardNumber,
		Amount:        &amount,
		Description:   description,
		Type:          domain.TransactionTypePaymentLink,
	})
	if err != nil {
		return nil, nil, err
	}

	paid, err := s.store.MarkPaymentLinkPaid(context.WithoutCancel(ctx), link.ID, res.TransferID)
	if err != nil {
		// Funds moved; the link state is behind and needs reconciliation.
		s.logger.Error("payment link paid but not marked",
			zap.String("link_id", link.ID),
			zap.String("transfer_id", res.TransferID),
			zap.Error(err),
		)
		link.TransferID = res.TransferID
		return link, res, nil
	}

	s.logger.Info("payment link paid",
		zap.String("link_id", link.ID),
		zap.String("payer_id", payerID),
		zap.String("transfer_id", res.TransferID),
	)
	return paid, res, nil
}
