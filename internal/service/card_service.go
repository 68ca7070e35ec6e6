package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

var cardTracer = otel.Tracer("service/cards")

const (
	maxNumberAttempts      = 5
	defaultStatementLength = 50
)

// CardService issues cards and serves card data to their owners.
type CardService struct {
	ledger
}

// NewCardService creates a new card service.
func NewCardService(accounts port.AccountStore, log port.TransactionLog, metrics *observability.Metrics, logger *zap.Logger) *CardService {
	return &CardService{ledger: ledger{
		accounts: accounts,
		log:      log,
		events:   nopEvents{},
		metrics:  metrics,
		logger:   logger,
	}}
}

// IssueCard creates a card with a fresh 666 number, zero balance, awaiting activation.
func (s *CardService) IssueCard(ctx context.Context, ownerID string) (*domain.Account, error) {
	ctx, span := cardTracer.Start(ctx, "CardService.IssueCard")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", ownerID))

	var card *domain.Account
	for attempt := 1; ; attempt++ {
		number, err := domain.GenerateExternalNumber()
		if err != nil {
			return nil, err
		}
		card, err = s.accounts.CreateAccount(ctx, &domain.Account{
			ID:             uuid.NewString(),
			OwnerID:        ownerID,
			ExternalNumber: number,
			Balance:        0,
			Status:         domain.AccountStatusAwaitingActivation,
		})
		if err == nil {
			break
		}
		var conflict *domain.ErrConflict
		if !errors.As(err, &conflict) || attempt == maxNumberAttempts {
			return nil, fmt.Errorf("create card: %w", err)
		}
		s.logger.Debug("card number collision, regenerating", zap.Int("attempt", attempt))
	}

	s.appendBestEffort(ctx, &domain.Transaction{
		ID:          uuid.NewString(),
		AccountID:   card.ID,
		Type:        domain.TransactionTypeCardCreation,
		Amount:      0,
		Description: "Card issued",
		Status:      domain.TransactionStatusCompleted,
		CreatedAt:   time.Now().UTC(),
	})

	s.logger.Info("card issued", zap.String("user_id", ownerID), zap.String("card_id", card.ID))
	return card, nil
}

// ActivateCard moves an owned card from pending or awaiting_activation to active.
// Activating an active card is a no-op; blocked cards stay blocked.
func (s *CardService) ActivateCard(ctx context.Context, ownerID, cardID string) (*domain.Account, error) {
	ctx, span := cardTracer.Start(ctx, "CardService.ActivateCard")
	defer span.End()

	card, err := s.GetCard(ctx, ownerID, cardID)
	if err != nil {
		return nil, err
	}
	switch card.Status {
	case domain.AccountStatusActive:
		return card, nil
	case domain.AccountStatusBlocked:
		return nil, &domain.ErrForbidden{Action: "activate a blocked card"}
	}

	updated, err := s.accounts.UpdateStatus(ctx, card.ID, domain.AccountStatusActive)
	if err != nil {
		return nil, err
	}
	s.logger.Info("card activated", zap.String("user_id", ownerID), zap.String("card_id", card.ID))
	return updated, nil
}

func (s *CardService) ListCards(ctx context.Context, ownerID string) ([]domain.Account, error) {
	ctx, span := cardTracer.Start(ctx, "CardService.ListCards")
	defer span.End()

	return s.accounts.ListAccountsByOwner(ctx, ownerID)
}

// GetCard returns the card only to its owner; anyone else gets ErrNotFound.
func (s *CardService) GetCard(ctx context.Context, ownerID, cardID string) (*domain.Account, error) {
	card, err := s.accounts.GetAccount(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.OwnerID != ownerID {
		return nil, &domain.ErrNotFound{Resource: "card", ID: cardID}
	}
	return card, nil
}

func (s *CardService) ListTransactions(ctx context.Context, ownerID, cardID string, limit int) ([]domain.Transaction, error) {
	ctx, span := cardTracer.Start(ctx, "CardService.ListTransactions")
	defer span.End()

	if _, err := s.GetCard(ctx, ownerID, cardID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultStatementLength {
		limit = defaultStatementLength
	}
	return s.log.ListTransactions(ctx, cardID, limit)
}

// nopEvents is used by services that emit no domain events.
type nopEvents struct{}

func (nopEvents) Publish(context.Context, port.Event) error { return nil }
