package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

var topUpTracer = otel.Tracer("service/topup")

// TopUpService credits cards after Telegram Stars payments.
type TopUpService struct {
	ledger
	starsPerRuble int64
}

// NewTopUpService creates a new top-up service. A non-positive rate falls back to the default.
func NewTopUpService(accounts port.AccountStore, log port.TransactionLog, events port.EventPublisher,
	metrics *observability.Metrics, logger *zap.Logger, starsPerRuble int64, conflictRetries int) *TopUpService {
	if starsPerRuble <= 0 {
		starsPerRuble = domain.DefaultStarsPerRuble
	}
	return &TopUpService{
		ledger: ledger{
			accounts: accounts,
			log:      log,
			events:   events,
			metrics:  metrics,
			logger:   logger,
			retries:  conflictRetries,
		},
		starsPerRuble: starsPerRuble,
	}
}

// TopUpStars converts req.Stars to rubles and credits the requester's card.
// The ledger record is best-effort: a failed append does not undo the credit.
func (s *TopUpService) TopUpStars(ctx context.Context, req *domain.StarsTopUpRequest) (*domain.TopUpResult, error) {
	ctx, span := topUpTracer.Start(ctx, "TopUpService.TopUpStars")
	defer span.End()
	span.SetAttributes(attribute.String("card.id", req.CardID), attribute.Int64("stars", req.Stars))

	res, err := s.topUp(ctx, req)
	if err != nil {
		s.metrics.IncrTopUp("rejected")
		return nil, err
	}
	s.metrics.IncrTopUp("credited")
	return res, nil
}

func (s *TopUpService) topUp(ctx context.Context, req *domain.StarsTopUpRequest) (*domain.TopUpResult, error) {
	if strings.TrimSpace(req.CardID) == "" {
		return nil, &domain.ErrValidation{Field: "card_id", Message: "card is required"}
	}
	if req.Stars <= 0 {
		return nil, &domain.ErrValidation{Field: "stars", Message: "stars must be positive"}
	}
	rubles := domain.StarsToRubles(req.Stars, s.starsPerRuble)
	if rubles == 0 {
		return nil, &domain.ErrValidation{
			Field:   "stars",
			Message: fmt.Sprintf("at least %d stars are needed for one ruble", s.starsPerRuble),
		}
	}

	card, err := s.accounts.GetAccount(ctx, req.CardID)
	if err != nil {
		return nil, err
	}
	if card.OwnerID != req.RequesterID {
		return nil, &domain.ErrNotFound{Resource: "card", ID: req.CardID}
	}

	updated, err := s.applyBalance(ctx, s.accounts, card, "stars_topup", func(acc *domain.Account) (int64, error) {
		if !acc.IsActive() {
			return 0, &domain.ErrAccountInactive{AccountID: acc.ID, Status: acc.Status}
		}
		return domain.AddToBalance(acc.Balance, rubles)
	})
	if err != nil {
		var (
			inactive *domain.ErrAccountInactive
			invalid  *domain.ErrValidation
		)
		if errors.As(err, &inactive) || errors.As(err, &invalid) {
			return nil, err
		}
		return nil, &domain.ErrExternalService{Service: "account_store", Err: err}
	}

	ctx = context.WithoutCancel(ctx)
	description := fmt.Sprintf("Telegram Stars top-up: %d stars", req.Stars)
	if req.ChargeID != "" {
		description += " (charge " + req.ChargeID + ")"
	}
	recorded := s.appendBestEffort(ctx, &domain.Transaction{
		ID:          uuid.NewString(),
		AccountID:   card.ID,
		Type:        domain.TransactionTypeTelegramStarsTopUp,
		Amount:      rubles,
		Description: description,
		Status:      domain.TransactionStatusCompleted,
		CreatedAt:   time.Now().UTC(),
	})

	s.logger.Info("stars top-up credited",
		zap.String("card_id", card.ID),
		zap.String("user_id", req.RequesterID),
		zap.Int64("stars", req.Stars),
		zap.Int64("rubles", rubles),
		zap.String("charge_id", req.ChargeID),
	)
	s.publish(ctx, port.Event{
		Type: port.EventBalanceToppedUp,
		Key:  card.ID,
		Payload: map[string]any{
			"card_id":   card.ID,
			"stars":     req.Stars,
			"amount":    rubles,
			"charge_id": req.ChargeID,
		},
	})

	return &domain.TopUpResult{
		CardID:     card.ID,
		Stars:      req.Stars,
		Credited:   rubles,
		NewBalance: updated.Balance,
		Degraded:   !recorded,
	}, nil
}
