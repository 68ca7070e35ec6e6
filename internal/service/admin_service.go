package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

var adminTracer = otel.Tracer("service/admin")

const (
	overviewTransactionsPerCard = 10
	overviewTransactions        = 20
	maxUsersPageSize            = 100
)

// AdminService is the administrative surface: users, roles, card status and balance overrides.
type AdminService struct {
	ledger
	users port.UserStore
}

// NewAdminService creates a new admin service.
func NewAdminService(users port.UserStore, accounts port.AccountStore, log port.TransactionLog,
	events port.EventPublisher, metrics *observability.Metrics, logger *zap.Logger, conflictRetries int) *AdminService {
	return &AdminService{
		ledger: ledger{
			accounts: accounts,
			log:      log,
			events:   events,
			metrics:  metrics,
			logger:   logger,
			retries:  conflictRetries,
		},
		users: users,
	}
}

// AdjustBalance credits or debits the user's first active card by adj.Amount.
//
// Unlike a transfer, a debit larger than the balance is not rejected: the
// balance is floored at zero and the result reports what was actually applied.
func (s *AdminService) AdjustBalance(ctx context.Context, adj *domain.BalanceAdjustment) (*domain.AdjustmentResult, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.AdjustBalance")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", adj.UserID), attribute.Int64("amount", adj.Amount))

	if adj.Amount == 0 {
		return nil, &domain.ErrValidation{Field: "amount", Message: "amount must not be zero"}
	}

	card, err := s.firstActiveCard(ctx, adj.UserID)
	if err != nil {
		return nil, err
	}

	previous := card.Balance
	updated, err := s.applyBalance(ctx, s.accounts, card, "admin_adjustment", func(acc *domain.Account) (int64, error) {
		previous = acc.Balance
		return floorAtZero(acc.Balance, adj.Amount)
	})
	if err != nil {
		var invalid *domain.ErrValidation
		if errors.As(err, &invalid) {
			return nil, err
		}
		return nil, &domain.ErrExternalService{Service: "account_store", Err: err}
	}

	applied := updated.Balance - previous
	direction := "credit"
	if adj.Amount < 0 {
		direction = "debit"
	}
	s.metrics.IncrAdjustment(direction)

	ctx = context.WithoutCancel(ctx)
	if applied != 0 {
		reason := strings.TrimSpace(adj.Reason)
		if reason == "" {
			reason = "Balance adjusted by administrator"
		}
		s.appendBestEffort(ctx, &domain.Transaction{
			ID:          uuid.NewString(),
			AccountID:   card.ID,
			Type:        domain.TransactionTypeAdminAdjustment,
			Amount:      applied,
			Description: reason,
			Status:      domain.TransactionStatusCompleted,
			CreatedAt:   time.Now().UTC(),
		})
	}

	s.logger.Info("balance adjusted by admin",
		zap.String("admin_id", adj.AdminID),
		zap.String("user_id", adj.UserID),
		zap.String("card_id", card.ID),
		zap.Int64("requested", adj.Amount),
		zap.Int64("applied", applied),
	)
	s.publish(ctx, port.Event{
		Type: port.EventBalanceAdjusted,
		Key:  card.ID,
		Payload: map[string]any{
			"card_id":   card.ID,
			"user_id":   adj.UserID,
			"admin_id":  adj.AdminID,
			"requested": adj.Amount,
			"applied":   applied,
		},
	})

	return &domain.AdjustmentResult{
		CardID:          card.ID,
		PreviousBalance: previous,
		NewBalance:      updated.Balance,
		Applied:         applied,
	}, nil
}

// floorAtZero applies a signed delta and clamps the result at zero.
// Credits that would overflow are refused.
func floorAtZero(balance, delta int64) (int64, error) {
	if delta > 0 {
		return domain.AddToBalance(balance, delta)
	}
	if next := balance + delta; next > 0 {
		return next, nil
	}
	return 0, nil
}

func (s *AdminService) firstActiveCard(ctx context.Context, userID string) (*domain.Account, error) {
	cards, err := s.accounts.ListAccountsByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range cards {
		if cards[i].IsActive() {
			return &cards[i], nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "active card", ID: userID}
}

// ListUsers pages through users. page is 1-based.
func (s *AdminService) ListUsers(ctx context.Context, page, pageSize int) (*domain.ListResponse[domain.User], error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.ListUsers")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxUsersPageSize {
		pageSize = 20
	}
	users, total, err := s.users.ListUsers(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &domain.ListResponse[domain.User]{
		Data:     users,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  page*pageSize < total,
	}, nil
}

// SetRole changes a user's role. Admins cannot change their own role.
func (s *AdminService) SetRole(ctx context.Context, adminID, userID string, role domain.Role) (*domain.User, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.SetRole")
	defer span.End()

	if !role.Valid() {
		return nil, &domain.ErrValidation{Field: "role", Message: fmt.Sprintf("unknown role %q", role)}
	}
	if adminID == userID {
		return nil, &domain.ErrForbidden{Action: "change your own role"}
	}
	u, err := s.users.UpdateRole(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	s.logger.Info("role changed", zap.String("admin_id", adminID), zap.String("user_id", userID), zap.String("role", string(role)))
	return u, nil
}

// SetCardStatus blocks, unblocks or otherwise moves a card between statuses.
func (s *AdminService) SetCardStatus(ctx context.Context, cardID string, status domain.AccountStatus) (*domain.Account, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.SetCardStatus")
	defer span.End()

	if !status.Valid() {
		return nil, &domain.ErrValidation{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	card, err := s.accounts.UpdateStatus(ctx, cardID, status)
	if err != nil {
		return nil, err
	}
	s.logger.Info("card status changed", zap.String("card_id", cardID), zap.String("status", string(status)))
	return card, nil
}

// UserOverview loads a user, their cards and the most recent activity across all cards.
func (s *AdminService) UserOverview(ctx context.Context, userID string) (*domain.UserOverview, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.UserOverview")
	defer span.End()

	var (
		user  *domain.User
		cards []domain.Account
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = s.users.GetUser(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		cards, err = s.accounts.ListAccountsByOwner(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	perCard := make([][]domain.Transaction, len(cards))
	g, gctx = errgroup.WithContext(ctx)
	for i := range cards {
		g.Go(func() error {
			txs, err := s.log.ListTransactions(gctx, cards[i].ID, overviewTransactionsPerCard)
			perCard[i] = txs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	recent := make([]domain.Transaction, 0)
	for _, txs := range perCard {
		recent = append(recent, txs...)
	}
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })
	if len(recent) > overviewTransactions {
		recent = recent[:overviewTransactions]
	}

	return &domain.UserOverview{User: user, Cards: cards, Transactions: recent}, nil
}
