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

var transferTracer = otel.Tracer("service/transfer")

// TransferConfig tunes the engine.
type TransferConfig struct {
	// ConflictRetries bounds how many times a lost conditional update is re-read and retried.
	ConflictRetries int
	// MaxAmount rejects single transfers above this value. Zero disables the cap.
	MaxAmount int64
}

// TransferEngine moves funds between two cards and writes one ledger record per side.
//
// With a UnitOfWork, both balance updates and both records commit or roll back
// together. Without one, the source is debited with a conditional update, the
// destination is credited, a failed credit is compensated, and records are
// written best-effort.
type TransferEngine struct {
	ledger
	uow       port.UnitOfWork
	maxAmount int64
}

// TransferOption customizes a TransferEngine.
type TransferOption func(*TransferEngine)

// WithUnitOfWork runs every transfer inside one store transaction.
func WithUnitOfWork(uow port.UnitOfWork) TransferOption {
	return func(e *TransferEngine) { e.uow = uow }
}

// NewTransferEngine creates a new transfer engine.
func NewTransferEngine(
	accounts port.AccountStore,
	log port.TransactionLog,
	events port.EventPublisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg TransferConfig,
	opts ...TransferOption,
) *TransferEngine {
	e := &TransferEngine{
		ledger: ledger{
			accounts: accounts,
			log:      log,
			events:   events,
			metrics:  metrics,
			logger:   logger,
			retries:  cfg.ConflictRetries,
		},
		maxAmount: cfg.MaxAmount,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// transferPlan is a validated transfer ready to be applied.
type transferPlan struct {
	id     string
	from   *domain.Account
	to     *domain.Account
	amount int64
	txType domain.TransactionType
	note   string
}

// Transfer validates req and, when every check passes, moves the funds.
// Every failure is a *domain.TransferError.
func (e *TransferEngine) Transfer(ctx context.Context, req *domain.TransferRequest) (*domain.TransferResult, error) {
	ctx, span := transferTracer.Start(ctx, "TransferEngine.Transfer")
	defer span.End()

	start := time.Now()
	res, err := e.transfer(ctx, req)

	result := "completed"
	var te *domain.TransferError
	if errors.As(err, &te) {
		result = string(te.Kind)
		span.SetAttributes(attribute.String("transfer.failure", result))
	}
	e.metrics.RecordTransfer(result, time.Since(start))
	return res, err
}

func (e *TransferEngine) transfer(ctx context.Context, req *domain.TransferRequest) (*domain.TransferResult, error) {
	toNumber, amount, err := e.validateRequest(req)
	if err != nil {
		return nil, err
	}

	txType := req.Type
	if txType == "" {
		txType = domain.TransactionTypeTransfer
	}
	transferID := uuid.NewString()

	var plan *transferPlan
	degraded := false
	if e.uow != nil {
		plan, err = e.transferAtomic(ctx, req, toNumber, amount, transferID, txType)
	} else {
		plan, degraded, err = e.transferOptimistic(ctx, req, toNumber, amount, transferID, txType)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("transfer completed",
		zap.String("transfer_id", plan.id),
		zap.String("requester_id", req.RequesterID),
		zap.String("from_card_id", plan.from.ID),
		zap.String("to_card_id", plan.to.ID),
		zap.Int64("amount", amount),
		zap.Bool("degraded", degraded),
	)
	e.publish(context.WithoutCancel(ctx), port.Event{
		Type: port.EventTransferCompleted,
		Key:  plan.id,
		Payload: map[string]any{
			"transfer_id":  plan.id,
			"from_card_id": plan.from.ID,
			"to_card_id":   plan.to.ID,
			"amount":       amount,
			"type":         txType,
		},
	})

	return &domain.TransferResult{
		TransferID:    plan.id,
		FromAccountID: req.FromAccountID,
		ToNumber:      toNumber,
		Amount:        amount,
		Status:        string(domain.TransactionStatusCompleted),
		CompletedAt:   time.Now().UTC(),
		Degraded:      degraded,
	}, nil
}

// validateRequest runs the checks that need no store access.
func (e *TransferEngine) validateRequest(req *domain.TransferRequest) (string, int64, error) {
	if req == nil || strings.TrimSpace(req.RequesterID) == "" || strings.TrimSpace(req.FromAccountID) == "" ||
		strings.TrimSpace(req.ToNumber) == "" || req.Amount == nil {
		return "", 0, domain.NewTransferError(domain.TransferInvalidRequest, nil)
	}
	amount := *req.Amount
	if amount <= 0 {
		return "", 0, domain.NewTransferError(domain.TransferInvalidAmount, nil)
	}
	if e.maxAmount > 0 && amount > e.maxAmount {
		return "", 0, domain.NewTransferError(domain.TransferInvalidAmount, fmt.Errorf("amount %d above limit %d", amount, e.maxAmount))
	}
	toNumber := domain.NormalizeExternalNumber(req.ToNumber)
	if !domain.ValidExternalNumber(toNumber) {
		return "", 0, domain.NewTransferError(domain.TransferInvalidRecipientFormat, nil)
	}
	return toNumber, amount, nil
}

// resolve loads both cards and runs the store-backed checks in order.
func (e *TransferEngine) resolve(ctx context.Context, accounts port.AccountStore, req *domain.TransferRequest, toNumber string, amount int64) (*domain.Account, *domain.Account, error) {
	from, err := accounts.GetAccount(ctx, req.FromAccountID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, domain.NewTransferError(domain.TransferSourceNotFound, err)
		}
		return nil, nil, domain.NewTransferError(domain.TransferPersistenceError, err)
	}
	if from.OwnerID != req.RequesterID {
		// Someone else's card is indistinguishable from a missing one.
		return nil, nil, domain.NewTransferError(domain.TransferSourceNotFound, nil)
	}
	if !from.IsActive() {
		return nil, nil, domain.NewTransferError(domain.TransferSourceInactive, nil)
	}
	if from.Balance < amount {
		return nil, nil, domain.NewTransferError(domain.TransferInsufficientFunds, nil)
	}

	to, err := accounts.GetAccountByNumber(ctx, toNumber)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, domain.NewTransferError(domain.TransferRecipientNotFound, err)
		}
		return nil, nil, domain.NewTransferError(domain.TransferPersistenceError, err)
	}
	if !to.IsActive() {
		return nil, nil, domain.NewTransferError(domain.TransferRecipientInactive, nil)
	}
	if from.ID == to.ID {
		return nil, nil, domain.NewTransferError(domain.TransferSelfTransferForbidden, nil)
	}
	return from, to, nil
}

// transferAtomic applies the whole movement in one store transaction.
func (e *TransferEngine) transferAtomic(ctx context.Context, req *domain.TransferRequest, toNumber string, amount int64, id string, txType domain.TransactionType) (*transferPlan, error) {
	var plan *transferPlan
	err := e.uow.WithinTx(ctx, func(accounts port.AccountStore, log port.TransactionLog) error {
		from, to, err := e.resolve(ctx, accounts, req, toNumber, amount)
		if err != nil {
			return err
		}
		plan = &transferPlan{id: id, from: from, to: to, amount: amount, txType: txType, note: req.Description}

		if _, err := accounts.UpdateBalance(ctx, from.ID, from.Balance, from.Balance-amount); err != nil {
			return fmt.Errorf("debit source: %w", err)
		}
		credited, err := domain.AddToBalance(to.Balance, amount)
		if err != nil {
			return fmt.Errorf("credit destination: %w", err)
		}
		if _, err := accounts.UpdateBalance(ctx, to.ID, to.Balance, credited); err != nil {
			return fmt.Errorf("credit destination: %w", err)
		}
		debit, credit := plan.records()
		if err := log.AppendTransaction(ctx, debit); err != nil {
			return fmt.Errorf("append debit record: %w", err)
		}
		if err := log.AppendTransaction(ctx, credit); err != nil {
			return fmt.Errorf("append credit record: %w", err)
		}
		return nil
	})
	if err != nil {
		var te *domain.TransferError
		if errors.As(err, &te) {
			return nil, te
		}
		e.logger.Error("transfer rolled back", zap.String("transfer_id", id), zap.Error(err))
		return nil, domain.NewTransferError(domain.TransferPersistenceError, err)
	}
	return plan, nil
}

// transferOptimistic debits with a conditional update, re-validating on every
// conflict, then credits the destination and compensates if that fails.
func (e *TransferEngine) transferOptimistic(ctx context.Context, req *domain.TransferRequest, toNumber string, amount int64, id string, txType domain.TransactionType) (*transferPlan, bool, error) {
	var plan *transferPlan
	for attempt := 0; ; attempt++ {
		from, to, err := e.resolve(ctx, e.accounts, req, toNumber, amount)
		if err != nil {
			return nil, false, err
		}

		_, err = e.accounts.UpdateBalance(ctx, from.ID, from.Balance, from.Balance-amount)
		if err == nil {
			plan = &transferPlan{id: id, from: from, to: to, amount: amount, txType: txType, note: req.Description}
			break
		}
		var stale *domain.ErrStaleWrite
		if !errors.As(err, &stale) {
			return nil, false, domain.NewTransferError(domain.TransferPersistenceError, err)
		}
		e.metrics.IncrConflict("transfer_debit")
		if attempt >= e.retries {
			return nil, false, domain.NewTransferError(domain.TransferPersistenceError, err)
		}
	}

	// The source is debited; from here on the caller's cancellation is ignored.
	ctx = context.WithoutCancel(ctx)

	_, err := e.applyBalance(ctx, e.accounts, plan.to, "transfer_credit", func(acc *domain.Account) (int64, error) {
		return domain.AddToBalance(acc.Balance, amount)
	})
	if err != nil {
		return nil, false, e.compensate(ctx, plan, err)
	}

	debit, credit := plan.records()
	okDebit := e.appendBestEffort(ctx, debit)
	okCredit := e.appendBestEffort(ctx, credit)
	return plan, !(okDebit && okCredit), nil
}

// compensate re-credits the source after the destination credit failed.
func (e *TransferEngine) compensate(ctx context.Context, plan *transferPlan, creditErr error) error {
	e.logger.Warn("destination credit failed, reverting source debit",
		zap.String("transfer_id", plan.id),
		zap.String("from_card_id", plan.from.ID),
		zap.String("to_card_id", plan.to.ID),
		zap.Int64("amount", plan.amount),
		zap.Error(creditErr),
	)

	src, err := e.accounts.GetAccount(ctx, plan.from.ID)
	if err == nil {
		_, err = e.applyBalance(ctx, e.accounts, src, "transfer_compensation", func(acc *domain.Account) (int64, error) {
			return domain.AddToBalance(acc.Balance, plan.amount)
		})
	}
	if err == nil {
		e.metrics.IncrCompensation("succeeded")
		return domain.NewTransferError(domain.TransferPersistenceError, creditErr)
	}

	e.metrics.IncrCompensation("failed")
	e.logger.Error("LEDGER ANOMALY: source debited, destination not credited, compensation failed",
		zap.String("transfer_id", plan.id),
		zap.String("from_card_id", plan.from.ID),
		zap.String("to_card_id", plan.to.ID),
		zap.Int64("amount", plan.amount),
		zap.NamedError("credit_error", creditErr),
		zap.NamedError("compensation_error", err),
	)
	e.publish(ctx, port.Event{
		Type: port.EventLedgerAnomaly,
		Key:  plan.from.ID,
		Payload: map[string]any{
			"reason":       "compensation_failed",
			"transfer_id":  plan.id,
			"from_card_id": plan.from.ID,
			"to_card_id":   plan.to.ID,
			"amount":       plan.amount,
		},
	})
	return domain.NewTransferError(domain.TransferPersistenceError, errors.Join(creditErr, err))
}

// records builds the debit and credit ledger entries for the plan.
func (p *transferPlan) records() (*domain.Transaction, *domain.Transaction) {
	now := time.Now().UTC()
	debit := &domain.Transaction{
		ID:          uuid.NewString(),
		AccountID:   p.from.ID,
		TransferID:  p.id,
		Type:        p.txType,
		Amount:      -p.amount,
		Description: withNote(fmt.Sprintf("Transfer to card %s", p.to.ExternalNumber), p.note),
		Status:      domain.TransactionStatusCompleted,
		CreatedAt:   now,
	}
	credit := &domain.Transaction{
		ID:          uuid.NewString(),
		AccountID:   p.to.ID,
		TransferID:  p.id,
		Type:        p.txType,
		Amount:      p.amount,
		Description: withNote(fmt.Sprintf("Transfer from card %s", p.from.ExternalNumber), p.note),
		Status:      domain.TransactionStatusCompleted,
		CreatedAt:   now,
	}
	return debit, credit
}

func withNote(base, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return base
	}
	return base + ": " + note
}
