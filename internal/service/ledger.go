package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

// ledger bundles the collaborators every balance-moving service needs.
type ledger struct {
	accounts port.AccountStore
	log      port.TransactionLog
	events   port.EventPublisher
	metrics  *observability.Metrics
	logger   *zap.Logger
	retries  int
}

// nextBalance computes the balance to write from the freshly read card.
// Returning an error aborts without writing.
type nextBalance func(acc *domain.Account) (int64, error)

// applyBalance performs a conditional balance write starting from acc and,
// each time another writer got there first, re-reads the card and
// recomputes. It gives up with *domain.ErrStaleWrite after l.retries conflicts.
func (l *ledger) applyBalance(ctx context.Context, accounts port.AccountStore, acc *domain.Account, op string, next nextBalance) (*domain.Account, error) {
	cur := acc
	for attempt := 0; ; attempt++ {
		newBalance, err := next(cur)
		if err != nil {
			return nil, err
		}

		updated, err := accounts.UpdateBalance(ctx, cur.ID, cur.Balance, newBalance)
		if err == nil {
			return updated, nil
		}
		var stale *domain.ErrStaleWrite
		if !errors.As(err, &stale) {
			return nil, err
		}

		l.metrics.IncrConflict(op)
		if attempt >= l.retries {
			return nil, err
		}
		l.logger.Debug("balance changed concurrently, retrying",
			zap.String("card_id", cur.ID),
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
		)
		if cur, err = accounts.GetAccount(ctx, cur.ID); err != nil {
			return nil, err
		}
	}
}

// appendBestEffort writes a ledger record after balances have already moved.
// A failure is logged, counted and reported as an anomaly; it never fails the caller.
func (l *ledger) appendBestEffort(ctx context.Context, tx *domain.Transaction) bool {
	if err := l.log.AppendTransaction(ctx, tx); err != nil {
		l.metrics.IncrAppendFailure(string(tx.Type))
		l.logger.Error("ledger record not written, balance already updated",
			zap.String("card_id", tx.AccountID),
			zap.String("transfer_id", tx.TransferID),
			zap.String("type", string(tx.Type)),
			zap.Int64("amount", tx.Amount),
			zap.Error(err),
		)
		l.publish(ctx, port.Event{
			Type: port.EventLedgerAnomaly,
			Key:  tx.AccountID,
			Payload: map[string]any{
				"reason":      "append_failed",
				"card_id":     tx.AccountID,
				"transfer_id": tx.TransferID,
				"type":        tx.Type,
				"amount":      tx.Amount,
			},
		})
		return false
	}
	return true
}

// publish hands an event to the broker. Failures are logged and counted only.
func (l *ledger) publish(ctx context.Context, evt port.Event) {
	if err := l.events.Publish(ctx, evt); err != nil {
		l.metrics.IncrEvent(evt.Type, "failed")
		l.logger.Warn("event not published", zap.String("event", evt.Type), zap.Error(err))
		return
	}
	l.metrics.IncrEvent(evt.Type, "queued")
}

func isNotFound(err error) bool {
	var nf *domain.ErrNotFound
	return errors.As(err, &nf)
}
