package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

// UnitOfWork implements port.UnitOfWork. Cards read inside fn are locked
// with SELECT ... FOR UPDATE until commit.
type UnitOfWork struct {
	db    *DB
	cards *CardRepository
	txs   *TransactionRepository
}

// NewUnitOfWork returns a unit of work on db.
func NewUnitOfWork(db *DB) *UnitOfWork {
	return &UnitOfWork{
		db:    db,
		cards: NewCardRepository(db),
		txs:   NewTransactionRepository(db),
	}
}

func (u *UnitOfWork) WithinTx(ctx context.Context, fn func(accounts port.AccountStore, log port.TransactionLog) error) error {
	return u.db.ExecuteTx(ctx, func(tx pgx.Tx) error {
		return fn(u.cards.WithTx(tx), u.txs.WithTx(tx))
	})
}
