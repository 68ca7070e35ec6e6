package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// timedQuerier gives every statement its own deadline. The deadline of a
// QueryRow or Query lives until the row is scanned or the rows are closed.
type timedQuerier struct {
	q       Querier
	timeout time.Duration
}

func (t timedQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.q.Exec(ctx, sql, args...)
}

func (t timedQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		cancel()
		return nil, err
	}
	return &timedRows{Rows: rows, cancel: cancel}, nil
}

func (t timedQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	return timedRow{row: t.q.QueryRow(ctx, sql, args...), cancel: cancel}
}

type timedRow struct {
	row    pgx.Row
	cancel context.CancelFunc
}

func (r timedRow) Scan(dest ...any) error {
	defer r.cancel()
	return r.row.Scan(dest...)
}

type timedRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *timedRows) Close() {
	r.Rows.Close()
	r.cancel()
}

// bound applies the per-call timeout to q. A zero timeout leaves q as is.
func (db *DB) bound(q Querier) Querier {
	if db.callTimeout <= 0 {
		return q
	}
	return timedQuerier{q: q, timeout: db.callTimeout}
}

// boundCtx is the context-level counterpart of bound for Begin and Commit.
func (db *DB) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.callTimeout)
}
