package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

const userColumns = `id::text, COALESCE(email, ''), COALESCE(password_hash, ''), telegram_id, COALESCE(username, ''), COALESCE(first_name, ''), role, created_at`

// UserRepository implements port.UserStore on the "users" table.
type UserRepository struct {
	db      *DB
	querier Querier
}

// NewUserRepository returns a repository on the pool.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db, querier: db.bound(db.pool)}
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.TelegramID,
		&u.Username,
		&u.FirstName,
		&u.Role,
		&u.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *UserRepository) CreateUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	id := u.ID
	if id == "" {
		id = uuid.NewString()
	}
	query := `
		INSERT INTO users (id, email, password_hash, telegram_id, username, first_name, role)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + userColumns

	created, err := scanUser(r.querier.QueryRow(ctx, query,
		id,
		nullIfEmpty(u.Email),
		nullIfEmpty(u.PasswordHash),
		u.TelegramID,
		nullIfEmpty(u.Username),
		nullIfEmpty(u.FirstName),
		u.Role,
	))
	if err != nil {
		return nil, r.db.wrap("CreateUser", fmt.Errorf("failed to create user: %w", err))
	}
	return created, nil
}

func (r *UserRepository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, "GetUser", `id::text = $1`, id, id)
}

func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getOne(ctx, "GetUserByEmail", `LOWER(email) = LOWER($1)`, email, email)
}

func (r *UserRepository) GetUserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error) {
	return r.getOne(ctx, "GetUserByTelegramID", `telegram_id = $1`, telegramID, "telegram:"+strconv.FormatInt(telegramID, 10))
}

func (r *UserRepository) getOne(ctx context.Context, op, where string, arg any, id string) (*domain.User, error) {
	u, err := scanUser(r.querier.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "user", ID: id}
	}
	if err != nil {
		return nil, r.db.wrap(op, fmt.Errorf("failed to get user: %w", err))
	}
	return u, nil
}

// ListUsers pages through users ordered by creation time. page is 1-based.
func (r *UserRepository) ListUsers(ctx context.Context, page, pageSize int) ([]domain.User, int, error) {
	var total int
	if err := r.querier.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, r.db.wrap("ListUsers", fmt.Errorf("failed to count users: %w", err))
	}

	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at, id LIMIT $1 OFFSET $2`
	rows, err := r.querier.Query(ctx, query, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, r.db.wrap("ListUsers", fmt.Errorf("failed to list users: %w", err))
	}
	defer rows.Close()

	users := make([]domain.User, 0, pageSize)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, r.db.wrap("ListUsers", fmt.Errorf("failed to scan user: %w", err))
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, r.db.wrap("ListUsers", err)
	}
	return users, total, nil
}

func (r *UserRepository) UpdateRole(ctx context.Context, id string, role domain.Role) (*domain.User, error) {
	query := `UPDATE users SET role = $1 WHERE id::text = $2 RETURNING ` + userColumns

	u, err := scanUser(r.querier.QueryRow(ctx, query, role, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "user", ID: id}
	}
	if err != nil {
		return nil, r.db.wrap("UpdateRole", fmt.Errorf("failed to update role: %w", err))
	}
	return u, nil
}
