package supabase

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

// userRow mirrors the "users" table. domain.User hides the hash from JSON,
// so rows are decoded through this type.
type userRow struct {
	ID           string      `json:"id"`
	Email        *string     `json:"email"`
	PasswordHash *string     `json:"password_hash"`
	TelegramID   *int64      `json:"telegram_id"`
	Username     *string     `json:"username"`
	FirstName    *string     `json:"first_name"`
	Role         domain.Role `json:"role"`
	CreatedAt    time.Time   `json:"created_at"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{
		ID:           r.ID,
		Email:        deref(r.Email),
		PasswordHash: deref(r.PasswordHash),
		TelegramID:   r.TelegramID,
		Username:     deref(r.Username),
		FirstName:    deref(r.FirstName),
		Role:         r.Role,
		CreatedAt:    r.CreatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UserStore implements port.UserStore on the "users" table.
type UserStore struct {
	c *Client
}

// NewUserStore returns a user store using c.
func NewUserStore(c *Client) *UserStore {
	return &UserStore{c: c}
}

func (s *UserStore) CreateUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	body := map[string]any{
		"email":         nullable(u.Email),
		"password_hash": nullable(u.PasswordHash),
		"telegram_id":   u.TelegramID,
		"username":      nullable(u.Username),
		"first_name":    nullable(u.FirstName),
		"role":          u.Role,
	}
	if u.ID != "" {
		body["id"] = u.ID
	}

	var created *domain.User
	err := s.c.call(ctx, "CreateUser", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodPost, "users", body, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[userRow](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("insert user returned no rows")
		}
		user := rows[0].toDomain()
		created = &user
		return nil
	})
	return created, err
}

func (s *UserStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.getOne(ctx, "GetUser", "id="+eq(id), id)
}

// GetUserByEmail matches case-insensitively; emails are stored lower-cased.
func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.getOne(ctx, "GetUserByEmail", "email=ilike."+escapeLike(email), email)
}

func (s *UserStore) GetUserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error) {
	id := strconv.FormatInt(telegramID, 10)
	return s.getOne(ctx, "GetUserByTelegramID", "telegram_id=eq."+id, "telegram:"+id)
}

func (s *UserStore) getOne(ctx context.Context, op, filter, id string) (*domain.User, error) {
	var found *domain.User
	err := s.c.call(ctx, op, func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodGet, "users?select=*&"+filter+"&limit=1", nil, "")
		if err != nil {
			return err
		}
		rows, err := decodeRows[userRow](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "user", ID: id}
		}
		user := rows[0].toDomain()
		found = &user
		return nil
	})
	return found, err
}

// ListUsers pages through users ordered by creation time. page is 1-based.
// The total comes from the Content-Range header of an exact count.
func (s *UserStore) ListUsers(ctx context.Context, page, pageSize int) ([]domain.User, int, error) {
	offset := (page - 1) * pageSize
	path := fmt.Sprintf("users?select=*&order=created_at.asc,id.asc&limit=%d&offset=%d", pageSize, offset)

	users := []domain.User{}
	total := 0
	err := s.c.call(ctx, "ListUsers", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodGet, path, nil, preferCount)
		if err != nil {
			return err
		}
		rows, err := decodeRows[userRow](resp)
		if err != nil {
			return err
		}
		users = users[:0]
		for _, r := range rows {
			users = append(users, r.toDomain())
		}
		total = totalFromContentRange(resp.header)
		return nil
	})
	return users, total, err
}

func (s *UserStore) UpdateRole(ctx context.Context, id string, role domain.Role) (*domain.User, error) {
	var updated *domain.User
	err := s.c.call(ctx, "UpdateRole", func(ctx context.Context) error {
		resp, err := s.c.do(ctx, http.MethodPatch, "users?id="+eq(id), map[string]any{"role": role}, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[userRow](resp)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "user", ID: id}
		}
		user := rows[0].toDomain()
		updated = &user
		return nil
	})
	return updated, err
}
