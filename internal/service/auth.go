// Package service holds the use cases of the BFA: transfers, top-ups,
// cards, authentication, developer payment links and the admin surface.
package service

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

var authTracer = otel.Tracer("service/auth")

const (
	bcryptCost        = 12
	minPasswordLength = 8
)

// AuthConfig holds the secrets and policies of the auth flows.
type AuthConfig struct {
	JWTSecret        string
	AccessTTL        time.Duration
	BotToken         string
	TelegramMaxAge   time.Duration
	AdminTelegramIDs []int64
}

// AuthService orchestrates authentication flows.
type AuthService struct {
	users          port.UserStore
	jwtSecret      []byte
	accessTTL      time.Duration
	botToken       string
	telegramMaxAge time.Duration
	adminIDs       map[int64]struct{}
	bcryptCost     int
	now            func() time.Time
	logger         *zap.Logger
}

// NewAuthService creates a new auth service.
func NewAuthService(users port.UserStore, cfg AuthConfig, logger *zap.Logger) *AuthService {
	admins := make(map[int64]struct{}, len(cfg.AdminTelegramIDs))
	for _, id := range cfg.AdminTelegramIDs {
		admins[id] = struct{}{}
	}
	return &AuthService{
		users:          users,
		jwtSecret:      []byte(cfg.JWTSecret),
		accessTTL:      cfg.AccessTTL,
		botToken:       cfg.BotToken,
		telegramMaxAge: cfg.TelegramMaxAge,
		adminIDs:       admins,
		bcryptCost:     bcryptCost,
		now:            time.Now,
		logger:         logger,
	}
}

// ============================================================
// Register: POST /v1/auth/register
// ============================================================

func (s *AuthService) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.LoginResponse, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.Register")
	defer span.End()

	email := normalizeEmail(req.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, &domain.ErrValidation{Field: "email", Message: "invalid email address"}
	}
	if len(req.Password) < minPasswordLength {
		return nil, &domain.ErrValidation{Field: "password", Message: "password must have at least 8 characters"}
	}

	_, err := s.users.GetUserByEmail(ctx, email)
	if err == nil {
		return nil, &domain.ErrConflict{Message: "email already registered"}
	}
	if !isNotFound(err) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, &domain.User{
		Email:        email,
		PasswordHash: string(hash),
		Role:         domain.RoleUser,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return s.issue(user)
}

// Me returns the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*domain.User, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.Me")
	defer span.End()

	return s.users.GetUser(ctx, userID)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var errInvalidCredentials = &domain.ErrUnauthorized{Message: "invalid email or password"}
