package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

// ============================================================
// Login: POST /v1/auth/login
// ============================================================

func (s *AuthService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.Login")
	defer span.End()

	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		if isNotFound(err) {
			return nil, errInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user.PasswordHash == "" {
		// Telegram-only account.
		return nil, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn("login: wrong password", zap.String("user_id", user.ID))
		return nil, errInvalidCredentials
	}

	s.logger.Info("user logged in", zap.String("user_id", user.ID))
	return s.issue(user)
}

// ============================================================
// Telegram: POST /v1/auth/telegram
// ============================================================

// TelegramLogin verifies Web App init data and signs the Telegram user in,
// creating the user on first login. Telegram ids listed as admins are
// granted the admin role.
func (s *AuthService) TelegramLogin(ctx context.Context, req *domain.TelegramLoginRequest) (*domain.LoginResponse, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.TelegramLogin")
	defer span.End()

	tgUser, err := ValidateInitData(req.InitData, s.botToken, s.telegramMaxAge, s.now())
	if err != nil {
		s.logger.Warn("telegram login: init data rejected", zap.Error(err))
		return nil, &domain.ErrUnauthorized{Message: "invalid Telegram session"}
	}

	_, isAdmin := s.adminIDs[tgUser.ID]

	user, err := s.users.GetUserByTelegramID(ctx, tgUser.ID)
	switch {
	case err == nil:
		if isAdmin && !user.IsAdmin() {
			if user, err = s.users.UpdateRole(ctx, user.ID, domain.RoleAdmin); err != nil {
				return nil, fmt.Errorf("promote admin: %w", err)
			}
			s.logger.Info("telegram admin promoted", zap.String("user_id", user.ID))
		}
	case isNotFound(err):
		role := domain.RoleUser
		if isAdmin {
			role = domain.RoleAdmin
		}
		tid := tgUser.ID
		user, err = s.users.CreateUser(ctx, &domain.User{
			TelegramID: &tid,
			Username:   tgUser.Username,
			FirstName:  tgUser.FirstName,
			Role:       role,
		})
		var conflict *domain.ErrConflict
		if errors.As(err, &conflict) {
			// Lost a first-login race with a parallel request.
			user, err = s.users.GetUserByTelegramID(ctx, tgUser.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("create telegram user: %w", err)
		}
		s.logger.Info("telegram user registered", zap.String("user_id", user.ID), zap.Int64("telegram_id", tid))
	default:
		return nil, fmt.Errorf("get telegram user: %w", err)
	}

	return s.issue(user)
}
