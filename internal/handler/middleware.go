package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/service"
	"go.uber.org/zap"
)

type contextKey string

const (
	userIDKey contextKey = "userID"
	roleKey   contextKey = "role"
	apiKeyKey contextKey = "apiKey"
)

const apiKeyHeader = "X-API-Key"

// JWTAuthMiddleware validates Bearer tokens and injects the user id and role into context.
func JWTAuthMiddleware(authSvc *service.AuthService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("auth: missing token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "missing access token")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.Warn("auth: invalid token format",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "invalid token format")
				return
			}

			claims, err := authSvc.ValidateAccessToken(parts[1])
			if err != nil {
				logger.Warn("auth: invalid or expired token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.Sub)
			ctx = context.WithValue(ctx, roleKey, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin lets the request through only when the authenticated user
// currently holds the admin role. The role is re-read from the store, so a
// demotion takes effect before the token expires.
func RequireAdmin(authSvc *service.AuthService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if role, _ := r.Context().Value(roleKey).(domain.Role); role != domain.RoleAdmin {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			user, err := authSvc.Me(r.Context(), UserIDFromContext(r.Context()))
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			if !user.IsAdmin() {
				logger.Warn("auth: stale admin token", zap.String("user_id", user.ID))
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyMiddleware authenticates developer requests by the X-API-Key header.
func APIKeyMiddleware(devSvc *service.DeveloperService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(apiKeyHeader))
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			key, err := devSvc.Authenticate(r.Context(), raw)
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func apiKeyFromContext(ctx context.Context) *domain.APIKey {
	v, _ := ctx.Value(apiKeyKey).(*domain.APIKey)
	return v
}
