package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
	"github.com/boddenberg/starbank-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Services groups everything the router dispatches to.
type Services struct {
	Auth      *service.AuthService
	Cards     *service.CardService
	Transfers *service.TransferEngine
	TopUps    *service.TopUpService
	Admin     *service.AdminService
	Developer *service.DeveloperService

	// MaxTransferAmount caps transfer, payment link and admin adjustment
	// amounts accepted at the edge. Zero leaves only the int64 range check.
	MaxTransferAmount int64
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, checkers []port.HealthChecker, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(requestDurationMiddleware(metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(checkers, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// =============================================
		// Auth (public)
		// =============================================
		r.Post("/auth/register", authRegisterHandler(svc.Auth, logger))
		r.Post("/auth/login", authLoginHandler(svc.Auth, logger))
		r.Post("/auth/telegram", authTelegramHandler(svc.Auth, logger))

		// Payment link view is public so it can be shared.
		r.Get("/payment-links/{linkId}", getPaymentLinkHandler(svc.Developer, logger))

		// =============================================
		// Developer API (X-API-Key)
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(APIKeyMiddleware(svc.Developer, logger))
			r.Post("/payment-links", createPaymentLinkHandler(svc.Developer, svc.MaxTransferAmount, logger))
		})

		// =============================================
		// Authenticated user routes (JWT)
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(svc.Auth, logger))

			r.Get("/me", meHandler(svc.Auth, logger))

			r.Get("/cards", listCardsHandler(svc.Cards, logger))
			r.Post("/cards", issueCardHandler(svc.Cards, logger))
			r.Get("/cards/{cardId}", getCardHandler(svc.Cards, logger))
			r.Post("/cards/{cardId}/activate", activateCardHandler(svc.Cards, logger))
			r.Get("/cards/{cardId}/transactions", cardTransactionsHandler(svc.Cards, logger))

			r.Post("/transfers", transferHandler(svc.Transfers, svc.MaxTransferAmount, logger))
			r.Post("/topups/stars", starsTopUpHandler(svc.TopUps, logger))

			r.Post("/developer/api-keys", issueAPIKeyHandler(svc.Developer, logger))
			r.Delete("/developer/api-keys/{keyId}", revokeAPIKeyHandler(svc.Developer, logger))
			r.Post("/payment-links/{linkId}/pay", payPaymentLinkHandler(svc.Developer, logger))

			// =============================================
			// Admin
			// =============================================
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin(svc.Auth, logger))
				r.Get("/users", adminListUsersHandler(svc.Admin, logger))
				r.Get("/users/{userId}", adminUserOverviewHandler(svc.Admin, logger))
				r.Put("/users/{userId}/role", adminSetRoleHandler(svc.Admin, logger))
				r.Post("/users/{userId}/balance", adminAdjustBalanceHandler(svc.Admin, svc.MaxTransferAmount, logger))
				r.Put("/cards/{cardId}/status", adminSetCardStatusHandler(svc.Admin, logger))
				r.Get("/stats", adminStatsHandler(metrics))
			})
		})
	})

	return r
}

// requestDurationMiddleware records latency per matched route pattern.
func requestDurationMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			metrics.RecordRequestDuration(r.Method+" "+pattern, time.Since(start))
		})
	}
}
