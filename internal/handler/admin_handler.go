package handler

import (
	"net/http"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ============================================================
// Admin
// ============================================================

func adminListUsersHandler(adminSvc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/admin/users")
		defer span.End()

		page, pageSize := parsePagination(r)
		resp, err := adminSvc.ListUsers(ctx, page, pageSize)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func adminUserOverviewHandler(adminSvc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/admin/users/{userId}")
		defer span.End()

		overview, err := adminSvc.UserOverview(ctx, chi.URLParam(r, "userId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, overview)
	}
}

type setRoleBody struct {
	Role domain.Role `json:"role"`
}

func adminSetRoleHandler(adminSvc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/admin/users/{userId}/role")
		defer span.End()

		var body setRoleBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		user, err := adminSvc.SetRole(ctx, UserIDFromContext(ctx), chi.URLParam(r, "userId"), body.Role)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, user)
	}
}

type adjustBalanceBody struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

func adminAdjustBalanceHandler(adminSvc *service.AdminService, maxAmount int64, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/admin/users/{userId}/balance")
		defer span.End()

		var body adjustBalanceBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		amount, err := amountFromJSON(body.Amount, maxAmount)
		if err != nil {
			handleServiceError(w, &domain.ErrValidation{Field: "amount", Message: err.Error()}, logger)
			return
		}
		if amount == nil {
			handleServiceError(w, &domain.ErrValidation{Field: "amount", Message: "amount is required"}, logger)
			return
		}

		res, err := adminSvc.AdjustBalance(ctx, &domain.BalanceAdjustment{
			UserID:  chi.URLParam(r, "userId"),
			Amount:  *amount,
			Reason:  body.Reason,
			AdminID: UserIDFromContext(ctx),
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

type setCardStatusBody struct {
	Status domain.AccountStatus `json:"status"`
}

func adminSetCardStatusHandler(adminSvc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/admin/cards/{cardId}/status")
		defer span.End()

		var body setCardStatusBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		card, err := adminSvc.SetCardStatus(ctx, chi.URLParam(r, "cardId"), body.Status)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, card)
	}
}

func adminStatsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/admin/stats")
		defer span.End()

		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
