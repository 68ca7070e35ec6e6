package handler

import (
	"net/http"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ============================================================
// Developer API keys and payment links
// ============================================================

func issueAPIKeyHandler(devSvc *service.DeveloperService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/developer/api-keys")
		defer span.End()

		issued, err := devSvc.IssueAPIKey(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusCreated, issued)
	}
}

func revokeAPIKeyHandler(devSvc *service.DeveloperService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/developer/api-keys/{keyId}")
		defer span.End()

		key, err := devSvc.RevokeAPIKey(ctx, UserIDFromContext(ctx), chi.URLParam(r, "keyId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, key)
	}
}

type paymentLinkBody struct {
	CardID      string           `json:"card_id"`
	Amount      *decimal.Decimal `json:"amount"`
	Description string           `json:"description"`
}

func createPaymentLinkHandler(devSvc *service.DeveloperService, maxAmount int64, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payment-links")
		defer span.End()

		var body paymentLinkBody
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

		link, err := devSvc.CreatePaymentLink(ctx, apiKeyFromContext(ctx), &domain.CreatePaymentLinkRequest{
			CardID:      body.CardID,
			Amount:      *amount,
			Description: body.Description,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusCreated, link)
	}
}

func getPaymentLinkHandler(devSvc *service.DeveloperService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payment-links/{linkId}")
		defer span.End()

		link, err := devSvc.GetPaymentLink(ctx, chi.URLParam(r, "linkId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, link)
	}
}

type payLinkBody struct {
	FromCardID string `json:"from_card_id"`
}

type payLinkResponse struct {
	Link     *domain.PaymentLink    `json:"payment_link"`
	Transfer *domain.TransferResult `json:"transfer"`
}

func payPaymentLinkHandler(devSvc *service.DeveloperService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payment-links/{linkId}/pay")
		defer span.End()

		var body payLinkBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		link, res, err := devSvc.PayPaymentLink(ctx, UserIDFromContext(ctx), body.FromCardID, chi.URLParam(r, "linkId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, payLinkResponse{Link: link, Transfer: res})
	}
}
