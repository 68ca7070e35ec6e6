package handler

import (
	"net/http"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ============================================================
// Transfers and top-ups
// ============================================================

type transferBody struct {
	FromCardID   string           `json:"from_card_id"`
	ToCardNumber string           `json:"to_card_number"`
	Amount       *decimal.Decimal `json:"amount"`
	Description  string           `json:"description"`
}

type transferResponse struct {
	Message  string                 `json:"message"`
	Transfer *domain.TransferResult `json:"transfer"`
}

func transferHandler(engine *service.TransferEngine, maxAmount int64, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/transfers")
		defer span.End()

		var body transferBody
		if err := decodeJSON(r, &body); err != nil {
			writeTransferError(w, domain.NewTransferError(domain.TransferInvalidRequest, err), logger)
			return
		}
		amount, err := amountFromJSON(body.Amount, maxAmount)
		if err != nil {
			writeTransferError(w, domain.NewTransferError(domain.TransferInvalidAmount, err), logger)
			return
		}

		res, err := engine.Transfer(ctx, &domain.TransferRequest{
			RequesterID:   UserIDFromContext(ctx),
			FromAccountID: body.FromCardID,
			ToNumber:      body.ToCardNumber,
			Amount:        amount,
			Description:   body.Description,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, transferResponse{Message: "Transfer completed", Transfer: res})
	}
}

type starsTopUpBody struct {
	CardID   string `json:"card_id"`
	Stars    int64  `json:"stars"`
	ChargeID string `json:"charge_id"`
}

func starsTopUpHandler(topUpSvc *service.TopUpService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/topups/stars")
		defer span.End()

		var body starsTopUpBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := topUpSvc.TopUpStars(ctx, &domain.StarsTopUpRequest{
			RequesterID: UserIDFromContext(ctx),
			CardID:      body.CardID,
			Stars:       body.Stars,
			ChargeID:    body.ChargeID,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}
