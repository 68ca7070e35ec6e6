package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func parsePagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 20
	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 100 {
			pageSize = ps
		}
	}
	return
}

func parseLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// amountFromJSON turns an optional decoded amount into whole rubles.
// A nil result means the field was absent.
func amountFromJSON(d *decimal.Decimal, max int64) (*int64, error) {
	if d == nil {
		return nil, nil
	}
	v, err := domain.ParseAmount(*d, max)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// transferStatus maps each transfer failure to its HTTP status.
var transferStatus = map[domain.TransferFailure]int{
	domain.TransferInvalidRequest:         http.StatusBadRequest,
	domain.TransferInvalidAmount:          http.StatusBadRequest,
	domain.TransferInvalidRecipientFormat: http.StatusBadRequest,
	domain.TransferSourceNotFound:         http.StatusNotFound,
	domain.TransferRecipientNotFound:      http.StatusNotFound,
	domain.TransferSourceInactive:         http.StatusConflict,
	domain.TransferRecipientInactive:      http.StatusConflict,
	domain.TransferSelfTransferForbidden:  http.StatusConflict,
	domain.TransferInsufficientFunds:      http.StatusUnprocessableEntity,
	domain.TransferPersistenceError:       http.StatusServiceUnavailable,
}

func writeTransferError(w http.ResponseWriter, te *domain.TransferError, logger *zap.Logger) {
	status, ok := transferStatus[te.Kind]
	if !ok {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.Error("transfer failed", zap.String("kind", string(te.Kind)), zap.Error(te.Err))
	} else {
		logger.Debug("transfer rejected", zap.String("kind", string(te.Kind)))
	}
	writeJSON(w, status, errorResponse{Error: te.Kind.UserMessage(), Code: string(te.Kind)})
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var transferErr *domain.TransferError
	var notFound *domain.ErrNotFound
	var circuitOpen *domain.ErrCircuitOpen
	var external *domain.ErrExternalService
	var validation *domain.ErrValidation
	var forbidden *domain.ErrForbidden
	var unauthorized *domain.ErrUnauthorized
	var inactive *domain.ErrAccountInactive
	var conflict *domain.ErrConflict
	var stale *domain.ErrStaleWrite

	switch {
	case errors.As(err, &transferErr):
		writeTransferError(w, transferErr, logger)
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.As(err, &external):
		logger.Error("store failure", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &forbidden):
		logger.Warn("forbidden access", zap.String("error", err.Error()))
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &inactive):
		logger.Debug("card inactive", zap.String("status", string(inactive.Status)))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &conflict):
		logger.Debug("conflict", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &stale):
		logger.Warn("concurrent update", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, "the resource changed, try again")
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
