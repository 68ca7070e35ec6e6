package domain

import (
	"fmt"
	"time"
)

// ============================================================
// Card-to-card transfer
// ============================================================

// TransferRequest asks to move Amount from a card owned by RequesterID to the
// card addressed by ToNumber. A nil Amount means the caller did not send one.
type TransferRequest struct {
	RequesterID   string
	FromAccountID string
	ToNumber      string
	Amount        *int64
	Description   string

	// Type labels both ledger records. Empty means TransactionTypeTransfer.
	Type TransactionType
}

// TransferResult confirms a completed transfer. It echoes only what the caller sent.
type TransferResult struct {
	TransferID    string    `json:"transfer_id"`
	FromAccountID string    `json:"from_card_id"`
	ToNumber      string    `json:"to_card_number"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	CompletedAt   time.Time `json:"completed_at"`

	// Degraded is set when balances moved but a ledger record could not be written.
	Degraded bool `json:"-"`
}

// TransferFailure is the closed set of reasons a transfer can be rejected.
type TransferFailure string

const (
	TransferInvalidRequest         TransferFailure = "invalid_request"
	TransferInvalidAmount          TransferFailure = "invalid_amount"
	TransferInvalidRecipientFormat TransferFailure = "invalid_recipient_format"
	TransferSourceNotFound         TransferFailure = "source_not_found"
	TransferSourceInactive         TransferFailure = "source_inactive"
	TransferInsufficientFunds      TransferFailure = "insufficient_funds"
	TransferRecipientNotFound      TransferFailure = "recipient_not_found"
	TransferRecipientInactive      TransferFailure = "recipient_inactive"
	TransferSelfTransferForbidden  TransferFailure = "self_transfer_forbidden"
	TransferPersistenceError       TransferFailure = "persistence_error"
)

var transferMessages = map[TransferFailure]string{
	TransferInvalidRequest:         "Fill in the card, the recipient and the amount",
	TransferInvalidAmount:          "Amount must be greater than zero",
	TransferInvalidRecipientFormat: "Recipient card number must be 16 digits starting with 666",
	TransferSourceNotFound:         "Card not found",
	TransferSourceInactive:         "Your card is not active",
	TransferInsufficientFunds:      "Insufficient funds",
	TransferRecipientNotFound:      "Recipient card not found",
	TransferRecipientInactive:      "Recipient card is not active",
	TransferSelfTransferForbidden:  "You cannot transfer to the same card",
	TransferPersistenceError:       "Transfer could not be completed, try again later",
}

// UserMessage is the short text shown to the end user.
func (f TransferFailure) UserMessage() string {
	if m, ok := transferMessages[f]; ok {
		return m
	}
	return transferMessages[TransferPersistenceError]
}

// TransferError is returned for every rejected or failed transfer.
// Err carries the underlying cause for logs and is never shown to users.
type TransferError struct {
	Kind TransferFailure
	Err  error
}

// NewTransferError builds a TransferError of the given kind.
func NewTransferError(kind TransferFailure, cause error) *TransferError {
	return &TransferError{Kind: kind, Err: cause}
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transfer %s", e.Kind)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is matches any TransferError of the same kind.
func (e *TransferError) Is(target error) bool {
	t, ok := target.(*TransferError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
