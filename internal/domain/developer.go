package domain

import "time"

// ============================================================
// Developer API keys and payment links
// ============================================================

// APIKey is the stored form of a developer key. The raw key is never persisted.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Prefix    string    `json:"key_prefix"`
	KeyHash   string    `json:"-"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// IssuedAPIKey is returned once, when the key is created.
type IssuedAPIKey struct {
	Key    string  `json:"api_key"`
	APIKey *APIKey `json:"key"`
}

// PaymentLinkStatus is the state of a payment link.
type PaymentLinkStatus string

const (
	PaymentLinkOpen PaymentLinkStatus = "open"
	PaymentLinkPaid PaymentLinkStatus = "paid"
)

// PaymentLink asks a payer to transfer Amount to the merchant card.
type PaymentLink struct {
	ID             string            `json:"id"`
	MerchantUserID string            `json:"merchant_user_id"`
	CardNumber     string            `json:"card_number"`
	Amount         int64             `json:"amount"`
	Description    string            `json:"description"`
	Status         PaymentLinkStatus `json:"status"`
	TransferID     string            `json:"transfer_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	PaidAt         *time.Time        `json:"paid_at,omitempty"`
}

// CreatePaymentLinkRequest is the developer-facing body of POST /v1/payment-links.
type CreatePaymentLinkRequest struct {
	CardID      string
	Amount      int64
	Description string
}
