package domain

import "time"

// TransactionType enumerates the kinds of balance-affecting events.
type TransactionType string

const (
	TransactionTypeTransfer           TransactionType = "transfer"
	TransactionTypeTopUp              TransactionType = "topup"
	TransactionTypeTelegramStarsTopUp TransactionType = "telegram_stars_topup"
	TransactionTypeWithdrawal         TransactionType = "withdrawal"
	TransactionTypeCardCreation       TransactionType = "card_creation"
	TransactionTypeAdminAdjustment    TransactionType = "admin_adjustment"
	TransactionTypePaymentLink        TransactionType = "payment_link"
)

// TransactionStatus is the processing state of a transaction record.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Transaction is an immutable ledger entry posted against one card.
// Amount is signed: negative for a debit, positive for a credit.
// TransferID links the two sides of one transfer.
type Transaction struct {
	ID          string            `json:"id" bson:"_id"`
	AccountID   string            `json:"card_id" bson:"card_id"`
	TransferID  string            `json:"transfer_id,omitempty" bson:"transfer_id,omitempty"`
	Type        TransactionType   `json:"type" bson:"type"`
	Amount      int64             `json:"amount" bson:"amount"`
	Description string            `json:"description" bson:"description"`
	Status      TransactionStatus `json:"status" bson:"status"`
	CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
}
