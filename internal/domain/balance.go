package domain

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ============================================================
// Stars top-up and admin adjustments
// ============================================================

// DefaultStarsPerRuble is the fixed Telegram Stars conversion rate.
const DefaultStarsPerRuble = 2

// StarsToRubles converts Stars to rubles with integer division. Fractions are dropped.
func StarsToRubles(stars, starsPerRuble int64) int64 {
	if stars <= 0 || starsPerRuble <= 0 {
		return 0
	}
	return stars / starsPerRuble
}

// StarsTopUpRequest credits a card after a successful Telegram Stars payment.
type StarsTopUpRequest struct {
	RequesterID string
	CardID      string
	Stars       int64
	ChargeID    string
}

// TopUpResult reports the credited amount and the card's new balance to its owner.
type TopUpResult struct {
	CardID     string `json:"card_id"`
	Stars      int64  `json:"stars"`
	Credited   int64  `json:"credited"`
	NewBalance int64  `json:"balance"`
	Degraded   bool   `json:"-"`
}

// BalanceAdjustment is an admin override on a user's first active card.
// Amount is signed; a debit is floored at zero rather than rejected.
type BalanceAdjustment struct {
	UserID  string
	Amount  int64
	Reason  string
	AdminID string
}

// AdjustmentResult describes what the override actually applied.
type AdjustmentResult struct {
	CardID          string `json:"card_id"`
	PreviousBalance int64  `json:"previous_balance"`
	NewBalance      int64  `json:"new_balance"`
	Applied         int64  `json:"applied"`
}

// UserOverview aggregates a user with their cards and latest activity.
type UserOverview struct {
	User         *User         `json:"user"`
	Cards        []Account     `json:"cards"`
	Transactions []Transaction `json:"recent_transactions"`
}

var (
	errAmountNotWhole = errors.New("amount must be a whole number of rubles")
	errAmountTooLarge = errors.New("amount is too large")
)

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// ParseAmount converts a decoded decimal into whole rubles. Negative and zero values
// are returned as-is so the caller can report them with its own taxonomy.
func ParseAmount(d decimal.Decimal, max int64) (int64, error) {
	if !d.Equal(d.Truncate(0)) {
		return 0, errAmountNotWhole
	}
	if d.Abs().GreaterThan(maxAmount) {
		return 0, errAmountTooLarge
	}
	if max > 0 && d.Abs().GreaterThan(decimal.NewFromInt(max)) {
		return 0, errAmountTooLarge
	}
	return d.IntPart(), nil
}

// AddToBalance credits amount to balance, refusing sums that do not fit in int64.
func AddToBalance(balance, amount int64) (int64, error) {
	if amount > 0 && balance > math.MaxInt64-amount {
		return 0, &ErrValidation{Field: "amount", Message: "balance would exceed the maximum"}
	}
	return balance + amount, nil
}
