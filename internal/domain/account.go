package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// ============================================================
// Cards (balance-holding accounts)
// ============================================================

// AccountStatus is the lifecycle state of a card.
type AccountStatus string

const (
	AccountStatusActive             AccountStatus = "active"
	AccountStatusBlocked            AccountStatus = "blocked"
	AccountStatusPending            AccountStatus = "pending"
	AccountStatusAwaitingActivation AccountStatus = "awaiting_activation"
)

// Valid reports whether s is one of the known card statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusBlocked, AccountStatusPending, AccountStatusAwaitingActivation:
		return true
	}
	return false
}

// Account is a virtual card. Balance is kept in whole rubles and is never negative.
type Account struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"user_id"`
	ExternalNumber string        `json:"card_number"`
	Balance        int64         `json:"balance"`
	Status         AccountStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IsActive reports whether the card may send or receive funds.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// ExternalNumberPrefix is the issuer prefix every card number starts with.
const ExternalNumberPrefix = "666"

const externalNumberLength = 16

var externalNumberRe = regexp.MustCompile(`^666[0-9]{13}$`)

// NormalizeExternalNumber strips every whitespace rune from a card number as typed by a user.
func NormalizeExternalNumber(raw string) string {
	return strings.Join(strings.Fields(raw), "")
}

// ValidExternalNumber reports whether number (already normalized) is a well-formed card number.
func ValidExternalNumber(number string) bool {
	return externalNumberRe.MatchString(number)
}

// GenerateExternalNumber returns a random card number with the issuer prefix.
// Uniqueness is enforced by the store.
func GenerateExternalNumber() (string, error) {
	var b strings.Builder
	b.Grow(externalNumberLength)
	b.WriteString(ExternalNumberPrefix)
	for b.Len() < externalNumberLength {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate card number: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// MaskExternalNumber keeps the prefix and the last four digits.
func MaskExternalNumber(number string) string {
	if len(number) != externalNumberLength {
		return number
	}
	return number[:4] + " **** **** " + number[12:]
}
