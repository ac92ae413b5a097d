// Package account holds the local mirror of upstream accounts.
package account

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// Account types reported by the aggregator
	accountTypes = map[string]struct{}{
		"depository": {},
		"credit":     {},
		"loan":       {},
		"investment": {},
		"other":      {},
	}
	// Common ISO 4217 currency codes
	validCurrencies = map[string]struct{}{
		"BRL": {}, "USD": {}, "EUR": {}, "GBP": {}, "JPY": {},
		"CHF": {}, "CAD": {}, "AUD": {}, "NZD": {}, "CNY": {},
		"INR": {}, "MXN": {}, "ZAR": {}, "SEK": {}, "NOK": {},
		"DKK": {}, "PLN": {}, "TRY": {}, "KRW": {}, "SGD": {},
		"HKD": {}, "ARS": {}, "CLP": {}, "COP": {},
	}
)

// Domain errors
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidType     = errors.New("invalid account type")
	ErrInvalidCurrency = errors.New("valid ISO 4217 currency is required")
)

// Account is the local copy of an upstream account, keyed by the upstream ID.
type Account struct {
	ID               string              `json:"id"` // Upstream account id
	ConnectionID     string              `json:"connectionId"`
	UserID           int64               `json:"userId"`
	Name             string              `json:"name"`
	OfficialName     *string             `json:"officialName,omitempty"`
	Type             string              `json:"type"`
	Subtype          *string             `json:"subtype,omitempty"`
	Mask             *string             `json:"mask,omitempty"`
	Currency         string              `json:"currency"`
	CurrentBalance   decimal.Decimal     `json:"currentBalance"`
	AvailableBalance decimal.NullDecimal `json:"availableBalance"`
	CreditLimit      decimal.NullDecimal `json:"creditLimit"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// UpsertParams describes one account from an upstream snapshot.
// ID, ConnectionID and UserID are identity: never rewritten on conflict.
type UpsertParams struct {
	ID               string
	ConnectionID     string
	UserID           int64
	Name             string
	OfficialName     *string
	Type             string
	Subtype          *string
	Mask             *string
	Currency         string
	CurrentBalance   decimal.Decimal
	AvailableBalance decimal.NullDecimal
	CreditLimit      decimal.NullDecimal
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.ID == "" {
		return errors.New("account ID is required for upsert")
	}
	if p.ConnectionID == "" {
		return errors.New("connection ID is required for upsert")
	}
	if p.UserID <= 0 {
		return errors.New("valid user ID is required for upsert")
	}
	if p.Name == "" {
		return errors.New("account name is required")
	}
	if !IsValidType(p.Type) {
		return ErrInvalidType
	}
	if !IsValidCurrency(p.Currency) {
		return ErrInvalidCurrency
	}
	return nil
}

// IsValidType checks if the provided account type is valid.
func IsValidType(t string) bool {
	_, ok := accountTypes[t]
	return ok
}

// IsValidCurrency checks if the provided currency is a valid ISO 4217 code.
func IsValidCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	_, ok := validCurrencies[c]
	return ok
}
