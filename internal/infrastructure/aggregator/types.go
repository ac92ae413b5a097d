package aggregator

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Account represents an account from the provider
type Account struct {
	AccountID    string   `json:"account_id"`
	Name         string   `json:"name"`
	OfficialName *string  `json:"official_name"`
	Type         string   `json:"type"`
	Subtype      *string  `json:"subtype"`
	Mask         *string  `json:"mask"`
	Balances     Balances `json:"balances"`
}

// Balances are reported as JSON numbers or null
type Balances struct {
	Current         decimal.NullDecimal `json:"current"`
	Available       decimal.NullDecimal `json:"available"`
	Limit           decimal.NullDecimal `json:"limit"`
	ISOCurrencyCode *string             `json:"iso_currency_code"`
}

// Currency returns the ISO currency code, defaulting to USD
func (b Balances) Currency() string {
	if b.ISOCurrencyCode == nil || *b.ISOCurrencyCode == "" {
		return "USD"
	}
	return *b.ISOCurrencyCode
}

type accountsResponse struct {
	Accounts  []Account `json:"accounts"`
	RequestID string    `json:"request_id"`
}

// Transaction represents one added or modified transaction. Raw keeps the
// record exactly as received so unknown fields survive schema changes.
type Transaction struct {
	TransactionID           string                   `json:"transaction_id"`
	AccountID               string                   `json:"account_id"`
	Amount                  decimal.Decimal          `json:"amount"`
	ISOCurrencyCode         *string                  `json:"iso_currency_code"`
	Name                    string                   `json:"name"`
	MerchantName            *string                  `json:"merchant_name"`
	PersonalFinanceCategory *PersonalFinanceCategory `json:"personal_finance_category"`
	DateString              string                   `json:"date"` // "2006-01-02"
	AuthorizedDateString    *string                  `json:"authorized_date"`
	Pending                 bool                     `json:"pending"`
	PendingTransactionID    *string                  `json:"pending_transaction_id"`
	Raw                     json.RawMessage          `json:"-"`
}

// PersonalFinanceCategory is the provider's category classification
type PersonalFinanceCategory struct {
	Primary  string `json:"primary"`
	Detailed string `json:"detailed"`
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	type plain Transaction
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Transaction(p)
	t.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// GetDate parses and returns the transaction date
func (t *Transaction) GetDate() (time.Time, error) {
	d, err := time.Parse("2006-01-02", t.DateString)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date '%s': %w", t.DateString, err)
	}
	return d, nil
}

// GetAuthorizedDate parses the authorized date if present
func (t *Transaction) GetAuthorizedDate() (*time.Time, error) {
	if t.AuthorizedDateString == nil || *t.AuthorizedDateString == "" {
		return nil, nil
	}
	d, err := time.Parse("2006-01-02", *t.AuthorizedDateString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authorized_date '%s': %w", *t.AuthorizedDateString, err)
	}
	return &d, nil
}

// Category returns the primary category, if any
func (t *Transaction) Category() *string {
	if t.PersonalFinanceCategory == nil || t.PersonalFinanceCategory.Primary == "" {
		return nil
	}
	c := t.PersonalFinanceCategory.Primary
	return &c
}

// RemovedTransaction identifies a transaction deleted upstream
type RemovedTransaction struct {
	TransactionID string `json:"transaction_id"`
}

// TransactionDelta is one page of the transaction change stream
type TransactionDelta struct {
	Added      []Transaction        `json:"added"`
	Modified   []Transaction        `json:"modified"`
	Removed    []RemovedTransaction `json:"removed"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
	RequestID  string               `json:"request_id"`
}

// VerificationKey is the JWK used to sign webhooks
type VerificationKey struct {
	Alg       string `json:"alg"`
	Crv       string `json:"crv"`
	Kid       string `json:"kid"`
	Kty       string `json:"kty"`
	Use       string `json:"use"`
	X         string `json:"x"`
	Y         string `json:"y"`
	CreatedAt int64  `json:"created_at"`
	ExpiredAt *int64 `json:"expired_at"`
}

type verificationKeyResponse struct {
	Key       VerificationKey `json:"key"`
	RequestID string          `json:"request_id"`
}

// Expired reports whether the provider retired this key before now
func (k *VerificationKey) Expired(now time.Time) bool {
	return k.ExpiredAt != nil && *k.ExpiredAt <= now.Unix()
}

// PublicKey decodes the P-256 public key
func (k *VerificationKey) PublicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}

	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key x coordinate: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}
