package aggregator

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes with dedicated handling
const (
	CodeItemLoginRequired   = "ITEM_LOGIN_REQUIRED"
	CodeInvalidAccessToken  = "INVALID_ACCESS_TOKEN"
	CodeMutationDuringPages = "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
)

// APIError represents an error response from the provider
type APIError struct {
	StatusCode   int    `json:"-"`
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	RequestID    string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s/%s - %s", e.StatusCode, e.ErrorType, e.ErrorCode, e.ErrorMessage)
}

// IsLoginRequired reports whether the stored credential can no longer be used
// and the user must re-link the item.
func IsLoginRequired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode == CodeItemLoginRequired || apiErr.ErrorCode == CodeInvalidAccessToken
}

// IsTransient reports whether a retry later may succeed. Errors that are not
// API errors (network, timeouts) are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch {
	case apiErr.StatusCode >= http.StatusInternalServerError,
		apiErr.StatusCode == http.StatusTooManyRequests,
		apiErr.ErrorCode == CodeMutationDuringPages,
		apiErr.ErrorCode == CodeRateLimitExceeded:
		return true
	}
	return false
}
