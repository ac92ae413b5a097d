package aggregator

import (
	"context"
)

// ClientInterface defines the methods required from the aggregation provider client
type ClientInterface interface {
	FetchAccounts(ctx context.Context, accessToken string) ([]Account, error)
	// FetchTransactionDelta returns one page of changes after cursor ("" = from the beginning)
	FetchTransactionDelta(ctx context.Context, accessToken, cursor string) (*TransactionDelta, error)
	FetchVerificationKey(ctx context.Context, keyID string) (*VerificationKey, error)
}
