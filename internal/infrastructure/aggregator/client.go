package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 30 * time.Second
	accountsPath    = "/accounts/get"
	syncPath        = "/transactions/sync"
	keyPath         = "/webhook_verification_key/get"
	maxDeltaPerPage = 500
)

// Config holds the provider credentials and pacing settings
type Config struct {
	BaseURL           string
	ClientID          string
	Secret            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client handles communication with the aggregation provider
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	secret     string
	limiter    *rate.Limiter
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new provider client. A zero RequestsPerSecond disables pacing.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:  cfg.BaseURL,
		clientID: cfg.ClientID,
		secret:   cfg.Secret,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// FetchAccounts fetches the current account snapshot for an item
func (c *Client) FetchAccounts(ctx context.Context, accessToken string) ([]Account, error) {
	var resp accountsResponse
	err := c.post(ctx, accountsPath, map[string]any{
		"access_token": accessToken,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// FetchTransactionDelta fetches the next page of transaction changes
func (c *Client) FetchTransactionDelta(ctx context.Context, accessToken, cursor string) (*TransactionDelta, error) {
	body := map[string]any{
		"access_token": accessToken,
		"count":        maxDeltaPerPage,
	}
	if cursor != "" {
		body["cursor"] = cursor
	}

	var resp TransactionDelta
	if err := c.post(ctx, syncPath, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchVerificationKey fetches the public key the provider signed a webhook with
func (c *Client) FetchVerificationKey(ctx context.Context, keyID string) (*VerificationKey, error) {
	var resp verificationKeyResponse
	err := c.post(ctx, keyPath, map[string]any{
		"key_id": keyID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Key, nil
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	payload["client_id"] = c.clientID
	payload["secret"] = c.secret
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.ErrorCode == "" {
			apiErr.ErrorType = "API_ERROR"
			apiErr.ErrorMessage = string(body)
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
