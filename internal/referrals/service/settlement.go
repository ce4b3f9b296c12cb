package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/25x8/referral-ledger/internal/referrals/models"
)

// RateLimitError is returned when the payout provider asks the caller to slow down
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// ProviderClient queries the external payout provider
type ProviderClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewProviderClient creates a client for the provider at baseURL
func NewProviderClient(baseURL string) *ProviderClient {
	return &ProviderClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetPayoutStatus fetches the provider's view of a payout.
// A nil response with a nil error means the provider has not registered the payout yet.
func (c *ProviderClient) GetPayoutStatus(ctx context.Context, payoutID string) (*models.ProviderPayoutResponse, error) {
	endpoint := fmt.Sprintf("%s/api/payouts/%s", c.baseURL, url.PathEscape(payoutID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	case http.StatusTooManyRequests:
		rlErr := &RateLimitError{}
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			rlErr.RetryAfter = time.Duration(seconds) * time.Second
		}
		return nil, rlErr
	default:
		return nil, fmt.Errorf("payout provider returned status %d", resp.StatusCode)
	}

	var providerResp models.ProviderPayoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&providerResp); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return &providerResp, nil
}

// IsRateLimited reports whether err came from a 429 response
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}
