package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/smallbiznis/grantway/internal/clock"
	providerdomain "github.com/smallbiznis/grantway/internal/provider/domain"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.stripe.com"
	defaultTimeout = 10 * time.Second
)

// Client fetches authoritative subscription state over the provider API.
// Transient failures are retried inside the HTTP client; anything left
// after that surfaces as ErrProviderUnavailable for the reconciler's own
// backoff.
type Client struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	http    *retryablehttp.Client
	clock   clock.Clock
}

func NewClient(apiKey, baseURL string, timeout time.Duration, clk clock.Clock, log *zap.Logger) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, providerdomain.ErrInvalidConfig
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 250 * time.Millisecond
	httpClient.RetryWaitMax = 2 * time.Second
	httpClient.HTTPClient.Timeout = timeout
	httpClient.Logger = nil
	if log != nil {
		logger := log.Named("provider.stripe")
		httpClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				logger.Warn("retrying provider call",
					zap.String("url", req.URL.Path),
					zap.Int("attempt", attempt),
				)
			}
		}
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    httpClient,
		clock:   clk,
	}, nil
}

func (c *Client) FetchSubscription(ctx context.Context, providerSubscriptionID string) (*providerdomain.AuthoritativeState, error) {
	providerSubscriptionID = strings.TrimSpace(providerSubscriptionID)
	if providerSubscriptionID == "" {
		return nil, providerdomain.ErrSubscriptionNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/subscriptions/%s", c.baseURL, url.PathEscape(providerSubscriptionID))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providerdomain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, providerdomain.ErrSubscriptionNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", providerdomain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected provider response: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providerdomain.ErrProviderUnavailable, err)
	}

	var sub stripeSubscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("malformed provider response: %v", err)
	}

	return &providerdomain.AuthoritativeState{
		ProviderSubscriptionID: sub.ID,
		Status:                 sub.Status,
		PlanCode:               sub.Metadata["plan_code"],
		CurrentPeriodStart:     unixPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:       unixPtr(sub.CurrentPeriodEnd),
		TrialEnd:               unixPtr(sub.TrialEnd),
		CanceledAt:             unixPtr(sub.CanceledAt),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		FetchedAt:              c.clock.Now().UTC(),
	}, nil
}

func unixPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}
