// Package domain defines the boundary to the external billing provider:
// webhook verification on the way in, authoritative state fetch on the
// way out.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
)

var (
	ErrInvalidConfig        = errors.New("invalid_provider_config")
	ErrSubscriptionNotFound = errors.New("provider_subscription_not_found")
	ErrProviderUnavailable  = errors.New("provider_unavailable")
)

// AuthoritativeState is the provider's current view of one subscription.
// During reconciliation this view wins over local state.
type AuthoritativeState struct {
	ProviderSubscriptionID string
	Status                 string
	PlanCode               string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	TrialEnd               *time.Time
	CanceledAt             *time.Time
	CancelAtPeriodEnd      bool
	FetchedAt              time.Time
}

// Client fetches authoritative state from the provider API. Every call is
// bounded by the configured timeout; a timeout is a failed attempt, never
// a confirmed divergence.
type Client interface {
	FetchSubscription(ctx context.Context, providerSubscriptionID string) (*AuthoritativeState, error)
}

// WebhookAdapter verifies and normalizes inbound webhook deliveries.
type WebhookAdapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*eventdomain.Envelope, error)
}
