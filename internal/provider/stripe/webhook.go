// Package stripe adapts Stripe-shaped webhook deliveries and API responses
// to the internal event and reconciliation types.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/clock"
	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
	providerdomain "github.com/smallbiznis/grantway/internal/provider/domain"
)

const defaultTolerance = 5 * time.Minute

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	clock         clock.Clock
}

func NewAdapter(webhookSecret string, tolerance time.Duration, clk clock.Clock) (*Adapter, error) {
	webhookSecret = strings.TrimSpace(webhookSecret)
	if webhookSecret == "" {
		return nil, providerdomain.ErrInvalidConfig
	}
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Adapter{
		webhookSecret: webhookSecret,
		tolerance:     tolerance,
		clock:         clk,
	}, nil
}

func (a *Adapter) Provider() string {
	return "stripe"
}

// Verify checks the v1 HMAC signature and rejects deliveries whose signed
// timestamp falls outside the tolerance window, which bounds replay.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return eventdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return eventdomain.ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return eventdomain.ErrInvalidSignature
	}
	now := a.clock.Now()
	drift := now.Sub(time.Unix(signedAt, 0))
	if drift > a.tolerance || drift < -a.tolerance {
		return eventdomain.ErrSignatureExpired
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return eventdomain.ErrInvalidSignature
}

// Parse normalizes a verified delivery into the internal envelope. The
// envelope payload is the provider-agnostic shape the translate table
// reads, never the raw provider object.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*eventdomain.Envelope, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, eventdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, eventdomain.ErrInvalidEvent
	}

	eventType := strings.TrimSpace(event.Type)
	switch eventType {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.trial_will_end",
		"customer.subscription.period_ended":
		return a.parseSubscription(event, eventType)
	case "invoice.payment_succeeded",
		"invoice.payment_failed":
		return a.parseInvoice(event, eventType)
	default:
		return nil, eventdomain.ErrEventIgnored
	}
}

func (a *Adapter) parseSubscription(event stripeEvent, eventType string) (*eventdomain.Envelope, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, eventdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, eventdomain.ErrInvalidEvent
	}

	accountID, err := parseAccountID(sub.Metadata)
	if err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(map[string]any{
		"status":               sub.Status,
		"plan_code":            sub.Metadata["plan_code"],
		"current_period_start": sub.CurrentPeriodStart,
		"current_period_end":   sub.CurrentPeriodEnd,
		"trial_end":            sub.TrialEnd,
		"canceled_at":          sub.CanceledAt,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"trial":                sub.TrialEnd != nil,
	})
	if err != nil {
		return nil, eventdomain.ErrInvalidPayload
	}

	return &eventdomain.Envelope{
		Provider:          a.Provider(),
		ProviderEventID:   event.ID,
		EventType:         eventType,
		SubscriptionRef:   sub.ID,
		AccountID:         accountID,
		ProviderTimestamp: eventTimestamp(event),
		Payload:           normalized,
	}, nil
}

func (a *Adapter) parseInvoice(event stripeEvent, eventType string) (*eventdomain.Envelope, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
		return nil, eventdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(inv.Subscription) == "" {
		return nil, eventdomain.ErrEventIgnored
	}

	accountID, err := parseAccountID(inv.Metadata)
	if err != nil && !errors.Is(err, eventdomain.ErrMissingAccountRef) {
		return nil, err
	}

	normalized, err := json.Marshal(map[string]any{
		"current_period_start": inv.PeriodStart,
		"current_period_end":   inv.PeriodEnd,
		// A failed payment with no further scheduled attempt is terminal
		// for the dunning cycle.
		"final_attempt": eventType == "invoice.payment_failed" && inv.NextPaymentAttempt == nil,
	})
	if err != nil {
		return nil, eventdomain.ErrInvalidPayload
	}

	return &eventdomain.Envelope{
		Provider:          a.Provider(),
		ProviderEventID:   event.ID,
		EventType:         eventType,
		SubscriptionRef:   inv.Subscription,
		AccountID:         accountID,
		ProviderTimestamp: eventTimestamp(event),
		Payload:           normalized,
	}, nil
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CurrentPeriodStart *int64            `json:"current_period_start"`
	CurrentPeriodEnd   *int64            `json:"current_period_end"`
	TrialEnd           *int64            `json:"trial_end"`
	CanceledAt         *int64            `json:"canceled_at"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	Subscription       string            `json:"subscription"`
	PeriodStart        *int64            `json:"period_start"`
	PeriodEnd          *int64            `json:"period_end"`
	NextPaymentAttempt *int64            `json:"next_payment_attempt"`
	Metadata           map[string]string `json:"metadata"`
}

func parseAccountID(metadata map[string]string) (snowflake.ID, error) {
	raw := strings.TrimSpace(metadata["account_id"])
	if raw == "" {
		return 0, eventdomain.ErrMissingAccountRef
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, eventdomain.ErrMissingAccountRef
	}
	return id, nil
}

func eventTimestamp(event stripeEvent) time.Time {
	if event.Created > 0 {
		return time.Unix(event.Created, 0).UTC()
	}
	return time.Time{}
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
