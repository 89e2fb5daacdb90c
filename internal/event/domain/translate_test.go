package domain

import (
	"testing"
	"time"

	subscriptiondomain "github.com/smallbiznis/grantway/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(eventType string, payload string) *Envelope {
	return &Envelope{
		Provider:          "stripe",
		ProviderEventID:   "evt_1",
		EventType:         eventType,
		SubscriptionRef:   "sub_1",
		ProviderTimestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Payload:           []byte(payload),
	}
}

func TestTranslateKindMapping(t *testing.T) {
	tests := []struct {
		eventType string
		payload   string
		want      subscriptiondomain.Kind
	}{
		{"customer.subscription.created", `{}`, subscriptiondomain.KindCreated},
		{"customer.subscription.trial_will_end", `{}`, subscriptiondomain.KindTrialWillEnd},
		{"invoice.payment_succeeded", `{}`, subscriptiondomain.KindActivated},
		{"invoice.payment_failed", `{}`, subscriptiondomain.KindPaymentFailed},
		{"invoice.payment_failed", `{"final_attempt":true}`, subscriptiondomain.KindPaymentFailedFinal},
		{"customer.subscription.updated", `{}`, subscriptiondomain.KindActivated},
		{"customer.subscription.updated", `{"cancel_at_period_end":true}`, subscriptiondomain.KindCancelRequested},
		{"customer.subscription.deleted", `{}`, subscriptiondomain.KindCancelEffective},
		{"customer.subscription.period_ended", `{}`, subscriptiondomain.KindPeriodEnded},
		{EventTypeSync, `{"status":"active"}`, subscriptiondomain.KindSync},
	}

	for _, tc := range tests {
		t.Run(tc.eventType+" "+tc.payload, func(t *testing.T) {
			change, err := Translate(envOf(tc.eventType, tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.want, change.Kind)
		})
	}
}

func TestTranslatePayloadFields(t *testing.T) {
	payload := `{
		"status": "past_due",
		"plan_code": "pro",
		"plan_id": "12345",
		"plan_version": 2,
		"current_period_start": 1767225600,
		"current_period_end": 1769904000,
		"trial_end": 1768000000,
		"canceled_at": 1769000000,
		"trial": true
	}`

	change, err := Translate(envOf(EventTypeSync, payload))
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.StatusPastDue, change.Status)
	assert.EqualValues(t, 12345, change.PlanID)
	assert.Equal(t, 2, change.PlanVersion)
	require.NotNil(t, change.PeriodStart)
	assert.Equal(t, int64(1767225600), change.PeriodStart.Unix())
	require.NotNil(t, change.PeriodEnd)
	require.NotNil(t, change.TrialEnd)
	require.NotNil(t, change.CanceledAt)
	assert.True(t, change.Trial)
}

func TestTranslateErrors(t *testing.T) {
	t.Run("nil envelope", func(t *testing.T) {
		_, err := Translate(nil)
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})

	t.Run("unknown event type", func(t *testing.T) {
		_, err := Translate(envOf("customer.created", `{}`))
		assert.ErrorIs(t, err, ErrUnknownEventType)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := Translate(envOf("invoice.payment_succeeded", `{not json`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("empty payload is tolerated", func(t *testing.T) {
		change, err := Translate(envOf("invoice.payment_succeeded", ``))
		require.NoError(t, err)
		assert.Equal(t, subscriptiondomain.KindActivated, change.Kind)
	})
}

func TestPlanCode(t *testing.T) {
	assert.Equal(t, "pro", PlanCode(envOf("customer.subscription.created", `{"plan_code":"pro"}`)))
	assert.Equal(t, "", PlanCode(envOf("customer.subscription.created", ``)))
	assert.Equal(t, "", PlanCode(nil))
	assert.Equal(t, "", PlanCode(envOf("customer.subscription.created", `{broken`)))
}

func TestOutcomeTerminal(t *testing.T) {
	assert.True(t, OutcomeApplied.Terminal())
	assert.True(t, OutcomeSkippedStale.Terminal())
	assert.True(t, OutcomeSkippedNoop.Terminal())
	assert.False(t, OutcomePending.Terminal())
	assert.False(t, OutcomeFailed.Terminal())
}
