package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/grantway/internal/subscription/domain"
)

// EventTypeSync is the synthetic event type emitted by the reconciler when
// the provider's authoritative state diverges from the local aggregate.
const EventTypeSync = "recon.correct"

// changePayload is the provider-agnostic shape the webhook adapters
// normalize payloads into before persisting them.
type changePayload struct {
	Status             string `json:"status"`
	PlanCode           string `json:"plan_code"`
	PlanID             int64  `json:"plan_id,string"`
	PlanVersion        int    `json:"plan_version"`
	CurrentPeriodStart *int64 `json:"current_period_start"`
	CurrentPeriodEnd   *int64 `json:"current_period_end"`
	TrialEnd           *int64 `json:"trial_end"`
	CanceledAt         *int64 `json:"canceled_at"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	FinalAttempt       bool   `json:"final_attempt"`
	Incomplete         bool   `json:"incomplete"`
	Trial              bool   `json:"trial"`
}

// Translate maps a verified envelope onto an internal transition. The
// mapping keeps the state machine closed: an event type outside the table
// returns ErrUnknownEventType and never reaches the aggregate.
func Translate(env *Envelope) (subscriptiondomain.Change, error) {
	var change subscriptiondomain.Change
	if env == nil {
		return change, ErrInvalidEvent
	}

	var p changePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return change, ErrInvalidPayload
		}
	}

	change.PlanID = snowflake.ID(p.PlanID)
	change.PlanVersion = p.PlanVersion
	change.PeriodStart = unixPtr(p.CurrentPeriodStart)
	change.PeriodEnd = unixPtr(p.CurrentPeriodEnd)
	change.TrialEnd = unixPtr(p.TrialEnd)
	change.CanceledAt = unixPtr(p.CanceledAt)
	change.Incomplete = p.Incomplete
	change.Trial = p.Trial

	switch env.EventType {
	case "customer.subscription.created":
		change.Kind = subscriptiondomain.KindCreated
	case "customer.subscription.trial_will_end":
		change.Kind = subscriptiondomain.KindTrialWillEnd
	case "invoice.payment_succeeded":
		change.Kind = subscriptiondomain.KindActivated
	case "invoice.payment_failed":
		if p.FinalAttempt {
			change.Kind = subscriptiondomain.KindPaymentFailedFinal
		} else {
			change.Kind = subscriptiondomain.KindPaymentFailed
		}
	case "customer.subscription.updated":
		// Providers report cancel-at-period-end as an update, not a
		// dedicated cancel event.
		if p.CancelAtPeriodEnd {
			change.Kind = subscriptiondomain.KindCancelRequested
		} else {
			change.Kind = subscriptiondomain.KindActivated
		}
	case "customer.subscription.deleted":
		change.Kind = subscriptiondomain.KindCancelEffective
	case "customer.subscription.period_ended":
		change.Kind = subscriptiondomain.KindPeriodEnded
	case EventTypeSync:
		change.Kind = subscriptiondomain.KindSync
		change.Status = subscriptiondomain.Status(p.Status)
	default:
		return change, ErrUnknownEventType
	}

	return change, nil
}

// PlanCode extracts the catalog plan code from the payload, used on the
// creation path when the event does not carry an internal plan id.
func PlanCode(env *Envelope) string {
	if env == nil || len(env.Payload) == 0 {
		return ""
	}
	var p changePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return ""
	}
	return p.PlanCode
}

func unixPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}
