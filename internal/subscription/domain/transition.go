package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind is the closed set of internal transition tags. Provider event-type
// strings are mapped onto these at the dispatcher boundary so the state
// machine stays closed over a fixed transition set.
type Kind string

const (
	KindCreated            Kind = "created"
	KindTrialWillEnd       Kind = "trial_will_end"
	KindActivated          Kind = "activated"
	KindPaymentFailed      Kind = "payment_failed"
	KindPaymentFailedFinal Kind = "payment_failed_final"
	KindCancelRequested    Kind = "cancel_requested"
	KindCancelEffective    Kind = "cancel_effective"
	KindPeriodEnded        Kind = "period_ended"
	KindSync               Kind = "sync"
)

// Change carries the parsed payload of a lifecycle event.
type Change struct {
	Kind        Kind
	Status      Status
	PlanID      snowflake.ID
	PlanVersion int
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	TrialEnd    *time.Time
	CanceledAt  *time.Time
	Incomplete  bool
	Trial       bool
}

// InitialStatus returns the state a new aggregate starts in for a creating
// event: trialing when a trial period is present, incomplete when the event
// flags unresolved payment, else active.
func (c Change) InitialStatus() Status {
	if c.Trial || c.TrialEnd != nil {
		return StatusTrialing
	}
	if c.Incomplete {
		return StatusIncomplete
	}
	return StatusActive
}

// Apply mutates the aggregate according to the transition table. It is pure
// with respect to everything but the passed aggregate.
//
// Invalid-for-state transitions are not errors: they return applied=false
// and leave the aggregate untouched, so the caller can record the tolerant
// skip. The one exception is a repeated cancel carrying a different
// cancellation timestamp, which is applied as a correction.
//
// at is the provider-supplied event timestamp; staleness against
// LastEventAt is checked by the caller before Apply, under the row lock.
func Apply(sub *Subscription, change Change, at time.Time) (bool, error) {
	if sub == nil {
		return false, ErrInvalidSubscription
	}

	applied := false
	switch change.Kind {
	case KindTrialWillEnd:
		if sub.Status != StatusTrialing {
			return false, nil
		}
		if change.TrialEnd != nil {
			sub.TrialEnd = change.TrialEnd
		}
		applied = true

	case KindActivated:
		switch sub.Status {
		case StatusTrialing, StatusIncomplete, StatusPastDue:
			sub.Status = StatusActive
			applyPeriod(sub, change)
			applied = true
		default:
			return false, nil
		}

	case KindPaymentFailed:
		switch sub.Status {
		case StatusActive, StatusPastDue:
			sub.Status = StatusPastDue
			applied = true
		default:
			return false, nil
		}

	case KindPaymentFailedFinal:
		if sub.Status != StatusPastDue {
			return false, nil
		}
		sub.Status = StatusCanceled
		sub.CancelEffectiveAt = timePtr(at)
		applied = true

	case KindCancelRequested:
		switch sub.Status {
		case StatusTrialing, StatusActive, StatusPastDue:
			sub.CancelAtPeriodEnd = true
			if change.CanceledAt != nil {
				sub.CancelEffectiveAt = change.CanceledAt
			} else if sub.CurrentPeriodEnd != nil {
				sub.CancelEffectiveAt = sub.CurrentPeriodEnd
			}
			applied = true
		default:
			return false, nil
		}

	case KindCancelEffective:
		if sub.Status == StatusCanceled {
			// Correction: a second cancel with a different timestamp is a
			// provider-side amendment, not a conflict.
			if change.CanceledAt != nil && !equalTime(sub.CancelEffectiveAt, change.CanceledAt) {
				sub.CancelEffectiveAt = change.CanceledAt
				applied = true
				break
			}
			return false, nil
		}
		if sub.Status.Terminal() {
			return false, nil
		}
		sub.Status = StatusCanceled
		if change.CanceledAt != nil {
			sub.CancelEffectiveAt = change.CanceledAt
		} else {
			sub.CancelEffectiveAt = timePtr(at)
		}
		applied = true

	case KindPeriodEnded:
		switch sub.Status {
		case StatusActive, StatusPastDue:
			sub.Status = StatusExpired
			applied = true
		default:
			return false, nil
		}

	case KindSync:
		return applySync(sub, change, at)

	case KindCreated:
		// Creation is handled by the dispatcher before Apply; a created
		// event landing on an existing aggregate is a redelivery no-op.
		return false, nil

	default:
		return false, ErrUnknownTransition
	}

	if applied {
		sub.LastEventAt = timePtr(at)
	}
	return applied, nil
}

// applySync overwrites local state with the provider's authoritative view.
// Used only for reconciliation corrections; the provider wins on every
// field it reports. A terminal local state is never resurrected here, the
// caller models reactivation as a new aggregate.
func applySync(sub *Subscription, change Change, at time.Time) (bool, error) {
	if !change.Status.Valid() {
		return false, ErrUnknownTransition
	}
	if sub.Status.Terminal() && !change.Status.Terminal() {
		return false, nil
	}

	changed := false
	if sub.Status != change.Status {
		sub.Status = change.Status
		changed = true
	}
	if change.PeriodStart != nil && !equalTime(sub.CurrentPeriodStart, change.PeriodStart) {
		sub.CurrentPeriodStart = change.PeriodStart
		changed = true
	}
	if change.PeriodEnd != nil && !equalTime(sub.CurrentPeriodEnd, change.PeriodEnd) {
		sub.CurrentPeriodEnd = change.PeriodEnd
		changed = true
	}
	if change.TrialEnd != nil && !equalTime(sub.TrialEnd, change.TrialEnd) {
		sub.TrialEnd = change.TrialEnd
		changed = true
	}
	if change.CanceledAt != nil && !equalTime(sub.CancelEffectiveAt, change.CanceledAt) {
		sub.CancelEffectiveAt = change.CanceledAt
		changed = true
	}

	if changed {
		sub.LastEventAt = timePtr(at)
	}
	return changed, nil
}

func applyPeriod(sub *Subscription, change Change) {
	if change.PeriodStart != nil {
		sub.CurrentPeriodStart = change.PeriodStart
	}
	if change.PeriodEnd != nil {
		sub.CurrentPeriodEnd = change.PeriodEnd
	}
}

func timePtr(t time.Time) *time.Time {
	utc := t.UTC()
	return &utc
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UTC().Equal(b.UTC())
}
