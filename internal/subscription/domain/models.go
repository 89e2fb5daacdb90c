// Package domain contains the subscription aggregate and its state machine.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrUnknownTransition    = errors.New("unknown_transition")
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusExpired    Status = "expired"
	StatusIncomplete Status = "incomplete"
)

// Terminal reports whether no further transitions leave this state.
// A provider-confirmed reactivation is modeled as a new aggregate.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// GrantsEntitlements reports whether plan-derived entitlements are active
// in this state. past_due keeps access as a grace period.
func (s Status) GrantsEntitlements() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	default:
		return false
	}
}

// Valid reports whether the value is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired, StatusIncomplete:
		return true
	default:
		return false
	}
}

// Subscription is the authoritative internal billing relationship for one
// account. Mutated only through the dispatcher's atomic apply path; never
// deleted, only transitioned to a terminal state.
type Subscription struct {
	ID                     snowflake.ID      `json:"id" gorm:"primaryKey"`
	AccountID              snowflake.ID      `json:"account_id" gorm:"not null;index"`
	ProviderSubscriptionID *string           `json:"provider_subscription_id" gorm:"type:text;uniqueIndex"`
	PlanID                 snowflake.ID      `json:"plan_id" gorm:"not null;index"`
	PlanVersion            int               `json:"plan_version" gorm:"not null"`
	Status                 Status            `json:"status" gorm:"type:text;not null"`
	CurrentPeriodStart     *time.Time        `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time        `json:"current_period_end"`
	CancelAtPeriodEnd      bool              `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CancelEffectiveAt      *time.Time        `json:"cancel_effective_at"`
	TrialEnd               *time.Time        `json:"trial_end"`
	LastEventAt            *time.Time        `json:"last_event_at"`
	LastReconciledAt       *time.Time        `json:"last_reconciled_at"`
	FailedApplies          int               `json:"failed_applies" gorm:"not null;default:0"`
	Metadata               datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt              time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	FindByProviderIDForUpdate(ctx context.Context, tx *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Subscription, error)
	UpdateAggregate(ctx context.Context, tx *gorm.DB, sub *Subscription) error
	ReleaseProviderID(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error
	FindDueForReconcile(ctx context.Context, tx *gorm.DB, olderThan time.Time, failedThreshold int, limit int) ([]Subscription, error)
	MarkReconciled(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	IncrementFailedApplies(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	ResetFailedApplies(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error
}

type Service interface {
	Get(ctx context.Context, id snowflake.ID) (*Subscription, error)
	GetByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	ListByAccount(ctx context.Context, accountID snowflake.ID) ([]Subscription, error)
}
