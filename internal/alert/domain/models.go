// Package domain contains operator-visible alerts raised by the event
// pipeline and the reconciler.
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
	ErrAlertNotFound = errors.New("alert_not_found")
	ErrInvalidAlert  = errors.New("invalid_alert")
)

type Kind string

const (
	// KindReconcileDivergence fires when the provider's view disagreed
	// with the local aggregate and a correction was applied.
	KindReconcileDivergence Kind = "reconcile_divergence"
	// KindIrreconcilableDivergence fires when the provider stayed
	// unreachable or inconsistent past the retry budget. Entitlements are
	// left at last-known-good.
	KindIrreconcilableDivergence Kind = "irreconcilable_divergence"
	// KindRecurringInvalidTransition fires when one subscription keeps
	// producing tolerated invalid transitions, which usually means a
	// missed event or a provider-side bug.
	KindRecurringInvalidTransition Kind = "recurring_invalid_transition"
	// KindEventDeadLettered fires when an event exhausts its retry budget.
	KindEventDeadLettered Kind = "event_dead_lettered"
)

type Alert struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	Kind           Kind              `json:"kind" gorm:"type:text;not null;index"`
	AccountID      *snowflake.ID     `json:"account_id" gorm:"index"`
	SubscriptionID *snowflake.ID     `json:"subscription_id" gorm:"index"`
	Message        string            `json:"message" gorm:"type:text;not null"`
	Details        datatypes.JSONMap `json:"details" gorm:"type:jsonb"`
	Acknowledged   bool              `json:"acknowledged" gorm:"not null;default:false;index"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at"`
	AcknowledgedBy *string           `json:"acknowledged_by" gorm:"type:text"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Alert) TableName() string { return "alerts" }

type ListFilter struct {
	Kind         Kind
	Acknowledged *bool
	Limit        int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, alert *Alert) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Alert, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Alert, error)
	Acknowledge(ctx context.Context, db *gorm.DB, id snowflake.ID, by string, at time.Time) (bool, error)
}

type Service interface {
	Raise(ctx context.Context, kind Kind, accountID, subscriptionID *snowflake.ID, message string, details map[string]any) error
	List(ctx context.Context, filter ListFilter) ([]Alert, error)
	Acknowledge(ctx context.Context, id snowflake.ID, by string) error
}
