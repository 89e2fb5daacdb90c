// Package domain contains entitlement grants, the feature access derived
// from subscription state plus manual overrides.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrGrantNotFound     = errors.New("grant_not_found")
	ErrInvalidFeatureKey = errors.New("invalid_feature_key")
	ErrInvalidGrant      = errors.New("invalid_grant")
)

// Source says where a grant came from. Manual grants are operator-issued
// and survive every derived recomputation.
type Source string

const (
	SourcePlan   Source = "plan"
	SourceTrial  Source = "trial"
	SourceManual Source = "manual"
)

// Grant is one feature entitlement for one account. Derived grants
// (plan, trial) are replaced wholesale on every subscription transition;
// manual grants are only touched by the override operations.
type Grant struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	AccountID      snowflake.ID  `json:"account_id" gorm:"not null;uniqueIndex:idx_grant_account_feature_source,priority:1"`
	FeatureKey     string        `json:"feature_key" gorm:"type:text;not null;uniqueIndex:idx_grant_account_feature_source,priority:2"`
	Source         Source        `json:"source" gorm:"type:text;not null;uniqueIndex:idx_grant_account_feature_source,priority:3"`
	SubscriptionID *snowflake.ID `json:"subscription_id" gorm:"index"`
	Active         bool          `json:"active" gorm:"not null;default:true"`
	ExpiresAt      *time.Time    `json:"expires_at"`
	Reason         string        `json:"reason" gorm:"type:text"`
	CreatedAt      time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time     `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Grant) TableName() string { return "entitlement_grants" }

// Effective reports whether the grant row still binds at the given
// instant. An inactive manual row stays effective as a suppression of
// the feature until it expires.
func (g Grant) Effective(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

type Repository interface {
	ReplaceDerived(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, grants []Grant) error
	FindByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Grant, error)
	FindOverrides(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Grant, error)
	UpsertOverride(ctx context.Context, db *gorm.DB, grant *Grant) error
	DeleteOverride(ctx context.Context, db *gorm.DB, accountID snowflake.ID, featureKey string) (bool, error)
}

type Service interface {
	GetActiveEntitlements(ctx context.Context, accountID snowflake.ID) ([]Grant, error)
	SetOverride(ctx context.Context, accountID snowflake.ID, featureKey string, active bool, expiresAt *time.Time, reason string) (*Grant, error)
	ClearOverride(ctx context.Context, accountID snowflake.ID, featureKey string) error
	InvalidateCache(ctx context.Context, accountID snowflake.ID)
}
