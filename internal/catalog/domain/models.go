// Package domain contains the versioned plan catalog models.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrPlanNotFound        = errors.New("plan_not_found")
	ErrPlanVersionNotFound = errors.New("plan_version_not_found")
	ErrInvalidPlan         = errors.New("invalid_plan")
)

// Plan is a purchasable plan. Feature grants live on versions so that
// historical entitlement computation stays reproducible after catalog edits.
type Plan struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	Code      string       `json:"code" gorm:"type:text;not null;uniqueIndex"`
	Name      string       `json:"name" gorm:"type:text;not null"`
	Active    bool         `json:"active" gorm:"not null;default:true"`
	TrialDays int          `json:"trial_days" gorm:"not null;default:0"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// PlanVersion is an immutable snapshot of the feature keys a plan grants.
type PlanVersion struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	PlanID    snowflake.ID   `json:"plan_id" gorm:"not null;index:idx_plan_versions_plan_version,unique"`
	Version   int            `json:"version" gorm:"not null;index:idx_plan_versions_plan_version,unique"`
	Features  datatypes.JSON `json:"features" gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanVersion) TableName() string { return "plan_versions" }

// FeatureKeys decodes the feature key list granted by this version.
func (v PlanVersion) FeatureKeys() ([]string, error) {
	if len(v.Features) == 0 {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(v.Features, &keys); err != nil {
		return nil, ErrInvalidPlan
	}
	return keys, nil
}

type Repository interface {
	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	InsertVersion(ctx context.Context, db *gorm.DB, version *PlanVersion) error
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	FindVersion(ctx context.Context, db *gorm.DB, planID snowflake.ID, version int) (*PlanVersion, error)
	FindCurrentVersion(ctx context.Context, db *gorm.DB, planID snowflake.ID) (*PlanVersion, error)
	ListPlans(ctx context.Context, db *gorm.DB) ([]Plan, error)
}

type Service interface {
	Lookup(ctx context.Context, planID snowflake.ID, version int) ([]string, error)
	LookupCurrent(ctx context.Context, planID snowflake.ID) (int, []string, error)
	PlanByCode(ctx context.Context, code string) (*Plan, error)
	PlanByID(ctx context.Context, id snowflake.ID) (*Plan, error)
}
