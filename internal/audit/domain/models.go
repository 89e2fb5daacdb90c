// Package domain contains the audit trail for operator and system actions.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem     ActorType = "system"
	ActorTypeOperator   ActorType = "operator"
	ActorTypeReconciler ActorType = "reconciler"
)

// AuditLog is an append-only record of a state-changing action. Rows are
// never updated or deleted.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	AccountID  *snowflake.ID     `json:"account_id" gorm:"index"`
	ActorType  string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID    *string           `json:"actor_id" gorm:"type:text"`
	Action     string            `json:"action" gorm:"type:text;not null;index"`
	TargetType string            `json:"target_type" gorm:"type:text;not null"`
	TargetID   *string           `json:"target_id" gorm:"type:text;index"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	IPAddress  *string           `json:"ip_address" gorm:"type:text"`
	UserAgent  *string           `json:"user_agent" gorm:"type:text"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null;index"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	AccountID  snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}
