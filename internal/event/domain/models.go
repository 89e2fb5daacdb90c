// Package domain contains the processed-event record, the idempotency
// boundary for inbound provider lifecycle events.
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
	ErrInvalidEvent      = errors.New("invalid_event")
	ErrInvalidPayload    = errors.New("invalid_payload")
	ErrUnknownEventType  = errors.New("unknown_event_type")
	ErrEventNotFound     = errors.New("event_not_found")
	ErrQueueFull         = errors.New("dispatch_queue_full")
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrSignatureExpired  = errors.New("signature_expired")
	ErrEventIgnored      = errors.New("event_ignored")
	ErrMissingAccountRef = errors.New("missing_account_ref")
)

// Outcome is the processing outcome of an event record.
type Outcome string

const (
	// OutcomePending covers the durable-queue window between ingress and
	// the dispatcher's apply.
	OutcomePending Outcome = "pending"
	OutcomeApplied Outcome = "applied"
	// OutcomeSkippedStale marks out-of-order deliveries older than the
	// aggregate's last-applied provider timestamp.
	OutcomeSkippedStale Outcome = "skipped_stale"
	// OutcomeSkippedNoop marks events valid in themselves but not
	// applicable to the aggregate's current state (tolerant policy).
	OutcomeSkippedNoop Outcome = "skipped_noop"
	OutcomeFailed      Outcome = "failed"
)

// Terminal reports whether the outcome admits no further processing.
// Failed records stay retryable until dead-lettered.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeApplied, OutcomeSkippedStale, OutcomeSkippedNoop:
		return true
	default:
		return false
	}
}

// EventRecord is one inbound lifecycle event. The unique provider event id
// makes redelivery detectable before any state mutation; rows are never
// deleted once their outcome is terminal.
type EventRecord struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider          string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID   string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex"`
	EventType         string         `json:"event_type" gorm:"type:text;not null"`
	SubscriptionRef   string         `json:"subscription_ref" gorm:"type:text;index"`
	AccountID         snowflake.ID   `json:"account_id" gorm:"index"`
	ProviderTimestamp time.Time      `json:"provider_timestamp" gorm:"not null"`
	Payload           datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Outcome           Outcome        `json:"outcome" gorm:"type:text;not null;index"`
	Attempts          int            `json:"attempts" gorm:"not null;default:0"`
	NextAttemptAt     *time.Time     `json:"next_attempt_at" gorm:"index"`
	DeadLettered      bool           `json:"dead_lettered" gorm:"not null;default:false"`
	LastError         string         `json:"last_error" gorm:"type:text"`
	ReceivedAt        time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt       *time.Time     `json:"processed_at"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "lifecycle_events" }

// Envelope is the verified inbound event handed to the dispatcher.
type Envelope struct {
	Provider          string
	ProviderEventID   string
	EventType         string
	SubscriptionRef   string
	AccountID         snowflake.ID
	ProviderTimestamp time.Time
	Payload           []byte
}

// Processor is the narrow transition-application interface shared by the
// HTTP ingress, the retry sweeper, and the reconciler. Keeping the
// reconciler behind it means every mutation of an aggregate flows through
// one atomic path.
type Processor interface {
	// Ingest durably records the event and hands it to the worker pool.
	// Returns promptly; the apply happens on a worker.
	Ingest(ctx context.Context, env *Envelope) error
	// Process applies the event synchronously through the atomic path.
	Process(ctx context.Context, env *Envelope) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	FindByProviderID(ctx context.Context, db *gorm.DB, providerEventID string) (*EventRecord, error)
	FindByProviderIDForUpdate(ctx context.Context, tx *gorm.DB, providerEventID string) (*EventRecord, error)
	MarkOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Outcome, processedAt time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, nextAttemptAt *time.Time, lastError string) error
	MarkDeadLettered(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	FindDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]EventRecord, error)
	FindDeadLettered(ctx context.Context, db *gorm.DB, subscriptionRef string) ([]EventRecord, error)
	CountRecentInvalid(ctx context.Context, db *gorm.DB, subscriptionRef string, since time.Time) (int64, error)
}
