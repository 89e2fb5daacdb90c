package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/event/domain"
	"gorm.io/gorm"
)

const eventColumns = `id, provider, provider_event_id, event_type, subscription_ref,
	account_id, provider_timestamp, payload, outcome, attempts, next_attempt_at,
	dead_lettered, last_error, received_at, processed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert persists the record if the provider event id has not been seen.
// Returns false when a row already exists, which is how redeliveries are
// detected before any state is touched.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO lifecycle_events (
			id, provider, provider_event_id, event_type, subscription_ref,
			account_id, provider_timestamp, payload, outcome, attempts,
			next_attempt_at, dead_lettered, last_error, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		record.ID,
		record.Provider,
		record.ProviderEventID,
		record.EventType,
		record.SubscriptionRef,
		record.AccountID,
		record.ProviderTimestamp,
		record.Payload,
		record.Outcome,
		record.Attempts,
		record.NextAttemptAt,
		record.DeadLettered,
		record.LastError,
		record.ReceivedAt,
		record.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, providerEventID string) (*domain.EventRecord, error) {
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return nil, nil
	}
	var record domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM lifecycle_events WHERE provider_event_id = ?`,
		providerEventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

// FindByProviderIDForUpdate locks the record row for the duration of the
// caller's transaction. The apply path re-checks the outcome under this
// lock so a concurrent worker and sweeper cannot both commit one.
func (r *repo) FindByProviderIDForUpdate(ctx context.Context, tx *gorm.DB, providerEventID string) (*domain.EventRecord, error) {
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return nil, nil
	}
	var record domain.EventRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM lifecycle_events
		 WHERE provider_event_id = ?
		 FOR UPDATE`,
		providerEventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) MarkOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome domain.Outcome, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE lifecycle_events
		 SET outcome = ?, processed_at = ?, next_attempt_at = NULL, last_error = ''
		 WHERE id = ?`,
		outcome,
		processedAt,
		id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, nextAttemptAt *time.Time, lastError string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE lifecycle_events
		 SET outcome = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		 WHERE id = ?`,
		domain.OutcomeFailed,
		attempts,
		nextAttemptAt,
		lastError,
		id,
	).Error
}

func (r *repo) MarkDeadLettered(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE lifecycle_events
		 SET dead_lettered = TRUE, next_attempt_at = NULL
		 WHERE id = ?`,
		id,
	).Error
}

// FindDue claims failed records whose backoff has elapsed, plus pending
// records stranded by a full dispatch queue or a crash between ingress and
// apply. SKIP LOCKED keeps concurrent sweepers off the same rows.
func (r *repo) FindDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []domain.EventRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM lifecycle_events
		 WHERE dead_lettered = FALSE
		   AND (
				(outcome = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
			 OR (outcome = ? AND received_at <= ?)
		   )
		 ORDER BY provider_timestamp ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.OutcomeFailed,
		now,
		domain.OutcomePending,
		now.Add(-time.Minute),
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) FindDeadLettered(ctx context.Context, db *gorm.DB, subscriptionRef string) ([]domain.EventRecord, error) {
	var records []domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM lifecycle_events
		 WHERE dead_lettered = TRUE AND subscription_ref = ?
		 ORDER BY provider_timestamp ASC`,
		subscriptionRef,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountRecentInvalid counts tolerant skips in a window, feeding the
// recurring-invalid-transition alert.
func (r *repo) CountRecentInvalid(ctx context.Context, db *gorm.DB, subscriptionRef string, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM lifecycle_events
		 WHERE subscription_ref = ?
		   AND outcome = ?
		   AND processed_at >= ?`,
		subscriptionRef,
		domain.OutcomeSkippedNoop,
		since,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
