package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, account_id, provider_subscription_id, plan_id, plan_version,
	status, current_period_start, current_period_end, cancel_at_period_end,
	cancel_effective_at, trial_end, last_event_at, last_reconciled_at,
	failed_applies, metadata, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, account_id, provider_subscription_id, plan_id, plan_version,
			status, current_period_start, current_period_end, cancel_at_period_end,
			cancel_effective_at, trial_end, last_event_at, last_reconciled_at,
			failed_applies, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.AccountID,
		sub.ProviderSubscriptionID,
		sub.PlanID,
		sub.PlanVersion,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelEffectiveAt,
		sub.TrialEnd,
		sub.LastEventAt,
		sub.LastReconciledAt,
		sub.FailedApplies,
		sub.Metadata,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*domain.Subscription, error) {
	providerSubscriptionID = strings.TrimSpace(providerSubscriptionID)
	if providerSubscriptionID == "" {
		return nil, nil
	}
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

// FindByProviderIDForUpdate takes the per-subscription exclusion scope.
// Live event applies and reconciliation corrections both go through this
// lock, so they never race on one aggregate.
func (r *repo) FindByProviderIDForUpdate(ctx context.Context, tx *gorm.DB, providerSubscriptionID string) (*domain.Subscription, error) {
	providerSubscriptionID = strings.TrimSpace(providerSubscriptionID)
	if providerSubscriptionID == "" {
		return nil, nil
	}
	var sub domain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE provider_subscription_id = ?
		 FOR UPDATE`,
		providerSubscriptionID,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE id = ?
		 FOR UPDATE`,
		id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE account_id = ?
		 ORDER BY created_at DESC, id DESC`,
		accountID,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// UpdateAggregate persists the mutated aggregate. The caller stamps
// UpdatedAt from its injected clock so update times stay deterministic
// under test.
func (r *repo) UpdateAggregate(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?, plan_version = ?, status = ?,
			 current_period_start = ?, current_period_end = ?,
			 cancel_at_period_end = ?, cancel_effective_at = ?, trial_end = ?,
			 last_event_at = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		sub.PlanID,
		sub.PlanVersion,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelEffectiveAt,
		sub.TrialEnd,
		sub.LastEventAt,
		sub.Metadata,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

// ReleaseProviderID detaches the provider reference from a terminal
// aggregate so a reactivation can claim it on a fresh row.
func (r *repo) ReleaseProviderID(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET provider_subscription_id = NULL, updated_at = ?
		 WHERE id = ?`,
		at,
		id,
	).Error
}

// FindDueForReconcile claims a batch of subscriptions whose last
// reconciliation is older than the cadence or whose consecutive failed
// applies crossed the on-demand threshold. SKIP LOCKED keeps concurrent
// reconciler instances from claiming the same rows.
func (r *repo) FindDueForReconcile(ctx context.Context, tx *gorm.DB, olderThan time.Time, failedThreshold int, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	var subs []domain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE provider_subscription_id IS NOT NULL
		   AND (
				last_reconciled_at IS NULL
			 OR last_reconciled_at <= ?
			 OR (? > 0 AND failed_applies >= ?)
		   )
		 ORDER BY last_reconciled_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		olderThan,
		failedThreshold,
		failedThreshold,
		limit,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) MarkReconciled(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET last_reconciled_at = ?, failed_applies = 0, updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		id,
	).Error
}

func (r *repo) IncrementFailedApplies(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET failed_applies = failed_applies + 1, updated_at = ?
		 WHERE id = ?`,
		at,
		id,
	).Error
}

func (r *repo) ResetFailedApplies(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET failed_applies = 0, updated_at = ?
		 WHERE id = ? AND failed_applies <> 0`,
		at,
		id,
	).Error
}
