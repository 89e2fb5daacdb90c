package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/entitlement/domain"
	"gorm.io/gorm"
)

const grantColumns = `id, account_id, feature_key, source, subscription_id,
	active, expires_at, reason, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// ReplaceDerived swaps the account's plan- and trial-sourced grants for the
// given set inside the caller's transaction. Manual rows are untouched, so
// operator overrides survive every recomputation.
func (r *repo) ReplaceDerived(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, grants []domain.Grant) error {
	err := tx.WithContext(ctx).Exec(
		`DELETE FROM entitlement_grants
		 WHERE account_id = ? AND source <> ?`,
		accountID,
		domain.SourceManual,
	).Error
	if err != nil {
		return err
	}

	for i := range grants {
		g := &grants[i]
		if g.AccountID != accountID || g.Source == domain.SourceManual {
			return domain.ErrInvalidGrant
		}
		err = tx.WithContext(ctx).Exec(
			`INSERT INTO entitlement_grants (
				id, account_id, feature_key, source, subscription_id,
				active, expires_at, reason, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID,
			g.AccountID,
			g.FeatureKey,
			g.Source,
			g.SubscriptionID,
			g.Active,
			g.ExpiresAt,
			g.Reason,
			g.CreatedAt,
			g.UpdatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.Grant, error) {
	var grants []domain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+`
		 FROM entitlement_grants
		 WHERE account_id = ?
		 ORDER BY feature_key ASC`,
		accountID,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) FindOverrides(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.Grant, error) {
	var grants []domain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+`
		 FROM entitlement_grants
		 WHERE account_id = ? AND source = ?
		 ORDER BY feature_key ASC`,
		accountID,
		domain.SourceManual,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) UpsertOverride(ctx context.Context, db *gorm.DB, grant *domain.Grant) error {
	if grant == nil || grant.Source != domain.SourceManual {
		return domain.ErrInvalidGrant
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO entitlement_grants (
			id, account_id, feature_key, source, subscription_id,
			active, expires_at, reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, feature_key, source)
		DO UPDATE SET active = EXCLUDED.active, expires_at = EXCLUDED.expires_at,
			reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`,
		grant.ID,
		grant.AccountID,
		grant.FeatureKey,
		grant.Source,
		grant.SubscriptionID,
		grant.Active,
		grant.ExpiresAt,
		grant.Reason,
		grant.CreatedAt,
		grant.UpdatedAt,
	).Error
}

func (r *repo) DeleteOverride(ctx context.Context, db *gorm.DB, accountID snowflake.ID, featureKey string) (bool, error) {
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		return false, domain.ErrInvalidFeatureKey
	}
	res := db.WithContext(ctx).Exec(
		`DELETE FROM entitlement_grants
		 WHERE account_id = ? AND feature_key = ? AND source = ?`,
		accountID,
		featureKey,
		domain.SourceManual,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
