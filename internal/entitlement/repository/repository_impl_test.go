package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/grantway/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup(t *testing.T) (domain.Repository, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	db.Exec(`CREATE TABLE IF NOT EXISTS entitlement_grants (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		feature_key TEXT NOT NULL,
		source TEXT NOT NULL,
		subscription_id BIGINT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMP,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	// ON CONFLICT upserts need the explicit unique index under sqlite.
	db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_grant_account_feature_source
		ON entitlement_grants (account_id, feature_key, source)`)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return Provide(), db, node
}

func derivedGrant(node *snowflake.Node, accountID snowflake.ID, key string, source domain.Source) domain.Grant {
	now := time.Now().UTC()
	return domain.Grant{
		ID:         node.Generate(),
		AccountID:  accountID,
		FeatureKey: key,
		Source:     source,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestReplaceDerivedKeepsManualRows(t *testing.T) {
	repo, db, node := setup(t)
	ctx := context.Background()
	accountID := node.Generate()

	manual := derivedGrant(node, accountID, "beta", domain.SourceManual)
	require.NoError(t, repo.UpsertOverride(ctx, db, &manual))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return repo.ReplaceDerived(ctx, tx, accountID, []domain.Grant{
			derivedGrant(node, accountID, "core", domain.SourcePlan),
			derivedGrant(node, accountID, "api_access", domain.SourcePlan),
		})
	}))

	grants, err := repo.FindByAccount(ctx, db, accountID)
	require.NoError(t, err)
	require.Len(t, grants, 3)

	// A recomputation with a shrunk set drops only the derived rows.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return repo.ReplaceDerived(ctx, tx, accountID, []domain.Grant{
			derivedGrant(node, accountID, "core", domain.SourcePlan),
		})
	}))

	grants, err = repo.FindByAccount(ctx, db, accountID)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "beta", grants[0].FeatureKey)
	assert.Equal(t, domain.SourceManual, grants[0].Source)
	assert.Equal(t, "core", grants[1].FeatureKey)

	// Revocation: an empty set clears every derived row.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return repo.ReplaceDerived(ctx, tx, accountID, nil)
	}))

	grants, err = repo.FindByAccount(ctx, db, accountID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, domain.SourceManual, grants[0].Source)
}

func TestReplaceDerivedRejectsForeignAndManualGrants(t *testing.T) {
	repo, db, node := setup(t)
	ctx := context.Background()
	accountID := node.Generate()

	err := db.Transaction(func(tx *gorm.DB) error {
		return repo.ReplaceDerived(ctx, tx, accountID, []domain.Grant{
			derivedGrant(node, node.Generate(), "core", domain.SourcePlan),
		})
	})
	assert.ErrorIs(t, err, domain.ErrInvalidGrant)

	err = db.Transaction(func(tx *gorm.DB) error {
		return repo.ReplaceDerived(ctx, tx, accountID, []domain.Grant{
			derivedGrant(node, accountID, "core", domain.SourceManual),
		})
	})
	assert.ErrorIs(t, err, domain.ErrInvalidGrant)
}

func TestUpsertOverride(t *testing.T) {
	repo, db, node := setup(t)
	ctx := context.Background()
	accountID := node.Generate()

	grant := derivedGrant(node, accountID, "beta", domain.SourceManual)
	require.NoError(t, repo.UpsertOverride(ctx, db, &grant))

	t.Run("second upsert updates expiry in place", func(t *testing.T) {
		expires := time.Now().Add(24 * time.Hour).UTC()
		updated := derivedGrant(node, accountID, "beta", domain.SourceManual)
		updated.ExpiresAt = &expires
		require.NoError(t, repo.UpsertOverride(ctx, db, &updated))

		overrides, err := repo.FindOverrides(ctx, db, accountID)
		require.NoError(t, err)
		require.Len(t, overrides, 1)
		require.NotNil(t, overrides[0].ExpiresAt)
		// The original row id survives the upsert.
		assert.Equal(t, grant.ID, overrides[0].ID)
	})

	t.Run("upsert flips a grant into a suppression", func(t *testing.T) {
		deny := derivedGrant(node, accountID, "beta", domain.SourceManual)
		deny.Active = false
		deny.Reason = "chargeback dispute"
		require.NoError(t, repo.UpsertOverride(ctx, db, &deny))

		overrides, err := repo.FindOverrides(ctx, db, accountID)
		require.NoError(t, err)
		require.Len(t, overrides, 1)
		assert.False(t, overrides[0].Active)
		assert.Equal(t, "chargeback dispute", overrides[0].Reason)
	})

	t.Run("non-manual source is rejected", func(t *testing.T) {
		bad := derivedGrant(node, accountID, "core", domain.SourcePlan)
		assert.ErrorIs(t, repo.UpsertOverride(ctx, db, &bad), domain.ErrInvalidGrant)
	})
}

func TestDeleteOverride(t *testing.T) {
	repo, db, node := setup(t)
	ctx := context.Background()
	accountID := node.Generate()

	grant := derivedGrant(node, accountID, "beta", domain.SourceManual)
	require.NoError(t, repo.UpsertOverride(ctx, db, &grant))

	deleted, err := repo.DeleteOverride(ctx, db, accountID, "beta")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.DeleteOverride(ctx, db, accountID, "beta")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.DeleteOverride(ctx, db, accountID, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidFeatureKey)

	// Derived rows are out of reach for the override path.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return repo.ReplaceDerived(ctx, tx, accountID, []domain.Grant{
			derivedGrant(node, accountID, "core", domain.SourcePlan),
		})
	}))
	deleted, err = repo.DeleteOverride(ctx, db, accountID, "core")
	require.NoError(t, err)
	assert.False(t, deleted)
}
