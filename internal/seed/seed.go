// Package seed bootstraps the default plan catalog for local and
// self-hosted deployments.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/grantway/internal/catalog/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type defaultPlan struct {
	Code      string
	Name      string
	TrialDays int
	Features  []string
}

var defaultCatalog = []defaultPlan{
	{
		Code:     "free",
		Name:     "Free",
		Features: []string{"core"},
	},
	{
		Code:      "pro",
		Name:      "Pro",
		TrialDays: 14,
		Features:  []string{"core", "api_access", "priority_support"},
	},
}

// EnsureDefaultCatalog inserts the built-in plans when the catalog is
// empty. Existing plans are never modified; catalog changes after first
// boot are new plan versions, not edits.
func EnsureDefaultCatalog(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, plan := range defaultCatalog {
			if err := ensurePlanTx(ctx, tx, node, plan); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensurePlanTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, plan defaultPlan) error {
	var existing catalogdomain.Plan
	err := tx.WithContext(ctx).
		Where("code = ?", plan.Code).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	record := catalogdomain.Plan{
		ID:        node.Generate(),
		Code:      plan.Code,
		Name:      plan.Name,
		Active:    true,
		TrialDays: plan.TrialDays,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		return err
	}

	features, err := json.Marshal(plan.Features)
	if err != nil {
		return err
	}
	version := catalogdomain.PlanVersion{
		ID:        node.Generate(),
		PlanID:    record.ID,
		Version:   1,
		Features:  datatypes.JSON(features),
		CreatedAt: now,
	}
	return tx.WithContext(ctx).Create(&version).Error
}
