package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (id, code, name, active, trial_days, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.Code,
		plan.Name,
		plan.Active,
		plan.TrialDays,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) InsertVersion(ctx context.Context, db *gorm.DB, version *domain.PlanVersion) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plan_versions (id, plan_id, version, features, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		version.ID,
		version.PlanID,
		version.Version,
		version.Features,
		version.CreatedAt,
	).Error
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, active, trial_days, created_at, updated_at
		 FROM plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, active, trial_days, created_at, updated_at
		 FROM plans WHERE code = ?`,
		strings.TrimSpace(code),
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindVersion(ctx context.Context, db *gorm.DB, planID snowflake.ID, version int) (*domain.PlanVersion, error) {
	var row domain.PlanVersion
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, version, features, created_at
		 FROM plan_versions
		 WHERE plan_id = ? AND version = ?`,
		planID,
		version,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) FindCurrentVersion(ctx context.Context, db *gorm.DB, planID snowflake.ID) (*domain.PlanVersion, error) {
	var row domain.PlanVersion
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, version, features, created_at
		 FROM plan_versions
		 WHERE plan_id = ?
		 ORDER BY version DESC
		 LIMIT 1`,
		planID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB) ([]domain.Plan, error) {
	var plans []domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, active, trial_days, created_at, updated_at
		 FROM plans
		 ORDER BY code`,
	).Scan(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}
