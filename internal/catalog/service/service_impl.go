package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/catalog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("catalog.service"),
		repo: p.Repo,
	}
}

// Lookup returns the feature keys granted by a specific plan version.
func (s *Service) Lookup(ctx context.Context, planID snowflake.ID, version int) ([]string, error) {
	row, err := s.repo.FindVersion(ctx, s.db, planID, version)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrPlanVersionNotFound
	}
	return row.FeatureKeys()
}

// LookupCurrent returns the newest version number and its feature keys.
func (s *Service) LookupCurrent(ctx context.Context, planID snowflake.ID) (int, []string, error) {
	row, err := s.repo.FindCurrentVersion(ctx, s.db, planID)
	if err != nil {
		return 0, nil, err
	}
	if row == nil {
		return 0, nil, domain.ErrPlanVersionNotFound
	}
	keys, err := row.FeatureKeys()
	if err != nil {
		return 0, nil, err
	}
	return row.Version, keys, nil
}

func (s *Service) PlanByCode(ctx context.Context, code string) (*domain.Plan, error) {
	plan, err := s.repo.FindPlanByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) PlanByID(ctx context.Context, id snowflake.ID) (*domain.Plan, error) {
	plan, err := s.repo.FindPlanByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrPlanNotFound
	}
	return plan, nil
}
