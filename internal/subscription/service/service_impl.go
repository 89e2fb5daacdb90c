package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/subscription/domain"
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
		log:  p.Log.Named("subscription.service"),
		repo: p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) GetByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscription, error) {
	sub, err := s.repo.FindByProviderID(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) ListByAccount(ctx context.Context, accountID snowflake.ID) ([]domain.Subscription, error) {
	return s.repo.ListByAccount(ctx, s.db, accountID)
}
