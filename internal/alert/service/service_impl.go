package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/alert/domain"
	"github.com/smallbiznis/grantway/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("alert.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Raise records an alert. Failures are logged but swallowed so an alert
// write can never fail the pipeline that raised it.
func (s *Service) Raise(ctx context.Context, kind domain.Kind, accountID, subscriptionID *snowflake.ID, message string, details map[string]any) error {
	message = strings.TrimSpace(message)
	if message == "" || kind == "" {
		return domain.ErrInvalidAlert
	}

	alert := domain.Alert{
		ID:             s.genID.Generate(),
		Kind:           kind,
		AccountID:      accountID,
		SubscriptionID: subscriptionID,
		Message:        message,
		Details:        datatypes.JSONMap(details),
		CreatedAt:      s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, &alert); err != nil {
		s.log.Error("failed to raise alert",
			zap.String("kind", string(kind)),
			zap.String("message", message),
			zap.Error(err),
		)
		return err
	}

	s.log.Warn("alert raised",
		zap.String("kind", string(kind)),
		zap.String("message", message),
	)
	return nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]domain.Alert, error) {
	return s.repo.List(ctx, s.db, filter)
}

func (s *Service) Acknowledge(ctx context.Context, id snowflake.ID, by string) error {
	acked, err := s.repo.Acknowledge(ctx, s.db, id, strings.TrimSpace(by), s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !acked {
		existing, err := s.repo.FindByID(ctx, s.db, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrAlertNotFound
		}
		// Already acknowledged; idempotent.
	}
	return nil
}
