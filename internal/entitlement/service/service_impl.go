package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/grantway/internal/audit/domain"
	"github.com/smallbiznis/grantway/internal/clock"
	"github.com/smallbiznis/grantway/internal/config"
	"github.com/smallbiznis/grantway/internal/entitlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Audit  auditdomain.Service
	Redis  *redis.Client `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	audit    auditdomain.Service
	redis    *redis.Client
	cacheTTL time.Duration
}

func NewService(p Params) domain.Service {
	ttl := p.Config.EntitlementCacheTTL
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("entitlement.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		audit:    p.Audit,
		redis:    p.Redis,
		cacheTTL: ttl,
	}
}

// GetActiveEntitlements returns the account's effective grants: derived
// grants merged with manual overrides, expired rows dropped. Reads go
// through the cache when available; the database stays authoritative.
func (s *Service) GetActiveEntitlements(ctx context.Context, accountID snowflake.ID) ([]domain.Grant, error) {
	now := s.clock.Now()

	if cached, ok := s.readCache(ctx, accountID); ok {
		return s.filterActive(cached, now), nil
	}

	grants, err := s.repo.FindByAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}

	derived := make([]domain.Grant, 0, len(grants))
	overrides := make([]domain.Grant, 0)
	for _, g := range grants {
		if g.Source == domain.SourceManual {
			overrides = append(overrides, g)
		} else {
			derived = append(derived, g)
		}
	}
	merged := domain.Merge(derived, overrides, now)

	s.writeCache(ctx, accountID, merged)
	return merged, nil
}

// SetOverride pins a feature manually, either granting it or suppressing
// it regardless of what the plan derives. The override survives
// subscription transitions and is removed only by ClearOverride or its
// own expiry.
func (s *Service) SetOverride(ctx context.Context, accountID snowflake.ID, featureKey string, active bool, expiresAt *time.Time, reason string) (*domain.Grant, error) {
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		return nil, domain.ErrInvalidFeatureKey
	}

	now := s.clock.Now().UTC()
	grant := &domain.Grant{
		ID:         s.genID.Generate(),
		AccountID:  accountID,
		FeatureKey: featureKey,
		Source:     domain.SourceManual,
		Active:     active,
		ExpiresAt:  expiresAt,
		Reason:     strings.TrimSpace(reason),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.UpsertOverride(ctx, s.db, grant); err != nil {
		return nil, err
	}

	s.InvalidateCache(ctx, accountID)

	meta := map[string]any{"feature_key": featureKey, "active": active}
	if grant.Reason != "" {
		meta["reason"] = grant.Reason
	}
	if expiresAt != nil {
		meta["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	if err := s.audit.AuditLog(ctx, &accountID, "", nil, "entitlement.override.set", "entitlement_grant", &featureKey, meta); err != nil {
		s.log.Warn("audit write failed for override set", zap.Error(err))
	}

	return grant, nil
}

func (s *Service) ClearOverride(ctx context.Context, accountID snowflake.ID, featureKey string) error {
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		return domain.ErrInvalidFeatureKey
	}

	deleted, err := s.repo.DeleteOverride(ctx, s.db, accountID, featureKey)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrGrantNotFound
	}

	s.InvalidateCache(ctx, accountID)

	if err := s.audit.AuditLog(ctx, &accountID, "", nil, "entitlement.override.cleared", "entitlement_grant", &featureKey, map[string]any{
		"feature_key": featureKey,
	}); err != nil {
		s.log.Warn("audit write failed for override clear", zap.Error(err))
	}
	return nil
}

// InvalidateCache drops the cached grant set for an account. Called by the
// dispatcher after every applied transition so reads converge immediately.
func (s *Service) InvalidateCache(ctx context.Context, accountID snowflake.ID) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, s.cacheKey(accountID)).Err(); err != nil {
		s.log.Warn("cache invalidation failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
}

func (s *Service) readCache(ctx context.Context, accountID snowflake.ID) ([]domain.Grant, bool) {
	if s.redis == nil {
		return nil, false
	}
	raw, err := s.redis.Get(ctx, s.cacheKey(accountID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var grants []domain.Grant
	if err := json.Unmarshal(raw, &grants); err != nil {
		return nil, false
	}
	return grants, true
}

func (s *Service) writeCache(ctx context.Context, accountID snowflake.ID, grants []domain.Grant) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(grants)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, s.cacheKey(accountID), raw, s.cacheTTL).Err(); err != nil {
		s.log.Warn("cache write failed", zap.Error(err))
	}
}

func (s *Service) filterActive(grants []domain.Grant, now time.Time) []domain.Grant {
	out := make([]domain.Grant, 0, len(grants))
	for _, g := range grants {
		if g.Active && g.Effective(now) {
			out = append(out, g)
		}
	}
	return out
}

func (s *Service) cacheKey(accountID snowflake.ID) string {
	return fmt.Sprintf("grantway:entitlements:%s", accountID.String())
}
