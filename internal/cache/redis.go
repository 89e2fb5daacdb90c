// Package cache provides the shared Redis client used for read-side
// caching. The cache is an accelerator only; every consumer must work with
// a nil client.
package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/grantway/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Provide(NewRedis)

// NewRedis returns a Redis client, or nil when no address is configured.
// A nil client disables caching without changing any call site behavior.
func NewRedis(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, caching disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// Degrade rather than block startup; callers fall back to
				// the database on every cache error.
				log.Warn("redis ping failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}
