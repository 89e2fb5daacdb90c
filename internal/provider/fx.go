package provider

import (
	"github.com/smallbiznis/grantway/internal/clock"
	"github.com/smallbiznis/grantway/internal/config"
	providerdomain "github.com/smallbiznis/grantway/internal/provider/domain"
	"github.com/smallbiznis/grantway/internal/provider/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("provider",
	fx.Provide(NewWebhookAdapter),
	fx.Provide(NewClient),
)

func NewWebhookAdapter(cfg config.Config, clk clock.Clock) (providerdomain.WebhookAdapter, error) {
	return stripe.NewAdapter(cfg.ProviderWebhookSecret, cfg.WebhookTolerance, clk)
}

func NewClient(cfg config.Config, clk clock.Clock, log *zap.Logger) (providerdomain.Client, error) {
	return stripe.NewClient(cfg.ProviderAPIKey, cfg.ProviderAPIBaseURL, cfg.ProviderTimeout, clk, log)
}
