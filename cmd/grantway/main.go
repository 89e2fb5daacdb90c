package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/alert"
	"github.com/smallbiznis/grantway/internal/audit"
	"github.com/smallbiznis/grantway/internal/cache"
	"github.com/smallbiznis/grantway/internal/catalog"
	"github.com/smallbiznis/grantway/internal/clock"
	"github.com/smallbiznis/grantway/internal/config"
	"github.com/smallbiznis/grantway/internal/dispatcher"
	"github.com/smallbiznis/grantway/internal/entitlement"
	"github.com/smallbiznis/grantway/internal/event"
	"github.com/smallbiznis/grantway/internal/migration"
	"github.com/smallbiznis/grantway/internal/observability"
	"github.com/smallbiznis/grantway/internal/provider"
	"github.com/smallbiznis/grantway/internal/reconciler"
	"github.com/smallbiznis/grantway/internal/retry"
	"github.com/smallbiznis/grantway/internal/server"
	"github.com/smallbiznis/grantway/internal/subscription"
	"github.com/smallbiznis/grantway/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		migration.Module,

		audit.Module,
		alert.Module,
		catalog.Module,
		subscription.Module,
		event.Module,
		entitlement.Module,
		provider.Module,
		retry.Module,
		dispatcher.Module,
		reconciler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
