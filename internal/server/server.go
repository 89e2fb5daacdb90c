// Package server exposes the HTTP surface: webhook ingress, entitlement
// reads, override management, and operator endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/grantway/internal/alert/domain"
	auditdomain "github.com/smallbiznis/grantway/internal/audit/domain"
	"github.com/smallbiznis/grantway/internal/config"
	entitlementdomain "github.com/smallbiznis/grantway/internal/entitlement/domain"
	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
	"github.com/smallbiznis/grantway/internal/observability"
	obsmiddleware "github.com/smallbiznis/grantway/internal/observability/logger"
	obstracing "github.com/smallbiznis/grantway/internal/observability/tracing"
	providerdomain "github.com/smallbiznis/grantway/internal/provider/domain"
	"github.com/smallbiznis/grantway/internal/reconciler"
	subscriptiondomain "github.com/smallbiznis/grantway/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type ServerParams struct {
	fx.In

	Engine *gin.Engine
	Config config.Config
	Log    *zap.Logger
	GenID  *snowflake.Node

	Processor       eventdomain.Processor
	WebhookAdapter  providerdomain.WebhookAdapter
	SubscriptionSvc subscriptiondomain.Service
	EntitlementSvc  entitlementdomain.Service
	AlertSvc        alertdomain.Service
	AuditSvc        auditdomain.Service
	Reconciler      *reconciler.Reconciler
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	genID  *snowflake.Node

	processor       eventdomain.Processor
	webhookAdapter  providerdomain.WebhookAdapter
	subscriptionSvc subscriptiondomain.Service
	entitlementSvc  entitlementdomain.Service
	alertSvc        alertdomain.Service
	auditSvc        auditdomain.Service
	reconciler      *reconciler.Reconciler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Engine,
		cfg:             p.Config,
		log:             p.Log.Named("server"),
		genID:           p.GenID,
		processor:       p.Processor,
		webhookAdapter:  p.WebhookAdapter,
		subscriptionSvc: p.SubscriptionSvc,
		entitlementSvc:  p.EntitlementSvc,
		alertSvc:        p.AlertSvc,
		auditSvc:        p.AuditSvc,
		reconciler:      p.Reconciler,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	return svc
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleProviderWebhook)
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/accounts/:account_id/entitlements", s.HandleGetEntitlements)
	v1.PUT("/accounts/:account_id/overrides/:feature_key", s.HandleSetOverride)
	v1.DELETE("/accounts/:account_id/overrides/:feature_key", s.HandleClearOverride)
	v1.GET("/accounts/:account_id/subscriptions", s.HandleListSubscriptions)
	v1.GET("/accounts/:account_id/audit-logs", s.HandleListAuditLogs)

	v1.GET("/subscriptions/:id", s.HandleGetSubscription)
	v1.POST("/subscriptions/:id/reconcile", s.HandleReconcileSubscription)

	v1.GET("/alerts", s.HandleListAlerts)
	v1.POST("/alerts/:id/ack", s.HandleAcknowledgeAlert)
}
