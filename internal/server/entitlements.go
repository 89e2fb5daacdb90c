package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditcontext "github.com/smallbiznis/grantway/internal/auditcontext"
	entitlementdomain "github.com/smallbiznis/grantway/internal/entitlement/domain"
)

type entitlementView struct {
	FeatureKey string     `json:"feature_key"`
	Source     string     `json:"source"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

func (s *Server) HandleGetEntitlements(c *gin.Context) {
	accountID, err := parseSnowflakeParam(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	grants, err := s.entitlementSvc.GetActiveEntitlements(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]entitlementView, 0, len(grants))
	for _, g := range grants {
		views = append(views, entitlementView{
			FeatureKey: g.FeatureKey,
			Source:     string(g.Source),
			Active:     g.Active,
			ExpiresAt:  g.ExpiresAt,
			Reason:     g.Reason,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entitlements": views})
}

type setOverrideRequest struct {
	Active    *bool      `json:"active"`
	ExpiresAt *time.Time `json:"expires_at"`
	Reason    string     `json:"reason"`
}

func (s *Server) HandleSetOverride(c *gin.Context) {
	accountID, err := parseSnowflakeParam(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	featureKey := strings.TrimSpace(c.Param("feature_key"))
	if featureKey == "" {
		AbortWithError(c, entitlementdomain.ErrInvalidFeatureKey)
		return
	}

	var req setOverrideRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	// An override without an explicit flag grants the feature.
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	ctx := s.operatorContext(c)
	grant, err := s.entitlementSvc.SetOverride(ctx, accountID, featureKey, active, req.ExpiresAt, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entitlement": entitlementView{
			FeatureKey: grant.FeatureKey,
			Source:     string(grant.Source),
			Active:     grant.Active,
			ExpiresAt:  grant.ExpiresAt,
			Reason:     grant.Reason,
		},
	})
}

func (s *Server) HandleClearOverride(c *gin.Context) {
	accountID, err := parseSnowflakeParam(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	featureKey := strings.TrimSpace(c.Param("feature_key"))
	if featureKey == "" {
		AbortWithError(c, entitlementdomain.ErrInvalidFeatureKey)
		return
	}

	ctx := s.operatorContext(c)
	if err := s.entitlementSvc.ClearOverride(ctx, accountID, featureKey); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// operatorContext enriches the request context with the audit fields of the
// acting operator.
func (s *Server) operatorContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	ctx = auditcontext.WithIPAddress(ctx, c.ClientIP())
	ctx = auditcontext.WithUserAgent(ctx, c.Request.UserAgent())
	if operator := strings.TrimSpace(c.GetHeader("X-Operator-Id")); operator != "" {
		ctx = auditcontext.WithActor(ctx, "operator", operator)
	}
	if requestID := strings.TrimSpace(c.GetHeader("X-Request-Id")); requestID != "" {
		ctx = auditcontext.WithRequestID(ctx, requestID)
	}
	return ctx
}

func parseSnowflakeParam(c *gin.Context, name string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param(name))
	if raw == "" {
		return 0, newValidationError(name, "invalid_"+name, "missing identifier")
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, newValidationError(name, "invalid_"+name, "malformed identifier")
	}
	return id, nil
}
