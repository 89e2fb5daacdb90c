package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/grantway/internal/alert/domain"
)

func (s *Server) HandleListAlerts(c *gin.Context) {
	filter := alertdomain.ListFilter{
		Kind: alertdomain.Kind(strings.TrimSpace(c.Query("kind"))),
	}
	if raw := strings.TrimSpace(c.Query("acknowledged")); raw != "" {
		acked, err := strconv.ParseBool(raw)
		if err != nil {
			AbortWithError(c, newValidationError("acknowledged", "invalid_acknowledged", "must be a boolean"))
			return
		}
		filter.Acknowledged = &acked
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	alerts, err := s.alertSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) HandleAcknowledgeAlert(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	by := strings.TrimSpace(c.GetHeader("X-Operator-Id"))
	if err := s.alertSvc.Acknowledge(c.Request.Context(), id, by); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}
