package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/grantway/internal/audit/domain"
)

func (s *Server) HandleListAuditLogs(c *gin.Context) {
	accountID, err := parseSnowflakeParam(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := auditdomain.ListAuditLogRequest{
		AccountID:  accountID,
		Action:     strings.TrimSpace(c.Query("action")),
		TargetType: strings.TrimSpace(c.Query("target_type")),
		TargetID:   strings.TrimSpace(c.Query("target_id")),
		ActorType:  strings.TrimSpace(c.Query("actor_type")),
	}
	req.PageToken = strings.TrimSpace(c.Query("page_token"))
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			AbortWithError(c, newValidationError("page_size", "invalid_page_size", "must be a positive integer"))
			return
		}
		req.PageSize = size
	}
	if raw := strings.TrimSpace(c.Query("start_at")); raw != "" {
		startAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("start_at", "invalid_start_at", "must be RFC3339"))
			return
		}
		req.StartAt = &startAt
	}
	if raw := strings.TrimSpace(c.Query("end_at")); raw != "" {
		endAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("end_at", "invalid_end_at", "must be RFC3339"))
			return
		}
		req.EndAt = &endAt
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
