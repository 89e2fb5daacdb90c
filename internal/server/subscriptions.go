package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/grantway/internal/reconciler"
)

func (s *Server) HandleGetSubscription(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func (s *Server) HandleListSubscriptions(c *gin.Context) {
	accountID, err := parseSnowflakeParam(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	subs, err := s.subscriptionSvc.ListByAccount(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// HandleReconcileSubscription forces an immediate reconcile against the
// provider, outside the regular cadence.
func (s *Server) HandleReconcileSubscription(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.reconciler.ReconcileByID(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "reconciled",
		"trigger": reconciler.TriggerManual,
	})
}
