package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
)

const maxWebhookBody = 1 << 20

// HandleProviderWebhook verifies, normalizes, and durably queues one
// delivery. 2xx acknowledges receipt, not processing: the apply happens on
// the dispatcher's workers. 5xx tells the provider to redeliver.
func (s *Server) HandleProviderWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	if provider != s.webhookAdapter.Provider() {
		AbortWithError(c, ErrNotFound)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	if err := s.webhookAdapter.Verify(ctx, payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	env, err := s.webhookAdapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, eventdomain.ErrEventIgnored) {
			// Event types outside the lifecycle set are acknowledged and
			// dropped so the provider stops redelivering them.
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	if err := s.processor.Ingest(ctx, env); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
