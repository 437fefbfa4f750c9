package middleware

import (
	"errors"
	"io"
	"net/http"

	"livegrid/internal/infrastructure/provisioning"
	apperrors "livegrid/pkg/errors"

	"github.com/gin-gonic/gin"
)

// WebhookEventKey is the gin context key holding the verified *provisioning.WebhookEvent.
const WebhookEventKey = "webhook_event"

const maxWebhookBody = 1 << 20

// WebhookAuthMiddleware verifies the signed Authorization header of a room
// server callback against the raw body before the handler runs.
func WebhookAuthMiddleware(verifier *provisioning.WebhookVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			abortUnauthorized(c, "unreadable body")
			return
		}
		if len(body) > maxWebhookBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   string(apperrors.ErrCodeInvalidInput),
				"message": "webhook body too large",
			})
			return
		}

		event, err := verifier.Verify(body, c.GetHeader("Authorization"))
		switch {
		case errors.Is(err, provisioning.ErrMissingSignature):
			abortUnauthorized(c, "authorization header required")
			return
		case errors.Is(err, provisioning.ErrInvalidToken), errors.Is(err, provisioning.ErrBodyMismatch):
			abortUnauthorized(c, "invalid webhook signature")
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   string(apperrors.ErrCodeInvalidInput),
				"message": "malformed webhook payload",
			})
			return
		}

		c.Set(WebhookEventKey, event)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   string(apperrors.ErrCodeUnauthorized),
		"message": msg,
	})
}
