package http

import (
	"net/http"

	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/middleware"
	"livegrid/internal/infrastructure/provisioning"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WebhookHandler feeds verified room server callbacks into the orchestrator.
type WebhookHandler struct {
	streamService ports.StreamService
	verifier      *provisioning.WebhookVerifier
	logger        *zap.SugaredLogger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(streamService ports.StreamService, verifier *provisioning.WebhookVerifier, logger *zap.SugaredLogger) *WebhookHandler {
	return &WebhookHandler{
		streamService: streamService,
		verifier:      verifier,
		logger:        logger,
	}
}

func (h *WebhookHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/webhooks/rooms", middleware.WebhookAuthMiddleware(h.verifier), h.HandleRoomEvent)
}

// HandleRoomEvent acknowledges event kinds it does not track with 200 so the
// room server does not redeliver them.
func (h *WebhookHandler) HandleRoomEvent(c *gin.Context) {
	webhook := c.MustGet(middleware.WebhookEventKey).(*provisioning.WebhookEvent)

	event, ok := webhook.RoomEvent()
	if !ok {
		h.logger.Debugw("ignoring webhook", "event", webhook.Event, "id", webhook.ID)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.streamService.HandleRoomEvent(c.Request.Context(), event); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}
