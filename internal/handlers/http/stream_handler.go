package http

import (
	"net/http"
	"strconv"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/middleware"
	"livegrid/pkg/errors"
	"livegrid/pkg/validation"

	"github.com/gin-gonic/gin"
)

const maxHistoryLimit = 1000

// EventHistory serves the recent event window kept by the event bus.
type EventHistory interface {
	History(limit int) []domain.StreamEvent
	StreamHistory(id domain.StreamID, limit int) []domain.StreamEvent
}

// StreamHandler serves the stream REST API.
type StreamHandler struct {
	streamService ports.StreamService
	events        EventHistory
}

var _ ports.HTTPHandler = (*StreamHandler)(nil)

// NewStreamHandler creates a new stream handler
func NewStreamHandler(streamService ports.StreamService, events EventHistory) *StreamHandler {
	return &StreamHandler{
		streamService: streamService,
		events:        events,
	}
}

// SetupRoutes registers stream routes under api.
func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/streams", h.CreateStream)
	api.GET("/streams", h.ListStreams)
	api.GET("/streams/:id", h.GetStream)
	api.POST("/streams/:id/stop", h.StopStream)
	api.DELETE("/streams/:id", h.DeleteStream)
	api.PATCH("/streams/:id/metadata", h.UpdateMetadata)
	api.PUT("/streams/:id/status", h.UpdateStatus)
	api.POST("/streams/:id/participants", h.JoinStream)
	api.DELETE("/streams/:id/participants/:identity", h.LeaveStream)
	api.POST("/streams/:id/token", h.IssueToken)
	api.GET("/events", h.ListEvents)
}

// Request bodies
type CreateStreamRequest struct {
	RoomName string         `json:"room_name"`
	Metadata map[string]any `json:"metadata"`
}

type UpdateMetadataRequest struct {
	Metadata map[string]any `json:"metadata" binding:"required"`
}

type UpdateStatusRequest struct {
	Status          domain.StreamStatus `json:"status" binding:"required"`
	ExpectedVersion *int64              `json:"expected_version"`
}

type JoinStreamRequest struct {
	Identity string         `json:"identity" binding:"required,max=128"`
	Name     string         `json:"name" binding:"max=256"`
	Metadata map[string]any `json:"metadata"`
}

type IssueTokenRequest struct {
	Identity string         `json:"identity" binding:"required,max=128"`
	Metadata map[string]any `json:"metadata"`
}

// CreateStream accepts an empty body; the room name is then generated. The
// Idempotency-Key header doubles as the domain-level create token so that a
// retried create resolves to the same stream even after the HTTP replay
// entry has expired.
func (h *StreamHandler) CreateStream(c *gin.Context) {
	var req CreateStreamRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	stream, err := h.streamService.CreateStream(c.Request.Context(), ports.CreateStreamRequest{
		RoomName:       req.RoomName,
		Metadata:       req.Metadata,
		IdempotencyKey: c.GetHeader(middleware.IdempotencyKeyHeader),
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.Header("Location", "/api/v1/streams/"+string(stream.ID))
	c.JSON(http.StatusCreated, gin.H{"stream": stream})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}

	stream, err := h.streamService.GetStream(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams, err := h.streamService.ListStreams(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	if status := domain.StreamStatus(c.Query("status")); status != "" {
		filtered := streams[:0]
		for _, s := range streams {
			if s.Status == status {
				filtered = append(filtered, s)
			}
		}
		streams = filtered
	}
	if streams == nil {
		streams = []*domain.Stream{}
	}

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}

	stream, err := h.streamService.StopStream(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) DeleteStream(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}

	deleted, err := h.streamService.DeleteStream(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	if !deleted {
		c.Error(domain.ErrStreamNotFound)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) UpdateMetadata(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}

	var req UpdateMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("metadata object required"))
		return
	}

	stream, err := h.streamService.UpdateMetadata(c.Request.Context(), id, req.Metadata)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) UpdateStatus(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("status required"))
		return
	}

	stream, err := h.streamService.UpdateStatus(c.Request.Context(), id, req.Status, req.ExpectedVersion)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) JoinStream(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}

	var req JoinStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("identity required"))
		return
	}

	stream, err := h.streamService.JoinStream(c.Request.Context(), id, ports.RoomMember{
		Identity: req.Identity,
		Name:     req.Name,
		Metadata: req.Metadata,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) LeaveStream(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}

	stream, err := h.streamService.LeaveStream(c.Request.Context(), id, c.Param("identity"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) IssueToken(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}

	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("identity required"))
		return
	}

	token, err := h.streamService.IssueAccessToken(c.Request.Context(), id, req.Identity, req.Metadata)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"stream_id": id,
		"identity":  req.Identity,
	})
}

// ListEvents returns the instance's recent event window, optionally for a
// single stream.
func (h *StreamHandler) ListEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxHistoryLimit {
			c.Error(errors.NewInvalidInputError("limit must be between 0 and 1000"))
			return
		}
		limit = n
	}

	var events []domain.StreamEvent
	if raw := c.Query("stream_id"); raw != "" {
		if err := validation.ValidateStreamID(raw); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		events = h.events.StreamHistory(domain.StreamID(raw), limit)
	} else {
		events = h.events.History(limit)
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func streamID(c *gin.Context) (domain.StreamID, bool) {
	raw := c.Param("id")
	if err := validation.ValidateStreamID(raw); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.StreamID(raw), true
}
