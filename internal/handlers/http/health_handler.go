package http

import (
	"context"
	"net/http"
	"time"

	"livegrid/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

// HealthHandler serves liveness, readiness and metrics.
type HealthHandler struct {
	checker    *monitoring.HealthChecker
	instanceID string
	startTime  time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker *monitoring.HealthChecker, instanceID string) *HealthHandler {
	return &HealthHandler{
		checker:    checker,
		instanceID: instanceID,
		startTime:  time.Now(),
	}
}

// SetupRoutes registers /health and /ready, and /metrics when gatherer is
// non-nil.
func (h *HealthHandler) SetupRoutes(router gin.IRouter, gatherer prometheus.Gatherer) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Health is a liveness probe and never touches dependencies.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      monitoring.StatusHealthy,
		"instance_id": h.instanceID,
		"timestamp":   time.Now(),
		"uptime":      time.Since(h.startTime).String(),
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
