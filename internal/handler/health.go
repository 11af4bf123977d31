package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health godoc
// @Summary      Health check
// @Description  Reports service liveness plus the ensemble state and the recent fallback share
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.health")
	defer span.End()

	status := h.ensemble.Status(ctx)
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"ensemble":      status.State,
		"model_version": status.ModelVersion,
		"fallback_rate": status.FallbackRate,
	})
}
