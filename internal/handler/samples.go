package handler

import (
	"net/http"
	"strings"
	"time"

	"signal-stack/internal/domain"

	"github.com/gin-gonic/gin"
)

type sampleRow struct {
	Symbol   string               `json:"symbol" binding:"required"`
	Interval string               `json:"interval" binding:"required"`
	OpenTime time.Time            `json:"open_time" binding:"required"`
	Features domain.FeatureVector `json:"features" binding:"required"`
	Label    *bool                `json:"label"`
}

type ingestRequest struct {
	Samples []sampleRow `json:"samples" binding:"required"`
}

// IngestSamples godoc
// @Summary      Ingest labeled feature rows
// @Description  Upserts training samples from the upstream feature producer. Rows arrive unlabeled and are re-sent once their outcome window closes; a later upsert fills the label without clearing an existing one.
// @Tags         samples
// @Accept       json
// @Produce      json
// @Param        request  body      ingestRequest  true  "sample batch"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Security     ApiKeyAuth
// @Router       /api/samples [post]
func (h *Handler) IngestSamples(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.ingest-samples")
	defer span.End()

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Samples) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "samples must not be empty"})
		return
	}

	rows := make([]domain.TrainingSample, 0, len(req.Samples))
	for _, s := range req.Samples {
		if len(s.Features) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sample for " + s.Symbol + " has no features"})
			return
		}
		rows = append(rows, domain.TrainingSample{
			Symbol:   strings.ToUpper(s.Symbol),
			Interval: s.Interval,
			OpenTime: s.OpenTime.UTC(),
			Features: s.Features,
			Label:    s.Label,
		})
	}
	if err := h.samples.UpsertSamples(ctx, rows); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ingested": len(rows)})
}
