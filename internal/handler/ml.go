package handler

import (
	"errors"
	"net/http"

	"signal-stack/internal/ml/training"
	"signal-stack/internal/service"

	"github.com/gin-gonic/gin"
)

// TriggerTraining godoc
// @Summary      Run a training cycle now
// @Description  Fits a new ensemble generation on the labeled sample window. A validation failure is reported in the body, not as an HTTP error.
// @Tags         ml
// @Produce      json
// @Success      200  {object}  training.TrainOutcome
// @Failure      409  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Security     ApiKeyAuth
// @Router       /api/ml/train [post]
func (h *Handler) TriggerTraining(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.trigger-training")
	defer span.End()

	outcome, err := h.ensemble.TrainNow(ctx)
	if err != nil {
		if errors.Is(err, service.ErrTrainingInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// GetModel godoc
// @Summary      Inspect the model registry
// @Description  Returns the active ensemble generation and recent versions, without artifact blobs.
// @Tags         ml
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]string
// @Router       /api/ml/model [get]
func (h *Handler) GetModel(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-model")
	defer span.End()

	active, err := h.catalog.GetActiveModel(ctx, training.ModelKeyEnsemble)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	versions, err := h.catalog.ListVersions(ctx, training.ModelKeyEnsemble, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	summaries := make([]modelSummary, 0, len(versions))
	for _, v := range versions {
		summaries = append(summaries, summarize(v))
	}
	resp := gin.H{"versions": summaries}
	if active != nil {
		resp["active"] = summarize(*active)
	}
	c.JSON(http.StatusOK, resp)
}
