package handler

import (
	"net/http"
	"strings"

	"signal-stack/internal/domain"

	"github.com/gin-gonic/gin"
)

type predictRequest struct {
	Symbol        string               `json:"symbol" binding:"required"`
	Features      domain.FeatureVector `json:"features" binding:"required"`
	MarketContext domain.MarketContext `json:"market_context"`
}

// Predict godoc
// @Summary      Serve one trading decision
// @Description  Runs the named feature vector through the serving ensemble. Always answers; degraded states return a neutral decision with mode "fallback".
// @Tags         predict
// @Accept       json
// @Produce      json
// @Param        request  body      predictRequest  true  "feature vector and market context"
// @Success      200  {object}  domain.TradingDecision
// @Failure      400  {object}  map[string]string
// @Router       /api/predict [post]
func (h *Handler) Predict(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.predict")
	defer span.End()

	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Features) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "features must not be empty"})
		return
	}

	decision := h.ensemble.Predict(ctx, strings.ToUpper(req.Symbol), req.Features, req.MarketContext)
	c.JSON(http.StatusOK, decision)
}

// LatestDecision godoc
// @Summary      Latest served decision for a symbol
// @Tags         predict
// @Produce      json
// @Param        symbol  path  string  true  "trading symbol"
// @Success      200  {object}  domain.TradingDecision
// @Failure      404  {object}  map[string]string
// @Router       /api/decisions/{symbol}/latest [get]
func (h *Handler) LatestDecision(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.latest-decision")
	defer span.End()

	symbol := strings.ToUpper(c.Param("symbol"))
	decision, err := h.ensemble.LatestDecision(ctx, symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if decision == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no decision recorded for " + symbol})
		return
	}
	c.JSON(http.StatusOK, decision)
}
