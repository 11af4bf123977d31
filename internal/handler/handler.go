package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/training"
	"signal-stack/internal/service"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// Decider is the serving surface the HTTP layer needs from the ensemble
// service.
type Decider interface {
	Predict(ctx context.Context, symbol string, features domain.FeatureVector, mc domain.MarketContext) domain.TradingDecision
	TrainNow(ctx context.Context) (training.TrainOutcome, error)
	LatestDecision(ctx context.Context, symbol string) (*domain.TradingDecision, error)
	Status(ctx context.Context) service.Status
}

// ModelCatalog exposes registry metadata for the inspection endpoint.
type ModelCatalog interface {
	GetActiveModel(ctx context.Context, modelKey string) (*domain.MLModelVersion, error)
	ListVersions(ctx context.Context, modelKey string, limit int) ([]domain.MLModelVersion, error)
}

// SampleSink receives labeled feature rows from the upstream feature producer.
type SampleSink interface {
	UpsertSamples(ctx context.Context, rows []domain.TrainingSample) error
}

type Handler struct {
	tracer   trace.Tracer
	ensemble Decider
	catalog  ModelCatalog
	samples  SampleSink
	apiKey   string
}

func New(tracer trace.Tracer, ensembleService Decider, catalog ModelCatalog, samples SampleSink, apiKey string) *Handler {
	return &Handler{
		tracer:   tracer,
		ensemble: ensembleService,
		catalog:  catalog,
		samples:  samples,
		apiKey:   apiKey,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.POST("/api/predict", h.Predict)
	r.GET("/api/decisions/:symbol/latest", h.LatestDecision)
	r.GET("/api/ml/model", h.GetModel)
	r.POST("/api/ml/train", h.requireAPIKey(), h.TriggerTraining)
	r.POST("/api/samples", h.requireAPIKey(), h.IngestSamples)
}

// requireAPIKey gates mutating endpoints behind an X-API-Key header. An empty
// configured key disables the check.
func (h *Handler) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.apiKey == "" {
			c.Next()
			return
		}
		provided := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-API-Key header"})
			return
		}
		if provided != h.apiKey {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid API key"})
			return
		}
		c.Next()
	}
}

type modelSummary struct {
	Version            int        `json:"version"`
	FeatureSpecVersion string     `json:"feature_spec_version"`
	TrainedFrom        time.Time  `json:"trained_from"`
	TrainedTo          time.Time  `json:"trained_to"`
	TrainedAt          time.Time  `json:"trained_at"`
	Metrics            string     `json:"metrics"`
	IsActive           bool       `json:"is_active"`
	ActivatedAt        *time.Time `json:"activated_at,omitempty"`
}

func summarize(m domain.MLModelVersion) modelSummary {
	return modelSummary{
		Version:            m.Version,
		FeatureSpecVersion: m.FeatureSpecVersion,
		TrainedFrom:        m.TrainedFrom,
		TrainedTo:          m.TrainedTo,
		TrainedAt:          m.TrainedAt,
		Metrics:            m.MetricsJSON,
		IsActive:           m.IsActive,
		ActivatedAt:        m.ActivatedAt,
	}
}
