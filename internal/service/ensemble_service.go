package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/ensemble"
	"signal-stack/internal/ml/featureorder"
	"signal-stack/internal/ml/training"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

const decisionCacheTTL = 90 * time.Second

type ModelStore interface {
	GetActiveModel(ctx context.Context, modelKey string) (*domain.MLModelVersion, error)
}

type OrderManager interface {
	LoadOrder(ctx context.Context) ([]string, error)
}

type DecisionLog interface {
	InsertDecision(ctx context.Context, record domain.DecisionRecord) (*domain.DecisionRecord, error)
	ListRecent(ctx context.Context, symbol string, limit int) ([]domain.DecisionRecord, error)
	FallbackRate(ctx context.Context, window int) (float64, error)
}

type Trainer interface {
	Train(ctx context.Context, now time.Time) (training.TrainOutcome, error)
}

type DecisionCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// ErrTrainingInProgress is returned when a train request overlaps a running one.
var ErrTrainingInProgress = errors.New("training already in progress")

// EnsembleService owns the serving slot. Predictions go through the fallback
// controller and therefore never fail; training runs swap in a new generation
// atomically once it has been persisted and promoted.
type EnsembleService struct {
	tracer     trace.Tracer
	controller *ensemble.Controller
	models     ModelStore
	orders     OrderManager
	decisions  DecisionLog
	trainer    Trainer
	redis      DecisionCache

	training atomic.Bool
}

func NewEnsembleService(
	tracer trace.Tracer,
	controller *ensemble.Controller,
	models ModelStore,
	orders OrderManager,
	decisions DecisionLog,
	trainer Trainer,
	redisClient DecisionCache,
) *EnsembleService {
	if controller == nil {
		controller = ensemble.NewController(nil)
	}
	return &EnsembleService{
		tracer:     tracer,
		controller: controller,
		models:     models,
		orders:     orders,
		decisions:  decisions,
		trainer:    trainer,
		redis:      redisClient,
	}
}

// LoadActive restores the promoted bundle from the registry at startup. The
// bundle's feature names are cross-checked against the stored order; any
// mismatch keeps the service unfit rather than serving misaligned vectors.
func (s *EnsembleService) LoadActive(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "ensemble-service.load-active")
	defer span.End()

	model, err := s.models.GetActiveModel(ctx, training.ModelKeyEnsemble)
	if err != nil {
		return err
	}
	if model == nil {
		log.Println("ensemble-service: no active model, serving in unfit mode until first training run")
		s.controller.MarkUnfit()
		return nil
	}

	e, err := ensemble.UnmarshalBundle(model.ArtifactBlob)
	if err != nil {
		s.controller.MarkUnfit()
		return fmt.Errorf("restore bundle version %d: %w", model.Version, err)
	}
	e.SetVersion(model.Version)

	stored, err := s.orders.LoadOrder(ctx)
	if err != nil {
		s.controller.MarkUnfit()
		return err
	}
	if len(stored) > 0 {
		if ok, mismatch := featureorder.Validate(e.FeatureNames(), stored); !ok {
			s.controller.MarkUnfit()
			return fmt.Errorf("bundle version %d disagrees with stored feature order: %v", model.Version, mismatch)
		}
	}

	s.controller.Publish(e)
	log.Printf("ensemble-service: serving version %d (%d native, %d fallback estimators)",
		model.Version, e.NativeCount(), e.FallbackCount())
	return nil
}

// Predict serves one decision. It never returns an error: alignment problems
// zero-fill, estimator problems degrade, an unfit service answers with the
// pinned neutral decision.
func (s *EnsembleService) Predict(ctx context.Context, symbol string, features domain.FeatureVector, mc domain.MarketContext) domain.TradingDecision {
	ctx, span := s.tracer.Start(ctx, "ensemble-service.predict")
	defer span.End()

	order, err := s.orders.LoadOrder(ctx)
	if err != nil {
		log.Printf("ensemble-service: feature order unavailable: %v", err)
		order = nil
	}
	values, missing, extra := featureorder.Vectorize(features, order)

	decision := s.controller.Predict(values, mc)
	decision.Symbol = symbol

	// Window feed happens after the decision and never refits the anomaly
	// forest, so repeated predicts on the same input stay identical.
	s.controller.ObserveContext(mc)

	s.record(ctx, decision, missing, extra)
	s.cacheDecision(ctx, decision)
	return decision
}

// TrainNow runs one synchronous training cycle. A promoted generation is
// published into the serving slot before returning.
func (s *EnsembleService) TrainNow(ctx context.Context) (training.TrainOutcome, error) {
	if !s.training.CompareAndSwap(false, true) {
		return training.TrainOutcome{}, ErrTrainingInProgress
	}
	defer s.training.Store(false)

	ctx, span := s.tracer.Start(ctx, "ensemble-service.train")
	defer span.End()

	outcome, err := s.trainer.Train(ctx, time.Now().UTC())
	if err != nil {
		return outcome, err
	}
	if s.controller.RefitRegimes() {
		log.Println("ensemble-service: regime anomaly forest refit")
	}
	switch {
	case outcome.State != domain.StateFullyFitted:
		log.Printf("ensemble-service: training stayed unfit: %v", outcome.Reasons)
		s.controller.MarkUnfit()
	case outcome.Promoted && outcome.Ensemble != nil:
		s.controller.Publish(outcome.Ensemble)
		log.Printf("ensemble-service: published version %d", outcome.Version)
	default:
		log.Printf("ensemble-service: version %d fitted but not promoted, keeping current generation", outcome.Version)
	}
	if outcome.PromoteError != nil {
		log.Printf("ensemble-service: promotion error for version %d: %v", outcome.Version, outcome.PromoteError)
	}
	return outcome, nil
}

// LatestDecision answers from the Redis cache first and falls back to the
// audit log.
func (s *EnsembleService) LatestDecision(ctx context.Context, symbol string) (*domain.TradingDecision, error) {
	ctx, span := s.tracer.Start(ctx, "ensemble-service.latest-decision")
	defer span.End()

	if s.redis != nil {
		raw, err := s.redis.Get(ctx, decisionCacheKey(symbol)).Result()
		if err == nil && raw != "" {
			var decision domain.TradingDecision
			if err := json.Unmarshal([]byte(raw), &decision); err == nil {
				return &decision, nil
			}
		} else if err != nil && !errors.Is(err, redis.Nil) {
			log.Printf("ensemble-service: decision cache read error: %v", err)
		}
	}

	records, err := s.decisions.ListRecent(ctx, symbol, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	r := records[0]
	return &domain.TradingDecision{
		Symbol:           r.Symbol,
		PredictedClass:   r.PredictedClass,
		ProbUp:           r.ProbUp,
		ProbVector:       []float64{1 - r.ProbUp, r.ProbUp},
		Confidence:       r.Confidence,
		DynamicThreshold: r.DynamicThreshold,
		Regime:           r.Regime,
		PositionSize:     r.PositionSize,
		Mode:             r.Mode,
		ModelVersion:     r.ModelVersion,
		CreatedAt:        r.CreatedAt,
	}, nil
}

// Status reports the controller state, serving version and the recent
// fallback share for the health endpoint.
type Status struct {
	State        domain.EnsembleState `json:"state"`
	ModelVersion int                  `json:"model_version"`
	FallbackRate float64              `json:"fallback_rate"`
}

func (s *EnsembleService) Status(ctx context.Context) Status {
	_, span := s.tracer.Start(ctx, "ensemble-service.status")
	defer span.End()

	status := Status{State: s.controller.State()}
	if current := s.controller.Current(); current != nil {
		status.ModelVersion = current.Version()
	}
	if s.decisions != nil {
		rate, err := s.decisions.FallbackRate(ctx, 100)
		if err != nil {
			log.Printf("ensemble-service: fallback rate unavailable: %v", err)
		} else {
			status.FallbackRate = rate
		}
	}
	return status
}

func (s *EnsembleService) record(ctx context.Context, decision domain.TradingDecision, missing, extra []string) {
	if s.decisions == nil {
		return
	}
	details, _ := json.Marshal(map[string]any{
		"missing_features": missing,
		"extra_features":   extra,
	})
	_, err := s.decisions.InsertDecision(ctx, domain.DecisionRecord{
		Symbol:           decision.Symbol,
		PredictedClass:   decision.PredictedClass,
		ProbUp:           decision.ProbUp,
		Confidence:       decision.Confidence,
		DynamicThreshold: decision.DynamicThreshold,
		Regime:           decision.Regime,
		PositionSize:     decision.PositionSize,
		Mode:             decision.Mode,
		ModelVersion:     decision.ModelVersion,
		DetailsJSON:      string(details),
	})
	if err != nil {
		log.Printf("ensemble-service: decision log write failed: %v", err)
	}
}

func (s *EnsembleService) cacheDecision(ctx context.Context, decision domain.TradingDecision) {
	if s.redis == nil {
		return
	}
	blob, err := json.Marshal(decision)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, decisionCacheKey(decision.Symbol), blob, decisionCacheTTL).Err(); err != nil {
		log.Printf("ensemble-service: decision cache write failed: %v", err)
	}
}

func decisionCacheKey(symbol string) string {
	return "decision:latest:" + symbol
}
