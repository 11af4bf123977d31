package ensemble

import (
	"math"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/meta"
	"signal-stack/internal/ml/models"
	"signal-stack/internal/ml/regime"

	"signal-stack/internal/ml/models/logreg"
)

// EstimatorStats holds the cross-validated quality measures of one base
// estimator, collected at fit time and frozen into the bundle.
type EstimatorStats struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	F1        float64 `json:"f1"`
	Variance  float64 `json:"variance"`
}

// Ensemble is one fully fitted, immutable model generation. All fields are
// fixed at construction; Decide is safe for concurrent callers.
type Ensemble struct {
	cfg           Config
	version       int
	featureNames  []string
	fitted        []models.Fitted
	metaModel     *logreg.Model
	stats         []EstimatorStats
	staticWeights []float64
	nativeCount   int
	fallbackCount int
}

// New assembles a fitted ensemble. Voting weights are derived here from the
// cross-validated stats so every Decide call works with normalized constants.
func New(cfg Config, featureNames []string, fitted []models.Fitted, metaModel *logreg.Model, stats []EstimatorStats) *Ensemble {
	cfg = cfg.Normalized()
	e := &Ensemble{
		cfg:          cfg,
		featureNames: append([]string(nil), featureNames...),
		fitted:       fitted,
		metaModel:    metaModel,
		stats:        stats,
	}
	for _, f := range fitted {
		if f.Native {
			e.nativeCount++
		} else {
			e.fallbackCount++
		}
	}
	e.staticWeights = e.computeStaticWeights()
	return e
}

func (e *Ensemble) Config() Config          { return e.cfg }
func (e *Ensemble) FeatureNames() []string  { return append([]string(nil), e.featureNames...) }
func (e *Ensemble) Version() int            { return e.version }
func (e *Ensemble) SetVersion(v int)        { e.version = v }
func (e *Ensemble) NativeCount() int        { return e.nativeCount }
func (e *Ensemble) FallbackCount() int      { return e.fallbackCount }
func (e *Ensemble) Stats() []EstimatorStats { return append([]EstimatorStats(nil), e.stats...) }

func (e *Ensemble) computeStaticWeights() []float64 {
	const eps = 1e-6
	weights := make([]float64, len(e.fitted))
	if len(e.stats) != len(e.fitted) {
		for i := range weights {
			weights[i] = 1
		}
		return normalize(weights, eps)
	}
	switch e.cfg.Method {
	case domain.MethodRiskWeighted:
		for i, s := range e.stats {
			weights[i] = s.Accuracy * (1 - clamp01(s.Variance))
		}
	case domain.MethodPerformanceVoting:
		for i, s := range e.stats {
			weights[i] = s.Accuracy*e.cfg.WinWeight +
				s.F1*e.cfg.SharpeWeight -
				(1-s.Precision)*math.Abs(e.cfg.DrawdownWeight)
		}
	default:
		for i := range weights {
			weights[i] = 1
		}
	}
	return normalize(weights, eps)
}

// Decide runs one aligned sample through the full combination, thresholding,
// confidence and sizing pipeline. failures reports how many base estimators
// could not contribute; the caller treats failures == len(fitted) as
// catastrophic.
func (e *Ensemble) Decide(values []float64, mc domain.MarketContext, regimes *regime.Classifier) (domain.TradingDecision, int) {
	metaRow, probs, failures := meta.TransformRow(e.fitted, values)

	probUp := e.combine(metaRow, probs)
	marketRegime := regimes.Classify(mc)
	threshold := e.dynamicThreshold(mc.Volatility)

	class := 0
	if probUp > threshold {
		class = 1
	}

	confidence := e.tradingConfidence(probUp, probs, marketRegime)
	position := confidence * e.cfg.MaxPositionFraction * regimes.SizeMultiplier(marketRegime, mc.Volatility)
	if position < 0 {
		position = 0
	}
	if position > e.cfg.PositionCap {
		position = e.cfg.PositionCap
	}

	return domain.TradingDecision{
		PredictedClass:   class,
		ProbUp:           probUp,
		ProbVector:       []float64{1 - probUp, probUp},
		Confidence:       confidence,
		DynamicThreshold: threshold,
		Regime:           marketRegime,
		PositionSize:     position,
		Mode:             domain.ModeNormal,
		ModelVersion:     e.version,
		CreatedAt:        time.Now().UTC(),
	}, failures
}

// combine merges per-estimator outputs into the final class-1 probability
// according to the configured method.
func (e *Ensemble) combine(metaRow, probs []float64) float64 {
	switch e.cfg.Method {
	case domain.MethodStacking:
		if e.metaModel != nil {
			return clamp01(e.metaModel.PredictProb(metaRow))
		}
		return clamp01(mean(probs))
	case domain.MethodRiskWeighted:
		// Static weight discounted per sample by the extremeness of that
		// estimator's own prediction, so an outlier cannot dominate the vote.
		discounted := make([]float64, len(probs))
		for i, p := range probs {
			discounted[i] = e.staticWeights[i] * (1 - math.Abs(p-0.5))
		}
		discounted = normalize(discounted, 1e-6)
		return clamp01(weightedSum(discounted, probs))
	case domain.MethodPerformanceVoting:
		return clamp01(weightedSum(e.staticWeights, probs))
	default:
		return clamp01(mean(probs))
	}
}

// dynamicThreshold shifts the configured base decision boundary with the
// volatility proxy and clamps the result to the allowed band.
func (e *Ensemble) dynamicThreshold(volatility float64) float64 {
	threshold := e.cfg.BaseThreshold
	switch {
	case volatility >= e.cfg.HighVolCutoff:
		threshold += e.cfg.HighVolAdjustment
	case volatility >= e.cfg.ModerateVolCutoff:
		threshold += e.cfg.ModerateAdjustment
	case volatility < e.cfg.LowVolCutoff:
		threshold += e.cfg.LowVolAdjustment
	}
	if threshold < e.cfg.ThresholdFloor {
		threshold = e.cfg.ThresholdFloor
	}
	if threshold > e.cfg.ThresholdCeiling {
		threshold = e.cfg.ThresholdCeiling
	}
	return threshold
}

// tradingConfidence is the composite score distinct from the raw probability:
// entropy certainty, distance from the decision midpoint, cross-estimator
// agreement, and market-context trust.
func (e *Ensemble) tradingConfidence(probUp float64, probs []float64, marketRegime domain.MarketRegime) float64 {
	_, entropyConf, _ := meta.Signals(probUp)
	distance := 2 * math.Abs(probUp-0.5)
	agreement := modelAgreement(probs)
	contextConf := regime.ContextConfidence(marketRegime)
	return clamp01(0.3*entropyConf + 0.3*distance + 0.2*agreement + 0.2*contextConf)
}

// modelAgreement maps the spread of per-estimator probabilities into [0,1]:
// zero spread is full agreement, a 0.5 standard deviation or worse is none.
func modelAgreement(probs []float64) float64 {
	if len(probs) < 2 {
		return 1
	}
	m := mean(probs)
	variance := 0.0
	for _, p := range probs {
		d := p - m
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(probs)))
	return clamp01(1 - std/0.5)
}

func normalize(weights []float64, eps float64) []float64 {
	total := 0.0
	for i, w := range weights {
		if w < eps || math.IsNaN(w) {
			weights[i] = eps
		}
		total += weights[i]
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

func weightedSum(weights, values []float64) float64 {
	s := 0.0
	for i := range values {
		s += weights[i] * values[i]
	}
	return s
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0.5
	}
	s := 0.0
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
