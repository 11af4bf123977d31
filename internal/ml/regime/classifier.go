package regime

import (
	"sync"

	"signal-stack/internal/domain"

	"github.com/narumiruna/go-iforest/pkg/iforest"
)

type Config struct {
	CrisisVolatility   float64
	HighVolatility     float64
	ModerateVolatility float64
	LowVolatility      float64
	PanicSentiment     float64
	AnomalyThreshold   float64
	WindowSize         int
}

func DefaultConfig() Config {
	return Config{
		CrisisVolatility:   0.08,
		HighVolatility:     0.05,
		ModerateVolatility: 0.03,
		LowVolatility:      0.015,
		PanicSentiment:     -0.5,
		AnomalyThreshold:   0.7,
		WindowSize:         256,
	}
}

// minAnomalyWindow is the smallest context window worth fitting a forest on.
const minAnomalyWindow = 32

// Classifier maps externally supplied volatility/sentiment context into a
// coarse market regime through fixed threshold bands, with an isolation
// forest over the observed context window as an extra crisis vote for
// contexts the bands alone would miss.
//
// Classify is a pure read against the forest frozen by the last Refit, so
// identical contexts always map to the same regime. Window feeding (Observe)
// and forest fitting (Refit) are explicit calls the owner makes off the
// decision path; Refit belongs in the training cycle.
type Classifier struct {
	cfg Config

	mu     sync.RWMutex
	window [][]float64
	forest *iforest.IsolationForest
}

func NewClassifier(cfg Config) *Classifier {
	defaults := DefaultConfig()
	if cfg.CrisisVolatility <= 0 {
		cfg.CrisisVolatility = defaults.CrisisVolatility
	}
	if cfg.HighVolatility <= 0 {
		cfg.HighVolatility = defaults.HighVolatility
	}
	if cfg.ModerateVolatility <= 0 {
		cfg.ModerateVolatility = defaults.ModerateVolatility
	}
	if cfg.LowVolatility <= 0 {
		cfg.LowVolatility = defaults.LowVolatility
	}
	if cfg.PanicSentiment >= 0 {
		cfg.PanicSentiment = defaults.PanicSentiment
	}
	if cfg.AnomalyThreshold <= 0 || cfg.AnomalyThreshold >= 1 {
		cfg.AnomalyThreshold = defaults.AnomalyThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	return &Classifier{cfg: cfg}
}

func (c *Classifier) Config() Config {
	return c.cfg
}

// Classify returns the regime for one market context. It mutates nothing:
// the anomaly vote is scored against the forest frozen by the last Refit.
func (c *Classifier) Classify(mc domain.MarketContext) domain.MarketRegime {
	switch {
	case mc.Volatility >= c.cfg.CrisisVolatility,
		mc.Sentiment <= c.cfg.PanicSentiment,
		c.anomalous(mc):
		return domain.RegimeCrisis
	case mc.Volatility >= c.cfg.HighVolatility:
		return domain.RegimeVolatile
	case mc.Volatility < c.cfg.LowVolatility:
		return domain.RegimeCalm
	default:
		return domain.RegimeNormal
	}
}

func (c *Classifier) anomalous(mc domain.MarketContext) bool {
	c.mu.RLock()
	forest := c.forest
	c.mu.RUnlock()

	if forest == nil {
		return false
	}
	scores := forest.Score([][]float64{contextPoint(mc)})
	return len(scores) == 1 && scores[0] >= c.cfg.AnomalyThreshold
}

// Observe appends one context to the rolling anomaly window. It never fits
// the forest, so classification output is unchanged until the next Refit.
func (c *Classifier) Observe(mc domain.MarketContext) {
	point := contextPoint(mc)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.window = append(c.window, point)
	if len(c.window) > c.cfg.WindowSize {
		c.window = c.window[len(c.window)-c.cfg.WindowSize:]
	}
}

// Refit fits a fresh isolation forest over the observed window and swaps it
// in atomically. Returns false while the window is still too small.
func (c *Classifier) Refit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.window) < minAnomalyWindow {
		return false
	}
	forest := iforest.New()
	forest.Fit(c.window)
	c.forest = forest
	return true
}

func contextPoint(mc domain.MarketContext) []float64 {
	return []float64{mc.Volatility, mc.Sentiment, mc.VolumeRatio}
}

// ContextConfidence is the market-context term of the trading-confidence
// composite: calm contexts are trusted, crisis contexts are not.
func ContextConfidence(r domain.MarketRegime) float64 {
	switch r {
	case domain.RegimeCrisis:
		return 0.2
	case domain.RegimeVolatile:
		return 0.5
	case domain.RegimeCalm:
		return 0.9
	default:
		return 0.8
	}
}

// SizeMultiplier scales position sizing per regime: crisis halves exposure,
// a calm regime with volatility well under the low cutoff earns a modest
// boost, everything else is unscaled.
func (c *Classifier) SizeMultiplier(r domain.MarketRegime, volatility float64) float64 {
	switch {
	case r == domain.RegimeCrisis:
		return 0.5
	case r == domain.RegimeCalm && volatility < c.cfg.LowVolatility/2:
		return 1.2
	default:
		return 1.0
	}
}
