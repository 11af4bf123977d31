package ensemble

import (
	"fmt"
	"log"
	"sync"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/regime"
)

// Controller is the single safety net on the prediction path: a state machine
// over {unfit, fully_fitted, degraded_fallback} that guarantees Predict never
// returns an error, only a degraded decision. It also owns the live serving
// slot; a newly fitted ensemble becomes visible only through Publish, after
// its fit fully succeeded.
type Controller struct {
	regimes *regime.Classifier

	mu      sync.RWMutex
	state   domain.EnsembleState
	current *Ensemble
}

func NewController(regimes *regime.Classifier) *Controller {
	if regimes == nil {
		regimes = regime.NewClassifier(regime.DefaultConfig())
	}
	return &Controller{
		regimes: regimes,
		state:   domain.StateUnfit,
	}
}

func (c *Controller) State() domain.EnsembleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Current returns the serving ensemble, nil while unfit.
func (c *Controller) Current() *Ensemble {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Publish atomically swaps in a fully fitted ensemble. Serving traffic sees
// either the previous generation or this one, never a half-trained state.
func (c *Controller) Publish(e *Ensemble) {
	if e == nil {
		return
	}
	c.mu.Lock()
	c.current = e
	c.state = domain.StateFullyFitted
	c.mu.Unlock()
}

// MarkUnfit records a failed fit. An already-published ensemble keeps
// serving; with nothing published the controller stays (or re-enters) unfit.
func (c *Controller) MarkUnfit() {
	c.mu.Lock()
	if c.current == nil {
		c.state = domain.StateUnfit
	}
	c.mu.Unlock()
}

// Predict serves one decision. Degradation paths: no fitted ensemble, a
// panicking decision pipeline, or every base estimator failing; each yields
// the pinned neutral decision with mode "fallback" instead of an error.
func (c *Controller) Predict(values []float64, mc domain.MarketContext) domain.TradingDecision {
	c.mu.RLock()
	state := c.state
	current := c.current
	c.mu.RUnlock()

	if state != domain.StateFullyFitted || current == nil {
		return c.neutralDecision(current)
	}

	decision, failures, err := c.decide(current, values, mc)
	if err != nil {
		log.Printf("ensemble: catastrophic predict failure, degrading: %v", err)
		c.degrade()
		return c.neutralDecision(current)
	}
	if failures >= len(current.fitted) && len(current.fitted) > 0 {
		log.Printf("ensemble: all %d estimators failed, degrading", failures)
		c.degrade()
		return c.neutralDecision(current)
	}
	return decision
}

// ObserveContext feeds one market context into the regime anomaly window.
// It leaves classification output untouched; only RefitRegimes changes it.
func (c *Controller) ObserveContext(mc domain.MarketContext) {
	c.regimes.Observe(mc)
}

// RefitRegimes refits the regime anomaly forest over the observed window.
// Called from the training cycle so the serving forest stays frozen between
// generations.
func (c *Controller) RefitRegimes() bool {
	return c.regimes.Refit()
}

func (c *Controller) decide(e *Ensemble, values []float64, mc domain.MarketContext) (decision domain.TradingDecision, failures int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	decision, failures = e.Decide(values, mc, c.regimes)
	return decision, failures, nil
}

func (c *Controller) degrade() {
	c.mu.Lock()
	c.state = domain.StateDegradedFallback
	c.mu.Unlock()
}

// neutralDecision is the pinned output of every degraded path: probability a
// hair above even, confidence near the floor of useful, threshold high enough
// that no class-1 trade is suggested, zero position.
func (c *Controller) neutralDecision(current *Ensemble) domain.TradingDecision {
	version := 0
	if current != nil {
		version = current.version
	}
	return domain.TradingDecision{
		PredictedClass:   0,
		ProbUp:           0.51,
		ProbVector:       []float64{0.49, 0.51},
		Confidence:       0.33,
		DynamicThreshold: 0.55,
		Regime:           domain.RegimeNormal,
		PositionSize:     0,
		Mode:             domain.ModeFallback,
		ModelVersion:     version,
		CreatedAt:        time.Now().UTC(),
	}
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("prediction panic: %v", e.value) }
