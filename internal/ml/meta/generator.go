package meta

import (
	"errors"
	"log"
	"math"

	"signal-stack/internal/ml/models"
)

// Width is the number of meta-features derived per base estimator:
// calibrated probability, entropy confidence, risk adjustment.
const Width = 3

// DefaultFolds is the K used for out-of-fold meta-feature generation.
const DefaultFolds = 5

// Neutral is the triple substituted when an estimator cannot produce a
// prediction: even probability, even confidence, full risk discount.
var Neutral = [Width]float64{0.5, 0.5, 1.0}

// Signals derives the per-estimator meta-feature triple from a class-1
// probability.
func Signals(p float64) (prob, confidence, risk float64) {
	p = clamp01(p)
	return p, entropyConfidence(p), 1 - 2*math.Abs(p-0.5)
}

// entropyConfidence maps a probability to 1 - H(p)/ln 2, so 0.5 scores 0 and
// a saturated 0 or 1 scores 1.
func entropyConfidence(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 1
	}
	h := -p*math.Log(p) - (1-p)*math.Log(1-p)
	c := 1 - h/math.Ln2
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// TransformRow applies the fixed, already-fitted estimators to one sample,
// producing the 3M meta-feature row plus the raw per-estimator probabilities.
// A failing estimator contributes the neutral triple instead of aborting;
// failures reports how many estimators had to be substituted.
func TransformRow(fitted []models.Fitted, sample []float64) (row []float64, probs []float64, failures int) {
	row = make([]float64, 0, len(fitted)*Width)
	probs = make([]float64, 0, len(fitted))
	for _, f := range fitted {
		p, err := models.SafeProb(f.Estimator, sample)
		if err != nil {
			log.Printf("meta features: estimator %s failed, substituting neutral triple: %v", f.Kind, err)
			row = append(row, Neutral[0], Neutral[1], Neutral[2])
			probs = append(probs, Neutral[0])
			failures++
			continue
		}
		prob, conf, risk := Signals(p)
		row = append(row, prob, conf, risk)
		probs = append(probs, prob)
	}
	return row, probs, failures
}

// Transform applies TransformRow to every sample.
func Transform(fitted []models.Fitted, samples [][]float64) [][]float64 {
	out := make([][]float64, len(samples))
	for i := range samples {
		out[i], _, _ = TransformRow(fitted, samples[i])
	}
	return out
}

// OutOfFold builds the fit-time meta-feature matrix with K-fold held-out
// predictions, so the stacking meta-model never sees in-sample output from a
// base estimator on its own training rows. Fold boundaries are contiguous to
// respect the chronological ordering of trading data.
func OutOfFold(kinds []models.Kind, samples [][]float64, labels []float64, featureNames []string, folds int) ([][]float64, error) {
	n := len(samples)
	if n == 0 || n != len(labels) {
		return nil, errors.New("invalid dataset for out-of-fold generation")
	}
	if folds <= 1 {
		folds = DefaultFolds
	}
	if folds > n {
		folds = n
	}

	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, len(kinds)*Width)
	}

	for fold := 0; fold < folds; fold++ {
		lo := fold * n / folds
		hi := (fold + 1) * n / folds
		if lo >= hi {
			continue
		}
		trainX := make([][]float64, 0, n-(hi-lo))
		trainY := make([]float64, 0, n-(hi-lo))
		trainX = append(trainX, samples[:lo]...)
		trainX = append(trainX, samples[hi:]...)
		trainY = append(trainY, labels[:lo]...)
		trainY = append(trainY, labels[hi:]...)

		for k, kind := range kinds {
			est := foldEstimator(kind, trainX, trainY, featureNames)
			for i := lo; i < hi; i++ {
				if est == nil {
					copy(out[i][k*Width:], Neutral[:])
					continue
				}
				p, err := models.SafeProb(est, samples[i])
				if err != nil {
					copy(out[i][k*Width:], Neutral[:])
					continue
				}
				prob, conf, risk := Signals(p)
				out[i][k*Width] = prob
				out[i][k*Width+1] = conf
				out[i][k*Width+2] = risk
			}
		}
	}
	return out, nil
}

// foldEstimator fits one estimator for a single fold, degrading to the
// fallback linear model, then to nil, without failing the whole generation.
func foldEstimator(kind models.Kind, trainX [][]float64, trainY []float64, featureNames []string) models.Estimator {
	est, err := models.Train(kind, trainX, trainY, featureNames)
	if err == nil {
		return est
	}
	est, err = models.Train(models.KindFallbackLinear, trainX, trainY, featureNames)
	if err != nil {
		log.Printf("meta features: fold fit failed for %s and fallback: %v", kind, err)
		return nil
	}
	return est
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
