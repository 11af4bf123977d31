package models

import (
	"fmt"

	"signal-stack/internal/ml/models/logreg"
	"signal-stack/internal/ml/models/randforest"
	"signal-stack/internal/ml/models/xgboost"
)

// Kind names one base-estimator family.
type Kind string

const (
	KindBoostedTrees   Kind = "gradient_boosted_trees"
	KindRandomForest   Kind = "random_forest"
	KindLinear         Kind = "linear"
	KindFallbackLinear Kind = "fallback_linear"
)

// DefaultKinds is the estimator lineup an ensemble trains with unless
// configured otherwise.
var DefaultKinds = []Kind{KindBoostedTrees, KindRandomForest, KindLinear}

// Estimator is the capability set every base estimator (and the stacking
// meta-model) provides. Fitted estimators are immutable; PredictProb is safe
// for concurrent use.
type Estimator interface {
	PredictProb(sample []float64) float64
	PredictBatch(samples [][]float64) []float64
	FeatureNames() []string
	MarshalBinary() ([]byte, error)
}

// Fitted pairs an estimator with its provenance. Native is false when the
// family's own fit failed and the fallback linear model was substituted.
type Fitted struct {
	Kind      Kind
	Native    bool
	Estimator Estimator
}

// MinSamples is the per-family minimum sample count below which a native fit
// is not attempted.
func MinSamples(kind Kind) int {
	switch kind {
	case KindBoostedTrees, KindRandomForest:
		return 30
	default:
		return 15
	}
}

func Train(kind Kind, samples [][]float64, labels []float64, featureNames []string) (Estimator, error) {
	switch kind {
	case KindBoostedTrees:
		return xgboost.Train(samples, labels, featureNames, xgboost.DefaultTrainOptions())
	case KindRandomForest:
		return randforest.Train(samples, labels, featureNames, randforest.DefaultTrainOptions())
	case KindLinear:
		return logreg.Train(samples, labels, featureNames, logreg.DefaultTrainOptions())
	case KindFallbackLinear:
		return logreg.Train(samples, labels, featureNames, logreg.FallbackTrainOptions())
	default:
		return nil, fmt.Errorf("unknown estimator kind %q", kind)
	}
}

func Unmarshal(kind Kind, blob []byte) (Estimator, error) {
	switch kind {
	case KindBoostedTrees:
		return xgboost.UnmarshalBinary(blob)
	case KindRandomForest:
		return randforest.UnmarshalBinary(blob)
	case KindLinear, KindFallbackLinear:
		return logreg.UnmarshalBinary(blob)
	default:
		return nil, fmt.Errorf("unknown estimator kind %q", kind)
	}
}

// SafeProb runs a single prediction with panic recovery. A panicking
// estimator yields a neutral 0.5 and an error for the caller to log; it must
// never take down an ensemble predict call.
func SafeProb(e Estimator, sample []float64) (p float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = 0.5
			err = fmt.Errorf("estimator panic: %v", r)
		}
	}()
	if e == nil {
		return 0.5, fmt.Errorf("nil estimator")
	}
	return e.PredictProb(sample), nil
}
