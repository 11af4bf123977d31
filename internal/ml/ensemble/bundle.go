package ensemble

import (
	"encoding/json"
	"errors"
	"fmt"

	"signal-stack/internal/ml/models"
	"signal-stack/internal/ml/models/logreg"
)

// BundleFormat names the artifact encoding stored in the model registry.
const BundleFormat = "json/ensemble-bundle-v1"

type estimatorArtifact struct {
	Kind   models.Kind     `json:"kind"`
	Native bool            `json:"native"`
	Blob   json.RawMessage `json:"blob"`
}

type bundleArtifact struct {
	Config       Config              `json:"config"`
	FeatureNames []string            `json:"feature_names"`
	Estimators   []estimatorArtifact `json:"estimators"`
	MetaModel    json.RawMessage     `json:"meta_model,omitempty"`
	Stats        []EstimatorStats    `json:"stats"`
}

// MarshalBundle serializes the whole fitted ensemble, including every base
// estimator and the optional stacking meta-model, into one opaque blob.
func (e *Ensemble) MarshalBundle() ([]byte, error) {
	if e == nil || len(e.fitted) == 0 {
		return nil, errors.New("nothing to bundle")
	}
	bundle := bundleArtifact{
		Config:       e.cfg,
		FeatureNames: e.featureNames,
		Stats:        e.stats,
	}
	for _, f := range e.fitted {
		blob, err := f.Estimator.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal %s estimator: %w", f.Kind, err)
		}
		bundle.Estimators = append(bundle.Estimators, estimatorArtifact{
			Kind:   f.Kind,
			Native: f.Native,
			Blob:   blob,
		})
	}
	if e.metaModel != nil {
		blob, err := e.metaModel.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal meta-model: %w", err)
		}
		bundle.MetaModel = blob
	}
	return json.Marshal(bundle)
}

// UnmarshalBundle restores a fitted ensemble from a registry blob.
func UnmarshalBundle(blob []byte) (*Ensemble, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty bundle")
	}
	var bundle bundleArtifact
	if err := json.Unmarshal(blob, &bundle); err != nil {
		return nil, err
	}
	if len(bundle.Estimators) == 0 || len(bundle.FeatureNames) == 0 {
		return nil, errors.New("invalid bundle")
	}
	fitted := make([]models.Fitted, 0, len(bundle.Estimators))
	for _, a := range bundle.Estimators {
		kind := a.Kind
		if !a.Native {
			kind = models.KindFallbackLinear
		}
		est, err := models.Unmarshal(kind, a.Blob)
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s estimator: %w", a.Kind, err)
		}
		fitted = append(fitted, models.Fitted{Kind: a.Kind, Native: a.Native, Estimator: est})
	}
	var metaModel *logreg.Model
	if len(bundle.MetaModel) > 0 {
		m, err := logreg.UnmarshalBinary(bundle.MetaModel)
		if err != nil {
			return nil, fmt.Errorf("unmarshal meta-model: %w", err)
		}
		metaModel = m
	}
	return New(bundle.Config, bundle.FeatureNames, fitted, metaModel, bundle.Stats), nil
}
