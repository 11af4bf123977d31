package randforest

import (
	"encoding/json"
	"errors"
	"math"

	randomforest "github.com/malaschitz/randomForest"
)

type TrainOptions struct {
	Trees    int
	LeafSize int
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		Trees:    80,
		LeafSize: 3,
	}
}

type artifact struct {
	FeatureNames []string            `json:"feature_names"`
	Trees        []randomforest.Tree `json:"trees"`
	Features     int                 `json:"features"`
	Classes      int                 `json:"classes"`
	NTrees       int                 `json:"n_trees"`
	MFeatures    int                 `json:"m_features"`
	LeafSize     int                 `json:"leaf_size"`
}

// Model wraps a bagged decision-tree forest. The fitted trees are immutable
// after Train, so concurrent Vote calls are safe.
type Model struct {
	featureNames []string
	forest       *randomforest.Forest
}

func Train(samples [][]float64, labels []float64, featureNames []string, opts TrainOptions) (*Model, error) {
	if len(samples) == 0 || len(samples) != len(labels) {
		return nil, errors.New("invalid training dataset")
	}
	if len(samples[0]) == 0 {
		return nil, errors.New("empty feature vectors")
	}
	intLabels := make([]int, len(labels))
	classes := make(map[int]struct{}, 2)
	for i, v := range labels {
		label := 0
		if v >= 0.5 {
			label = 1
		}
		intLabels[i] = label
		classes[label] = struct{}{}
	}
	if len(classes) < 2 {
		return nil, errors.New("random forest requires at least two classes")
	}
	defaults := DefaultTrainOptions()
	if opts.Trees <= 0 {
		opts.Trees = defaults.Trees
	}
	if opts.LeafSize <= 0 {
		opts.LeafSize = defaults.LeafSize
	}
	if len(featureNames) != len(samples[0]) {
		featureNames = make([]string, len(samples[0]))
		for i := range featureNames {
			featureNames[i] = "f"
		}
	}

	forest := &randomforest.Forest{LeafSize: opts.LeafSize}
	forest.Data = randomforest.ForestData{
		X:     samples,
		Class: intLabels,
	}
	forest.Train(opts.Trees)
	if len(forest.Trees) == 0 {
		return nil, errors.New("failed to train random forest")
	}
	return &Model{featureNames: append([]string(nil), featureNames...), forest: forest}, nil
}

// PredictProb returns the class-1 vote fraction across the forest.
func (m *Model) PredictProb(sample []float64) float64 {
	if m == nil || m.forest == nil || len(sample) != m.forest.Features {
		return 0.5
	}
	votes := m.forest.Vote(sample)
	if len(votes) < 2 {
		return 0.5
	}
	return clamp01(votes[1])
}

func (m *Model) PredictBatch(samples [][]float64) []float64 {
	out := make([]float64, len(samples))
	for i := range samples {
		out[i] = m.PredictProb(samples[i])
	}
	return out
}

func (m *Model) FeatureNames() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.featureNames...)
}

// MarshalBinary persists the fitted trees without the training matrix.
func (m *Model) MarshalBinary() ([]byte, error) {
	if m == nil || m.forest == nil {
		return nil, errors.New("nil model")
	}
	return json.Marshal(artifact{
		FeatureNames: m.featureNames,
		Trees:        m.forest.Trees,
		Features:     m.forest.Features,
		Classes:      m.forest.Classes,
		NTrees:       m.forest.NTrees,
		MFeatures:    m.forest.MFeatures,
		LeafSize:     m.forest.LeafSize,
	})
}

func UnmarshalBinary(blob []byte) (*Model, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty artifact")
	}
	var a artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, err
	}
	if len(a.Trees) == 0 || a.Features <= 0 || a.Classes < 2 {
		return nil, errors.New("invalid artifact")
	}
	forest := &randomforest.Forest{
		Trees:     a.Trees,
		Features:  a.Features,
		Classes:   a.Classes,
		NTrees:    a.NTrees,
		MFeatures: a.MFeatures,
		LeafSize:  a.LeafSize,
	}
	return &Model{featureNames: append([]string(nil), a.FeatureNames...), forest: forest}, nil
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
