package logreg

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
)

type TrainOptions struct {
	LearningRate float64
	Epochs       int
	L2           float64
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		LearningRate: 0.05,
		Epochs:       600,
		L2:           0.0001,
	}
}

// FallbackTrainOptions is the conservative variant used when a primary
// estimator fails to fit: heavy regularization and few epochs, so it converges
// on almost anything the validation gate lets through.
func FallbackTrainOptions() TrainOptions {
	return TrainOptions{
		LearningRate: 0.1,
		Epochs:       200,
		L2:           0.01,
	}
}

type artifact struct {
	FeatureNames []string  `json:"feature_names"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	Means        []float64 `json:"means"`
	Stds         []float64 `json:"stds"`
	L2           float64   `json:"l2"`
	LearningRate float64   `json:"learning_rate"`
	Epochs       int       `json:"epochs"`
}

// Model is an L2-regularized logistic regression fit by batch gradient
// descent on standardized inputs.
type Model struct {
	a artifact
}

func Train(samples [][]float64, labels []float64, featureNames []string, opts TrainOptions) (*Model, error) {
	if len(samples) == 0 || len(samples) != len(labels) {
		return nil, errors.New("invalid training dataset")
	}
	dims := len(samples[0])
	if dims == 0 {
		return nil, errors.New("empty feature vectors")
	}
	defaults := DefaultTrainOptions()
	if opts.LearningRate <= 0 {
		opts.LearningRate = defaults.LearningRate
	}
	if opts.Epochs <= 0 {
		opts.Epochs = defaults.Epochs
	}
	if opts.L2 < 0 {
		opts.L2 = defaults.L2
	}

	means, stds := columnStats(samples, dims)
	weights := make([]float64, dims)
	bias := 0.0
	n := float64(len(samples))

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		grads := make([]float64, dims)
		gradBias := 0.0
		for i := range samples {
			x := standardize(samples[i], means, stds)
			residual := sigmoid(dot(weights, x)+bias) - labels[i]
			for j := range grads {
				grads[j] += residual * x[j]
			}
			gradBias += residual
		}
		for j := range weights {
			weights[j] -= opts.LearningRate * (grads[j]/n + opts.L2*weights[j])
		}
		bias -= opts.LearningRate * (gradBias / n)
	}

	if len(featureNames) != dims {
		featureNames = genericNames(dims)
	}
	return &Model{a: artifact{
		FeatureNames: append([]string(nil), featureNames...),
		Weights:      weights,
		Bias:         bias,
		Means:        means,
		Stds:         stds,
		L2:           opts.L2,
		LearningRate: opts.LearningRate,
		Epochs:       opts.Epochs,
	}}, nil
}

func (m *Model) PredictProb(sample []float64) float64 {
	if m == nil || len(sample) != len(m.a.Weights) {
		return 0.5
	}
	x := standardize(sample, m.a.Means, m.a.Stds)
	return sigmoid(dot(m.a.Weights, x) + m.a.Bias)
}

func (m *Model) PredictBatch(samples [][]float64) []float64 {
	probs := make([]float64, len(samples))
	for i := range samples {
		probs[i] = m.PredictProb(samples[i])
	}
	return probs
}

func (m *Model) FeatureNames() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.a.FeatureNames...)
}

func (m *Model) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil model")
	}
	return json.Marshal(m.a)
}

func UnmarshalBinary(blob []byte) (*Model, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty artifact")
	}
	var a artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, err
	}
	if len(a.Weights) == 0 || len(a.Weights) != len(a.Means) || len(a.Weights) != len(a.Stds) {
		return nil, errors.New("invalid artifact")
	}
	return &Model{a: a}, nil
}

func columnStats(samples [][]float64, dims int) (means, stds []float64) {
	means = make([]float64, dims)
	stds = make([]float64, dims)
	n := float64(len(samples))
	for j := 0; j < dims; j++ {
		for i := range samples {
			means[j] += samples[i][j]
		}
		means[j] /= n
		for i := range samples {
			d := samples[i][j] - means[j]
			stds[j] += d * d
		}
		stds[j] = math.Sqrt(stds[j] / n)
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	return means, stds
}

func standardize(in, means, stds []float64) []float64 {
	out := make([]float64, len(in))
	for i := range in {
		out[i] = (in[i] - means[i]) / stds[i]
	}
	return out
}

func sigmoid(x float64) float64 {
	if x > 35 {
		return 1
	}
	if x < -35 {
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}

func dot(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func genericNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "f" + strconv.Itoa(i)
	}
	return out
}
