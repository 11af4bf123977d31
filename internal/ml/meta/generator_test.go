package meta

import (
	"errors"
	"math"
	"testing"

	"signal-stack/internal/ml/models"
)

type fixedEstimator struct{ p float64 }

func (f fixedEstimator) PredictProb([]float64) float64 { return f.p }
func (f fixedEstimator) PredictBatch(s [][]float64) []float64 {
	out := make([]float64, len(s))
	for i := range out {
		out[i] = f.p
	}
	return out
}
func (fixedEstimator) FeatureNames() []string         { return nil }
func (fixedEstimator) MarshalBinary() ([]byte, error) { return nil, errors.New("no") }

type brokenEstimator struct{}

func (brokenEstimator) PredictProb([]float64) float64      { panic("predict failure") }
func (brokenEstimator) PredictBatch([][]float64) []float64 { panic("predict failure") }
func (brokenEstimator) FeatureNames() []string             { return nil }
func (brokenEstimator) MarshalBinary() ([]byte, error)     { return nil, errors.New("no") }

func TestSignals(t *testing.T) {
	prob, conf, risk := Signals(0.5)
	if prob != 0.5 || conf != 0 || risk != 1 {
		t.Fatalf("neutral probability should give (0.5, 0, 1), got (%.4f, %.4f, %.4f)", prob, conf, risk)
	}

	prob, conf, risk = Signals(1)
	if prob != 1 || conf != 1 || risk != 0 {
		t.Fatalf("saturated probability should give (1, 1, 0), got (%.4f, %.4f, %.4f)", prob, conf, risk)
	}

	_, confA, _ := Signals(0.6)
	_, confB, _ := Signals(0.9)
	if confB <= confA {
		t.Fatalf("confidence must grow away from 0.5: %.4f <= %.4f", confB, confA)
	}
}

func TestTransformRowSubstitutesNeutralOnFailure(t *testing.T) {
	fitted := []models.Fitted{
		{Kind: models.KindLinear, Native: true, Estimator: fixedEstimator{p: 0.8}},
		{Kind: models.KindBoostedTrees, Native: true, Estimator: brokenEstimator{}},
	}
	row, probs, failures := TransformRow(fitted, []float64{1, 2})
	if len(row) != 2*Width || len(probs) != 2 {
		t.Fatalf("unexpected shapes: row=%d probs=%d", len(row), len(probs))
	}
	if failures != 1 {
		t.Fatalf("expected 1 failed estimator, got %d", failures)
	}
	if math.Abs(row[0]-0.8) > 1e-12 {
		t.Fatalf("first estimator prob = %.4f, want 0.8", row[0])
	}
	if row[3] != 0.5 || row[4] != 0.5 || row[5] != 1.0 {
		t.Fatalf("failed estimator should contribute (0.5, 0.5, 1.0), got %v", row[3:6])
	}
	if probs[1] != 0.5 {
		t.Fatalf("failed estimator raw prob should be neutral, got %.4f", probs[1])
	}
}

func TestOutOfFoldShapeAndRange(t *testing.T) {
	n := 60
	samples := make([][]float64, 0, n)
	labels := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v := float64(i%2)*2 - 1
		samples = append(samples, []float64{v + float64(i)/100, v - float64(i)/150})
		labels = append(labels, float64(i%2))
	}

	kinds := []models.Kind{models.KindLinear, models.KindRandomForest}
	matrix, err := OutOfFold(kinds, samples, labels, []string{"x1", "x2"}, DefaultFolds)
	if err != nil {
		t.Fatalf("out-of-fold failed: %v", err)
	}
	if len(matrix) != n {
		t.Fatalf("expected %d rows, got %d", n, len(matrix))
	}
	for i, row := range matrix {
		if len(row) != len(kinds)*Width {
			t.Fatalf("row %d has width %d, want %d", i, len(row), len(kinds)*Width)
		}
		for j, v := range row {
			if math.IsNaN(v) || v < 0 || v > 1 {
				t.Fatalf("row %d col %d out of range: %v", i, j, v)
			}
		}
	}
}

func TestOutOfFoldRejectsEmptyDataset(t *testing.T) {
	if _, err := OutOfFold([]models.Kind{models.KindLinear}, nil, nil, nil, 5); err == nil {
		t.Fatal("expected error for empty dataset")
	}
}
