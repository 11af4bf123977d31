package training

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/ensemble"
	"signal-stack/internal/ml/featureorder"

	"go.opentelemetry.io/otel/trace"
)

// ModelKeyEnsemble is the registry key of the serving ensemble bundle.
const ModelKeyEnsemble = "signal_ensemble"

// FeatureSpecVersion tags bundles with the feature-vector contract they were
// trained against.
const FeatureSpecVersion = "v1"

type SampleStore interface {
	ListLabeled(ctx context.Context, interval string, from, to time.Time) ([]domain.TrainingSample, error)
}

type ModelRegistry interface {
	NextVersion(ctx context.Context, modelKey string) (int, error)
	InsertModelVersion(ctx context.Context, model domain.MLModelVersion) (*domain.MLModelVersion, error)
	GetActiveModel(ctx context.Context, modelKey string) (*domain.MLModelVersion, error)
	ActivateModel(ctx context.Context, modelKey string, version int) error
}

type OrderManager interface {
	LoadOrder(ctx context.Context) ([]string, error)
	SaveOrder(ctx context.Context, names []string) error
	Invalidate()
}

type Config struct {
	Interval        string
	TrainWindowDays int
	Ensemble        ensemble.Config
}

type Service struct {
	tracer   trace.Tracer
	samples  SampleStore
	registry ModelRegistry
	orders   OrderManager
	cfg      Config
}

// TrainOutcome summarizes one training run for callers and logs.
type TrainOutcome struct {
	State         domain.EnsembleState `json:"state"`
	Version       int                  `json:"version,omitempty"`
	SampleCount   int                  `json:"sample_count"`
	NativeCount   int                  `json:"native_count"`
	FallbackCount int                  `json:"fallback_count"`
	AUC           float64              `json:"auc"`
	Promoted      bool                 `json:"promoted"`
	PromoteError  error                `json:"-"`
	Reasons       []string             `json:"reasons,omitempty"`

	Ensemble *ensemble.Ensemble `json:"-"`
}

func NewService(tracer trace.Tracer, samples SampleStore, registry ModelRegistry, orders OrderManager, cfg Config) *Service {
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	if cfg.TrainWindowDays <= 0 {
		cfg.TrainWindowDays = 90
	}
	cfg.Ensemble = cfg.Ensemble.Normalized()
	return &Service{tracer: tracer, samples: samples, registry: registry, orders: orders, cfg: cfg}
}

// Train pulls the labeled window, fits a new ensemble, persists the bundle,
// and promotes it when it beats the active generation. A validation failure
// is not an error: the outcome carries the unfit state and its reasons.
func (s *Service) Train(ctx context.Context, now time.Time) (TrainOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "ensemble-training.train")
	defer span.End()

	from := now.UTC().AddDate(0, 0, -s.cfg.TrainWindowDays)
	samples, err := s.samples.ListLabeled(ctx, s.cfg.Interval, from, now.UTC())
	if err != nil {
		return TrainOutcome{State: domain.StateUnfit}, err
	}

	reference, err := s.orders.LoadOrder(ctx)
	if err != nil {
		return TrainOutcome{State: domain.StateUnfit}, err
	}
	ds, labels := buildDataset(samples, reference)

	result := Fit(s.cfg.Ensemble, ds, labels)
	if result.State != domain.StateFullyFitted {
		return TrainOutcome{
			State:       result.State,
			SampleCount: len(samples),
			Reasons:     result.Report.Reasons,
		}, nil
	}

	blob, err := result.Ensemble.MarshalBundle()
	if err != nil {
		return TrainOutcome{State: domain.StateUnfit}, err
	}
	version, err := s.registry.NextVersion(ctx, ModelKeyEnsemble)
	if err != nil {
		return TrainOutcome{State: domain.StateUnfit}, err
	}

	hyperJSON, _ := json.Marshal(map[string]any{
		"method":           s.cfg.Ensemble.Method,
		"kinds":            s.cfg.Ensemble.Kinds,
		"base_threshold":   s.cfg.Ensemble.BaseThreshold,
		"cv_folds":         s.cfg.Ensemble.CVFolds,
		"win_weight":       s.cfg.Ensemble.WinWeight,
		"sharpe_weight":    s.cfg.Ensemble.SharpeWeight,
		"drawdown_weight":  s.cfg.Ensemble.DrawdownWeight,
		"min_samples":      s.cfg.Ensemble.MinTrainSamples,
		"train_window_day": s.cfg.TrainWindowDays,
	})
	metricJSON, _ := json.Marshal(result.Metrics)

	inserted, err := s.registry.InsertModelVersion(ctx, domain.MLModelVersion{
		ModelKey:           ModelKeyEnsemble,
		Version:            version,
		FeatureSpecVersion: FeatureSpecVersion,
		TrainedFrom:        from,
		TrainedTo:          now.UTC(),
		HyperparamsJSON:    string(hyperJSON),
		MetricsJSON:        string(metricJSON),
		ArtifactFormat:     ensemble.BundleFormat,
		ArtifactBlob:       blob,
		IsActive:           false,
	})
	if err != nil {
		return TrainOutcome{State: domain.StateUnfit}, err
	}
	result.Ensemble.SetVersion(inserted.Version)

	outcome := TrainOutcome{
		State:         domain.StateFullyFitted,
		Version:       inserted.Version,
		SampleCount:   len(labels),
		NativeCount:   result.NativeCount,
		FallbackCount: result.FallbackCount,
		AUC:           result.Metrics["auc"],
		Ensemble:      result.Ensemble,
	}

	promote, promoteErr := s.shouldPromote(ctx, result.Metrics, inserted.Version)
	if promoteErr != nil {
		outcome.PromoteError = promoteErr
		return outcome, nil
	}
	if promote {
		if err := s.registry.ActivateModel(ctx, ModelKeyEnsemble, inserted.Version); err != nil {
			outcome.PromoteError = err
			return outcome, nil
		}
		// The active model defines the canonical feature order from now on.
		if err := s.orders.SaveOrder(ctx, result.Ensemble.FeatureNames()); err != nil {
			outcome.PromoteError = err
			return outcome, nil
		}
		s.orders.Invalidate()
		outcome.Promoted = true
	}
	return outcome, nil
}

func (s *Service) shouldPromote(ctx context.Context, metrics map[string]float64, newVersion int) (bool, error) {
	active, err := s.registry.GetActiveModel(ctx, ModelKeyEnsemble)
	if err != nil {
		return false, err
	}
	if active == nil {
		return true, nil
	}
	if active.Version == newVersion {
		return active.IsActive, nil
	}
	if metrics["n"] < 200 {
		return false, nil
	}
	activeAUC, ok := metricValue(active.MetricsJSON, "auc")
	if !ok {
		return true, nil
	}
	return metrics["auc"] >= activeAUC+0.01, nil
}

// buildDataset assembles the named-column matrix from stored samples. The
// column order is the stored reference order when one exists, with drifted
// features appended; missing values become NaN so Clean can repair them.
func buildDataset(samples []domain.TrainingSample, reference []string) (domain.Dataset, []float64) {
	nameSet := make(map[string]struct{})
	for i := range samples {
		if samples[i].Label == nil {
			continue
		}
		for name := range samples[i].Features {
			nameSet[name] = struct{}{}
		}
	}
	union := make([]string, 0, len(nameSet))
	for name := range nameSet {
		union = append(union, name)
	}
	sort.Strings(union)
	columns := featureorder.Align(union, reference)

	rows := make([][]float64, 0, len(samples))
	labels := make([]float64, 0, len(samples))
	for i := range samples {
		if samples[i].Label == nil {
			continue
		}
		row := make([]float64, len(columns))
		for j, name := range columns {
			if v, ok := samples[i].Features[name]; ok {
				row[j] = v
			} else {
				row[j] = math.NaN()
			}
		}
		rows = append(rows, row)
		label := 0.0
		if *samples[i].Label {
			label = 1
		}
		labels = append(labels, label)
	}
	return domain.Dataset{Columns: columns, Rows: rows}, labels
}

func metricValue(metricsJSON, key string) (float64, bool) {
	var m map[string]float64
	if err := json.Unmarshal([]byte(metricsJSON), &m); err != nil {
		return 0, false
	}
	v, ok := m[key]
	return v, ok
}
