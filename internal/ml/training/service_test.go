package training

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/ensemble"

	"go.opentelemetry.io/otel/trace"
)

type memSampleStore struct {
	samples []domain.TrainingSample
	err     error
}

func (m *memSampleStore) ListLabeled(ctx context.Context, interval string, from, to time.Time) ([]domain.TrainingSample, error) {
	return m.samples, m.err
}

type memRegistry struct {
	versions []domain.MLModelVersion
	active   map[string]int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{active: make(map[string]int)}
}

func (m *memRegistry) NextVersion(ctx context.Context, modelKey string) (int, error) {
	next := 1
	for _, v := range m.versions {
		if v.ModelKey == modelKey && v.Version >= next {
			next = v.Version + 1
		}
	}
	return next, nil
}

func (m *memRegistry) InsertModelVersion(ctx context.Context, model domain.MLModelVersion) (*domain.MLModelVersion, error) {
	model.ID = int64(len(m.versions) + 1)
	m.versions = append(m.versions, model)
	return &model, nil
}

func (m *memRegistry) GetActiveModel(ctx context.Context, modelKey string) (*domain.MLModelVersion, error) {
	version, ok := m.active[modelKey]
	if !ok {
		return nil, nil
	}
	for i := range m.versions {
		if m.versions[i].ModelKey == modelKey && m.versions[i].Version == version {
			v := m.versions[i]
			v.IsActive = true
			return &v, nil
		}
	}
	return nil, nil
}

func (m *memRegistry) ActivateModel(ctx context.Context, modelKey string, version int) error {
	m.active[modelKey] = version
	return nil
}

type memOrders struct {
	order       []string
	saves       int
	invalidates int
}

func (m *memOrders) LoadOrder(ctx context.Context) ([]string, error) { return m.order, nil }

func (m *memOrders) SaveOrder(ctx context.Context, names []string) error {
	m.order = append([]string(nil), names...)
	m.saves++
	return nil
}

func (m *memOrders) Invalidate() { m.invalidates++ }

func labeledSamples(n int) []domain.TrainingSample {
	samples := make([]domain.TrainingSample, n)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		up := i%2 == 0
		signal := -1.0
		if up {
			signal = 1.0
		}
		features := domain.FeatureVector{
			"momentum":     signal + 0.1*float64(i%7),
			"volume_ratio": math.Sin(float64(i)) * 0.3,
			"rsi":          50 + signal*10,
		}
		label := up
		samples[i] = domain.TrainingSample{
			ID:       int64(i + 1),
			Symbol:   "BTCUSDT",
			Interval: "1h",
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Features: features,
			Label:    &label,
		}
	}
	return samples
}

func newTestService(store *memSampleStore, registry *memRegistry, orders *memOrders) *Service {
	return NewService(
		trace.NewNoopTracerProvider().Tracer("test"),
		store, registry, orders,
		Config{Interval: "1h", TrainWindowDays: 30, Ensemble: ensemble.DefaultConfig()},
	)
}

func TestTrainFitsAndPromotesFirstGeneration(t *testing.T) {
	store := &memSampleStore{samples: labeledSamples(120)}
	registry := newMemRegistry()
	orders := &memOrders{}
	svc := newTestService(store, registry, orders)

	outcome, err := svc.Train(context.Background(), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if outcome.State != domain.StateFullyFitted {
		t.Fatalf("state = %s, want %s (reasons %v)", outcome.State, domain.StateFullyFitted, outcome.Reasons)
	}
	if outcome.Version != 1 || !outcome.Promoted {
		t.Fatalf("first healthy generation should promote as version 1, got %+v", outcome)
	}
	if outcome.Ensemble == nil || outcome.Ensemble.Version() != 1 {
		t.Fatal("outcome must carry the versioned ensemble")
	}
	if len(registry.versions) != 1 {
		t.Fatalf("registry should hold 1 version, has %d", len(registry.versions))
	}
	if registry.versions[0].ArtifactFormat != ensemble.BundleFormat {
		t.Fatalf("artifact format = %s", registry.versions[0].ArtifactFormat)
	}
	if orders.saves != 1 || orders.invalidates != 1 {
		t.Fatalf("promotion must persist the feature order and drop the cache: saves=%d invalidates=%d", orders.saves, orders.invalidates)
	}
	// The persisted order is the one the bundle was trained against.
	restored, err := ensemble.UnmarshalBundle(registry.versions[0].ArtifactBlob)
	if err != nil {
		t.Fatalf("stored bundle does not round trip: %v", err)
	}
	names := restored.FeatureNames()
	if len(names) != len(orders.order) {
		t.Fatalf("stored order %v disagrees with bundle names %v", orders.order, names)
	}
	for i := range names {
		if names[i] != orders.order[i] {
			t.Fatalf("order mismatch at %d: %s vs %s", i, orders.order[i], names[i])
		}
	}
}

func TestTrainTinyWindowStaysUnfit(t *testing.T) {
	store := &memSampleStore{samples: labeledSamples(5)}
	registry := newMemRegistry()
	orders := &memOrders{}
	svc := newTestService(store, registry, orders)

	outcome, err := svc.Train(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if outcome.State != domain.StateUnfit {
		t.Fatalf("state = %s, want %s", outcome.State, domain.StateUnfit)
	}
	if len(outcome.Reasons) == 0 {
		t.Fatal("unfit outcome must explain itself")
	}
	if len(registry.versions) != 0 || orders.saves != 0 {
		t.Fatal("a failed fit must leave no trace in the registry or order store")
	}
}

func TestTrainSkipsUnlabeledSamples(t *testing.T) {
	samples := labeledSamples(120)
	for i := 40; i < len(samples); i++ {
		samples[i].Label = nil
	}
	store := &memSampleStore{samples: samples}
	svc := newTestService(store, newMemRegistry(), &memOrders{})

	outcome, err := svc.Train(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if outcome.State != domain.StateFullyFitted {
		t.Fatalf("40 labeled rows should still fit, got %s (%v)", outcome.State, outcome.Reasons)
	}
	if outcome.SampleCount != 40 {
		t.Fatalf("sample count = %d, want 40 labeled rows", outcome.SampleCount)
	}
}

func TestTrainRespectsStoredFeatureOrder(t *testing.T) {
	store := &memSampleStore{samples: labeledSamples(120)}
	orders := &memOrders{order: []string{"volume_ratio", "momentum", "rsi"}}
	svc := newTestService(store, newMemRegistry(), orders)

	outcome, err := svc.Train(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	names := outcome.Ensemble.FeatureNames()
	want := []string{"volume_ratio", "momentum", "rsi"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("training must honor the stored column order, got %v", names)
	}
}

func TestTrainPromotesOnlyOnImprovement(t *testing.T) {
	store := &memSampleStore{samples: labeledSamples(120)}
	registry := newMemRegistry()
	orders := &memOrders{}
	svc := newTestService(store, registry, orders)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	first, err := svc.Train(context.Background(), now)
	if err != nil || !first.Promoted {
		t.Fatalf("setup: first train should promote (err=%v, outcome=%+v)", err, first)
	}

	// Pretend the live generation already ranks perfectly on a large window.
	registry.versions[0].MetricsJSON = `{"auc":0.999,"n":500}`

	second, err := svc.Train(context.Background(), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if second.State != domain.StateFullyFitted || second.Version != 2 {
		t.Fatalf("second train should fit as version 2: %+v", second)
	}
	if second.Promoted {
		t.Fatal("a generation that does not beat the active AUC must not promote")
	}
	if registry.active[ModelKeyEnsemble] != 1 {
		t.Fatalf("active version changed to %d", registry.active[ModelKeyEnsemble])
	}
}

func TestBuildDatasetFillsMissingWithNaN(t *testing.T) {
	up := true
	down := false
	samples := []domain.TrainingSample{
		{Features: domain.FeatureVector{"a": 1, "b": 2}, Label: &up},
		{Features: domain.FeatureVector{"a": 3}, Label: &down},
	}
	ds, labels := buildDataset(samples, []string{"a", "b"})
	if len(ds.Rows) != 2 || len(labels) != 2 {
		t.Fatalf("unexpected shape: %d rows, %d labels", len(ds.Rows), len(labels))
	}
	if !math.IsNaN(ds.Rows[1][1]) {
		t.Fatalf("missing feature should be NaN for the cleaner, got %v", ds.Rows[1][1])
	}
	if labels[0] != 1 || labels[1] != 0 {
		t.Fatalf("labels mis-mapped: %v", labels)
	}
}

func TestBuildDatasetAppendsDriftedFeatures(t *testing.T) {
	up := true
	samples := []domain.TrainingSample{
		{Features: domain.FeatureVector{"a": 1, "z_new": 9, "m_new": 4}, Label: &up},
	}
	ds, _ := buildDataset(samples, []string{"a"})
	want := []string{"a", "m_new", "z_new"}
	if fmt.Sprint(ds.Columns) != fmt.Sprint(want) {
		t.Fatalf("drifted columns should append in sorted order, got %v", ds.Columns)
	}
}
