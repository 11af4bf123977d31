package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/ensemble"
	"signal-stack/internal/ml/training"

	"go.opentelemetry.io/otel/trace"
)

type memModelStore struct {
	active *domain.MLModelVersion
	err    error
}

func (m *memModelStore) GetActiveModel(ctx context.Context, modelKey string) (*domain.MLModelVersion, error) {
	return m.active, m.err
}

type memOrderManager struct {
	order []string
	err   error
}

func (m *memOrderManager) LoadOrder(ctx context.Context) ([]string, error) {
	return m.order, m.err
}

type memDecisionLog struct {
	records []domain.DecisionRecord
	rate    float64
}

func (m *memDecisionLog) InsertDecision(ctx context.Context, record domain.DecisionRecord) (*domain.DecisionRecord, error) {
	record.ID = int64(len(m.records) + 1)
	record.CreatedAt = time.Now().UTC()
	m.records = append(m.records, record)
	return &record, nil
}

func (m *memDecisionLog) ListRecent(ctx context.Context, symbol string, limit int) ([]domain.DecisionRecord, error) {
	out := []domain.DecisionRecord{}
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].Symbol == symbol {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *memDecisionLog) FallbackRate(ctx context.Context, window int) (float64, error) {
	return m.rate, nil
}

type stubTrainer struct {
	outcome training.TrainOutcome
	err     error
	calls   int
}

func (s *stubTrainer) Train(ctx context.Context, now time.Time) (training.TrainOutcome, error) {
	s.calls++
	return s.outcome, s.err
}

func testTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("test")
}

func fittedEnsemble(t *testing.T, names []string) *ensemble.Ensemble {
	t.Helper()
	var samples [][]float64
	var labels []float64
	for i := 0; i < 40; i++ {
		row := make([]float64, len(names))
		signal := -1.0
		if i%2 == 0 {
			signal = 1.0
		}
		row[0] = signal + 0.05*float64(i%5)
		for j := 1; j < len(row); j++ {
			row[j] = float64((i*j)%7) * 0.1
		}
		samples = append(samples, row)
		if signal > 0 {
			labels = append(labels, 1)
		} else {
			labels = append(labels, 0)
		}
	}
	cfg := ensemble.DefaultConfig()
	result := training.Fit(cfg, domain.Dataset{Columns: names, Rows: samples}, labels)
	if result.State != domain.StateFullyFitted {
		t.Fatalf("fixture fit failed: %v", result.Report.Reasons)
	}
	return result.Ensemble
}

func TestPredictUnfitServesNeutral(t *testing.T) {
	decisionLog := &memDecisionLog{}
	svc := NewEnsembleService(testTracer(), nil, &memModelStore{}, &memOrderManager{}, decisionLog, &stubTrainer{}, nil)

	decision := svc.Predict(context.Background(), "BTCUSDT", domain.FeatureVector{"momentum": 1}, domain.MarketContext{})
	if decision.Mode != domain.ModeFallback {
		t.Fatalf("unfit service must answer in fallback mode, got %s", decision.Mode)
	}
	if decision.Symbol != "BTCUSDT" {
		t.Fatalf("decision lost its symbol: %q", decision.Symbol)
	}
	if len(decisionLog.records) != 1 {
		t.Fatalf("every decision must hit the audit log, got %d records", len(decisionLog.records))
	}
	if decisionLog.records[0].Mode != domain.ModeFallback {
		t.Fatalf("logged mode = %s", decisionLog.records[0].Mode)
	}
}

func TestLoadActiveRestoresBundle(t *testing.T) {
	names := []string{"momentum", "rsi", "volume_ratio"}
	e := fittedEnsemble(t, names)
	blob, err := e.MarshalBundle()
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	models := &memModelStore{active: &domain.MLModelVersion{
		ModelKey:       training.ModelKeyEnsemble,
		Version:        4,
		ArtifactFormat: ensemble.BundleFormat,
		ArtifactBlob:   blob,
		IsActive:       true,
	}}
	orders := &memOrderManager{order: names}
	controller := ensemble.NewController(nil)
	svc := NewEnsembleService(testTracer(), controller, models, orders, &memDecisionLog{}, &stubTrainer{}, nil)

	if err := svc.LoadActive(context.Background()); err != nil {
		t.Fatalf("load active: %v", err)
	}
	if got := controller.State(); got != domain.StateFullyFitted {
		t.Fatalf("state after restore = %s", got)
	}
	decision := svc.Predict(context.Background(), "ETHUSDT",
		domain.FeatureVector{"momentum": 1.2, "rsi": 60, "volume_ratio": 0.1},
		domain.MarketContext{Volatility: 0.02, VolumeRatio: 1})
	if decision.Mode != domain.ModeNormal {
		t.Fatalf("restored service should serve normal decisions, got %s", decision.Mode)
	}
	if decision.ModelVersion != 4 {
		t.Fatalf("decision version = %d, want 4", decision.ModelVersion)
	}
}

func TestLoadActiveRejectsOrderMismatch(t *testing.T) {
	names := []string{"momentum", "rsi"}
	e := fittedEnsemble(t, names)
	blob, err := e.MarshalBundle()
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	models := &memModelStore{active: &domain.MLModelVersion{Version: 2, ArtifactBlob: blob}}
	// Stored order disagrees in position with the bundle's training order.
	orders := &memOrderManager{order: []string{"rsi", "momentum"}}
	controller := ensemble.NewController(nil)
	svc := NewEnsembleService(testTracer(), controller, models, orders, &memDecisionLog{}, &stubTrainer{}, nil)

	if err := svc.LoadActive(context.Background()); err == nil {
		t.Fatal("misordered bundle must not load")
	}
	if got := controller.State(); got != domain.StateUnfit {
		t.Fatalf("state after rejected load = %s, want %s", got, domain.StateUnfit)
	}
}

func TestLoadActiveWithoutModelStaysUnfit(t *testing.T) {
	controller := ensemble.NewController(nil)
	svc := NewEnsembleService(testTracer(), controller, &memModelStore{}, &memOrderManager{}, &memDecisionLog{}, &stubTrainer{}, nil)
	if err := svc.LoadActive(context.Background()); err != nil {
		t.Fatalf("empty registry is not an error: %v", err)
	}
	if got := controller.State(); got != domain.StateUnfit {
		t.Fatalf("state = %s, want %s", got, domain.StateUnfit)
	}
}

func TestTrainNowPublishesPromotedGeneration(t *testing.T) {
	names := []string{"momentum", "rsi"}
	e := fittedEnsemble(t, names)
	e.SetVersion(9)
	trainer := &stubTrainer{outcome: training.TrainOutcome{
		State:    domain.StateFullyFitted,
		Version:  9,
		Promoted: true,
		Ensemble: e,
	}}
	controller := ensemble.NewController(nil)
	svc := NewEnsembleService(testTracer(), controller, &memModelStore{}, &memOrderManager{order: names}, &memDecisionLog{}, trainer, nil)

	outcome, err := svc.TrainNow(context.Background())
	if err != nil {
		t.Fatalf("train now: %v", err)
	}
	if !outcome.Promoted {
		t.Fatalf("outcome lost promotion flag: %+v", outcome)
	}
	if got := controller.State(); got != domain.StateFullyFitted {
		t.Fatalf("promoted generation should be serving, state = %s", got)
	}
	if controller.Current().Version() != 9 {
		t.Fatalf("serving version = %d, want 9", controller.Current().Version())
	}
}

func TestTrainNowUnfitOutcomeDoesNotPublish(t *testing.T) {
	trainer := &stubTrainer{outcome: training.TrainOutcome{
		State:   domain.StateUnfit,
		Reasons: []string{"insufficient samples"},
	}}
	controller := ensemble.NewController(nil)
	svc := NewEnsembleService(testTracer(), controller, &memModelStore{}, &memOrderManager{}, &memDecisionLog{}, trainer, nil)

	outcome, err := svc.TrainNow(context.Background())
	if err != nil {
		t.Fatalf("train now: %v", err)
	}
	if outcome.State != domain.StateUnfit {
		t.Fatalf("state = %s", outcome.State)
	}
	if got := controller.State(); got != domain.StateUnfit {
		t.Fatalf("controller state = %s, want %s", got, domain.StateUnfit)
	}
}

func TestTrainNowPropagatesStoreErrors(t *testing.T) {
	trainer := &stubTrainer{err: errors.New("db down")}
	svc := NewEnsembleService(testTracer(), nil, &memModelStore{}, &memOrderManager{}, &memDecisionLog{}, trainer, nil)
	if _, err := svc.TrainNow(context.Background()); err == nil {
		t.Fatal("store errors must surface to the caller")
	}
}

func TestLatestDecisionFallsBackToLog(t *testing.T) {
	decisionLog := &memDecisionLog{}
	svc := NewEnsembleService(testTracer(), nil, &memModelStore{}, &memOrderManager{}, decisionLog, &stubTrainer{}, nil)

	svc.Predict(context.Background(), "BTCUSDT", domain.FeatureVector{}, domain.MarketContext{})

	latest, err := svc.LatestDecision(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("latest decision: %v", err)
	}
	if latest == nil || latest.Symbol != "BTCUSDT" {
		t.Fatalf("expected the logged decision back, got %+v", latest)
	}

	none, err := svc.LatestDecision(context.Background(), "DOGEUSDT")
	if err != nil || none != nil {
		t.Fatalf("unknown symbol should return nil, nil; got %+v, %v", none, err)
	}
}

func TestStatusReportsStateAndFallbackRate(t *testing.T) {
	decisionLog := &memDecisionLog{rate: 0.25}
	controller := ensemble.NewController(nil)
	svc := NewEnsembleService(testTracer(), controller, &memModelStore{}, &memOrderManager{}, decisionLog, &stubTrainer{}, nil)

	status := svc.Status(context.Background())
	if status.State != domain.StateUnfit {
		t.Fatalf("status state = %s", status.State)
	}
	if status.FallbackRate != 0.25 {
		t.Fatalf("fallback rate = %v", status.FallbackRate)
	}
}
