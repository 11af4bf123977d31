package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/training"
	"signal-stack/internal/service"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

type deciderStub struct {
	decision     domain.TradingDecision
	latest       *domain.TradingDecision
	outcome      training.TrainOutcome
	trainErr     error
	status       service.Status
	lastSymbol   string
	lastFeatures domain.FeatureVector
}

func (s *deciderStub) Predict(ctx context.Context, symbol string, features domain.FeatureVector, mc domain.MarketContext) domain.TradingDecision {
	s.lastSymbol = symbol
	s.lastFeatures = features
	d := s.decision
	d.Symbol = symbol
	return d
}

func (s *deciderStub) TrainNow(ctx context.Context) (training.TrainOutcome, error) {
	return s.outcome, s.trainErr
}

func (s *deciderStub) LatestDecision(ctx context.Context, symbol string) (*domain.TradingDecision, error) {
	return s.latest, nil
}

func (s *deciderStub) Status(ctx context.Context) service.Status {
	return s.status
}

type catalogStub struct {
	active   *domain.MLModelVersion
	versions []domain.MLModelVersion
	err      error
}

func (s *catalogStub) GetActiveModel(ctx context.Context, modelKey string) (*domain.MLModelVersion, error) {
	return s.active, s.err
}

func (s *catalogStub) ListVersions(ctx context.Context, modelKey string, limit int) ([]domain.MLModelVersion, error) {
	return s.versions, s.err
}

type sampleSinkStub struct {
	rows []domain.TrainingSample
	err  error
}

func (s *sampleSinkStub) UpsertSamples(ctx context.Context, rows []domain.TrainingSample) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, rows...)
	return nil
}

func newTestRouter(decider *deciderStub, catalog *catalogStub, apiKey string) *gin.Engine {
	return newTestRouterWithSink(decider, catalog, &sampleSinkStub{}, apiKey)
}

func newTestRouterWithSink(decider *deciderStub, catalog *catalogStub, sink *sampleSinkStub, apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	tracer := trace.NewNoopTracerProvider().Tracer("handler-test")
	h := New(tracer, decider, catalog, sink, apiKey)
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func TestPredictReturnsDecision(t *testing.T) {
	decider := &deciderStub{decision: domain.TradingDecision{
		PredictedClass: 1,
		ProbUp:         0.73,
		Confidence:     0.61,
		Mode:           domain.ModeNormal,
		ModelVersion:   3,
	}}
	router := newTestRouter(decider, &catalogStub{}, "")

	body := `{"symbol":"btcusdt","features":{"momentum":1.2,"rsi":61},"market_context":{"volatility":0.02}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var decision domain.TradingDecision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if decision.Symbol != "BTCUSDT" {
		t.Fatalf("symbol should upper-case, got %q", decision.Symbol)
	}
	if decision.ProbUp != 0.73 || decision.ModelVersion != 3 {
		t.Fatalf("decision payload lost fields: %+v", decision)
	}
	if decider.lastFeatures["momentum"] != 1.2 {
		t.Fatalf("features not forwarded: %v", decider.lastFeatures)
	}
}

func TestPredictRejectsMissingFeatures(t *testing.T) {
	router := newTestRouter(&deciderStub{}, &catalogStub{}, "")

	for _, body := range []string{
		`{"symbol":"BTCUSDT"}`,
		`{"symbol":"BTCUSDT","features":{}}`,
		`{"features":{"a":1}}`,
		`not json`,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestTriggerTrainingReturnsOutcome(t *testing.T) {
	decider := &deciderStub{outcome: training.TrainOutcome{
		State:       domain.StateFullyFitted,
		Version:     2,
		SampleCount: 240,
		Promoted:    true,
	}}
	router := newTestRouter(decider, &catalogStub{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ml/train", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var outcome training.TrainOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if outcome.Version != 2 || !outcome.Promoted {
		t.Fatalf("unexpected outcome payload: %+v", outcome)
	}
}

func TestTriggerTrainingUnfitIsStillOK(t *testing.T) {
	decider := &deciderStub{outcome: training.TrainOutcome{
		State:   domain.StateUnfit,
		Reasons: []string{"insufficient samples: got 5 need >= 20"},
	}}
	router := newTestRouter(decider, &catalogStub{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ml/train", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("validation failure is a payload, not an HTTP error; got %d", w.Code)
	}
	var outcome training.TrainOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if outcome.State != domain.StateUnfit || len(outcome.Reasons) == 0 {
		t.Fatalf("unfit outcome lost its reasons: %+v", outcome)
	}
}

func TestTriggerTrainingConflictWhileRunning(t *testing.T) {
	decider := &deciderStub{trainErr: service.ErrTrainingInProgress}
	router := newTestRouter(decider, &catalogStub{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ml/train", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestTriggerTrainingFailure(t *testing.T) {
	decider := &deciderStub{trainErr: errors.New("db down")}
	router := newTestRouter(decider, &catalogStub{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ml/train", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestTriggerTrainingRequiresAPIKey(t *testing.T) {
	router := newTestRouter(&deciderStub{}, &catalogStub{}, "secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ml/train", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/ml/train", nil)
	req.Header.Set("X-API-Key", "wrong")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong key: expected 403, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/ml/train", nil)
	req.Header.Set("X-API-Key", "secret")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid key: expected 200, got %d", w.Code)
	}
}

func TestGetModel(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	catalog := &catalogStub{
		active: &domain.MLModelVersion{Version: 3, IsActive: true, TrainedAt: now, MetricsJSON: `{"auc":0.71}`},
		versions: []domain.MLModelVersion{
			{Version: 3, IsActive: true, TrainedAt: now},
			{Version: 2, TrainedAt: now.Add(-24 * time.Hour)},
		},
	}
	router := newTestRouter(&deciderStub{}, catalog, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ml/model", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Active   *modelSummary  `json:"active"`
		Versions []modelSummary `json:"versions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body.Active == nil || body.Active.Version != 3 {
		t.Fatalf("active summary missing: %+v", body)
	}
	if len(body.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(body.Versions))
	}
}

func TestLatestDecision(t *testing.T) {
	decider := &deciderStub{latest: &domain.TradingDecision{Symbol: "BTCUSDT", ProbUp: 0.6}}
	router := newTestRouter(decider, &catalogStub{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/decisions/btcusdt/latest", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	router = newTestRouter(&deciderStub{}, &catalogStub{}, "")
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/decisions/none/latest", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestIngestSamples(t *testing.T) {
	sink := &sampleSinkStub{}
	router := newTestRouterWithSink(&deciderStub{}, &catalogStub{}, sink, "")

	body := `{"samples":[
		{"symbol":"btcusdt","interval":"1h","open_time":"2026-05-01T12:00:00Z","features":{"momentum":1.2},"label":true},
		{"symbol":"ethusdt","interval":"1h","open_time":"2026-05-01T12:00:00Z","features":{"momentum":-0.4}}
	]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/samples", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(sink.rows) != 2 {
		t.Fatalf("expected 2 ingested rows, got %d", len(sink.rows))
	}
	if sink.rows[0].Symbol != "BTCUSDT" || sink.rows[0].Label == nil || !*sink.rows[0].Label {
		t.Fatalf("labeled row mangled: %+v", sink.rows[0])
	}
	if sink.rows[1].Label != nil {
		t.Fatalf("unlabeled row grew a label: %+v", sink.rows[1])
	}
}

func TestIngestSamplesRejectsBadPayloads(t *testing.T) {
	router := newTestRouter(&deciderStub{}, &catalogStub{}, "")

	for _, body := range []string{
		`{"samples":[]}`,
		`{"samples":[{"symbol":"BTCUSDT","interval":"1h","open_time":"2026-05-01T12:00:00Z","features":{}}]}`,
		`{}`,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/samples", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestHealthReportsEnsembleState(t *testing.T) {
	decider := &deciderStub{status: service.Status{
		State:        domain.StateFullyFitted,
		ModelVersion: 5,
		FallbackRate: 0.02,
	}}
	router := newTestRouter(decider, &catalogStub{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body["status"] != "healthy" || body["ensemble"] != string(domain.StateFullyFitted) {
		t.Fatalf("unexpected health payload: %v", body)
	}
	if body["model_version"].(float64) != 5 {
		t.Fatalf("model version missing: %v", body)
	}
}
