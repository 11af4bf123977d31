package domain

import "time"

// EnsembleState tracks the lifecycle of an ensemble instance.
type EnsembleState string

const (
	StateUnfit            EnsembleState = "unfit"
	StateFullyFitted      EnsembleState = "fully_fitted"
	StateDegradedFallback EnsembleState = "degraded_fallback"
)

// DecisionMode distinguishes genuine predictions from pinned fallback output.
type DecisionMode string

const (
	ModeNormal   DecisionMode = "normal"
	ModeFallback DecisionMode = "fallback"
)

type MarketRegime string

const (
	RegimeCrisis   MarketRegime = "crisis"
	RegimeVolatile MarketRegime = "volatile"
	RegimeCalm     MarketRegime = "calm"
	RegimeNormal   MarketRegime = "normal"
)

// CombinationMethod selects how base-estimator outputs are merged. Fixed at fit time.
type CombinationMethod string

const (
	MethodStacking          CombinationMethod = "stacking"
	MethodRiskWeighted      CombinationMethod = "risk_weighted"
	MethodPerformanceVoting CombinationMethod = "performance_voting"
)

// FeatureVector is a named, unordered feature set as supplied by the upstream
// feature producer. Ordering and validation happen in this service.
type FeatureVector map[string]float64

// Dataset is a named-column training matrix. Row length must equal len(Columns).
type Dataset struct {
	Columns []string
	Rows    [][]float64
}

// MarketContext carries the externally supplied volatility/sentiment signals
// used for regime classification and dynamic thresholding.
type MarketContext struct {
	Volatility  float64 `json:"volatility"`
	Sentiment   float64 `json:"sentiment"`
	VolumeRatio float64 `json:"volume_ratio"`
}

// TradingDecision is the immutable output of one prediction call.
type TradingDecision struct {
	Symbol           string       `json:"symbol,omitempty"`
	PredictedClass   int          `json:"predicted_class"`
	ProbUp           float64      `json:"prob_up"`
	ProbVector       []float64    `json:"prob_vector"`
	Confidence       float64      `json:"confidence"`
	DynamicThreshold float64      `json:"dynamic_threshold"`
	Regime           MarketRegime `json:"market_regime"`
	PositionSize     float64      `json:"position_size"`
	Mode             DecisionMode `json:"mode"`
	ModelVersion     int          `json:"model_version"`
	CreatedAt        time.Time    `json:"created_at"`
}

// FeatureOrderRecord is the persisted canonical feature-name sequence.
type FeatureOrderRecord struct {
	FeatureOrder []string  `json:"feature_order"`
	NumFeatures  int       `json:"num_features"`
	Timestamp    time.Time `json:"timestamp"`
}

// MLModelVersion is one versioned, persisted ensemble bundle.
type MLModelVersion struct {
	ID                 int64
	ModelKey           string
	Version            int
	FeatureSpecVersion string
	TrainedFrom        time.Time
	TrainedTo          time.Time
	TrainedAt          time.Time
	HyperparamsJSON    string
	MetricsJSON        string
	ArtifactFormat     string
	ArtifactBlob       []byte
	IsActive           bool
	ActivatedAt        *time.Time
	CreatedAt          time.Time
}

// TrainingSample is one labeled feature row from the sample store. Label is nil
// until the outcome window has closed.
type TrainingSample struct {
	ID        int64
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Features  FeatureVector
	Label     *bool
	CreatedAt time.Time
}

// ConversationMessage is one turn of an advisor chat.
type ConversationMessage struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// DecisionRecord is the audit-log row written for every served decision.
type DecisionRecord struct {
	ID               int64
	Symbol           string
	PredictedClass   int
	ProbUp           float64
	Confidence       float64
	DynamicThreshold float64
	Regime           MarketRegime
	PositionSize     float64
	Mode             DecisionMode
	ModelVersion     int
	DetailsJSON      string
	CreatedAt        time.Time
}
