package ensemble

import (
	"signal-stack/internal/domain"
	"signal-stack/internal/ml/meta"
	"signal-stack/internal/ml/models"
)

// Config fixes the combination behavior of one ensemble at fit time. The
// trading-metric weights and threshold deltas are hand-tuned defaults carried
// over from live tuning, exposed as configuration rather than constants.
type Config struct {
	Method domain.CombinationMethod
	Kinds  []models.Kind

	BaseThreshold      float64
	HighVolCutoff      float64
	ModerateVolCutoff  float64
	LowVolCutoff       float64
	HighVolAdjustment  float64
	ModerateAdjustment float64
	LowVolAdjustment   float64
	ThresholdFloor     float64
	ThresholdCeiling   float64

	WinWeight      float64
	SharpeWeight   float64
	DrawdownWeight float64

	MaxPositionFraction float64
	PositionCap         float64

	CVFolds         int
	MinTrainSamples int
}

func DefaultConfig() Config {
	return Config{
		Method:              domain.MethodStacking,
		Kinds:               append([]models.Kind(nil), models.DefaultKinds...),
		BaseThreshold:       0.5,
		HighVolCutoff:       0.05,
		ModerateVolCutoff:   0.03,
		LowVolCutoff:        0.015,
		HighVolAdjustment:   0.10,
		ModerateAdjustment:  0.05,
		LowVolAdjustment:    -0.05,
		ThresholdFloor:      0.3,
		ThresholdCeiling:    0.8,
		WinWeight:           0.3,
		SharpeWeight:        0.4,
		DrawdownWeight:      0.2,
		MaxPositionFraction: 0.10,
		PositionCap:         0.15,
		CVFolds:             meta.DefaultFolds,
		MinTrainSamples:     20,
	}
}

// Normalized fills zero values with defaults and clamps the base threshold to
// its documented valid range.
func (c Config) Normalized() Config {
	d := DefaultConfig()
	if c.Method == "" {
		c.Method = d.Method
	}
	if len(c.Kinds) == 0 {
		c.Kinds = d.Kinds
	}
	if c.BaseThreshold < 0.35 || c.BaseThreshold > 0.65 {
		c.BaseThreshold = d.BaseThreshold
	}
	if c.HighVolCutoff <= 0 {
		c.HighVolCutoff = d.HighVolCutoff
	}
	if c.ModerateVolCutoff <= 0 {
		c.ModerateVolCutoff = d.ModerateVolCutoff
	}
	if c.LowVolCutoff <= 0 {
		c.LowVolCutoff = d.LowVolCutoff
	}
	if c.HighVolAdjustment == 0 {
		c.HighVolAdjustment = d.HighVolAdjustment
	}
	if c.ModerateAdjustment == 0 {
		c.ModerateAdjustment = d.ModerateAdjustment
	}
	if c.LowVolAdjustment == 0 {
		c.LowVolAdjustment = d.LowVolAdjustment
	}
	if c.ThresholdFloor <= 0 {
		c.ThresholdFloor = d.ThresholdFloor
	}
	if c.ThresholdCeiling <= 0 || c.ThresholdCeiling <= c.ThresholdFloor {
		c.ThresholdCeiling = d.ThresholdCeiling
	}
	if c.WinWeight <= 0 {
		c.WinWeight = d.WinWeight
	}
	if c.SharpeWeight <= 0 {
		c.SharpeWeight = d.SharpeWeight
	}
	if c.DrawdownWeight == 0 {
		c.DrawdownWeight = d.DrawdownWeight
	}
	if c.MaxPositionFraction <= 0 {
		c.MaxPositionFraction = d.MaxPositionFraction
	}
	if c.PositionCap <= 0 {
		c.PositionCap = d.PositionCap
	}
	if c.CVFolds <= 1 {
		c.CVFolds = d.CVFolds
	}
	if c.MinTrainSamples <= 0 {
		c.MinTrainSamples = d.MinTrainSamples
	}
	return c
}
