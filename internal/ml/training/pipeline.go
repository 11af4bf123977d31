package training

import (
	"fmt"
	"log"
	"math"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/ensemble"
	"signal-stack/internal/ml/meta"
	"signal-stack/internal/ml/models"
	"signal-stack/internal/ml/models/logreg"
)

const (
	maxFeatureNaNRatio = 0.5
	maxLabelNaNRatio   = 0.3
)

// ValidationReport captures every precondition check on a fit request. A
// failed report converts to the unfit state, never to an error on the caller.
type ValidationReport struct {
	OK             bool
	Reasons        []string
	SampleCount    int
	FeatureCount   int
	NaNRatioX      float64
	NaNRatioY      float64
	DistinctLabels int
}

// FitResult is the outcome of one training run.
type FitResult struct {
	State         domain.EnsembleState
	Ensemble      *ensemble.Ensemble
	Report        ValidationReport
	NativeCount   int
	FallbackCount int
	Metrics       map[string]float64
}

// Validate applies the fail-closed fit preconditions to the raw input.
func Validate(ds domain.Dataset, labels []float64, minSamples int) ValidationReport {
	report := ValidationReport{
		SampleCount:  len(ds.Rows),
		FeatureCount: len(ds.Columns),
	}
	if len(ds.Rows) == 0 || len(ds.Columns) == 0 {
		report.Reasons = append(report.Reasons, "empty feature matrix")
	}
	if len(labels) == 0 {
		report.Reasons = append(report.Reasons, "empty label vector")
	}
	if len(ds.Rows) != len(labels) {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("length mismatch: %d rows vs %d labels", len(ds.Rows), len(labels)))
	}
	n := len(ds.Rows)
	if len(labels) < n {
		n = len(labels)
	}
	if n < minSamples {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("insufficient samples: got %d need >= %d", n, minSamples))
	}

	totalCells := 0
	nanCells := 0
	for i := 0; i < n; i++ {
		for _, v := range ds.Rows[i] {
			totalCells++
			if math.IsNaN(v) || math.IsInf(v, 0) {
				nanCells++
			}
		}
	}
	if totalCells > 0 {
		report.NaNRatioX = float64(nanCells) / float64(totalCells)
		if report.NaNRatioX >= maxFeatureNaNRatio {
			report.Reasons = append(report.Reasons,
				fmt.Sprintf("feature NaN ratio %.2f exceeds %.2f", report.NaNRatioX, maxFeatureNaNRatio))
		}
	}

	nanLabels := 0
	distinct := make(map[float64]struct{}, 2)
	for i := 0; i < n; i++ {
		if math.IsNaN(labels[i]) {
			nanLabels++
			continue
		}
		distinct[labels[i]] = struct{}{}
	}
	if n > 0 {
		report.NaNRatioY = float64(nanLabels) / float64(n)
		if report.NaNRatioY >= maxLabelNaNRatio {
			report.Reasons = append(report.Reasons,
				fmt.Sprintf("label NaN ratio %.2f exceeds %.2f", report.NaNRatioY, maxLabelNaNRatio))
		}
	}
	report.DistinctLabels = len(distinct)
	if len(distinct) < 2 {
		report.Reasons = append(report.Reasons, "labels contain fewer than 2 distinct values")
	}

	report.OK = len(report.Reasons) == 0
	return report
}

// Clean aligns and repairs the dataset: positional truncation to the shorter
// of rows/labels, removal of rows that are fully NaN or have a NaN label,
// then forward-fill, back-fill and zero-fill per column. Lossy but
// deterministic.
func Clean(ds domain.Dataset, labels []float64) (domain.Dataset, []float64) {
	n := len(ds.Rows)
	if len(labels) < n {
		n = len(labels)
	}
	cols := len(ds.Columns)

	rows := make([][]float64, 0, n)
	kept := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(labels[i]) {
			continue
		}
		row := ds.Rows[i]
		if len(row) != cols {
			continue
		}
		allNaN := true
		for _, v := range row {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				allNaN = false
				break
			}
		}
		if allNaN {
			continue
		}
		rows = append(rows, append([]float64(nil), row...))
		kept = append(kept, labels[i])
	}

	for j := 0; j < cols; j++ {
		last := math.NaN()
		for i := range rows {
			if bad(rows[i][j]) {
				rows[i][j] = last
			} else {
				last = rows[i][j]
			}
		}
		next := math.NaN()
		for i := len(rows) - 1; i >= 0; i-- {
			if bad(rows[i][j]) {
				rows[i][j] = next
			} else {
				next = rows[i][j]
			}
		}
		for i := range rows {
			if bad(rows[i][j]) {
				rows[i][j] = 0
			}
		}
	}

	return domain.Dataset{Columns: append([]string(nil), ds.Columns...), Rows: rows}, kept
}

// Fit runs the full training pipeline and returns a result whose State field
// carries success or failure; it never returns an error value.
func Fit(cfg ensemble.Config, ds domain.Dataset, labels []float64) FitResult {
	cfg = cfg.Normalized()

	report := Validate(ds, labels, cfg.MinTrainSamples)
	if !report.OK {
		log.Printf("training: validation failed, staying unfit: %v", report.Reasons)
		return FitResult{State: domain.StateUnfit, Report: report}
	}

	cleaned, cleanLabels := Clean(ds, labels)
	if len(cleaned.Rows) < cfg.MinTrainSamples {
		report.OK = false
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("only %d usable rows after cleaning, need >= %d", len(cleaned.Rows), cfg.MinTrainSamples))
		log.Printf("training: %v", report.Reasons)
		return FitResult{State: domain.StateUnfit, Report: report}
	}

	fitted, lineup := fitEstimators(cfg.Kinds, cleaned, cleanLabels)
	if len(fitted) == 0 {
		report.OK = false
		report.Reasons = append(report.Reasons, "no estimator could be fitted, even via fallback")
		log.Printf("training: %v", report.Reasons)
		return FitResult{State: domain.StateUnfit, Report: report}
	}

	oof, err := meta.OutOfFold(lineup, cleaned.Rows, cleanLabels, cleaned.Columns, cfg.CVFolds)
	if err != nil {
		report.OK = false
		report.Reasons = append(report.Reasons, "out-of-fold generation failed: "+err.Error())
		return FitResult{State: domain.StateUnfit, Report: report}
	}

	stats := estimatorStats(oof, cleanLabels, len(lineup))

	var metaModel *logreg.Model
	if cfg.Method == domain.MethodStacking {
		metaModel, err = logreg.Train(oof, cleanLabels, metaFeatureNames(lineup), logreg.DefaultTrainOptions())
		if err != nil {
			// The base lineup is intact; stacking degrades to a mean vote
			// inside the engine rather than failing the whole fit.
			log.Printf("training: meta-model fit failed, stacking will fall back to mean vote: %v", err)
			metaModel = nil
		}
	}

	e := ensemble.New(cfg, cleaned.Columns, fitted, metaModel, stats)

	result := FitResult{
		State:         domain.StateFullyFitted,
		Ensemble:      e,
		Report:        report,
		NativeCount:   e.NativeCount(),
		FallbackCount: e.FallbackCount(),
		Metrics:       combinedMetrics(oof, cleanLabels, len(lineup)),
	}
	log.Printf("training: fitted %d estimators (%d native, %d fallback), auc=%.4f",
		len(fitted), result.NativeCount, result.FallbackCount, result.Metrics["auc"])
	return result
}

// fitEstimators fits each configured kind on the full cleaned dataset,
// substituting the fallback linear model per slot on failure or when the
// family minimum is not met. Slots where even the fallback fails are dropped.
func fitEstimators(kinds []models.Kind, ds domain.Dataset, labels []float64) ([]models.Fitted, []models.Kind) {
	fitted := make([]models.Fitted, 0, len(kinds))
	lineup := make([]models.Kind, 0, len(kinds))
	for _, kind := range kinds {
		var est models.Estimator
		var err error
		native := true
		if len(ds.Rows) < models.MinSamples(kind) {
			err = fmt.Errorf("%d samples below family minimum %d", len(ds.Rows), models.MinSamples(kind))
		} else {
			est, err = models.Train(kind, ds.Rows, labels, ds.Columns)
		}
		if err != nil {
			log.Printf("training: %s fit failed (%v), substituting fallback linear model", kind, err)
			native = false
			est, err = models.Train(models.KindFallbackLinear, ds.Rows, labels, ds.Columns)
			if err != nil {
				log.Printf("training: fallback fit for %s slot also failed: %v", kind, err)
				continue
			}
		}
		fitted = append(fitted, models.Fitted{Kind: kind, Native: native, Estimator: est})
		lineup = append(lineup, kind)
	}
	return fitted, lineup
}

// estimatorStats derives per-slot cross-validated quality measures from the
// out-of-fold meta matrix.
func estimatorStats(oof [][]float64, labels []float64, slots int) []ensemble.EstimatorStats {
	stats := make([]ensemble.EstimatorStats, slots)
	for k := 0; k < slots; k++ {
		probs := make([]float64, len(oof))
		for i := range oof {
			probs[i] = oof[i][k*meta.Width]
		}
		m := computeMetrics(labels, probs)
		mean := 0.0
		for _, p := range probs {
			mean += p
		}
		if len(probs) > 0 {
			mean /= float64(len(probs))
		}
		variance := 0.0
		for _, p := range probs {
			d := p - mean
			variance += d * d
		}
		if len(probs) > 0 {
			variance /= float64(len(probs))
		}
		stats[k] = ensemble.EstimatorStats{
			Accuracy:  m["accuracy"],
			Precision: m["precision"],
			F1:        m["f1"],
			Variance:  variance,
		}
	}
	return stats
}

// combinedMetrics scores the equal-weight mean of the out-of-fold
// probabilities, a conservative proxy for ensemble quality used for
// promotion decisions.
func combinedMetrics(oof [][]float64, labels []float64, slots int) map[string]float64 {
	probs := make([]float64, len(oof))
	for i := range oof {
		s := 0.0
		for k := 0; k < slots; k++ {
			s += oof[i][k*meta.Width]
		}
		probs[i] = s / float64(slots)
	}
	return computeMetrics(labels, probs)
}

func metaFeatureNames(lineup []models.Kind) []string {
	names := make([]string, 0, len(lineup)*meta.Width)
	for _, kind := range lineup {
		names = append(names,
			string(kind)+"_prob",
			string(kind)+"_conf",
			string(kind)+"_risk")
	}
	return names
}

func bad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
