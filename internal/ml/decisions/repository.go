package decisions

import (
	"context"
	"encoding/json"

	"signal-stack/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the append-only audit log of served decisions, fallback ones
// included.
type Repository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) InsertDecision(ctx context.Context, record domain.DecisionRecord) (*domain.DecisionRecord, error) {
	_, span := r.tracer.Start(ctx, "decision-log.insert")
	defer span.End()

	details := record.DetailsJSON
	if details == "" {
		details = "{}"
	}
	if !json.Valid([]byte(details)) {
		details = `{"raw":"invalid"}`
	}

	row := r.pool.QueryRow(ctx, `
INSERT INTO decisions (
    symbol, predicted_class, prob_up, confidence,
    dynamic_threshold, regime, position_size,
    mode, model_version, details_json
) VALUES (
    $1, $2, $3, $4,
    $5, $6, $7,
    $8, $9, $10
)
RETURNING id, symbol, predicted_class, prob_up, confidence,
          dynamic_threshold, regime, position_size,
          mode, model_version, details_json, created_at`,
		record.Symbol,
		record.PredictedClass,
		record.ProbUp,
		record.Confidence,
		record.DynamicThreshold,
		string(record.Regime),
		record.PositionSize,
		string(record.Mode),
		record.ModelVersion,
		details,
	)
	out, err := scanDecision(row)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) ListRecent(ctx context.Context, symbol string, limit int) ([]domain.DecisionRecord, error) {
	_, span := r.tracer.Start(ctx, "decision-log.list-recent")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, symbol, predicted_class, prob_up, confidence,
       dynamic_threshold, regime, position_size,
       mode, model_version, details_json, created_at
FROM decisions
WHERE symbol = $1
ORDER BY created_at DESC
LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.DecisionRecord, 0, limit)
	for rows.Next() {
		record, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, rows.Err()
}

// FallbackRate reports the share of recent decisions served in fallback mode,
// used by the health endpoint to surface silent degradation.
func (r *Repository) FallbackRate(ctx context.Context, window int) (float64, error) {
	_, span := r.tracer.Start(ctx, "decision-log.fallback-rate")
	defer span.End()

	if window <= 0 {
		window = 100
	}
	var rate float64
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(AVG(CASE WHEN mode = 'fallback' THEN 1.0 ELSE 0.0 END), 0)
FROM (
    SELECT mode
    FROM decisions
    ORDER BY created_at DESC
    LIMIT $1
) recent`, window).Scan(&rate)
	return rate, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner) (*domain.DecisionRecord, error) {
	var out domain.DecisionRecord
	var regime string
	var mode string
	if err := s.Scan(
		&out.ID,
		&out.Symbol,
		&out.PredictedClass,
		&out.ProbUp,
		&out.Confidence,
		&out.DynamicThreshold,
		&regime,
		&out.PositionSize,
		&mode,
		&out.ModelVersion,
		&out.DetailsJSON,
		&out.CreatedAt,
	); err != nil {
		return nil, err
	}
	out.Regime = domain.MarketRegime(regime)
	out.Mode = domain.DecisionMode(mode)
	out.CreatedAt = out.CreatedAt.UTC()
	return &out, nil
}
