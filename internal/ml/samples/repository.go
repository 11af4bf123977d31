package samples

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"signal-stack/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/trace"
)

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository stores labeled feature rows. Features live in a JSONB column so
// the feature set can drift without schema migrations; the stored order table
// is what fixes column positions, not this repo.
type Repository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) UpsertSamples(ctx context.Context, rows []domain.TrainingSample) error {
	if len(rows) == 0 {
		return nil
	}
	_, span := r.tracer.Start(ctx, "training-samples.upsert")
	defer span.End()

	for i := range rows {
		row := rows[i]
		features, err := json.Marshal(row.Features)
		if err != nil {
			return fmt.Errorf("encode features for %s@%s: %w", row.Symbol, row.OpenTime, err)
		}
		_, err = r.pool.Exec(ctx, `
INSERT INTO training_samples (symbol, interval, open_time, features, label)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
    features = EXCLUDED.features,
    label = COALESCE(training_samples.label, EXCLUDED.label)`,
			row.Symbol,
			row.Interval,
			row.OpenTime.UTC(),
			features,
			nullBool(row.Label),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) ListLabeled(ctx context.Context, interval string, from, to time.Time) ([]domain.TrainingSample, error) {
	_, span := r.tracer.Start(ctx, "training-samples.list-labeled")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
SELECT id, symbol, interval, open_time, features, label, created_at
FROM training_samples
WHERE interval = $1
  AND open_time >= $2
  AND open_time <= $3
  AND label IS NOT NULL
ORDER BY open_time ASC`, interval, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSamples(rows)
}

func scanSamples(rows pgx.Rows) ([]domain.TrainingSample, error) {
	result := make([]domain.TrainingSample, 0)
	for rows.Next() {
		var row domain.TrainingSample
		var features []byte
		var label pgtype.Bool
		if err := rows.Scan(
			&row.ID,
			&row.Symbol,
			&row.Interval,
			&row.OpenTime,
			&features,
			&label,
			&row.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(features, &row.Features); err != nil {
			return nil, fmt.Errorf("decode features for sample %d: %w", row.ID, err)
		}
		row.OpenTime = row.OpenTime.UTC()
		row.CreatedAt = row.CreatedAt.UTC()
		if label.Valid {
			v := label.Bool
			row.Label = &v
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
