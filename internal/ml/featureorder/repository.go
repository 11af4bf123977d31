package featureorder

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"signal-stack/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores the single canonical feature-order record in Postgres.
type Repository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) SaveOrder(ctx context.Context, record domain.FeatureOrderRecord) error {
	_, span := r.tracer.Start(ctx, "feature-order-repo.save")
	defer span.End()

	if record.NumFeatures != len(record.FeatureOrder) {
		return errors.New("feature order record count mismatch")
	}
	names, err := json.Marshal(record.FeatureOrder)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO feature_order (id, feature_order, num_features, recorded_at)
VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET feature_order = EXCLUDED.feature_order,
    num_features = EXCLUDED.num_features,
    recorded_at = EXCLUDED.recorded_at`,
		string(names), record.NumFeatures, record.Timestamp.UTC())
	return err
}

func (r *Repository) LoadOrder(ctx context.Context) (*domain.FeatureOrderRecord, error) {
	_, span := r.tracer.Start(ctx, "feature-order-repo.load")
	defer span.End()

	var (
		namesJSON string
		count     int
		recorded  time.Time
	)
	err := r.pool.QueryRow(ctx, `
SELECT feature_order, num_features, recorded_at
FROM feature_order
WHERE id = 1`).Scan(&namesJSON, &count, &recorded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	if err := json.Unmarshal([]byte(namesJSON), &names); err != nil {
		return nil, err
	}
	return &domain.FeatureOrderRecord{
		FeatureOrder: names,
		NumFeatures:  count,
		Timestamp:    recorded.UTC(),
	}, nil
}
