package registry

import (
	"context"
	"errors"
	"time"

	"signal-stack/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

const columns = `id, model_key, version, feature_spec_version,
       trained_from, trained_to, trained_at,
       hyperparams_json, metrics_json,
       artifact_format, artifact_blob,
       is_active, activated_at, created_at`

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository stores versioned ensemble bundles. Exactly one version per model
// key is active at a time; activation is transactional so serving readers
// never observe zero or two active rows.
type Repository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) NextVersion(ctx context.Context, modelKey string) (int, error) {
	_, span := r.tracer.Start(ctx, "model-registry.next-version")
	defer span.End()

	var version int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM ml_model_versions WHERE model_key = $1`, modelKey).Scan(&version)
	return version, err
}

func (r *Repository) InsertModelVersion(ctx context.Context, model domain.MLModelVersion) (*domain.MLModelVersion, error) {
	_, span := r.tracer.Start(ctx, "model-registry.insert")
	defer span.End()

	if model.ModelKey == "" || model.Version <= 0 {
		return nil, errors.New("invalid model version payload")
	}
	if len(model.ArtifactBlob) == 0 || model.ArtifactFormat == "" {
		return nil, errors.New("model version has no artifact")
	}
	var out domain.MLModelVersion
	err := r.pool.QueryRow(ctx, `
INSERT INTO ml_model_versions (
    model_key, version, feature_spec_version,
    trained_from, trained_to, trained_at,
    hyperparams_json, metrics_json,
    artifact_format, artifact_blob,
    is_active, activated_at
) VALUES (
    $1, $2, $3,
    $4, $5, COALESCE($6, NOW()),
    $7, $8,
    $9, $10,
    $11, $12
)
RETURNING `+columns,
		model.ModelKey,
		model.Version,
		model.FeatureSpecVersion,
		model.TrainedFrom.UTC(),
		model.TrainedTo.UTC(),
		nullIfZeroTime(model.TrainedAt),
		fallbackJSON(model.HyperparamsJSON),
		fallbackJSON(model.MetricsJSON),
		model.ArtifactFormat,
		model.ArtifactBlob,
		model.IsActive,
		nullTime(model.ActivatedAt),
	).Scan(scanTargets(&out)...)
	if err != nil {
		return nil, err
	}
	normalizeModelTimes(&out)
	return &out, nil
}

// GetActiveModel returns the serving version, or nil when nothing has been
// promoted yet.
func (r *Repository) GetActiveModel(ctx context.Context, modelKey string) (*domain.MLModelVersion, error) {
	_, span := r.tracer.Start(ctx, "model-registry.get-active")
	defer span.End()

	return r.getOne(ctx, `
SELECT `+columns+`
FROM ml_model_versions
WHERE model_key = $1 AND is_active = TRUE
ORDER BY version DESC
LIMIT 1`, modelKey)
}

func (r *Repository) GetLatestModel(ctx context.Context, modelKey string) (*domain.MLModelVersion, error) {
	_, span := r.tracer.Start(ctx, "model-registry.get-latest")
	defer span.End()

	return r.getOne(ctx, `
SELECT `+columns+`
FROM ml_model_versions
WHERE model_key = $1
ORDER BY version DESC
LIMIT 1`, modelKey)
}

// ListVersions returns the newest versions first, without artifact blobs, for
// the inspection endpoint.
func (r *Repository) ListVersions(ctx context.Context, modelKey string, limit int) ([]domain.MLModelVersion, error) {
	_, span := r.tracer.Start(ctx, "model-registry.list")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, model_key, version, feature_spec_version,
       trained_from, trained_to, trained_at,
       hyperparams_json, metrics_json,
       artifact_format, ''::bytea,
       is_active, activated_at, created_at
FROM ml_model_versions
WHERE model_key = $1
ORDER BY version DESC
LIMIT $2`, modelKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MLModelVersion
	for rows.Next() {
		var m domain.MLModelVersion
		if err := rows.Scan(scanTargets(&m)...); err != nil {
			return nil, err
		}
		normalizeModelTimes(&m)
		m.ArtifactBlob = nil
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActivateModel promotes one version and demotes every sibling in a single
// transaction.
func (r *Repository) ActivateModel(ctx context.Context, modelKey string, version int) error {
	_, span := r.tracer.Start(ctx, "model-registry.activate")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE ml_model_versions SET is_active = FALSE, activated_at = NULL WHERE model_key = $1`, modelKey); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE ml_model_versions SET is_active = TRUE, activated_at = NOW() WHERE model_key = $1 AND version = $2`, modelKey, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return tx.Commit(ctx)
}

func (r *Repository) getOne(ctx context.Context, query string, arg any) (*domain.MLModelVersion, error) {
	var out domain.MLModelVersion
	err := r.pool.QueryRow(ctx, query, arg).Scan(scanTargets(&out)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	normalizeModelTimes(&out)
	return &out, nil
}

func scanTargets(m *domain.MLModelVersion) []any {
	return []any{
		&m.ID,
		&m.ModelKey,
		&m.Version,
		&m.FeatureSpecVersion,
		&m.TrainedFrom,
		&m.TrainedTo,
		&m.TrainedAt,
		&m.HyperparamsJSON,
		&m.MetricsJSON,
		&m.ArtifactFormat,
		&m.ArtifactBlob,
		&m.IsActive,
		&m.ActivatedAt,
		&m.CreatedAt,
	}
}

func normalizeModelTimes(model *domain.MLModelVersion) {
	model.TrainedFrom = model.TrainedFrom.UTC()
	model.TrainedTo = model.TrainedTo.UTC()
	model.TrainedAt = model.TrainedAt.UTC()
	model.CreatedAt = model.CreatedAt.UTC()
	if model.ActivatedAt != nil {
		t := model.ActivatedAt.UTC()
		model.ActivatedAt = &t
	}
}

func fallbackJSON(v string) string {
	if v == "" {
		return "{}"
	}
	return v
}

func nullIfZeroTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return v.UTC()
}

func nullTime(v *time.Time) any {
	if v == nil || v.IsZero() {
		return nil
	}
	t := v.UTC()
	return t
}
