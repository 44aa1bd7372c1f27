package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meterline/meterline/internal/domain/feature"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
)

type featureRepository struct {
	db     postgres.IClient
	logger *logger.Logger
}

// NewFeatureRepository creates a new instance of feature repository
func NewFeatureRepository(db postgres.IClient, log *logger.Logger) *featureRepository {
	return &featureRepository{db: db, logger: log}
}

var _ feature.Repository = (*featureRepository)(nil)

// featureRow is the storage shape of a feature; the credit schema lives in a
// jsonb column.
type featureRow struct {
	ID            string                 `db:"id"`
	Name          string                 `db:"name"`
	Type          types.FeatureType      `db:"type"`
	UsageType     types.FeatureUsageType `db:"usage_type"`
	CreditSchema  []byte                 `db:"credit_schema"`
	EnvironmentID string                 `db:"environment_id"`
	TenantID      string                 `db:"tenant_id"`
	Status        types.Status           `db:"status"`
	CreatedAt     time.Time              `db:"created_at"`
	UpdatedAt     time.Time              `db:"updated_at"`
	CreatedBy     string                 `db:"created_by"`
	UpdatedBy     string                 `db:"updated_by"`
}

func toFeatureRow(f *feature.Feature) (*featureRow, error) {
	schema, err := marshalJSONB(f.CreditSchema)
	if err != nil {
		return nil, err
	}
	return &featureRow{
		ID:            f.ID,
		Name:          f.Name,
		Type:          f.Type,
		UsageType:     f.UsageType,
		CreditSchema:  schema,
		EnvironmentID: f.EnvironmentID,
		TenantID:      f.TenantID,
		Status:        f.Status,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
		CreatedBy:     f.CreatedBy,
		UpdatedBy:     f.UpdatedBy,
	}, nil
}

func (row *featureRow) toDomain() (*feature.Feature, error) {
	f := &feature.Feature{
		ID:            row.ID,
		Name:          row.Name,
		Type:          row.Type,
		UsageType:     row.UsageType,
		EnvironmentID: row.EnvironmentID,
		BaseModel: types.BaseModel{
			TenantID:  row.TenantID,
			Status:    row.Status,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
			CreatedBy: row.CreatedBy,
			UpdatedBy: row.UpdatedBy,
		},
	}
	if err := unmarshalJSONB(row.CreditSchema, &f.CreditSchema); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *featureRepository) Create(ctx context.Context, f *feature.Feature) (*feature.Feature, error) {
	row, err := toFeatureRow(f)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO features (
			id, name, type, usage_type, credit_schema, environment_id,
			tenant_id, status, created_at, updated_at, created_by, updated_by
		) VALUES (
			:id, :name, :type, :usage_type, :credit_schema, :environment_id,
			:tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
		)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, row); err != nil {
		return nil, dbErr(err, "Failed to create feature")
	}
	return f, nil
}

func (r *featureRepository) Get(ctx context.Context, id string) (*feature.Feature, error) {
	query := `
		SELECT * FROM features
		WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var row featureRow
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &row, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "feature", id)
	}
	return row.toDomain()
}

func (r *featureRepository) GetByIDs(ctx context.Context, ids []string) ([]*feature.Feature, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM features
		WHERE id IN (?) AND tenant_id = ? AND status = ?`,
		ids, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to build feature query")
	}

	return r.selectFeatures(ctx, r.db.Querier(ctx).Rebind(query), args...)
}

func (r *featureRepository) List(ctx context.Context) ([]*feature.Feature, error) {
	query := `
		SELECT * FROM features
		WHERE tenant_id = $1 AND status = $2
		ORDER BY id`

	return r.selectFeatures(ctx, query, types.GetTenantID(ctx), types.StatusPublished)
}

func (r *featureRepository) selectFeatures(ctx context.Context, query string, args ...interface{}) ([]*feature.Feature, error) {
	var rows []featureRow
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &rows, query, args...); err != nil {
		return nil, dbErr(err, "Failed to list features")
	}

	features := make([]*feature.Feature, 0, len(rows))
	for i := range rows {
		f, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

func (r *featureRepository) Update(ctx context.Context, f *feature.Feature) (*feature.Feature, error) {
	row, err := toFeatureRow(f)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE features SET
			name = :name,
			type = :type,
			usage_type = :usage_type,
			credit_schema = :credit_schema,
			updated_at = NOW(),
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND status = :status`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, row); err != nil {
		return nil, dbErr(err, "Failed to update feature")
	}
	return f, nil
}

func (r *featureRepository) Delete(ctx context.Context, id string) error {
	query := `
		UPDATE features SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		types.StatusArchived, id, types.GetTenantID(ctx))
	if err != nil {
		return dbErr(err, "Failed to delete feature")
	}
	return nil
}
