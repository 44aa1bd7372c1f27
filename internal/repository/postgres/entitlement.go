package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meterline/meterline/internal/domain/entitlement"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

type entitlementRepository struct {
	db     postgres.IClient
	logger *logger.Logger
}

// NewEntitlementRepository creates a new instance of entitlement repository
func NewEntitlementRepository(db postgres.IClient, log *logger.Logger) *entitlementRepository {
	return &entitlementRepository{db: db, logger: log}
}

var _ entitlement.Repository = (*entitlementRepository)(nil)

type entitlementRow struct {
	ID                string                `db:"id"`
	ProductID         string                `db:"product_id"`
	FeatureID         string                `db:"feature_id"`
	AllowanceType     types.AllowanceType   `db:"allowance_type"`
	Allowance         decimal.Decimal       `db:"allowance"`
	Interval          types.BillingInterval `db:"interval"`
	UsageLimit        *decimal.Decimal      `db:"usage_limit"`
	UsageAllowed      bool                  `db:"usage_allowed"`
	CarryFromPrevious bool                  `db:"carry_from_previous"`
	Rollover          []byte                `db:"rollover"`
	EntityFeatureID   string                `db:"entity_feature_id"`
	EnvironmentID     string                `db:"environment_id"`
	TenantID          string                `db:"tenant_id"`
	Status            types.Status          `db:"status"`
	CreatedAt         time.Time             `db:"created_at"`
	UpdatedAt         time.Time             `db:"updated_at"`
	CreatedBy         string                `db:"created_by"`
	UpdatedBy         string                `db:"updated_by"`
}

func toEntitlementRow(e *entitlement.Entitlement) (*entitlementRow, error) {
	var rollover []byte
	var err error
	if e.Rollover != nil {
		rollover, err = marshalJSONB(e.Rollover)
		if err != nil {
			return nil, err
		}
	}
	return &entitlementRow{
		ID:                e.ID,
		ProductID:         e.ProductID,
		FeatureID:         e.FeatureID,
		AllowanceType:     e.AllowanceType,
		Allowance:         e.Allowance,
		Interval:          e.Interval,
		UsageLimit:        e.UsageLimit,
		UsageAllowed:      e.UsageAllowed,
		CarryFromPrevious: e.CarryFromPrevious,
		Rollover:          rollover,
		EntityFeatureID:   e.EntityFeatureID,
		EnvironmentID:     e.EnvironmentID,
		TenantID:          e.TenantID,
		Status:            e.Status,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		CreatedBy:         e.CreatedBy,
		UpdatedBy:         e.UpdatedBy,
	}, nil
}

func (row *entitlementRow) toDomain() (*entitlement.Entitlement, error) {
	e := &entitlement.Entitlement{
		ID:                row.ID,
		ProductID:         row.ProductID,
		FeatureID:         row.FeatureID,
		AllowanceType:     row.AllowanceType,
		Allowance:         row.Allowance,
		Interval:          row.Interval,
		UsageLimit:        row.UsageLimit,
		UsageAllowed:      row.UsageAllowed,
		CarryFromPrevious: row.CarryFromPrevious,
		EntityFeatureID:   row.EntityFeatureID,
		EnvironmentID:     row.EnvironmentID,
		BaseModel: types.BaseModel{
			TenantID:  row.TenantID,
			Status:    row.Status,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
			CreatedBy: row.CreatedBy,
			UpdatedBy: row.UpdatedBy,
		},
	}
	if len(row.Rollover) > 0 {
		e.Rollover = &entitlement.RolloverConfig{}
		if err := unmarshalJSONB(row.Rollover, e.Rollover); err != nil {
			return nil, err
		}
	}
	return e, nil
}

const insertEntitlementQuery = `
	INSERT INTO entitlements (
		id, product_id, feature_id, allowance_type, allowance, interval,
		usage_limit, usage_allowed, carry_from_previous, rollover, entity_feature_id,
		environment_id, tenant_id, status, created_at, updated_at, created_by, updated_by
	) VALUES (
		:id, :product_id, :feature_id, :allowance_type, :allowance, :interval,
		:usage_limit, :usage_allowed, :carry_from_previous, :rollover, :entity_feature_id,
		:environment_id, :tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
	)`

func (r *entitlementRepository) Create(ctx context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	row, err := toEntitlementRow(e)
	if err != nil {
		return nil, err
	}
	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), insertEntitlementQuery, row); err != nil {
		return nil, dbErr(err, "Failed to create entitlement")
	}
	return e, nil
}

func (r *entitlementRepository) CreateBulk(ctx context.Context, entitlements []*entitlement.Entitlement) ([]*entitlement.Entitlement, error) {
	for _, e := range entitlements {
		if _, err := r.Create(ctx, e); err != nil {
			return nil, err
		}
	}
	return entitlements, nil
}

func (r *entitlementRepository) Get(ctx context.Context, id string) (*entitlement.Entitlement, error) {
	query := `
		SELECT * FROM entitlements
		WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var row entitlementRow
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &row, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "entitlement", id)
	}
	return row.toDomain()
}

func (r *entitlementRepository) ListByProductIDs(ctx context.Context, productIDs []string) ([]*entitlement.Entitlement, error) {
	return r.listByColumn(ctx, "product_id", productIDs)
}

func (r *entitlementRepository) ListByFeatureIDs(ctx context.Context, featureIDs []string) ([]*entitlement.Entitlement, error) {
	return r.listByColumn(ctx, "feature_id", featureIDs)
}

func (r *entitlementRepository) listByColumn(ctx context.Context, column string, ids []string) ([]*entitlement.Entitlement, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM entitlements
		WHERE `+column+` IN (?) AND tenant_id = ? AND status = ?
		ORDER BY id`,
		ids, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to build entitlement query")
	}

	var rows []entitlementRow
	err = sqlx.SelectContext(ctx, r.db.Querier(ctx), &rows, r.db.Querier(ctx).Rebind(query), args...)
	if err != nil {
		return nil, dbErr(err, "Failed to list entitlements")
	}

	entitlements := make([]*entitlement.Entitlement, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		entitlements = append(entitlements, e)
	}
	return entitlements, nil
}

func (r *entitlementRepository) Update(ctx context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	row, err := toEntitlementRow(e)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE entitlements SET
			allowance_type = :allowance_type,
			allowance = :allowance,
			interval = :interval,
			usage_limit = :usage_limit,
			usage_allowed = :usage_allowed,
			carry_from_previous = :carry_from_previous,
			rollover = :rollover,
			entity_feature_id = :entity_feature_id,
			updated_at = NOW(),
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND status = :status`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, row); err != nil {
		return nil, dbErr(err, "Failed to update entitlement")
	}
	return e, nil
}

func (r *entitlementRepository) Delete(ctx context.Context, id string) error {
	query := `
		UPDATE entitlements SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		types.StatusArchived, id, types.GetTenantID(ctx))
	if err != nil {
		return dbErr(err, "Failed to delete entitlement")
	}
	return nil
}
