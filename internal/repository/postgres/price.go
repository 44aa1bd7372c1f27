package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meterline/meterline/internal/domain/price"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

type priceRepository struct {
	db     postgres.IClient
	logger *logger.Logger
}

// NewPriceRepository creates a new instance of price repository
func NewPriceRepository(db postgres.IClient, log *logger.Logger) *priceRepository {
	return &priceRepository{db: db, logger: log}
}

var _ price.Repository = (*priceRepository)(nil)

// priceRow is the storage shape of a price; usage tiers live in a jsonb
// column.
type priceRow struct {
	ID                string                `db:"id"`
	ProductID         string                `db:"product_id"`
	Amount            decimal.Decimal       `db:"amount"`
	Currency          string                `db:"currency"`
	Interval          types.BillingInterval `db:"interval"`
	PriceType         types.PriceType       `db:"price_type"`
	FeatureID         string                `db:"feature_id"`
	EntitlementID     string                `db:"entitlement_id"`
	BillWhen          types.BillWhen        `db:"bill_when"`
	ShouldProrate     bool                  `db:"should_prorate"`
	BillingUnits      decimal.Decimal       `db:"billing_units"`
	Tiers             []byte                `db:"tiers"`
	OnIncrease        types.OnIncrease      `db:"on_increase"`
	OnDecrease        types.OnDecrease      `db:"on_decrease"`
	ProcessorPriceRef string                `db:"processor_price_ref"`
	Version           int                   `db:"version"`
	EnvironmentID     string                `db:"environment_id"`
	TenantID          string                `db:"tenant_id"`
	Status            types.Status          `db:"status"`
	CreatedAt         time.Time             `db:"created_at"`
	UpdatedAt         time.Time             `db:"updated_at"`
	CreatedBy         string                `db:"created_by"`
	UpdatedBy         string                `db:"updated_by"`
}

func toPriceRow(p *price.Price) (*priceRow, error) {
	tiers, err := marshalJSONB(p.Tiers)
	if err != nil {
		return nil, err
	}
	return &priceRow{
		ID:                p.ID,
		ProductID:         p.ProductID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Interval:          p.Interval,
		PriceType:         p.PriceType,
		FeatureID:         p.FeatureID,
		EntitlementID:     p.EntitlementID,
		BillWhen:          p.BillWhen,
		ShouldProrate:     p.ShouldProrate,
		BillingUnits:      p.BillingUnits,
		Tiers:             tiers,
		OnIncrease:        p.OnIncrease,
		OnDecrease:        p.OnDecrease,
		ProcessorPriceRef: p.ProcessorPriceRef,
		Version:           p.Version,
		EnvironmentID:     p.EnvironmentID,
		TenantID:          p.TenantID,
		Status:            p.Status,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		CreatedBy:         p.CreatedBy,
		UpdatedBy:         p.UpdatedBy,
	}, nil
}

func (row *priceRow) toDomain() (*price.Price, error) {
	p := &price.Price{
		ID:                row.ID,
		ProductID:         row.ProductID,
		Amount:            row.Amount,
		Currency:          row.Currency,
		Interval:          row.Interval,
		PriceType:         row.PriceType,
		FeatureID:         row.FeatureID,
		EntitlementID:     row.EntitlementID,
		BillWhen:          row.BillWhen,
		ShouldProrate:     row.ShouldProrate,
		BillingUnits:      row.BillingUnits,
		OnIncrease:        row.OnIncrease,
		OnDecrease:        row.OnDecrease,
		ProcessorPriceRef: row.ProcessorPriceRef,
		Version:           row.Version,
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
	if err := unmarshalJSONB(row.Tiers, &p.Tiers); err != nil {
		return nil, err
	}
	return p, nil
}

const insertPriceQuery = `
	INSERT INTO prices (
		id, product_id, amount, currency, interval, price_type,
		feature_id, entitlement_id, bill_when, should_prorate, billing_units, tiers,
		on_increase, on_decrease, processor_price_ref, version, environment_id,
		tenant_id, status, created_at, updated_at, created_by, updated_by
	) VALUES (
		:id, :product_id, :amount, :currency, :interval, :price_type,
		:feature_id, :entitlement_id, :bill_when, :should_prorate, :billing_units, :tiers,
		:on_increase, :on_decrease, :processor_price_ref, :version, :environment_id,
		:tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
	)`

func (r *priceRepository) Create(ctx context.Context, p *price.Price) (*price.Price, error) {
	row, err := toPriceRow(p)
	if err != nil {
		return nil, err
	}
	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), insertPriceQuery, row); err != nil {
		return nil, dbErr(err, "Failed to create price")
	}
	return p, nil
}

func (r *priceRepository) CreateBulk(ctx context.Context, prices []*price.Price) ([]*price.Price, error) {
	for _, p := range prices {
		if _, err := r.Create(ctx, p); err != nil {
			return nil, err
		}
	}
	return prices, nil
}

func (r *priceRepository) Get(ctx context.Context, id string) (*price.Price, error) {
	query := `
		SELECT * FROM prices
		WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var row priceRow
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &row, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "price", id)
	}
	return row.toDomain()
}

func (r *priceRepository) GetByProcessorRef(ctx context.Context, ref string) (*price.Price, error) {
	query := `
		SELECT * FROM prices
		WHERE processor_price_ref = $1 AND tenant_id = $2 AND status = $3`

	var row priceRow
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &row, query,
		ref, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "price", ref)
	}
	return row.toDomain()
}

func (r *priceRepository) ListByProductIDs(ctx context.Context, productIDs []string) ([]*price.Price, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM prices
		WHERE product_id IN (?) AND tenant_id = ? AND status = ?
		ORDER BY product_id, id`,
		productIDs, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to build price query")
	}

	var rows []priceRow
	err = sqlx.SelectContext(ctx, r.db.Querier(ctx), &rows, r.db.Querier(ctx).Rebind(query), args...)
	if err != nil {
		return nil, dbErr(err, "Failed to list prices")
	}

	prices := make([]*price.Price, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, nil
}

func (r *priceRepository) Update(ctx context.Context, p *price.Price) (*price.Price, error) {
	row, err := toPriceRow(p)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE prices SET
			amount = :amount,
			currency = :currency,
			interval = :interval,
			tiers = :tiers,
			on_increase = :on_increase,
			on_decrease = :on_decrease,
			processor_price_ref = :processor_price_ref,
			version = :version,
			updated_at = NOW(),
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND status = :status`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, row); err != nil {
		return nil, dbErr(err, "Failed to update price")
	}
	return p, nil
}

func (r *priceRepository) Delete(ctx context.Context, id string) error {
	query := `
		UPDATE prices SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		types.StatusArchived, id, types.GetTenantID(ctx))
	if err != nil {
		return dbErr(err, "Failed to delete price")
	}
	return nil
}
