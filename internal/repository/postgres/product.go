package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/meterline/meterline/internal/domain/entitlement"
	"github.com/meterline/meterline/internal/domain/price"
	"github.com/meterline/meterline/internal/domain/product"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
)

type productRepository struct {
	db           postgres.IClient
	logger       *logger.Logger
	prices       *priceRepository
	entitlements *entitlementRepository
}

// NewProductRepository creates a new instance of product repository
func NewProductRepository(db postgres.IClient, log *logger.Logger) *productRepository {
	return &productRepository{
		db:           db,
		logger:       log,
		prices:       NewPriceRepository(db, log),
		entitlements: NewEntitlementRepository(db, log),
	}
}

var _ product.Repository = (*productRepository)(nil)

func (r *productRepository) Create(ctx context.Context, p *product.Product) (*product.Product, error) {
	query := `
		INSERT INTO products (
			id, name, product_group, is_add_on, is_default, trial_days, version,
			environment_id, tenant_id, status, created_at, updated_at, created_by, updated_by
		) VALUES (
			:id, :name, :product_group, :is_add_on, :is_default, :trial_days, :version,
			:environment_id, :tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
		)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, p); err != nil {
		return nil, dbErr(err, "Failed to create product")
	}
	return p, nil
}

func (r *productRepository) Get(ctx context.Context, id string) (*product.Product, error) {
	query := `
		SELECT * FROM products
		WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var p product.Product
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &p, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "product", id)
	}
	return &p, nil
}

func (r *productRepository) GetFull(ctx context.Context, id string) (*product.FullProduct, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	full, err := r.loadFull(ctx, []*product.Product{p})
	if err != nil {
		return nil, err
	}
	return full[0], nil
}

func (r *productRepository) ListFull(ctx context.Context, ids []string) ([]*product.FullProduct, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM products
		WHERE id IN (?) AND tenant_id = ? AND status = ?`,
		ids, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to build product query")
	}

	var products []*product.Product
	err = sqlx.SelectContext(ctx, r.db.Querier(ctx), &products, r.db.Querier(ctx).Rebind(query), args...)
	if err != nil {
		return nil, dbErr(err, "Failed to list products")
	}
	return r.loadFull(ctx, products)
}

func (r *productRepository) GetDefaultInGroup(ctx context.Context, group string) (*product.FullProduct, error) {
	query := `
		SELECT * FROM products
		WHERE product_group = $1 AND is_default = TRUE
		AND tenant_id = $2 AND status = $3
		ORDER BY version DESC
		LIMIT 1`

	var p product.Product
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &p, query,
		group, types.GetTenantID(ctx), types.StatusPublished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "Failed to query default product")
	}

	full, err := r.loadFull(ctx, []*product.Product{&p})
	if err != nil {
		return nil, err
	}
	return full[0], nil
}

// loadFull attaches prices and entitlements to products in two queries.
func (r *productRepository) loadFull(ctx context.Context, products []*product.Product) ([]*product.FullProduct, error) {
	ids := lo.Map(products, func(p *product.Product, _ int) string { return p.ID })

	prices, err := r.prices.ListByProductIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	entitlements, err := r.entitlements.ListByProductIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	pricesByProduct := lo.GroupBy(prices, func(pr *price.Price) string { return pr.ProductID })
	entsByProduct := lo.GroupBy(entitlements, func(e *entitlement.Entitlement) string { return e.ProductID })

	return lo.Map(products, func(p *product.Product, _ int) *product.FullProduct {
		return &product.FullProduct{
			Product:      *p,
			Prices:       pricesByProduct[p.ID],
			Entitlements: entsByProduct[p.ID],
		}
	}), nil
}

func (r *productRepository) Update(ctx context.Context, p *product.Product) (*product.Product, error) {
	query := `
		UPDATE products SET
			name = :name,
			product_group = :product_group,
			is_add_on = :is_add_on,
			is_default = :is_default,
			trial_days = :trial_days,
			version = :version,
			updated_at = NOW(),
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND status = :status`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, p); err != nil {
		return nil, dbErr(err, "Failed to update product")
	}
	return p, nil
}

func (r *productRepository) Delete(ctx context.Context, id string) error {
	query := `
		UPDATE products SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		types.StatusArchived, id, types.GetTenantID(ctx))
	if err != nil {
		return dbErr(err, "Failed to delete product")
	}
	return nil
}
