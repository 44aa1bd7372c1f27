package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/meterline/meterline/internal/domain/invoice"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
)

type invoiceRepository struct {
	db     postgres.IClient
	logger *logger.Logger
}

// NewInvoiceRepository creates a new instance of invoice item repository
func NewInvoiceRepository(db postgres.IClient, log *logger.Logger) *invoiceRepository {
	return &invoiceRepository{db: db, logger: log}
}

var _ invoice.Repository = (*invoiceRepository)(nil)

func (r *invoiceRepository) Create(ctx context.Context, item *invoice.InvoiceItem) error {
	query := `
		INSERT INTO invoice_items (
			id, customer_id, customer_product_id, price_id,
			processor_invoice_item_id, idempotency_key,
			description, amount, currency, quantity, period_start, period_end,
			environment_id, tenant_id, status, created_at, updated_at, created_by, updated_by
		) VALUES (
			:id, :customer_id, :customer_product_id, :price_id,
			:processor_invoice_item_id, :idempotency_key,
			:description, :amount, :currency, :quantity, :period_start, :period_end,
			:environment_id, :tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
		)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, item); err != nil {
		return dbErr(err, "Failed to create invoice item record")
	}
	return nil
}

func (r *invoiceRepository) Get(ctx context.Context, id string) (*invoice.InvoiceItem, error) {
	query := `
		SELECT * FROM invoice_items
		WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var item invoice.InvoiceItem
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &item, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "invoice item", id)
	}
	return &item, nil
}

func (r *invoiceRepository) GetByIdempotencyKey(ctx context.Context, key string) (*invoice.InvoiceItem, error) {
	query := `
		SELECT * FROM invoice_items
		WHERE idempotency_key = $1 AND tenant_id = $2 AND status = $3`

	var item invoice.InvoiceItem
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &item, query,
		key, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "invoice item", key)
	}
	return &item, nil
}

func (r *invoiceRepository) ListByCustomer(ctx context.Context, customerID string) ([]*invoice.InvoiceItem, error) {
	query := `
		SELECT * FROM invoice_items
		WHERE customer_id = $1 AND tenant_id = $2 AND status = $3
		ORDER BY created_at DESC, id`

	var items []*invoice.InvoiceItem
	err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &items, query,
		customerID, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to list invoice items")
	}
	return items, nil
}

func (r *invoiceRepository) ListByCustomerProduct(ctx context.Context, customerProductID string) ([]*invoice.InvoiceItem, error) {
	query := `
		SELECT * FROM invoice_items
		WHERE customer_product_id = $1 AND tenant_id = $2 AND status = $3
		ORDER BY created_at DESC, id`

	var items []*invoice.InvoiceItem
	err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &items, query,
		customerProductID, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to list invoice items")
	}
	return items, nil
}
