package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/meterline/meterline/internal/domain/customer"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
)

type customerRepository struct {
	db     postgres.IClient
	logger *logger.Logger
}

// NewCustomerRepository creates a new instance of customer repository
func NewCustomerRepository(db postgres.IClient, log *logger.Logger) *customerRepository {
	return &customerRepository{db: db, logger: log}
}

var _ customer.Repository = (*customerRepository)(nil)

func (r *customerRepository) Create(ctx context.Context, c *customer.Customer) (*customer.Customer, error) {
	query := `
		INSERT INTO customers (
			id, name, processor_customer_ref, timezone, environment_id,
			tenant_id, status, created_at, updated_at, created_by, updated_by
		) VALUES (
			:id, :name, :processor_customer_ref, :timezone, :environment_id,
			:tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
		)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, c); err != nil {
		return nil, dbErr(err, "Failed to create customer")
	}
	return c, nil
}

func (r *customerRepository) Get(ctx context.Context, id string) (*customer.Customer, error) {
	query := `
		SELECT * FROM customers
		WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var c customer.Customer
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &c, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "customer", id)
	}
	return &c, nil
}

func (r *customerRepository) GetByProcessorRef(ctx context.Context, ref string) (*customer.Customer, error) {
	query := `
		SELECT * FROM customers
		WHERE processor_customer_ref = $1 AND tenant_id = $2 AND status = $3`

	var c customer.Customer
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &c, query,
		ref, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "customer", ref)
	}
	return &c, nil
}

func (r *customerRepository) Update(ctx context.Context, c *customer.Customer) (*customer.Customer, error) {
	query := `
		UPDATE customers SET
			name = :name,
			processor_customer_ref = :processor_customer_ref,
			timezone = :timezone,
			updated_at = NOW(),
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND status = :status`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, c); err != nil {
		return nil, dbErr(err, "Failed to update customer")
	}
	return c, nil
}

func (r *customerRepository) Delete(ctx context.Context, id string) error {
	query := `
		UPDATE customers SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		types.StatusArchived, id, types.GetTenantID(ctx))
	if err != nil {
		return dbErr(err, "Failed to delete customer")
	}
	return nil
}

func (r *customerRepository) CreateEntity(ctx context.Context, e *customer.Entity) (*customer.Entity, error) {
	query := `
		INSERT INTO customer_entities (
			id, customer_id, feature_id, name, environment_id,
			tenant_id, status, created_at, updated_at, created_by, updated_by
		) VALUES (
			:id, :customer_id, :feature_id, :name, :environment_id,
			:tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
		)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, e); err != nil {
		return nil, dbErr(err, "Failed to create customer entity")
	}
	return e, nil
}

func (r *customerRepository) GetEntity(ctx context.Context, id string) (*customer.Entity, error) {
	query := `
		SELECT * FROM customer_entities
		WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var e customer.Entity
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &e, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "customer entity", id)
	}
	return &e, nil
}

func (r *customerRepository) ListEntities(ctx context.Context, customerID string) ([]*customer.Entity, error) {
	query := `
		SELECT * FROM customer_entities
		WHERE customer_id = $1 AND tenant_id = $2 AND status = $3
		ORDER BY created_at, id`

	var entities []*customer.Entity
	err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &entities, query,
		customerID, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to list customer entities")
	}
	return entities, nil
}

func (r *customerRepository) DeleteEntity(ctx context.Context, id string) error {
	query := `
		UPDATE customer_entities SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		types.StatusArchived, id, types.GetTenantID(ctx))
	if err != nil {
		return dbErr(err, "Failed to delete customer entity")
	}
	return nil
}
