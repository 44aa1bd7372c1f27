package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

type cusProductRepository struct {
	db     postgres.IClient
	logger *logger.Logger
}

// NewCusProductRepository creates a new instance of customer product repository
func NewCusProductRepository(db postgres.IClient, log *logger.Logger) *cusProductRepository {
	return &cusProductRepository{db: db, logger: log}
}

var _ cusproduct.Repository = (*cusProductRepository)(nil)

// cusProductRow is the storage shape of a binding; the external id lists
// live in jsonb columns so reconciliation can match on them with @> without
// a join table.
type cusProductRow struct {
	ID               string                 `db:"id"`
	CustomerID       string                 `db:"customer_id"`
	ProductID        string                 `db:"product_id"`
	ProductGroup     string                 `db:"product_group"`
	IsAddOn          bool                   `db:"is_add_on"`
	InternalEntityID string                 `db:"internal_entity_id"`
	ProductStatus    types.CusProductStatus `db:"product_status"`
	Quantity         decimal.Decimal        `db:"quantity"`
	StartedAt        time.Time              `db:"started_at"`
	CanceledAt       *time.Time             `db:"canceled_at"`
	EndedAt          *time.Time             `db:"ended_at"`
	TrialEndsAt      *time.Time             `db:"trial_ends_at"`
	SubscriptionIDs  []byte                 `db:"subscription_ids"`
	ScheduledIDs     []byte                 `db:"scheduled_ids"`
	EnvironmentID    string                 `db:"environment_id"`
	TenantID         string                 `db:"tenant_id"`
	Status           types.Status           `db:"status"`
	CreatedAt        time.Time              `db:"created_at"`
	UpdatedAt        time.Time              `db:"updated_at"`
	CreatedBy        string                 `db:"created_by"`
	UpdatedBy        string                 `db:"updated_by"`
}

func toCusProductRow(cp *cusproduct.CustomerProduct) (*cusProductRow, error) {
	subIDs, err := marshalJSONB(cp.SubscriptionIDs)
	if err != nil {
		return nil, err
	}
	schedIDs, err := marshalJSONB(cp.ScheduledIDs)
	if err != nil {
		return nil, err
	}
	return &cusProductRow{
		ID:               cp.ID,
		CustomerID:       cp.CustomerID,
		ProductID:        cp.ProductID,
		ProductGroup:     cp.ProductGroup,
		IsAddOn:          cp.IsAddOn,
		InternalEntityID: cp.InternalEntityID,
		ProductStatus:    cp.Status,
		Quantity:         cp.Quantity,
		StartedAt:        cp.StartedAt,
		CanceledAt:       cp.CanceledAt,
		EndedAt:          cp.EndedAt,
		TrialEndsAt:      cp.TrialEndsAt,
		SubscriptionIDs:  subIDs,
		ScheduledIDs:     schedIDs,
		EnvironmentID:    cp.EnvironmentID,
		TenantID:         cp.TenantID,
		Status:           cp.BaseModel.Status,
		CreatedAt:        cp.CreatedAt,
		UpdatedAt:        cp.UpdatedAt,
		CreatedBy:        cp.CreatedBy,
		UpdatedBy:        cp.UpdatedBy,
	}, nil
}

func (row *cusProductRow) toDomain() (*cusproduct.CustomerProduct, error) {
	cp := &cusproduct.CustomerProduct{
		ID:               row.ID,
		CustomerID:       row.CustomerID,
		ProductID:        row.ProductID,
		ProductGroup:     row.ProductGroup,
		IsAddOn:          row.IsAddOn,
		InternalEntityID: row.InternalEntityID,
		Status:           row.ProductStatus,
		Quantity:         row.Quantity,
		StartedAt:        row.StartedAt,
		CanceledAt:       row.CanceledAt,
		EndedAt:          row.EndedAt,
		TrialEndsAt:      row.TrialEndsAt,
		EnvironmentID:    row.EnvironmentID,
		BaseModel: types.BaseModel{
			TenantID:  row.TenantID,
			Status:    row.Status,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
			CreatedBy: row.CreatedBy,
			UpdatedBy: row.UpdatedBy,
		},
	}
	if err := unmarshalJSONB(row.SubscriptionIDs, &cp.SubscriptionIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(row.ScheduledIDs, &cp.ScheduledIDs); err != nil {
		return nil, err
	}
	return cp, nil
}

const insertCusProductQuery = `
	INSERT INTO customer_products (
		id, customer_id, product_id, product_group, is_add_on, internal_entity_id,
		product_status, quantity, started_at, canceled_at, ended_at, trial_ends_at,
		subscription_ids, scheduled_ids, environment_id,
		tenant_id, status, created_at, updated_at, created_by, updated_by
	) VALUES (
		:id, :customer_id, :product_id, :product_group, :is_add_on, :internal_entity_id,
		:product_status, :quantity, :started_at, :canceled_at, :ended_at, :trial_ends_at,
		:subscription_ids, :scheduled_ids, :environment_id,
		:tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
	)`

func (r *cusProductRepository) Create(ctx context.Context, cp *cusproduct.CustomerProduct) (*cusproduct.CustomerProduct, error) {
	row, err := toCusProductRow(cp)
	if err != nil {
		return nil, err
	}
	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), insertCusProductQuery, row); err != nil {
		return nil, dbErr(err, "Failed to create customer product")
	}
	return cp, nil
}

func (r *cusProductRepository) Get(ctx context.Context, id string) (*cusproduct.CustomerProduct, error) {
	query := `
		SELECT * FROM customer_products
		WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var row cusProductRow
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &row, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "customer product", id)
	}
	return row.toDomain()
}

func (r *cusProductRepository) Update(ctx context.Context, cp *cusproduct.CustomerProduct) (*cusproduct.CustomerProduct, error) {
	row, err := toCusProductRow(cp)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE customer_products SET
			product_status = :product_status,
			quantity = :quantity,
			canceled_at = :canceled_at,
			ended_at = :ended_at,
			trial_ends_at = :trial_ends_at,
			subscription_ids = :subscription_ids,
			scheduled_ids = :scheduled_ids,
			updated_at = NOW(),
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND status = :status`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, row); err != nil {
		return nil, dbErr(err, "Failed to update customer product")
	}
	return cp, nil
}

func (r *cusProductRepository) Delete(ctx context.Context, id string) error {
	query := `
		DELETE FROM customer_products
		WHERE id = $1 AND tenant_id = $2`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query, id, types.GetTenantID(ctx))
	if err != nil {
		return dbErr(err, "Failed to delete customer product")
	}
	return nil
}

func (r *cusProductRepository) ListByCustomer(ctx context.Context, customerID string, statuses []types.CusProductStatus) ([]*cusproduct.CustomerProduct, error) {
	if len(statuses) == 0 {
		statuses = types.CusProductStatusValues
	}

	query, args, err := sqlx.In(`
		SELECT * FROM customer_products
		WHERE customer_id = ? AND product_status IN (?)
		AND tenant_id = ? AND status = ?
		ORDER BY started_at, id`,
		customerID, statuses, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to build customer product query")
	}

	return r.selectRows(ctx, r.db.Querier(ctx).Rebind(query), args...)
}

func (r *cusProductRepository) GetCurrentInGroup(ctx context.Context, customerID, entityID, group string) (*cusproduct.CustomerProduct, error) {
	return r.getInGroup(ctx, customerID, entityID, group, types.CurrentCusProductStatuses)
}

func (r *cusProductRepository) GetScheduledInGroup(ctx context.Context, customerID, entityID, group string) (*cusproduct.CustomerProduct, error) {
	return r.getInGroup(ctx, customerID, entityID, group, []types.CusProductStatus{types.CusProductStatusScheduled})
}

func (r *cusProductRepository) getInGroup(ctx context.Context, customerID, entityID, group string, statuses []types.CusProductStatus) (*cusproduct.CustomerProduct, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM customer_products
		WHERE customer_id = ? AND internal_entity_id = ? AND product_group = ?
		AND is_add_on = FALSE AND product_status IN (?)
		AND tenant_id = ? AND status = ?
		ORDER BY started_at DESC`,
		customerID, entityID, group, statuses, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to build customer product query")
	}

	rows, err := r.selectRows(ctx, r.db.Querier(ctx).Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows) > 1 {
		// A group holds at most one binding per status class. More than one
		// means corrupted state, never pick one silently.
		r.logger.Errorw("multiple products found in one group",
			"customer_id", customerID,
			"product_group", group,
			"count", len(rows))
		return nil, ierr.NewError("multiple products found in one group").
			WithHint("The customer has conflicting product bindings in this group").
			WithReportableDetails(map[string]any{
				"customer_id":   customerID,
				"product_group": group,
				"count":         len(rows),
			}).
			Mark(ierr.ErrSystem)
	}
	return rows[0], nil
}

func (r *cusProductRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) ([]*cusproduct.CustomerProduct, error) {
	query := `
		SELECT * FROM customer_products
		WHERE subscription_ids @> to_jsonb($1::text)
		AND tenant_id = $2 AND status = $3
		ORDER BY started_at, id`

	return r.selectRows(ctx, query, subscriptionID, types.GetTenantID(ctx), types.StatusPublished)
}

func (r *cusProductRepository) GetByScheduleID(ctx context.Context, scheduleID string) ([]*cusproduct.CustomerProduct, error) {
	query := `
		SELECT * FROM customer_products
		WHERE scheduled_ids @> to_jsonb($1::text)
		AND tenant_id = $2 AND status = $3
		ORDER BY started_at, id`

	return r.selectRows(ctx, query, scheduleID, types.GetTenantID(ctx), types.StatusPublished)
}

func (r *cusProductRepository) selectRows(ctx context.Context, query string, args ...interface{}) ([]*cusproduct.CustomerProduct, error) {
	var rows []cusProductRow
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &rows, query, args...); err != nil {
		return nil, dbErr(err, "Failed to list customer products")
	}

	out := make([]*cusproduct.CustomerProduct, 0, len(rows))
	for i := range rows {
		cp, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r *cusProductRepository) CreatePrice(ctx context.Context, cp *cusproduct.CustomerPrice) (*cusproduct.CustomerPrice, error) {
	query := `
		INSERT INTO customer_prices (
			id, customer_product_id, price_id, override_amount, environment_id,
			tenant_id, status, created_at, updated_at, created_by, updated_by
		) VALUES (
			:id, :customer_product_id, :price_id, :override_amount, :environment_id,
			:tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
		)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, cp); err != nil {
		return nil, dbErr(err, "Failed to create customer price")
	}
	return cp, nil
}

func (r *cusProductRepository) ListPrices(ctx context.Context, customerProductID string) ([]*cusproduct.CustomerPrice, error) {
	query := `
		SELECT * FROM customer_prices
		WHERE customer_product_id = $1 AND tenant_id = $2 AND status = $3
		ORDER BY id`

	var prices []*cusproduct.CustomerPrice
	err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &prices, query,
		customerProductID, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to list customer prices")
	}
	return prices, nil
}
