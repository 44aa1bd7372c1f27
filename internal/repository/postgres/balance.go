package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meterline/meterline/internal/domain/balance"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

type balanceRepository struct {
	db     postgres.IClient
	logger *logger.Logger
}

// NewBalanceRepository creates a new instance of ledger repository
func NewBalanceRepository(db postgres.IClient, log *logger.Logger) *balanceRepository {
	return &balanceRepository{db: db, logger: log}
}

var _ balance.Repository = (*balanceRepository)(nil)

// balanceRow is the storage shape of a ledger row. Entity sub-balances,
// rollover buckets and replaceables live in jsonb columns; the deductible
// base balance is a plain column so deductions stay single atomic updates.
type balanceRow struct {
	ID                string           `db:"id"`
	CustomerID        string           `db:"customer_id"`
	CustomerProductID string           `db:"customer_product_id"`
	EntitlementID     string           `db:"entitlement_id"`
	FeatureID         string           `db:"feature_id"`
	Balance           decimal.Decimal  `db:"balance"`
	Adjustment        decimal.Decimal  `db:"adjustment"`
	StartingBalance   decimal.Decimal  `db:"starting_balance"`
	NextResetAt       *time.Time       `db:"next_reset_at"`
	Unlimited         bool             `db:"unlimited"`
	UsageAllowed      bool             `db:"usage_allowed"`
	UsageLimit        *decimal.Decimal `db:"usage_limit"`
	Entities          []byte           `db:"entities"`
	Rollovers         []byte           `db:"rollovers"`
	Replaceables      []byte           `db:"replaceables"`
	EnvironmentID     string           `db:"environment_id"`
	TenantID          string           `db:"tenant_id"`
	Status            types.Status     `db:"status"`
	CreatedAt         time.Time        `db:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at"`
	CreatedBy         string           `db:"created_by"`
	UpdatedBy         string           `db:"updated_by"`
}

func toBalanceRow(ce *balance.CustomerEntitlement) (*balanceRow, error) {
	entities, err := marshalJSONB(ce.Entities)
	if err != nil {
		return nil, err
	}
	rollovers, err := marshalJSONB(ce.Rollovers)
	if err != nil {
		return nil, err
	}
	replaceables, err := marshalJSONB(ce.Replaceables)
	if err != nil {
		return nil, err
	}
	return &balanceRow{
		ID:                ce.ID,
		CustomerID:        ce.CustomerID,
		CustomerProductID: ce.CustomerProductID,
		EntitlementID:     ce.EntitlementID,
		FeatureID:         ce.FeatureID,
		Balance:           ce.Balance,
		Adjustment:        ce.Adjustment,
		StartingBalance:   ce.StartingBalance,
		NextResetAt:       ce.NextResetAt,
		Unlimited:         ce.Unlimited,
		UsageAllowed:      ce.UsageAllowed,
		UsageLimit:        ce.UsageLimit,
		Entities:          entities,
		Rollovers:         rollovers,
		Replaceables:      replaceables,
		EnvironmentID:     ce.EnvironmentID,
		TenantID:          ce.TenantID,
		Status:            ce.Status,
		CreatedAt:         ce.CreatedAt,
		UpdatedAt:         ce.UpdatedAt,
		CreatedBy:         ce.CreatedBy,
		UpdatedBy:         ce.UpdatedBy,
	}, nil
}

func (row *balanceRow) toDomain() (*balance.CustomerEntitlement, error) {
	ce := &balance.CustomerEntitlement{
		ID:                row.ID,
		CustomerID:        row.CustomerID,
		CustomerProductID: row.CustomerProductID,
		EntitlementID:     row.EntitlementID,
		FeatureID:         row.FeatureID,
		Balance:           row.Balance,
		Adjustment:        row.Adjustment,
		StartingBalance:   row.StartingBalance,
		NextResetAt:       row.NextResetAt,
		Unlimited:         row.Unlimited,
		UsageAllowed:      row.UsageAllowed,
		UsageLimit:        row.UsageLimit,
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
	if err := unmarshalJSONB(row.Entities, &ce.Entities); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(row.Rollovers, &ce.Rollovers); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(row.Replaceables, &ce.Replaceables); err != nil {
		return nil, err
	}
	return ce, nil
}

const insertBalanceQuery = `
	INSERT INTO customer_entitlements (
		id, customer_id, customer_product_id, entitlement_id, feature_id,
		balance, adjustment, starting_balance, next_reset_at,
		unlimited, usage_allowed, usage_limit, entities, rollovers, replaceables,
		environment_id, tenant_id, status, created_at, updated_at, created_by, updated_by
	) VALUES (
		:id, :customer_id, :customer_product_id, :entitlement_id, :feature_id,
		:balance, :adjustment, :starting_balance, :next_reset_at,
		:unlimited, :usage_allowed, :usage_limit, :entities, :rollovers, :replaceables,
		:environment_id, :tenant_id, :status, :created_at, :updated_at, :created_by, :updated_by
	)`

func (r *balanceRepository) Create(ctx context.Context, ce *balance.CustomerEntitlement) (*balance.CustomerEntitlement, error) {
	row, err := toBalanceRow(ce)
	if err != nil {
		return nil, err
	}
	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), insertBalanceQuery, row); err != nil {
		return nil, dbErr(err, "Failed to create ledger row")
	}
	return ce, nil
}

func (r *balanceRepository) CreateBulk(ctx context.Context, rows []*balance.CustomerEntitlement) ([]*balance.CustomerEntitlement, error) {
	for _, ce := range rows {
		if _, err := r.Create(ctx, ce); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (r *balanceRepository) Get(ctx context.Context, id string) (*balance.CustomerEntitlement, error) {
	query := `
		SELECT * FROM customer_entitlements
		WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var row balanceRow
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &row, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "ledger row", id)
	}
	return row.toDomain()
}

func (r *balanceRepository) Update(ctx context.Context, ce *balance.CustomerEntitlement) (*balance.CustomerEntitlement, error) {
	row, err := toBalanceRow(ce)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE customer_entitlements SET
			balance = :balance,
			adjustment = :adjustment,
			starting_balance = :starting_balance,
			next_reset_at = :next_reset_at,
			unlimited = :unlimited,
			usage_allowed = :usage_allowed,
			usage_limit = :usage_limit,
			entities = :entities,
			rollovers = :rollovers,
			replaceables = :replaceables,
			updated_at = NOW(),
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND status = :status`

	if _, err := sqlx.NamedExecContext(ctx, r.db.Querier(ctx), query, row); err != nil {
		return nil, dbErr(err, "Failed to update ledger row")
	}
	return ce, nil
}

func (r *balanceRepository) Delete(ctx context.Context, id string) error {
	query := `
		UPDATE customer_entitlements SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		types.StatusArchived, id, types.GetTenantID(ctx))
	if err != nil {
		return dbErr(err, "Failed to delete ledger row")
	}
	return nil
}

func (r *balanceRepository) ListByCustomer(ctx context.Context, customerID string) ([]*balance.CustomerEntitlement, error) {
	query := `
		SELECT * FROM customer_entitlements
		WHERE customer_id = $1 AND tenant_id = $2 AND status = $3
		ORDER BY id`

	return r.selectRows(ctx, query, customerID, types.GetTenantID(ctx), types.StatusPublished)
}

func (r *balanceRepository) ListByCustomerProductIDs(ctx context.Context, customerProductIDs []string) ([]*balance.CustomerEntitlement, error) {
	if len(customerProductIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM customer_entitlements
		WHERE customer_product_id IN (?) AND tenant_id = ? AND status = ?
		ORDER BY id`,
		customerProductIDs, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, dbErr(err, "Failed to build ledger query")
	}

	return r.selectRows(ctx, r.db.Querier(ctx).Rebind(query), args...)
}

func (r *balanceRepository) selectRows(ctx context.Context, query string, args ...interface{}) ([]*balance.CustomerEntitlement, error) {
	var rows []balanceRow
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &rows, query, args...); err != nil {
		return nil, dbErr(err, "Failed to list ledger rows")
	}

	out := make([]*balance.CustomerEntitlement, 0, len(rows))
	for i := range rows {
		ce, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ce)
	}
	return out, nil
}

func insufficientBalance(id string) error {
	return ierr.NewError("insufficient balance").
		WithHint("The deduction does not fit within the allowed balance").
		WithReportableDetails(map[string]any{
			"customer_entitlement_id": id,
		}).
		Mark(ierr.ErrInsufficientBalance)
}

// Deduct atomically decrements the base balance. The uncapped variant only
// matches when the floor is respected, so a lost race surfaces as
// ErrInsufficientBalance instead of a silently negative balance.
func (r *balanceRepository) Deduct(ctx context.Context, params balance.DeductParams) (*balance.DeductResult, error) {
	if params.EntityID != "" {
		return r.deductEntity(ctx, params)
	}

	// The prev CTE locks the row and keeps the old balance visible, since
	// RETURNING on an UPDATE only sees the new values.
	var (
		query string
		args  []interface{}
	)

	tenantID := types.GetTenantID(ctx)
	switch {
	case params.Capped && params.MinBalance != nil:
		query = `
			WITH prev AS (
				SELECT id, balance FROM customer_entitlements
				WHERE id = $1 AND tenant_id = $2 AND status = $3
				FOR UPDATE
			)
			UPDATE customer_entitlements ce
			SET balance = GREATEST(prev.balance - $4, LEAST(prev.balance, $5)), updated_at = NOW()
			FROM prev
			WHERE ce.id = prev.id
			RETURNING ce.balance, prev.balance`
		args = []interface{}{params.CustomerEntitlementID, tenantID, types.StatusPublished, params.Amount, *params.MinBalance}
	case params.MinBalance != nil:
		query = `
			WITH prev AS (
				SELECT id, balance FROM customer_entitlements
				WHERE id = $1 AND tenant_id = $2 AND status = $3
				FOR UPDATE
			)
			UPDATE customer_entitlements ce
			SET balance = prev.balance - $4, updated_at = NOW()
			FROM prev
			WHERE ce.id = prev.id AND prev.balance - $4 >= $5
			RETURNING ce.balance, prev.balance`
		args = []interface{}{params.CustomerEntitlementID, tenantID, types.StatusPublished, params.Amount, *params.MinBalance}
	default:
		query = `
			WITH prev AS (
				SELECT id, balance FROM customer_entitlements
				WHERE id = $1 AND tenant_id = $2 AND status = $3
				FOR UPDATE
			)
			UPDATE customer_entitlements ce
			SET balance = prev.balance - $4, updated_at = NOW()
			FROM prev
			WHERE ce.id = prev.id
			RETURNING ce.balance, prev.balance`
		args = []interface{}{params.CustomerEntitlementID, tenantID, types.StatusPublished, params.Amount}
	}

	var newBalance, prev decimal.Decimal
	err := r.db.Querier(ctx).QueryRowxContext(ctx, query, args...).Scan(&newBalance, &prev)
	if err == sql.ErrNoRows {
		if _, getErr := r.Get(ctx, params.CustomerEntitlementID); getErr != nil {
			return nil, getErr
		}
		// The row exists, so only the floor condition can have failed.
		return nil, insufficientBalance(params.CustomerEntitlementID)
	}
	if err != nil {
		return nil, dbErr(err, "Failed to deduct balance")
	}

	return &balance.DeductResult{
		NewBalance: newBalance,
		Deducted:   prev.Sub(newBalance),
	}, nil
}

// deductEntity adjusts one entity sub-balance under a row lock. Callers run
// inside a transaction, so the SELECT FOR UPDATE serializes concurrent
// deductions against the same row.
func (r *balanceRepository) deductEntity(ctx context.Context, params balance.DeductParams) (*balance.DeductResult, error) {
	row, err := r.lockRow(ctx, params.CustomerEntitlementID)
	if err != nil {
		return nil, err
	}

	if row.Entities == nil {
		row.Entities = map[string]*balance.EntityBalance{}
	}
	eb, ok := row.Entities[params.EntityID]
	if !ok {
		eb = &balance.EntityBalance{}
		row.Entities[params.EntityID] = eb
	}

	take := params.Amount
	if params.MinBalance != nil {
		headroom := eb.Balance.Sub(*params.MinBalance)
		if headroom.LessThan(take) {
			if !params.Capped {
				return nil, insufficientBalance(params.CustomerEntitlementID)
			}
			take = decimal.Max(headroom, decimal.Zero)
		}
	}
	eb.Balance = eb.Balance.Sub(take)

	if _, err := r.Update(ctx, row); err != nil {
		return nil, err
	}
	return &balance.DeductResult{NewBalance: eb.Balance, Deducted: take}, nil
}

func (r *balanceRepository) DeductRollover(ctx context.Context, customerEntitlementID, rolloverID string, amount decimal.Decimal) (decimal.Decimal, error) {
	row, err := r.lockRow(ctx, customerEntitlementID)
	if err != nil {
		return decimal.Zero, err
	}

	taken := decimal.Zero
	for _, ro := range row.Rollovers {
		if ro.ID != rolloverID {
			continue
		}
		taken = decimal.Min(amount, ro.Balance)
		ro.Balance = ro.Balance.Sub(taken)
		break
	}
	if taken.IsZero() {
		return decimal.Zero, nil
	}

	if _, err := r.Update(ctx, row); err != nil {
		return decimal.Zero, err
	}
	return taken, nil
}

// lockRow reads a ledger row with a row lock for read-modify-write on the
// jsonb columns.
func (r *balanceRepository) lockRow(ctx context.Context, id string) (*balance.CustomerEntitlement, error) {
	query := `
		SELECT * FROM customer_entitlements
		WHERE id = $1 AND tenant_id = $2 AND status = $3
		FOR UPDATE`

	var row balanceRow
	err := sqlx.GetContext(ctx, r.db.Querier(ctx), &row, query,
		id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return nil, notFound(err, "ledger row", id)
	}
	return row.toDomain()
}

// AdvanceReset is a compare-and-swap on next_reset_at: a concurrent worker
// that already advanced the anchor makes this a no-op.
func (r *balanceRepository) AdvanceReset(ctx context.Context, id string, expectedResetAt time.Time, newBalance decimal.Decimal, nextResetAt time.Time, rollovers []*balance.Rollover) (bool, error) {
	rolloverDoc, err := marshalJSONB(rollovers)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE customer_entitlements
		SET balance = $1, rollovers = $2, next_reset_at = $3,
			replaceables = '[]'::jsonb, updated_at = NOW()
		WHERE id = $4 AND next_reset_at = $5 AND tenant_id = $6 AND status = $7`

	res, err := r.db.Querier(ctx).ExecContext(ctx, query,
		newBalance, rolloverDoc, nextResetAt,
		id, expectedResetAt, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		return false, dbErr(err, "Failed to reset balance")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, dbErr(err, "Failed to read reset result")
	}
	return affected > 0, nil
}

func (r *balanceRepository) ListDueForReset(ctx context.Context, now time.Time, limit int) ([]*balance.CustomerEntitlement, error) {
	query := `
		SELECT * FROM customer_entitlements
		WHERE next_reset_at IS NOT NULL AND next_reset_at <= $1
		AND tenant_id = $2 AND status = $3
		ORDER BY next_reset_at, id
		LIMIT $4`

	return r.selectRows(ctx, query, now, types.GetTenantID(ctx), types.StatusPublished, limit)
}
