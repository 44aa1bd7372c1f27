package balance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DeductParams describe one atomic deduction against a single ledger row.
type DeductParams struct {
	CustomerEntitlementID string
	// EntityID targets a per-entity sub-balance when set.
	EntityID string
	Amount   decimal.Decimal
	// MinBalance is the floor the balance may not cross. Nil means no floor.
	MinBalance *decimal.Decimal
	// Capped deducts only down to the floor instead of rejecting when the
	// full amount does not fit.
	Capped bool
}

// DeductResult reports the outcome of one atomic deduction.
type DeductResult struct {
	NewBalance decimal.Decimal
	Deducted   decimal.Decimal
}

// Repository defines the interface for ledger storage operations. Deduct
// and AdvanceReset must be single atomic statements at the storage layer;
// read-then-write in application code loses updates under concurrency.
type Repository interface {
	Create(ctx context.Context, ce *CustomerEntitlement) (*CustomerEntitlement, error)
	CreateBulk(ctx context.Context, rows []*CustomerEntitlement) ([]*CustomerEntitlement, error)
	Get(ctx context.Context, id string) (*CustomerEntitlement, error)
	Update(ctx context.Context, ce *CustomerEntitlement) (*CustomerEntitlement, error)
	Delete(ctx context.Context, id string) error

	ListByCustomer(ctx context.Context, customerID string) ([]*CustomerEntitlement, error)
	ListByCustomerProductIDs(ctx context.Context, customerProductIDs []string) ([]*CustomerEntitlement, error)

	// Deduct atomically decrements a row's balance, honoring the floor.
	// Fails with ErrInsufficientBalance when the amount does not fit and
	// Capped is false; with Capped it deducts what fits (possibly zero).
	Deduct(ctx context.Context, params DeductParams) (*DeductResult, error)

	// DeductRollover atomically decrements one rollover bucket, never below
	// zero, returning the amount actually taken.
	DeductRollover(ctx context.Context, customerEntitlementID, rolloverID string, amount decimal.Decimal) (decimal.Decimal, error)

	// AdvanceReset is a compare-and-swap on next_reset_at: it only applies
	// when the stored anchor still equals expectedResetAt, making duplicate
	// reset attempts no-ops. Parked replaceables lapse with the period.
	AdvanceReset(ctx context.Context, id string, expectedResetAt time.Time, newBalance decimal.Decimal, nextResetAt time.Time, rollovers []*Rollover) (bool, error)

	// ListDueForReset returns rows whose next_reset_at has passed.
	ListDueForReset(ctx context.Context, now time.Time, limit int) ([]*CustomerEntitlement, error)
}
