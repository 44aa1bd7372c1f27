package balance

import (
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// EntityBalance is a per-entity sub-balance of a customer entitlement.
type EntityBalance struct {
	Balance    decimal.Decimal `json:"balance"`
	Adjustment decimal.Decimal `json:"adjustment"`
}

// Rollover is unused allowance carried from a previous period. Buckets are
// consumed before the base allowance and expire past their own TTL.
type Rollover struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Replaceable is a billable unit (e.g. a deleted seat) still paid for until
// it is reused or the period ends. It keeps the external item quantity up
// without counting as internal usage, preventing a charge/refund oscillation
// mid-cycle.
type Replaceable struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CustomerEntitlement is the ledger row: one per (customer product,
// entitlement), holding the deductible balance and its reset state.
type CustomerEntitlement struct {
	ID                string `db:"id" json:"id"`
	CustomerID        string `db:"customer_id" json:"customer_id"`
	CustomerProductID string `db:"customer_product_id" json:"customer_product_id"`
	EntitlementID     string `db:"entitlement_id" json:"entitlement_id"`
	FeatureID         string `db:"feature_id" json:"feature_id"`

	Balance    decimal.Decimal `db:"balance" json:"balance"`
	Adjustment decimal.Decimal `db:"adjustment" json:"adjustment"`
	// StartingBalance is the allowance granted for the current period,
	// including prepaid quantity × billing units. Granted balance is always
	// derived from it, never stored.
	StartingBalance decimal.Decimal `db:"starting_balance" json:"starting_balance"`
	NextResetAt     *time.Time      `db:"next_reset_at" json:"next_reset_at,omitempty"`

	Unlimited    bool             `db:"unlimited" json:"unlimited"`
	UsageAllowed bool             `db:"usage_allowed" json:"usage_allowed"`
	UsageLimit   *decimal.Decimal `db:"usage_limit" json:"usage_limit,omitempty"`

	// Entities holds per-entity sub-balances when the entitlement is scoped
	// by an entity feature.
	Entities     map[string]*EntityBalance `json:"entities,omitempty"`
	Rollovers    []*Rollover               `json:"rollovers,omitempty"`
	Replaceables []*Replaceable            `json:"replaceables,omitempty"`

	EnvironmentID string `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// Validate performs validation on the ledger row
func (ce *CustomerEntitlement) Validate() error {
	if ce.CustomerProductID == "" {
		return ierr.NewError("customer_product_id is required").
			WithHint("Please provide a valid customer product ID").
			Mark(ierr.ErrValidation)
	}
	if ce.FeatureID == "" {
		return ierr.NewError("feature_id is required").
			WithHint("Please provide a valid feature ID").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// IsEntityScoped reports whether balances are tracked per entity.
func (ce *CustomerEntitlement) IsEntityScoped() bool {
	return ce.Entities != nil
}

// RolloverBalance sums the non-expired rollover buckets.
func (ce *CustomerEntitlement) RolloverBalance(now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, r := range ce.Rollovers {
		if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
			continue
		}
		total = total.Add(r.Balance)
	}
	return total
}

// CurrentBalance is the total deductible balance: base plus live rollovers,
// or the summed entity balances for entity-scoped rows.
func (ce *CustomerEntitlement) CurrentBalance(now time.Time) decimal.Decimal {
	if ce.IsEntityScoped() {
		total := decimal.Zero
		for _, eb := range ce.Entities {
			total = total.Add(eb.Balance)
		}
		return total.Add(ce.RolloverBalance(now))
	}
	return ce.Balance.Add(ce.RolloverBalance(now))
}

// GrantedBalance is derived, never stored: the period's starting balance
// plus manual adjustments plus live rollovers.
func (ce *CustomerEntitlement) GrantedBalance(now time.Time) decimal.Decimal {
	return ce.StartingBalance.Add(ce.Adjustment).Add(ce.RolloverBalance(now))
}

// Usage is derived so that granted == current + usage always holds.
func (ce *CustomerEntitlement) Usage(now time.Time) decimal.Decimal {
	return ce.GrantedBalance(now).Sub(ce.CurrentBalance(now))
}

// MinBalance is the floor deductions may not cross: starting balance plus
// adjustment minus the usage limit. Nil when overage is unbounded (or the
// row disallows overage entirely, which callers enforce with a zero floor).
func (ce *CustomerEntitlement) MinBalance() *decimal.Decimal {
	if !ce.UsageAllowed {
		zero := decimal.Zero
		return &zero
	}
	if ce.UsageLimit == nil {
		return nil
	}
	floor := ce.StartingBalance.Add(ce.Adjustment).Sub(*ce.UsageLimit)
	return &floor
}

// UnusedCount is the number of replaceables currently held.
func (ce *CustomerEntitlement) UnusedCount() int {
	return len(ce.Replaceables)
}
