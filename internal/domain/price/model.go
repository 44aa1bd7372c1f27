package price

import (
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// UsageTier is one step of a tiered usage price. UpTo is nil for the
// unbounded last tier.
type UsageTier struct {
	UpTo       *decimal.Decimal `json:"up_to,omitempty"`
	UnitAmount decimal.Decimal  `json:"unit_amount"`
}

// Price belongs to a product and is immutable once billed against; product
// versioning creates a new price row rather than mutating this one.
type Price struct {
	ID        string                `db:"id" json:"id"`
	ProductID string                `db:"product_id" json:"product_id"`
	Amount    decimal.Decimal       `db:"amount" json:"amount"`
	Currency  string                `db:"currency" json:"currency"`
	Interval  types.BillingInterval `db:"interval" json:"interval"`
	PriceType types.PriceType       `db:"price_type" json:"price_type"`

	// Usage price configuration. FeatureID references the metered feature;
	// BillingUnits is the number of feature units per billed quantity step.
	FeatureID     string          `db:"feature_id" json:"feature_id,omitempty"`
	EntitlementID string          `db:"entitlement_id" json:"entitlement_id,omitempty"`
	BillWhen      types.BillWhen  `db:"bill_when" json:"bill_when,omitempty"`
	ShouldProrate bool            `db:"should_prorate" json:"should_prorate"`
	BillingUnits  decimal.Decimal `db:"billing_units" json:"billing_units"`
	Tiers         []UsageTier     `json:"tiers,omitempty"`

	// Mid-period quantity change policies
	OnIncrease types.OnIncrease `db:"on_increase" json:"on_increase,omitempty"`
	OnDecrease types.OnDecrease `db:"on_decrease" json:"on_decrease,omitempty"`

	// ProcessorPriceRef is the external processor's price identifier.
	ProcessorPriceRef string `db:"processor_price_ref" json:"processor_price_ref,omitempty"`

	Version       int    `db:"version" json:"version"`
	EnvironmentID string `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// BillingType classifies this price. Every component switches on this
// instead of inspecting the raw config fields.
func (p *Price) BillingType() types.BillingType {
	return types.GetBillingType(types.BillingConfig{
		PriceType:     p.PriceType,
		BillWhen:      p.BillWhen,
		ShouldProrate: p.ShouldProrate,
	})
}

// IsUsage reports whether the price references a feature.
func (p *Price) IsUsage() bool {
	return p.PriceType == types.PriceTypeUsage
}

// PerUnitAmount is the amount billed per quantity step.
func (p *Price) PerUnitAmount() decimal.Decimal {
	if len(p.Tiers) > 0 {
		return p.Tiers[0].UnitAmount
	}
	return p.Amount
}

// AmountForQuantity computes the total amount for a quantity, walking usage
// tiers when configured.
func (p *Price) AmountForQuantity(quantity decimal.Decimal) decimal.Decimal {
	if len(p.Tiers) == 0 {
		return p.Amount.Mul(quantity)
	}

	total := decimal.Zero
	remaining := quantity
	prevUpTo := decimal.Zero
	for _, tier := range p.Tiers {
		if remaining.IsZero() || remaining.IsNegative() {
			break
		}
		var span decimal.Decimal
		if tier.UpTo == nil {
			span = remaining
		} else {
			span = decimal.Min(remaining, tier.UpTo.Sub(prevUpTo))
			prevUpTo = *tier.UpTo
		}
		total = total.Add(tier.UnitAmount.Mul(span))
		remaining = remaining.Sub(span)
	}
	return total
}

// Validate performs validation on the price
func (p *Price) Validate() error {
	if p.Currency == "" {
		return ierr.NewError("currency is required").
			WithHint("Please provide a valid three-letter currency code").
			Mark(ierr.ErrValidation)
	}
	if err := p.Interval.Validate(); err != nil {
		return err
	}
	if p.PriceType == types.PriceTypeUsage {
		if p.FeatureID == "" {
			return ierr.NewError("feature_id is required for usage prices").
				WithHint("Usage prices must reference a feature").
				Mark(ierr.ErrValidation)
		}
		if p.BillingUnits.LessThanOrEqual(decimal.Zero) {
			return ierr.NewError("billing_units must be positive").
				WithHint("Set billing units to at least 1").
				WithReportableDetails(map[string]any{
					"billing_units": p.BillingUnits,
				}).
				Mark(ierr.ErrValidation)
		}
	}
	if p.Amount.IsNegative() {
		return ierr.NewError("amount cannot be negative").
			WithHint("Set a non-negative amount").
			Mark(ierr.ErrValidation)
	}
	return nil
}
