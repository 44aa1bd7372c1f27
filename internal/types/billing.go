package types

import (
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/samber/lo"
)

// PriceType distinguishes flat recurring prices from feature-referenced usage prices.
type PriceType string

const (
	PriceTypeFixed PriceType = "fixed"
	PriceTypeUsage PriceType = "usage"
)

// BillWhen determines at which point of the billing period a usage price is charged.
type BillWhen string

const (
	BillWhenInAdvance   BillWhen = "in_advance"
	BillWhenEndOfPeriod BillWhen = "end_of_period"
)

// BillingType is the closed classification every billing-sensitive component
// switches on. It is derived from a price's configuration exactly once by
// GetBillingType and never re-derived from raw config fields elsewhere.
type BillingType string

const (
	// BillingTypeFixed is a flat recurring fee with no feature reference.
	BillingTypeFixed BillingType = "fixed"
	// BillingTypePrepaid is billed for quantity in advance of usage.
	BillingTypePrepaid BillingType = "prepaid_in_advance"
	// BillingTypeMeteredArrear is billed after usage with per-unit tiers.
	BillingTypeMeteredArrear BillingType = "metered_in_arrear"
	// BillingTypeArrearProrated bills continuously-held units (e.g. seats)
	// per unit with proration on both increases and decreases.
	BillingTypeArrearProrated BillingType = "in_arrear_prorated"
)

var BillingTypeValues = []BillingType{
	BillingTypeFixed,
	BillingTypePrepaid,
	BillingTypeMeteredArrear,
	BillingTypeArrearProrated,
}

func (b BillingType) String() string {
	return string(b)
}

func (b BillingType) Validate() error {
	if !lo.Contains(BillingTypeValues, b) {
		return ierr.NewError("invalid billing type").
			WithHint("Billing type must be one of the supported values").
			WithReportableDetails(map[string]any{
				"allowed_values": BillingTypeValues,
				"provided_value": b,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// BillingConfig is the minimal slice of a price's configuration the
// classifier needs. It is a value type so the classification stays a pure
// total function with no side effects.
type BillingConfig struct {
	PriceType     PriceType
	BillWhen      BillWhen
	ShouldProrate bool
}

// GetBillingType classifies a price configuration into one of the four
// billing types. A fixed price with no feature reference is Fixed. A usage
// price billed in advance is Prepaid. A usage price billed at end of period
// is MeteredArrear, or ArrearProrated when the price is configured to
// prorate continuously-held units.
func GetBillingType(c BillingConfig) BillingType {
	if c.PriceType == PriceTypeFixed {
		return BillingTypeFixed
	}

	switch c.BillWhen {
	case BillWhenInAdvance:
		return BillingTypePrepaid
	case BillWhenEndOfPeriod:
		if c.ShouldProrate {
			return BillingTypeArrearProrated
		}
		return BillingTypeMeteredArrear
	}

	return BillingTypeMeteredArrear
}
