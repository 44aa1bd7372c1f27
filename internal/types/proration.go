package types

import (
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/samber/lo"
)

// ProrationAction defines the type of change triggering proration.
type ProrationAction string

const (
	ProrationActionUpgrade        ProrationAction = "upgrade"
	ProrationActionDowngrade      ProrationAction = "downgrade"
	ProrationActionQuantityChange ProrationAction = "quantity_change"
	ProrationActionCancellation   ProrationAction = "cancellation"
	ProrationActionAddItem        ProrationAction = "add_item"
	ProrationActionRemoveItem     ProrationAction = "remove_item"
)

// ProrationStrategy defines how the proration coefficient is calculated.
type ProrationStrategy string

const (
	StrategyDayBased    ProrationStrategy = "day_based"
	StrategySecondBased ProrationStrategy = "second_based"
)

// ProrationBehavior defines how a computed proration is applied.
type ProrationBehavior string

const (
	// ProrationBehaviorCreateInvoiceItems creates processor invoice items for
	// the computed credits/charges.
	ProrationBehaviorCreateInvoiceItems ProrationBehavior = "create_invoice_items"
	// ProrationBehaviorNone calculates but does not apply (previews).
	ProrationBehaviorNone ProrationBehavior = "none"
)

// OnIncrease is a price's policy for mid-period quantity increases.
type OnIncrease string

const (
	OnIncreaseBillImmediately    OnIncrease = "bill_immediately"
	OnIncreaseProrateImmediately OnIncrease = "prorate_immediately"
	OnIncreaseNoCharge           OnIncrease = "no_charge"
)

// OnDecrease is a price's policy for mid-period quantity decreases.
type OnDecrease string

const (
	OnDecreaseProrateImmediately OnDecrease = "prorate_immediately"
	// OnDecreaseNone keeps the billed quantity until the period boundary; the
	// ledger records the freed units as replaceables instead of refunding.
	OnDecreaseNone OnDecrease = "none"
)

var OnIncreaseValues = []OnIncrease{
	OnIncreaseBillImmediately,
	OnIncreaseProrateImmediately,
	OnIncreaseNoCharge,
}

var OnDecreaseValues = []OnDecrease{
	OnDecreaseProrateImmediately,
	OnDecreaseNone,
}

func (o OnIncrease) Validate() error {
	if !lo.Contains(OnIncreaseValues, o) {
		return ierr.NewError("invalid on_increase policy").
			WithHint("Policy must be bill_immediately, prorate_immediately or no_charge").
			WithReportableDetails(map[string]any{
				"allowed_values": OnIncreaseValues,
				"provided_value": o,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

func (o OnDecrease) Validate() error {
	if !lo.Contains(OnDecreaseValues, o) {
		return ierr.NewError("invalid on_decrease policy").
			WithHint("Policy must be prorate_immediately or none").
			WithReportableDetails(map[string]any{
				"allowed_values": OnDecreaseValues,
				"provided_value": o,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}
