package proration

import (
	"context"
	"fmt"
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// Calculator performs proration calculations. It is kept separate from the
// services that apply results so that strategies can be swapped in tests.
type Calculator interface {
	Calculate(ctx context.Context, params Params) (*Result, error)
}

// NewCalculator creates a calculator for the given strategy. The day-based
// strategy is the default and matches how processors round mid-period changes.
func NewCalculator(strategy types.ProrationStrategy) Calculator {
	return &calculator{strategy: strategy}
}

type calculator struct {
	strategy types.ProrationStrategy
}

func (c *calculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	if params.Behavior == types.ProrationBehaviorNone {
		return nil, nil
	}

	if err := validateParams(params); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Invalid proration parameters").
			Mark(ierr.ErrValidation)
	}

	loc, err := time.LoadLocation(params.CustomerTimezone)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("failed to load customer timezone '%s'", params.CustomerTimezone).
			Mark(ierr.ErrSystem)
	}

	coefficient, err := c.coefficient(params, loc)
	if err != nil {
		return nil, err
	}

	result := &Result{
		NetAmount:     decimal.Zero,
		Action:        params.Action,
		ProrationDate: params.ProrationDate,
		CreditItems:   []LineItem{},
		ChargeItems:   []LineItem{},
	}

	// Credits apply to existing items being modified or removed, but only
	// when payment was collected in advance. In-arrears items have nothing
	// to refund; their final usage is invoiced at the period boundary.
	if issuesCredit(params.Action) && params.PlanPayInAdvance {
		potential := params.OldPricePerUnit.Mul(params.OldQuantity).Mul(coefficient)
		credit := capCredit(potential, params.OriginalAmountPaid, params.PreviousCreditsIssued)
		if credit.GreaterThan(decimal.Zero) {
			item := LineItem{
				Description: creditDescription(params.Action),
				Amount:      credit.Neg(),
				StartDate:   params.ProrationDate,
				EndDate:     params.CurrentPeriodEnd,
				Quantity:    params.OldQuantity,
				PriceID:     params.OldPriceID,
				IsCredit:    true,
			}
			result.CreditItems = append(result.CreditItems, item)
			result.NetAmount = result.NetAmount.Add(item.Amount)
		}
	}

	if issuesCharge(params.Action) {
		charge := params.NewPricePerUnit.Mul(params.NewQuantity).Mul(coefficient)
		if charge.GreaterThan(decimal.Zero) {
			item := LineItem{
				Description: chargeDescription(params.Action),
				Amount:      charge,
				StartDate:   params.ProrationDate,
				EndDate:     params.CurrentPeriodEnd,
				Quantity:    params.NewQuantity,
				PriceID:     params.NewPriceID,
				IsCredit:    false,
			}
			result.ChargeItems = append(result.ChargeItems, item)
			result.NetAmount = result.NetAmount.Add(item.Amount)
		}
	}

	return result, nil
}

// coefficient returns the remaining fraction of the billing period at the
// proration date, in [0, 1].
func (c *calculator) coefficient(params Params, loc *time.Location) (decimal.Decimal, error) {
	start := params.CurrentPeriodStart.In(loc)
	end := params.CurrentPeriodEnd.In(loc)
	at := params.ProrationDate.In(loc)

	switch c.strategy {
	case types.StrategySecondBased:
		total := end.Sub(start).Seconds()
		if total <= 0 {
			return decimal.Zero, invalidPeriodErr(start, end)
		}
		remaining := end.Sub(at).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		return decimal.NewFromFloat(remaining).Div(decimal.NewFromFloat(total)), nil
	default:
		total := calendarDays(start, end, loc)
		if total <= 0 {
			return decimal.Zero, invalidPeriodErr(start, end)
		}
		remaining := calendarDays(at, end, loc)
		if remaining < 0 {
			remaining = 0
		}
		return decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(total))), nil
	}
}

func invalidPeriodErr(start, end time.Time) error {
	return ierr.NewError("invalid billing period").
		WithHintf("period length is zero or negative (%v to %v)", start, end).
		Mark(ierr.ErrValidation)
}

// calendarDays counts the calendar days between two instants, using the given
// timezone for day boundaries so DST transitions don't skew the count.
func calendarDays(start, end time.Time, loc *time.Location) int {
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)

	days := 0
	for current := startDay; current.Before(endDay); {
		days++
		next := current.Add(24 * time.Hour)
		current = time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, loc)
	}
	return days
}

// capCredit ensures credits never exceed what was actually paid, after
// subtracting credits already issued against the same payment.
func capCredit(potential, originalPaid, previouslyIssued decimal.Decimal) decimal.Decimal {
	if potential.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if potential.GreaterThan(originalPaid) {
		potential = originalPaid
	}
	available := originalPaid.Sub(previouslyIssued)
	if potential.GreaterThan(available) {
		potential = available
	}
	if potential.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return potential
}

func issuesCredit(action types.ProrationAction) bool {
	switch action {
	case types.ProrationActionUpgrade,
		types.ProrationActionDowngrade,
		types.ProrationActionQuantityChange,
		types.ProrationActionRemoveItem,
		types.ProrationActionCancellation:
		return true
	}
	return false
}

func issuesCharge(action types.ProrationAction) bool {
	switch action {
	case types.ProrationActionAddItem,
		types.ProrationActionUpgrade,
		types.ProrationActionDowngrade,
		types.ProrationActionQuantityChange:
		return true
	}
	return false
}

func creditDescription(action types.ProrationAction) string {
	switch action {
	case types.ProrationActionCancellation:
		return "Credit for unused time on cancelled subscription"
	case types.ProrationActionDowngrade:
		return "Credit for unused time on previous plan before downgrade"
	case types.ProrationActionUpgrade:
		return "Credit for unused time on previous plan before upgrade"
	case types.ProrationActionQuantityChange:
		return "Credit for unused time on previous quantity"
	case types.ProrationActionRemoveItem:
		return "Credit for unused time on removed item"
	default:
		return "Credit for unused time"
	}
}

func chargeDescription(action types.ProrationAction) string {
	switch action {
	case types.ProrationActionUpgrade:
		return "Prorated charge for upgrade"
	case types.ProrationActionDowngrade:
		return "Prorated charge for downgrade"
	case types.ProrationActionQuantityChange:
		return "Prorated charge for quantity change"
	case types.ProrationActionAddItem:
		return "Prorated charge for new item"
	default:
		return "Prorated charge"
	}
}

// validateParams checks that the essential parameters for the requested
// action are present.
func validateParams(params Params) error {
	if params.ProrationDate.IsZero() {
		return fmt.Errorf("proration date is required")
	}
	if params.CurrentPeriodStart.IsZero() || params.CurrentPeriodEnd.IsZero() {
		return fmt.Errorf("billing period start and end dates are required")
	}
	if params.CurrentPeriodEnd.Before(params.CurrentPeriodStart) {
		return fmt.Errorf("billing period end date cannot be before start date")
	}
	if params.CustomerTimezone == "" {
		return fmt.Errorf("customer timezone is required")
	}

	switch params.Action {
	case types.ProrationActionAddItem:
		if params.NewPriceID == "" {
			return fmt.Errorf("new price ID is required for add_item")
		}
		if params.NewQuantity.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("new quantity must be positive for add_item")
		}
	case types.ProrationActionRemoveItem, types.ProrationActionCancellation:
		if params.OldPriceID == "" {
			return fmt.Errorf("old price ID is required for %s", params.Action)
		}
		if params.OldQuantity.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("old quantity must be positive for %s", params.Action)
		}
	case types.ProrationActionUpgrade, types.ProrationActionDowngrade:
		if params.OldPriceID == "" || params.NewPriceID == "" {
			return fmt.Errorf("both old and new price IDs are required for %s", params.Action)
		}
		if params.OldQuantity.LessThanOrEqual(decimal.Zero) || params.NewQuantity.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("both old and new quantities must be positive for %s", params.Action)
		}
	case types.ProrationActionQuantityChange:
		if params.OldQuantity.Equal(params.NewQuantity) {
			return fmt.Errorf("old and new quantities cannot be equal for quantity_change")
		}
		if params.OldQuantity.LessThanOrEqual(decimal.Zero) || params.NewQuantity.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("both old and new quantities must be positive for quantity_change")
		}
	default:
		return fmt.Errorf("invalid proration action: %s", params.Action)
	}

	return nil
}
