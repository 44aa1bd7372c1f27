package proration

import (
	"context"
	"testing"
	"time"

	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculator_Calculate(t *testing.T) {
	// April has 30 days; proration on the 21st leaves 10 full days.
	periodStart := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	changeDate := time.Date(2024, 4, 21, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		params        Params
		wantNet       decimal.Decimal
		wantCredits   int
		wantCharges   int
		expectedError bool
	}{
		{
			name: "upgrade_mid_period_in_advance",
			params: Params{
				Action:             types.ProrationActionUpgrade,
				OldPriceID:         "price_old",
				NewPriceID:         "price_new",
				OldQuantity:        decimal.NewFromInt(1),
				NewQuantity:        decimal.NewFromInt(1),
				OldPricePerUnit:    decimal.NewFromInt(100),
				NewPricePerUnit:    decimal.NewFromInt(200),
				ProrationDate:      changeDate,
				CurrentPeriodStart: periodStart,
				CurrentPeriodEnd:   periodEnd,
				CustomerTimezone:   "UTC",
				Behavior:           types.ProrationBehaviorCreateInvoiceItems,
				PlanPayInAdvance:   true,
				OriginalAmountPaid: decimal.NewFromInt(100),
			},
			// credit 100*10/30 = 33.33, charge 200*10/30 = 66.67
			wantNet:     decimal.NewFromFloat(33.33),
			wantCredits: 1,
			wantCharges: 1,
		},
		{
			name: "upgrade_in_arrears_charges_only",
			params: Params{
				Action:             types.ProrationActionUpgrade,
				OldPriceID:         "price_old",
				NewPriceID:         "price_new",
				OldQuantity:        decimal.NewFromInt(1),
				NewQuantity:        decimal.NewFromInt(1),
				OldPricePerUnit:    decimal.NewFromInt(100),
				NewPricePerUnit:    decimal.NewFromInt(200),
				ProrationDate:      changeDate,
				CurrentPeriodStart: periodStart,
				CurrentPeriodEnd:   periodEnd,
				CustomerTimezone:   "UTC",
				Behavior:           types.ProrationBehaviorCreateInvoiceItems,
				PlanPayInAdvance:   false,
			},
			wantNet:     decimal.NewFromFloat(66.67),
			wantCredits: 0,
			wantCharges: 1,
		},
		{
			name: "cancellation_credits_only",
			params: Params{
				Action:             types.ProrationActionCancellation,
				OldPriceID:         "price_old",
				OldQuantity:        decimal.NewFromInt(2),
				OldPricePerUnit:    decimal.NewFromInt(30),
				ProrationDate:      changeDate,
				CurrentPeriodStart: periodStart,
				CurrentPeriodEnd:   periodEnd,
				CustomerTimezone:   "UTC",
				Behavior:           types.ProrationBehaviorCreateInvoiceItems,
				PlanPayInAdvance:   true,
				OriginalAmountPaid: decimal.NewFromInt(60),
			},
			// credit 60*10/30 = 20
			wantNet:     decimal.NewFromInt(-20),
			wantCredits: 1,
			wantCharges: 0,
		},
		{
			name: "credit_capped_by_previous_credits",
			params: Params{
				Action:                types.ProrationActionCancellation,
				OldPriceID:            "price_old",
				OldQuantity:           decimal.NewFromInt(1),
				OldPricePerUnit:       decimal.NewFromInt(90),
				ProrationDate:         changeDate,
				CurrentPeriodStart:    periodStart,
				CurrentPeriodEnd:      periodEnd,
				CustomerTimezone:      "UTC",
				Behavior:              types.ProrationBehaviorCreateInvoiceItems,
				PlanPayInAdvance:      true,
				OriginalAmountPaid:    decimal.NewFromInt(90),
				PreviousCreditsIssued: decimal.NewFromInt(80),
			},
			// potential credit 30, but only 10 remains uncredited
			wantNet:     decimal.NewFromInt(-10),
			wantCredits: 1,
			wantCharges: 0,
		},
		{
			name: "change_after_period_end_zero_amounts",
			params: Params{
				Action:             types.ProrationActionAddItem,
				NewPriceID:         "price_new",
				NewQuantity:        decimal.NewFromInt(1),
				NewPricePerUnit:    decimal.NewFromInt(50),
				ProrationDate:      periodEnd.AddDate(0, 0, 5),
				CurrentPeriodStart: periodStart,
				CurrentPeriodEnd:   periodEnd,
				CustomerTimezone:   "UTC",
				Behavior:           types.ProrationBehaviorCreateInvoiceItems,
			},
			wantNet:     decimal.Zero,
			wantCredits: 0,
			wantCharges: 0,
		},
		{
			name: "missing_timezone",
			params: Params{
				Action:             types.ProrationActionAddItem,
				NewPriceID:         "price_new",
				NewQuantity:        decimal.NewFromInt(1),
				NewPricePerUnit:    decimal.NewFromInt(50),
				ProrationDate:      changeDate,
				CurrentPeriodStart: periodStart,
				CurrentPeriodEnd:   periodEnd,
				Behavior:           types.ProrationBehaviorCreateInvoiceItems,
			},
			expectedError: true,
		},
		{
			name: "quantity_change_equal_quantities",
			params: Params{
				Action:             types.ProrationActionQuantityChange,
				OldPriceID:         "price_old",
				NewPriceID:         "price_old",
				OldQuantity:        decimal.NewFromInt(3),
				NewQuantity:        decimal.NewFromInt(3),
				OldPricePerUnit:    decimal.NewFromInt(10),
				NewPricePerUnit:    decimal.NewFromInt(10),
				ProrationDate:      changeDate,
				CurrentPeriodStart: periodStart,
				CurrentPeriodEnd:   periodEnd,
				CustomerTimezone:   "UTC",
				Behavior:           types.ProrationBehaviorCreateInvoiceItems,
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := NewCalculator(types.StrategyDayBased)
			result, err := calc.Calculate(context.Background(), tt.params)

			if tt.expectedError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, result)

			assert.True(t, tt.wantNet.Equal(result.NetAmount.Round(2)),
				"net amount: want %s, got %s", tt.wantNet, result.NetAmount.Round(2))
			assert.Len(t, result.CreditItems, tt.wantCredits)
			assert.Len(t, result.ChargeItems, tt.wantCharges)

			for _, item := range result.CreditItems {
				assert.True(t, item.IsCredit)
				assert.True(t, item.Amount.LessThanOrEqual(decimal.Zero))
			}
			for _, item := range result.ChargeItems {
				assert.False(t, item.IsCredit)
				assert.True(t, item.Amount.GreaterThanOrEqual(decimal.Zero))
			}
		})
	}
}

func TestCalculator_BehaviorNone(t *testing.T) {
	calc := NewCalculator(types.StrategyDayBased)
	result, err := calc.Calculate(context.Background(), Params{
		Action:   types.ProrationActionUpgrade,
		Behavior: types.ProrationBehaviorNone,
	})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCalculator_SecondBased(t *testing.T) {
	// Exactly half of a 10-day period remains.
	periodStart := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2024, 4, 11, 0, 0, 0, 0, time.UTC)
	changeDate := time.Date(2024, 4, 6, 0, 0, 0, 0, time.UTC)

	calc := NewCalculator(types.StrategySecondBased)
	result, err := calc.Calculate(context.Background(), Params{
		Action:             types.ProrationActionAddItem,
		NewPriceID:         "price_new",
		NewQuantity:        decimal.NewFromInt(1),
		NewPricePerUnit:    decimal.NewFromInt(100),
		ProrationDate:      changeDate,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		CustomerTimezone:   "UTC",
		Behavior:           types.ProrationBehaviorCreateInvoiceItems,
	})
	require.NoError(t, err)
	require.Len(t, result.ChargeItems, 1)
	assert.True(t, decimal.NewFromInt(50).Equal(result.NetAmount))
}

func TestCalendarDays_DSTTransition(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// The US spring-forward on 2024-03-10 makes that day 23 hours long; it
	// must still count as one calendar day.
	start := time.Date(2024, 3, 9, 0, 0, 0, 0, loc)
	end := time.Date(2024, 3, 12, 0, 0, 0, 0, loc)
	assert.Equal(t, 3, calendarDays(start, end, loc))
}
