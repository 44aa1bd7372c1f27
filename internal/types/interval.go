package types

import (
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/samber/lo"
)

// BillingInterval is the recurrence of a price or entitlement reset.
type BillingInterval string

const (
	BillingIntervalOneOff     BillingInterval = "one_off"
	BillingIntervalMonth      BillingInterval = "month"
	BillingIntervalQuarter    BillingInterval = "quarter"
	BillingIntervalSemiAnnual BillingInterval = "semi_annual"
	BillingIntervalYear       BillingInterval = "year"
)

var BillingIntervalValues = []BillingInterval{
	BillingIntervalOneOff,
	BillingIntervalMonth,
	BillingIntervalQuarter,
	BillingIntervalSemiAnnual,
	BillingIntervalYear,
}

// billingIntervalMonths orders intervals by their length. OneOff sorts first
// so interval groups come out ascending and stable across repeated plans.
var billingIntervalMonths = map[BillingInterval]int{
	BillingIntervalOneOff:     0,
	BillingIntervalMonth:      1,
	BillingIntervalQuarter:    3,
	BillingIntervalSemiAnnual: 6,
	BillingIntervalYear:       12,
}

func (b BillingInterval) String() string {
	return string(b)
}

// Months returns the interval length in months, 0 for one-off.
func (b BillingInterval) Months() int {
	return billingIntervalMonths[b]
}

// IsRecurring reports whether the interval repeats.
func (b BillingInterval) IsRecurring() bool {
	return b != BillingIntervalOneOff
}

func (b BillingInterval) Validate() error {
	if !lo.Contains(BillingIntervalValues, b) {
		return ierr.NewError("invalid billing interval").
			WithHint("Billing interval must be one_off, month, quarter, semi_annual or year").
			WithReportableDetails(map[string]any{
				"allowed_values": BillingIntervalValues,
				"provided_value": b,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// NextBillingDate advances a billing anchor by one interval. One-off
// intervals do not advance.
func NextBillingDate(from time.Time, interval BillingInterval) time.Time {
	months := interval.Months()
	if months == 0 {
		return from
	}
	return from.AddDate(0, months, 0)
}

// CompareBillingIntervals sorts intervals ascending by length, one-off first.
func CompareBillingIntervals(a, b BillingInterval) int {
	return a.Months() - b.Months()
}
