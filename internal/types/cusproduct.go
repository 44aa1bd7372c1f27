package types

import (
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/samber/lo"
)

// CusProductStatus is the lifecycle status of a customer's product binding.
type CusProductStatus string

const (
	CusProductStatusTrialing  CusProductStatus = "trialing"
	CusProductStatusActive    CusProductStatus = "active"
	CusProductStatusPastDue   CusProductStatus = "past_due"
	CusProductStatusScheduled CusProductStatus = "scheduled"
	CusProductStatusExpired   CusProductStatus = "expired"
)

var CusProductStatusValues = []CusProductStatus{
	CusProductStatusTrialing,
	CusProductStatusActive,
	CusProductStatusPastDue,
	CusProductStatusScheduled,
	CusProductStatusExpired,
}

// CurrentCusProductStatuses are the statuses that count as "the customer has
// this product now". At most one non-add-on product per group may hold one of
// these per customer/entity.
var CurrentCusProductStatuses = []CusProductStatus{
	CusProductStatusTrialing,
	CusProductStatusActive,
	CusProductStatusPastDue,
}

func (s CusProductStatus) String() string {
	return string(s)
}

// IsCurrent reports whether the status counts toward group exclusivity.
func (s CusProductStatus) IsCurrent() bool {
	return lo.Contains(CurrentCusProductStatuses, s)
}

func (s CusProductStatus) Validate() error {
	if !lo.Contains(CusProductStatusValues, s) {
		return ierr.NewError("invalid customer product status").
			WithHint("Status must be trialing, active, past_due, scheduled or expired").
			WithReportableDetails(map[string]any{
				"allowed_values": CusProductStatusValues,
				"provided_value": s,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}
