package entitlement

import (
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// RolloverConfig allows unused allowance to carry into the next period.
type RolloverConfig struct {
	// Max caps the total rolled-over amount; nil means uncapped.
	Max *decimal.Decimal `json:"max,omitempty"`
	// Duration is how many reset intervals a rollover bucket survives.
	Duration int `json:"duration"`
}

// Entitlement is a rule attached to a product: feature F grants allowance A
// per interval I, with an optional hard usage limit and overage policy.
type Entitlement struct {
	ID            string                `db:"id" json:"id"`
	ProductID     string                `db:"product_id" json:"product_id"`
	FeatureID     string                `db:"feature_id" json:"feature_id"`
	AllowanceType types.AllowanceType   `db:"allowance_type" json:"allowance_type"`
	Allowance     decimal.Decimal       `db:"allowance" json:"allowance"`
	Interval      types.BillingInterval `db:"interval" json:"interval"`
	// UsageLimit is the hard cap on total usage including overage; nil
	// means overage is bounded only by UsageAllowed.
	UsageLimit *decimal.Decimal `db:"usage_limit" json:"usage_limit,omitempty"`
	// UsageAllowed permits usage beyond the allowance (overage).
	UsageAllowed bool `db:"usage_allowed" json:"usage_allowed"`
	// CarryFromPrevious carries existing usage into a replacement product's
	// entitlement on upgrade.
	CarryFromPrevious bool            `db:"carry_from_previous" json:"carry_from_previous"`
	Rollover          *RolloverConfig `json:"rollover,omitempty"`
	// EntityFeatureID scopes balances per entity of the given feature
	// (e.g. per seat) instead of per customer.
	EntityFeatureID string `db:"entity_feature_id" json:"entity_feature_id,omitempty"`
	EnvironmentID   string `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// Validate performs validation on the entitlement
func (e *Entitlement) Validate() error {
	if e.FeatureID == "" {
		return ierr.NewError("feature_id is required").
			WithHint("Please provide a valid feature ID").
			Mark(ierr.ErrValidation)
	}
	if err := e.AllowanceType.Validate(); err != nil {
		return err
	}
	if e.AllowanceType == types.AllowanceTypeFixed {
		if e.Allowance.IsNegative() {
			return ierr.NewError("allowance cannot be negative").
				WithHint("Set a non-negative allowance").
				WithReportableDetails(map[string]any{
					"allowance": e.Allowance,
				}).
				Mark(ierr.ErrValidation)
		}
		if err := e.Interval.Validate(); err != nil {
			return err
		}
	}
	if e.UsageLimit != nil && e.UsageLimit.LessThan(e.Allowance) {
		return ierr.NewError("usage_limit cannot be below allowance").
			WithHint("Usage limit must be at least the allowance").
			WithReportableDetails(map[string]any{
				"allowance":   e.Allowance,
				"usage_limit": e.UsageLimit,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// IsUnlimited reports whether this entitlement grants an unlimited allowance.
func (e *Entitlement) IsUnlimited() bool {
	return e.AllowanceType == types.AllowanceTypeUnlimited
}

// MaxOverage returns how far below zero a balance may go, nil when overage
// is unbounded or disallowed.
func (e *Entitlement) MaxOverage() *decimal.Decimal {
	if !e.UsageAllowed || e.UsageLimit == nil {
		return nil
	}
	overage := e.UsageLimit.Sub(e.Allowance)
	return &overage
}

// NextResetAt advances a reset anchor by one entitlement interval.
func (e *Entitlement) NextResetAt(from time.Time) time.Time {
	return types.NextBillingDate(from, e.Interval)
}
