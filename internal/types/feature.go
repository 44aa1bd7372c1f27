package types

import (
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// FeatureType describes what kind of capability a feature meters.
type FeatureType string

const (
	// FeatureTypeBoolean is an on/off capability with no balance.
	FeatureTypeBoolean FeatureType = "boolean"
	// FeatureTypeMetered is a countable capability backed by a ledger balance.
	FeatureTypeMetered FeatureType = "metered"
	// FeatureTypeCreditSystem is a meta feature whose balance is consumed by
	// usage of other features at a configured credit cost.
	FeatureTypeCreditSystem FeatureType = "credit_system"
)

var FeatureTypeValues = []FeatureType{
	FeatureTypeBoolean,
	FeatureTypeMetered,
	FeatureTypeCreditSystem,
}

func (f FeatureType) String() string {
	return string(f)
}

func (f FeatureType) Validate() error {
	if !lo.Contains(FeatureTypeValues, f) {
		return ierr.NewError("invalid feature type").
			WithHint("Feature type must be boolean, metered or credit_system").
			WithReportableDetails(map[string]any{
				"allowed_values": FeatureTypeValues,
				"provided_value": f,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// FeatureUsageType distinguishes consumable usage from continuously-held usage.
type FeatureUsageType string

const (
	// FeatureUsageTypeSingle is consumed once per use (API calls, messages).
	FeatureUsageTypeSingle FeatureUsageType = "single_use"
	// FeatureUsageTypeContinuous is held over time (seats, workspaces) and
	// returned when released.
	FeatureUsageTypeContinuous FeatureUsageType = "continuous_use"
)

var FeatureUsageTypeValues = []FeatureUsageType{
	FeatureUsageTypeSingle,
	FeatureUsageTypeContinuous,
}

func (f FeatureUsageType) String() string {
	return string(f)
}

func (f FeatureUsageType) Validate() error {
	if !lo.Contains(FeatureUsageTypeValues, f) {
		return ierr.NewError("invalid feature usage type").
			WithHint("Feature usage type must be single_use or continuous_use").
			WithReportableDetails(map[string]any{
				"allowed_values": FeatureUsageTypeValues,
				"provided_value": f,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// CreditSchemaItem converts one unit of a metered feature into an amount of
// credits on a credit-system feature.
type CreditSchemaItem struct {
	MeteredFeatureID string          `json:"metered_feature_id"`
	CreditCost       decimal.Decimal `json:"credit_cost"`
}

// AllowanceType distinguishes bounded allowances from unlimited grants.
type AllowanceType string

const (
	AllowanceTypeFixed     AllowanceType = "fixed"
	AllowanceTypeUnlimited AllowanceType = "unlimited"
)

var AllowanceTypeValues = []AllowanceType{
	AllowanceTypeFixed,
	AllowanceTypeUnlimited,
}

func (a AllowanceType) Validate() error {
	if !lo.Contains(AllowanceTypeValues, a) {
		return ierr.NewError("invalid allowance type").
			WithHint("Allowance type must be fixed or unlimited").
			WithReportableDetails(map[string]any{
				"allowed_values": AllowanceTypeValues,
				"provided_value": a,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}
