package feature

import (
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// Feature is an identifier for a meterable capability
type Feature struct {
	ID            string                   `db:"id" json:"id"`
	Name          string                   `db:"name" json:"name"`
	Type          types.FeatureType        `db:"type" json:"type"`
	UsageType     types.FeatureUsageType   `db:"usage_type" json:"usage_type"`
	CreditSchema  []types.CreditSchemaItem `json:"credit_schema,omitempty"`
	EnvironmentID string                   `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// Validate performs validation on the feature
func (f *Feature) Validate() error {
	if f.ID == "" {
		return ierr.NewError("feature id is required").
			WithHint("Please provide a valid feature ID").
			Mark(ierr.ErrValidation)
	}
	if err := f.Type.Validate(); err != nil {
		return err
	}
	if f.Type == types.FeatureTypeMetered {
		if err := f.UsageType.Validate(); err != nil {
			return err
		}
	}
	if f.Type == types.FeatureTypeCreditSystem && len(f.CreditSchema) == 0 {
		return ierr.NewError("credit schema is required for credit system features").
			WithHint("Provide at least one credit schema item").
			WithReportableDetails(map[string]any{
				"feature_id": f.ID,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// IsCreditSystemFor reports whether this feature converts usage of the given
// metered feature into credits.
func (f *Feature) IsCreditSystemFor(meteredFeatureID string) bool {
	if f.Type != types.FeatureTypeCreditSystem {
		return false
	}
	for _, item := range f.CreditSchema {
		if item.MeteredFeatureID == meteredFeatureID {
			return true
		}
	}
	return false
}

// CreditCost returns the credit cost of one unit of the given metered
// feature, or 1 when this feature is not a credit system for it.
func (f *Feature) CreditCost(meteredFeatureID string) decimal.Decimal {
	for _, item := range f.CreditSchema {
		if item.MeteredFeatureID == meteredFeatureID {
			return item.CreditCost
		}
	}
	return decimal.NewFromInt(1)
}
