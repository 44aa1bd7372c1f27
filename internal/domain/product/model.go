package product

import (
	"github.com/meterline/meterline/internal/domain/entitlement"
	"github.com/meterline/meterline/internal/domain/price"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// Product is a named, versioned bundle of prices and entitlements. Group
// partitions mutually-exclusive main products; add-ons coexist freely.
type Product struct {
	ID            string `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	Group         string `db:"product_group" json:"group"`
	IsAddOn       bool   `db:"is_add_on" json:"is_add_on"`
	IsDefault     bool   `db:"is_default" json:"is_default"`
	TrialDays     int    `db:"trial_days" json:"trial_days"`
	Version       int    `db:"version" json:"version"`
	EnvironmentID string `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// FullProduct is a product with its prices and entitlements loaded.
type FullProduct struct {
	Product
	Prices       []*price.Price             `json:"prices"`
	Entitlements []*entitlement.Entitlement `json:"entitlements"`
}

// Validate performs validation on the product
func (p *Product) Validate() error {
	if p.ID == "" {
		return ierr.NewError("product id is required").
			WithHint("Please provide a valid product ID").
			Mark(ierr.ErrValidation)
	}
	if p.Name == "" {
		return ierr.NewError("product name is required").
			WithHint("Please provide a product name").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// IsFree reports whether every price on the product is zero-cost.
func (p *FullProduct) IsFree() bool {
	for _, pr := range p.Prices {
		if pr.PerUnitAmount().GreaterThan(decimal.Zero) || pr.Amount.GreaterThan(decimal.Zero) {
			return false
		}
	}
	return true
}

// StandardCost is the total cost at standard quantities, used to order
// products within a group for upgrade/downgrade classification. Usage
// prices count one billing-unit step; amounts are normalized to a monthly
// rate so different intervals compare fairly.
func (p *FullProduct) StandardCost() decimal.Decimal {
	total := decimal.Zero
	for _, pr := range p.Prices {
		amount := pr.PerUnitAmount()
		if pr.PriceType == types.PriceTypeFixed {
			amount = pr.Amount
		}
		months := pr.Interval.Months()
		if months > 0 {
			amount = amount.Div(decimal.NewFromInt(int64(months)))
		}
		total = total.Add(amount)
	}
	return total
}

// EntitlementForFeature returns the product's entitlement for a feature.
func (p *FullProduct) EntitlementForFeature(featureID string) *entitlement.Entitlement {
	for _, e := range p.Entitlements {
		if e.FeatureID == featureID {
			return e
		}
	}
	return nil
}

// PriceForFeature returns the usage price referencing a feature.
func (p *FullProduct) PriceForFeature(featureID string) *price.Price {
	for _, pr := range p.Prices {
		if pr.IsUsage() && pr.FeatureID == featureID {
			return pr
		}
	}
	return nil
}
