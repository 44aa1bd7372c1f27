package dto

import (
	"time"

	"github.com/go-playground/validator/v10"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/shopspring/decimal"
)

// UpdateBalanceRequest sets the current balance of a ledger row, addressed
// either by its id or by customer and feature.
type UpdateBalanceRequest struct {
	CustomerEntitlementID string          `json:"customer_entitlement_id,omitempty"`
	CustomerID            string          `json:"customer_id,omitempty"`
	FeatureID             string          `json:"feature_id,omitempty"`
	EntityID              string          `json:"entity_id,omitempty"`
	Balance               decimal.Decimal `json:"balance"`
	NextResetAt           *time.Time      `json:"next_reset_at,omitempty"`
}

func (r *UpdateBalanceRequest) Validate() error {
	if err := validator.New().Struct(r); err != nil {
		return ierr.WithError(err).
			WithHint("Invalid balance update request").
			Mark(ierr.ErrValidation)
	}
	if r.CustomerEntitlementID == "" && (r.CustomerID == "" || r.FeatureID == "") {
		return ierr.NewError("customer_entitlement_id or customer_id and feature_id are required").
			WithHint("Address the ledger row by its id or by customer and feature").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// FeatureBalance is one feature's balance in a customer state response.
// GrantedBalance always equals Balance + Usage.
type FeatureBalance struct {
	FeatureID      string          `json:"feature_id"`
	Balance        decimal.Decimal `json:"balance"`
	GrantedBalance decimal.Decimal `json:"granted_balance"`
	Usage          decimal.Decimal `json:"usage"`
	Unlimited      bool            `json:"unlimited"`
	UsageAllowed   bool            `json:"usage_allowed"`
	NextResetAt    *time.Time      `json:"next_reset_at,omitempty"`
}

// CustomerProductState is one product binding in a customer state response.
type CustomerProductState struct {
	CustomerProductID string     `json:"customer_product_id"`
	ProductID         string     `json:"product_id"`
	ProductName       string     `json:"product_name"`
	Group             string     `json:"group"`
	Status            string     `json:"status"`
	Quantity          string     `json:"quantity"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
	TrialEndsAt       *time.Time `json:"trial_ends_at,omitempty"`
}

// CustomerStateResponse is the full view of a customer: current products and
// aggregated per-feature balances.
type CustomerStateResponse struct {
	CustomerID string                 `json:"customer_id"`
	Products   []CustomerProductState `json:"products"`
	Features   []FeatureBalance       `json:"features"`
}
