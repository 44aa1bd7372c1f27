package cusproduct

import (
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// CustomerProduct binds a customer (or one of its entities) to a specific
// product version, with lifecycle status. At most one non-expired binding
// per (customer, entity, product group) may be current; a second may exist
// with status Scheduled.
type CustomerProduct struct {
	ID           string `db:"id" json:"id"`
	CustomerID   string `db:"customer_id" json:"customer_id"`
	ProductID    string `db:"product_id" json:"product_id"`
	ProductGroup string `db:"product_group" json:"product_group"`
	IsAddOn      bool   `db:"is_add_on" json:"is_add_on"`
	// InternalEntityID scopes the binding to a customer entity; empty for
	// customer-level bindings.
	InternalEntityID string                 `db:"internal_entity_id" json:"internal_entity_id,omitempty"`
	Status           types.CusProductStatus `db:"status" json:"product_status"`
	Quantity         decimal.Decimal        `db:"quantity" json:"quantity"`

	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CanceledAt  *time.Time `db:"canceled_at" json:"canceled_at,omitempty"`
	EndedAt     *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	TrialEndsAt *time.Time `db:"trial_ends_at" json:"trial_ends_at,omitempty"`

	// SubscriptionIDs are the external processor subscriptions billing this
	// binding; ScheduledIDs are processor schedules deferring changes to it.
	SubscriptionIDs []string `json:"subscription_ids"`
	ScheduledIDs    []string `json:"scheduled_ids"`

	EnvironmentID string `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// CustomerPrice links a customer product to the price it is billed at,
// supporting per-customer overridden amounts.
type CustomerPrice struct {
	ID                string           `db:"id" json:"id"`
	CustomerProductID string           `db:"customer_product_id" json:"customer_product_id"`
	PriceID           string           `db:"price_id" json:"price_id"`
	OverrideAmount    *decimal.Decimal `db:"override_amount" json:"override_amount,omitempty"`
	EnvironmentID     string           `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// Validate performs validation on the customer product
func (cp *CustomerProduct) Validate() error {
	if cp.CustomerID == "" {
		return ierr.NewError("customer_id is required").
			WithHint("Please provide a valid customer ID").
			Mark(ierr.ErrValidation)
	}
	if cp.ProductID == "" {
		return ierr.NewError("product_id is required").
			WithHint("Please provide a valid product ID").
			Mark(ierr.ErrValidation)
	}
	return cp.Status.Validate()
}

// IsCurrent reports whether this binding counts toward group exclusivity.
func (cp *CustomerProduct) IsCurrent() bool {
	return cp.Status.IsCurrent()
}

// IsCanceled reports whether the binding is marked for end-of-period expiry.
func (cp *CustomerProduct) IsCanceled() bool {
	return cp.CanceledAt != nil
}

// PrimarySubscriptionID returns the first linked subscription id, or empty.
func (cp *CustomerProduct) PrimarySubscriptionID() string {
	if len(cp.SubscriptionIDs) == 0 {
		return ""
	}
	return cp.SubscriptionIDs[0]
}

// PrimaryScheduleID returns the first linked schedule id, or empty.
func (cp *CustomerProduct) PrimaryScheduleID() string {
	if len(cp.ScheduledIDs) == 0 {
		return ""
	}
	return cp.ScheduledIDs[0]
}

// HasSubscription reports whether the binding references the subscription.
func (cp *CustomerProduct) HasSubscription(subscriptionID string) bool {
	return lo.Contains(cp.SubscriptionIDs, subscriptionID)
}

// Uncancel clears the cancellation marker.
func (cp *CustomerProduct) Uncancel() {
	cp.CanceledAt = nil
	cp.ScheduledIDs = nil
}
