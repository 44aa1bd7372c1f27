package dto

import (
	"github.com/go-playground/validator/v10"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// AttachRequest attaches one or more products to a customer. Exactly one of
// ProductID or ProductIDs must be set; more than one product id makes this a
// batch attach.
type AttachRequest struct {
	CustomerID string   `json:"customer_id" validate:"required"`
	ProductID  string   `json:"product_id,omitempty"`
	ProductIDs []string `json:"product_ids,omitempty"`
	// EntityID scopes the attach to a customer entity (e.g. a seat).
	EntityID string           `json:"entity_id,omitempty"`
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
	// SubscriptionRef is the processor subscription to bill recurring items
	// on. Empty for free products.
	SubscriptionRef string `json:"subscription_ref,omitempty"`
	// Behavior controls whether proration line items are pushed to the
	// processor or only computed.
	Behavior types.ProrationBehavior `json:"proration_behavior,omitempty"`
}

func (r *AttachRequest) Validate() error {
	if err := validator.New().Struct(r); err != nil {
		return ierr.WithError(err).
			WithHint("Invalid attach request").
			Mark(ierr.ErrValidation)
	}
	if r.ProductID == "" && len(r.ProductIDs) == 0 {
		return ierr.NewError("product_id or product_ids is required").
			WithHint("Provide the product to attach").
			Mark(ierr.ErrValidation)
	}
	if r.ProductID != "" && len(r.ProductIDs) > 0 {
		return ierr.NewError("product_id and product_ids are mutually exclusive").
			WithHint("Provide either a single product or a batch, not both").
			Mark(ierr.ErrValidation)
	}
	if r.Quantity != nil && r.Quantity.LessThanOrEqual(decimal.Zero) {
		return ierr.NewError("quantity must be positive").
			WithHint("Provide a positive quantity").
			WithReportableDetails(map[string]any{"quantity": r.Quantity}).
			Mark(ierr.ErrValidation)
	}
	if r.Quantity != nil && !r.Quantity.IsInteger() {
		return ierr.NewError("quantity must be a whole number").
			WithHint("Provide a whole number of units").
			WithReportableDetails(map[string]any{"quantity": r.Quantity}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// AllProductIDs normalizes the single/batch forms into one slice.
func (r *AttachRequest) AllProductIDs() []string {
	if r.ProductID != "" {
		return []string{r.ProductID}
	}
	return r.ProductIDs
}

// AttachOutcome describes what an attach actually did.
type AttachOutcome string

const (
	AttachOutcomeAttached  AttachOutcome = "attached"
	AttachOutcomeScheduled AttachOutcome = "scheduled"
	AttachOutcomeRenewed   AttachOutcome = "renewed"
	AttachOutcomeUpdated   AttachOutcome = "updated"
	// AttachOutcomeBusy means another request already holds the guard for
	// this customer/group; the attach was skipped, not failed.
	AttachOutcomeBusy AttachOutcome = "busy"
	AttachOutcomeNoOp AttachOutcome = "no_op"
)

// AttachResponse reports the branch taken and its result.
type AttachResponse struct {
	Branch            types.AttachBranch `json:"branch"`
	Outcome           AttachOutcome      `json:"outcome"`
	CustomerProductID string             `json:"customer_product_id,omitempty"`
	ScheduleID        string             `json:"schedule_id,omitempty"`
	InvoicedAmount    decimal.Decimal    `json:"invoiced_amount"`
	RequiredActionURL string             `json:"required_action_url,omitempty"`
}

// CancelRequest cancels a customer's product, either at the period boundary
// (default) or immediately.
type CancelRequest struct {
	CustomerID        string `json:"customer_id" validate:"required"`
	CustomerProductID string `json:"customer_product_id" validate:"required"`
	Immediate         bool   `json:"immediate,omitempty"`
}

func (r *CancelRequest) Validate() error {
	if err := validator.New().Struct(r); err != nil {
		return ierr.WithError(err).
			WithHint("Invalid cancel request").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// QuantityUpdateRequest changes the billed quantity of an active binding.
type QuantityUpdateRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	ProductID  string          `json:"product_id" validate:"required"`
	EntityID   string          `json:"entity_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
}

func (r *QuantityUpdateRequest) Validate() error {
	if err := validator.New().Struct(r); err != nil {
		return ierr.WithError(err).
			WithHint("Invalid quantity update request").
			Mark(ierr.ErrValidation)
	}
	if r.Quantity.LessThan(decimal.Zero) {
		return ierr.NewError("quantity cannot be negative").
			WithHint("Provide a non-negative quantity").
			Mark(ierr.ErrValidation)
	}
	if !r.Quantity.IsInteger() {
		return ierr.NewError("quantity must be a whole number").
			WithHint("Provide a whole number of units").
			Mark(ierr.ErrValidation)
	}
	return nil
}
