package cusproduct

import (
	"context"

	"github.com/meterline/meterline/internal/types"
)

// Repository defines the interface for customer product storage operations
type Repository interface {
	Create(ctx context.Context, cp *CustomerProduct) (*CustomerProduct, error)
	Get(ctx context.Context, id string) (*CustomerProduct, error)
	Update(ctx context.Context, cp *CustomerProduct) (*CustomerProduct, error)
	// Delete physically removes a binding; only superseded Scheduled
	// bindings are ever deleted.
	Delete(ctx context.Context, id string) error

	// ListByCustomer returns bindings for the customer in the given
	// statuses; empty statuses means all.
	ListByCustomer(ctx context.Context, customerID string, statuses []types.CusProductStatus) ([]*CustomerProduct, error)

	// GetCurrentInGroup returns the customer's current (trialing, active or
	// past-due) non-add-on binding in a product group, nil when none.
	GetCurrentInGroup(ctx context.Context, customerID, entityID, group string) (*CustomerProduct, error)

	// GetScheduledInGroup returns the customer's Scheduled binding in a
	// product group, nil when none.
	GetScheduledInGroup(ctx context.Context, customerID, entityID, group string) (*CustomerProduct, error)

	// Reconciliation lookups by stored external identifiers
	GetBySubscriptionID(ctx context.Context, subscriptionID string) ([]*CustomerProduct, error)
	GetByScheduleID(ctx context.Context, scheduleID string) ([]*CustomerProduct, error)

	// Customer prices
	CreatePrice(ctx context.Context, cp *CustomerPrice) (*CustomerPrice, error)
	ListPrices(ctx context.Context, customerProductID string) ([]*CustomerPrice, error)
}
