package product

import (
	"context"
)

// Repository defines the interface for product storage operations
type Repository interface {
	Create(ctx context.Context, p *Product) (*Product, error)
	Get(ctx context.Context, id string) (*Product, error)
	// GetFull loads the product with its prices and entitlements. A nil
	// version loads the latest.
	GetFull(ctx context.Context, id string) (*FullProduct, error)
	ListFull(ctx context.Context, ids []string) ([]*FullProduct, error)
	// GetDefaultInGroup returns the group's zero-cost default product, or
	// nil when the group has none.
	GetDefaultInGroup(ctx context.Context, group string) (*FullProduct, error)
	Update(ctx context.Context, p *Product) (*Product, error)
	Delete(ctx context.Context, id string) error
}
