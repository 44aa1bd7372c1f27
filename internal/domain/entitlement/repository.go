package entitlement

import (
	"context"
)

// Repository defines the interface for entitlement storage operations
type Repository interface {
	Create(ctx context.Context, e *Entitlement) (*Entitlement, error)
	CreateBulk(ctx context.Context, entitlements []*Entitlement) ([]*Entitlement, error)
	Get(ctx context.Context, id string) (*Entitlement, error)
	ListByProductIDs(ctx context.Context, productIDs []string) ([]*Entitlement, error)
	ListByFeatureIDs(ctx context.Context, featureIDs []string) ([]*Entitlement, error)
	Update(ctx context.Context, e *Entitlement) (*Entitlement, error)
	Delete(ctx context.Context, id string) error
}
