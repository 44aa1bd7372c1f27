package feature

import (
	"context"
)

// Repository defines the interface for feature storage operations
type Repository interface {
	Create(ctx context.Context, f *Feature) (*Feature, error)
	Get(ctx context.Context, id string) (*Feature, error)
	GetByIDs(ctx context.Context, ids []string) ([]*Feature, error)
	List(ctx context.Context) ([]*Feature, error)
	Update(ctx context.Context, f *Feature) (*Feature, error)
	Delete(ctx context.Context, id string) error
}
