package price

import (
	"context"
)

// Repository defines the interface for price storage operations
type Repository interface {
	Create(ctx context.Context, p *Price) (*Price, error)
	CreateBulk(ctx context.Context, prices []*Price) ([]*Price, error)
	Get(ctx context.Context, id string) (*Price, error)
	GetByProcessorRef(ctx context.Context, ref string) (*Price, error)
	ListByProductIDs(ctx context.Context, productIDs []string) ([]*Price, error)
	Update(ctx context.Context, p *Price) (*Price, error)
	Delete(ctx context.Context, id string) error
}
