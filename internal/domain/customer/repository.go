package customer

import (
	"context"
)

// Repository defines the interface for customer storage operations
type Repository interface {
	Create(ctx context.Context, c *Customer) (*Customer, error)
	Get(ctx context.Context, id string) (*Customer, error)
	GetByProcessorRef(ctx context.Context, ref string) (*Customer, error)
	Update(ctx context.Context, c *Customer) (*Customer, error)
	Delete(ctx context.Context, id string) error

	// Entity sub-scopes
	CreateEntity(ctx context.Context, e *Entity) (*Entity, error)
	GetEntity(ctx context.Context, id string) (*Entity, error)
	ListEntities(ctx context.Context, customerID string) ([]*Entity, error)
	DeleteEntity(ctx context.Context, id string) error
}
