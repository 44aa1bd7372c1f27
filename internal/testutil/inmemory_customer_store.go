package testutil

import (
	"context"

	"github.com/meterline/meterline/internal/domain/customer"
	ierr "github.com/meterline/meterline/internal/errors"
)

// InMemoryCustomerStore implements customer.Repository
type InMemoryCustomerStore struct {
	customers *InMemoryStore[*customer.Customer]
	entities  *InMemoryStore[*customer.Entity]
}

// NewInMemoryCustomerStore creates a new in-memory customer store
func NewInMemoryCustomerStore() *InMemoryCustomerStore {
	return &InMemoryCustomerStore{
		customers: NewInMemoryStore(func(c *customer.Customer) *customer.Customer {
			copied := *c
			return &copied
		}),
		entities: NewInMemoryStore(func(e *customer.Entity) *customer.Entity {
			copied := *e
			return &copied
		}),
	}
}

func (s *InMemoryCustomerStore) Create(ctx context.Context, c *customer.Customer) (*customer.Customer, error) {
	if err := s.customers.Create(ctx, c.ID, c); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return c, nil
}

func (s *InMemoryCustomerStore) Get(ctx context.Context, id string) (*customer.Customer, error) {
	c, err := s.customers.Get(ctx, id)
	if err != nil {
		return nil, ierr.NewError("customer not found").
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrNotFound)
	}
	return c, nil
}

func (s *InMemoryCustomerStore) GetByProcessorRef(ctx context.Context, ref string) (*customer.Customer, error) {
	matches, _ := s.customers.List(ctx, func(_ context.Context, c *customer.Customer) bool {
		return c.ProcessorCustomerRef == ref
	}, nil)
	if len(matches) == 0 {
		return nil, ierr.NewError("customer not found").
			WithReportableDetails(map[string]any{"processor_customer_ref": ref}).
			Mark(ierr.ErrNotFound)
	}
	return matches[0], nil
}

func (s *InMemoryCustomerStore) Update(ctx context.Context, c *customer.Customer) (*customer.Customer, error) {
	if err := s.customers.Update(ctx, c.ID, c); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return c, nil
}

func (s *InMemoryCustomerStore) Delete(ctx context.Context, id string) error {
	if err := s.customers.Delete(ctx, id); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return nil
}

func (s *InMemoryCustomerStore) CreateEntity(ctx context.Context, e *customer.Entity) (*customer.Entity, error) {
	if err := s.entities.Create(ctx, e.ID, e); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return e, nil
}

func (s *InMemoryCustomerStore) GetEntity(ctx context.Context, id string) (*customer.Entity, error) {
	e, err := s.entities.Get(ctx, id)
	if err != nil {
		return nil, ierr.NewError("customer entity not found").
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrNotFound)
	}
	return e, nil
}

func (s *InMemoryCustomerStore) ListEntities(ctx context.Context, customerID string) ([]*customer.Entity, error) {
	return s.entities.List(ctx, func(_ context.Context, e *customer.Entity) bool {
		return e.CustomerID == customerID
	}, func(i, j *customer.Entity) bool { return i.ID < j.ID })
}

func (s *InMemoryCustomerStore) DeleteEntity(ctx context.Context, id string) error {
	if err := s.entities.Delete(ctx, id); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return nil
}

// Clear removes all customers and entities
func (s *InMemoryCustomerStore) Clear() {
	s.customers.Clear()
	s.entities.Clear()
}
