package testutil

import (
	"context"

	"github.com/meterline/meterline/internal/domain/invoice"
	ierr "github.com/meterline/meterline/internal/errors"
)

// InMemoryInvoiceStore implements invoice.Repository
type InMemoryInvoiceStore struct {
	*InMemoryStore[*invoice.InvoiceItem]
}

// NewInMemoryInvoiceStore creates a new in-memory invoice item store
func NewInMemoryInvoiceStore() *InMemoryInvoiceStore {
	return &InMemoryInvoiceStore{
		InMemoryStore: NewInMemoryStore(func(i *invoice.InvoiceItem) *invoice.InvoiceItem {
			copied := *i
			return &copied
		}),
	}
}

func (s *InMemoryInvoiceStore) Create(ctx context.Context, item *invoice.InvoiceItem) error {
	if err := s.InMemoryStore.Create(ctx, item.ID, item); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return nil
}

func (s *InMemoryInvoiceStore) Get(ctx context.Context, id string) (*invoice.InvoiceItem, error) {
	item, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, ierr.NewError("invoice item not found").
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrNotFound)
	}
	return item, nil
}

func (s *InMemoryInvoiceStore) GetByIdempotencyKey(ctx context.Context, key string) (*invoice.InvoiceItem, error) {
	matches, err := s.InMemoryStore.List(ctx, func(_ context.Context, i *invoice.InvoiceItem) bool {
		return i.IdempotencyKey == key
	}, invoiceSortFn)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ierr.NewError("invoice item not found").
			WithReportableDetails(map[string]any{"idempotency_key": key}).
			Mark(ierr.ErrNotFound)
	}
	return matches[0], nil
}

func (s *InMemoryInvoiceStore) ListByCustomer(ctx context.Context, customerID string) ([]*invoice.InvoiceItem, error) {
	return s.InMemoryStore.List(ctx, func(_ context.Context, i *invoice.InvoiceItem) bool {
		return i.CustomerID == customerID
	}, invoiceSortFn)
}

func (s *InMemoryInvoiceStore) ListByCustomerProduct(ctx context.Context, customerProductID string) ([]*invoice.InvoiceItem, error) {
	return s.InMemoryStore.List(ctx, func(_ context.Context, i *invoice.InvoiceItem) bool {
		return i.CustomerProductID == customerProductID
	}, invoiceSortFn)
}

func invoiceSortFn(i, j *invoice.InvoiceItem) bool {
	return i.ID < j.ID
}
