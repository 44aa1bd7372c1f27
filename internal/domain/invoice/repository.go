package invoice

import "context"

// Repository handles persistence of invoice item audit records. Items are
// append-only; an idempotency key lookup lets callers skip re-creating an
// item that was already pushed to the processor.
type Repository interface {
	Create(ctx context.Context, item *InvoiceItem) error
	Get(ctx context.Context, id string) (*InvoiceItem, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*InvoiceItem, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*InvoiceItem, error)
	ListByCustomerProduct(ctx context.Context, customerProductID string) ([]*InvoiceItem, error)
}
