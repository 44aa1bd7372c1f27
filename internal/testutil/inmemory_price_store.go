package testutil

import (
	"context"

	"github.com/meterline/meterline/internal/domain/price"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/samber/lo"
)

// InMemoryPriceStore implements price.Repository
type InMemoryPriceStore struct {
	*InMemoryStore[*price.Price]
}

// NewInMemoryPriceStore creates a new in-memory price store
func NewInMemoryPriceStore() *InMemoryPriceStore {
	return &InMemoryPriceStore{
		InMemoryStore: NewInMemoryStore(func(p *price.Price) *price.Price {
			copied := *p
			copied.Tiers = append([]price.UsageTier(nil), p.Tiers...)
			return &copied
		}),
	}
}

func (s *InMemoryPriceStore) Create(ctx context.Context, p *price.Price) (*price.Price, error) {
	if err := s.InMemoryStore.Create(ctx, p.ID, p); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return p, nil
}

func (s *InMemoryPriceStore) CreateBulk(ctx context.Context, prices []*price.Price) ([]*price.Price, error) {
	for _, p := range prices {
		if _, err := s.Create(ctx, p); err != nil {
			return nil, err
		}
	}
	return prices, nil
}

func (s *InMemoryPriceStore) Get(ctx context.Context, id string) (*price.Price, error) {
	p, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, ierr.NewError("price not found").
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrNotFound)
	}
	return p, nil
}

func (s *InMemoryPriceStore) GetByProcessorRef(ctx context.Context, ref string) (*price.Price, error) {
	matches, _ := s.InMemoryStore.List(ctx, func(_ context.Context, p *price.Price) bool {
		return p.ProcessorPriceRef == ref
	}, nil)
	if len(matches) == 0 {
		return nil, ierr.NewError("price not found").
			WithReportableDetails(map[string]any{"processor_price_ref": ref}).
			Mark(ierr.ErrNotFound)
	}
	return matches[0], nil
}

func (s *InMemoryPriceStore) ListByProductIDs(ctx context.Context, productIDs []string) ([]*price.Price, error) {
	return s.InMemoryStore.List(ctx, func(_ context.Context, p *price.Price) bool {
		return lo.Contains(productIDs, p.ProductID)
	}, func(i, j *price.Price) bool { return i.ID < j.ID })
}

func (s *InMemoryPriceStore) Update(ctx context.Context, p *price.Price) (*price.Price, error) {
	if err := s.InMemoryStore.Update(ctx, p.ID, p); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return p, nil
}

func (s *InMemoryPriceStore) Delete(ctx context.Context, id string) error {
	if err := s.InMemoryStore.Delete(ctx, id); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return nil
}
