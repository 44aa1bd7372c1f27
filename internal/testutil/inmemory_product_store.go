package testutil

import (
	"context"

	"github.com/meterline/meterline/internal/domain/product"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/samber/lo"
)

// InMemoryProductStore implements product.Repository. Full loads pull from
// the price and entitlement stores, mirroring the join the real repository
// performs.
type InMemoryProductStore struct {
	*InMemoryStore[*product.Product]
	prices       *InMemoryPriceStore
	entitlements *InMemoryEntitlementStore
}

// NewInMemoryProductStore creates a new in-memory product store
func NewInMemoryProductStore(prices *InMemoryPriceStore, entitlements *InMemoryEntitlementStore) *InMemoryProductStore {
	return &InMemoryProductStore{
		InMemoryStore: NewInMemoryStore(func(p *product.Product) *product.Product {
			copied := *p
			return &copied
		}),
		prices:       prices,
		entitlements: entitlements,
	}
}

func (s *InMemoryProductStore) Create(ctx context.Context, p *product.Product) (*product.Product, error) {
	if err := s.InMemoryStore.Create(ctx, p.ID, p); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return p, nil
}

func (s *InMemoryProductStore) Get(ctx context.Context, id string) (*product.Product, error) {
	p, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, ierr.NewError("product not found").
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrNotFound)
	}
	return p, nil
}

func (s *InMemoryProductStore) GetFull(ctx context.Context, id string) (*product.FullProduct, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.toFull(ctx, p)
}

func (s *InMemoryProductStore) ListFull(ctx context.Context, ids []string) ([]*product.FullProduct, error) {
	products, err := s.InMemoryStore.List(ctx, func(_ context.Context, p *product.Product) bool {
		return lo.Contains(ids, p.ID)
	}, func(i, j *product.Product) bool { return i.ID < j.ID })
	if err != nil {
		return nil, err
	}

	full := make([]*product.FullProduct, 0, len(products))
	for _, p := range products {
		fp, err := s.toFull(ctx, p)
		if err != nil {
			return nil, err
		}
		full = append(full, fp)
	}
	return full, nil
}

func (s *InMemoryProductStore) GetDefaultInGroup(ctx context.Context, group string) (*product.FullProduct, error) {
	matches, err := s.InMemoryStore.List(ctx, func(_ context.Context, p *product.Product) bool {
		return p.Group == group && p.IsDefault
	}, func(i, j *product.Product) bool { return i.Version > j.Version })
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return s.toFull(ctx, matches[0])
}

func (s *InMemoryProductStore) toFull(ctx context.Context, p *product.Product) (*product.FullProduct, error) {
	prices, err := s.prices.ListByProductIDs(ctx, []string{p.ID})
	if err != nil {
		return nil, err
	}
	entitlements, err := s.entitlements.ListByProductIDs(ctx, []string{p.ID})
	if err != nil {
		return nil, err
	}
	return &product.FullProduct{
		Product:      *p,
		Prices:       prices,
		Entitlements: entitlements,
	}, nil
}

func (s *InMemoryProductStore) Update(ctx context.Context, p *product.Product) (*product.Product, error) {
	if err := s.InMemoryStore.Update(ctx, p.ID, p); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return p, nil
}

func (s *InMemoryProductStore) Delete(ctx context.Context, id string) error {
	if err := s.InMemoryStore.Delete(ctx, id); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return nil
}
