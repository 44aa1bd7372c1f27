package testutil

import (
	"context"

	"github.com/meterline/meterline/internal/domain/entitlement"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/samber/lo"
)

// InMemoryEntitlementStore implements entitlement.Repository
type InMemoryEntitlementStore struct {
	*InMemoryStore[*entitlement.Entitlement]
}

// NewInMemoryEntitlementStore creates a new in-memory entitlement store
func NewInMemoryEntitlementStore() *InMemoryEntitlementStore {
	return &InMemoryEntitlementStore{
		InMemoryStore: NewInMemoryStore(func(e *entitlement.Entitlement) *entitlement.Entitlement {
			copied := *e
			if e.Rollover != nil {
				ro := *e.Rollover
				copied.Rollover = &ro
			}
			return &copied
		}),
	}
}

func (s *InMemoryEntitlementStore) Create(ctx context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if err := s.InMemoryStore.Create(ctx, e.ID, e); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return e, nil
}

func (s *InMemoryEntitlementStore) CreateBulk(ctx context.Context, entitlements []*entitlement.Entitlement) ([]*entitlement.Entitlement, error) {
	for _, e := range entitlements {
		if _, err := s.Create(ctx, e); err != nil {
			return nil, err
		}
	}
	return entitlements, nil
}

func (s *InMemoryEntitlementStore) Get(ctx context.Context, id string) (*entitlement.Entitlement, error) {
	e, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, ierr.NewError("entitlement not found").
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrNotFound)
	}
	return e, nil
}

func (s *InMemoryEntitlementStore) ListByProductIDs(ctx context.Context, productIDs []string) ([]*entitlement.Entitlement, error) {
	return s.InMemoryStore.List(ctx, func(_ context.Context, e *entitlement.Entitlement) bool {
		return lo.Contains(productIDs, e.ProductID)
	}, entitlementSortFn)
}

func (s *InMemoryEntitlementStore) ListByFeatureIDs(ctx context.Context, featureIDs []string) ([]*entitlement.Entitlement, error) {
	return s.InMemoryStore.List(ctx, func(_ context.Context, e *entitlement.Entitlement) bool {
		return lo.Contains(featureIDs, e.FeatureID)
	}, entitlementSortFn)
}

func (s *InMemoryEntitlementStore) Update(ctx context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if err := s.InMemoryStore.Update(ctx, e.ID, e); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return e, nil
}

func (s *InMemoryEntitlementStore) Delete(ctx context.Context, id string) error {
	if err := s.InMemoryStore.Delete(ctx, id); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return nil
}

func entitlementSortFn(i, j *entitlement.Entitlement) bool { return i.ID < j.ID }
