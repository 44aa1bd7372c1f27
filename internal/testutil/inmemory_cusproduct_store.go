package testutil

import (
	"context"

	"github.com/meterline/meterline/internal/domain/cusproduct"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
)

// InMemoryCusProductStore implements cusproduct.Repository
type InMemoryCusProductStore struct {
	bindings *InMemoryStore[*cusproduct.CustomerProduct]
	prices   *InMemoryStore[*cusproduct.CustomerPrice]
}

// NewInMemoryCusProductStore creates a new in-memory customer product store
func NewInMemoryCusProductStore() *InMemoryCusProductStore {
	return &InMemoryCusProductStore{
		bindings: NewInMemoryStore(cloneCusProduct),
		prices: NewInMemoryStore(func(cp *cusproduct.CustomerPrice) *cusproduct.CustomerPrice {
			copied := *cp
			return &copied
		}),
	}
}

func cloneCusProduct(cp *cusproduct.CustomerProduct) *cusproduct.CustomerProduct {
	copied := *cp
	copied.SubscriptionIDs = append([]string(nil), cp.SubscriptionIDs...)
	copied.ScheduledIDs = append([]string(nil), cp.ScheduledIDs...)
	return &copied
}

func (s *InMemoryCusProductStore) Create(ctx context.Context, cp *cusproduct.CustomerProduct) (*cusproduct.CustomerProduct, error) {
	if err := s.bindings.Create(ctx, cp.ID, cp); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return cp, nil
}

func (s *InMemoryCusProductStore) Get(ctx context.Context, id string) (*cusproduct.CustomerProduct, error) {
	cp, err := s.bindings.Get(ctx, id)
	if err != nil {
		return nil, ierr.NewError("customer product not found").
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrNotFound)
	}
	return cp, nil
}

func (s *InMemoryCusProductStore) Update(ctx context.Context, cp *cusproduct.CustomerProduct) (*cusproduct.CustomerProduct, error) {
	if err := s.bindings.Update(ctx, cp.ID, cp); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return cp, nil
}

func (s *InMemoryCusProductStore) Delete(ctx context.Context, id string) error {
	if err := s.bindings.Delete(ctx, id); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return nil
}

func (s *InMemoryCusProductStore) ListByCustomer(ctx context.Context, customerID string, statuses []types.CusProductStatus) ([]*cusproduct.CustomerProduct, error) {
	if len(statuses) == 0 {
		statuses = types.CusProductStatusValues
	}
	return s.bindings.List(ctx, func(_ context.Context, cp *cusproduct.CustomerProduct) bool {
		return cp.CustomerID == customerID && lo.Contains(statuses, cp.Status)
	}, cusProductSortFn)
}

func (s *InMemoryCusProductStore) GetCurrentInGroup(ctx context.Context, customerID, entityID, group string) (*cusproduct.CustomerProduct, error) {
	return s.getInGroup(ctx, customerID, entityID, group, types.CurrentCusProductStatuses)
}

func (s *InMemoryCusProductStore) GetScheduledInGroup(ctx context.Context, customerID, entityID, group string) (*cusproduct.CustomerProduct, error) {
	return s.getInGroup(ctx, customerID, entityID, group, []types.CusProductStatus{types.CusProductStatusScheduled})
}

func (s *InMemoryCusProductStore) getInGroup(ctx context.Context, customerID, entityID, group string, statuses []types.CusProductStatus) (*cusproduct.CustomerProduct, error) {
	matches, err := s.bindings.List(ctx, func(_ context.Context, cp *cusproduct.CustomerProduct) bool {
		return cp.CustomerID == customerID &&
			cp.InternalEntityID == entityID &&
			cp.ProductGroup == group &&
			!cp.IsAddOn &&
			lo.Contains(statuses, cp.Status)
	}, func(i, j *cusproduct.CustomerProduct) bool { return i.StartedAt.After(j.StartedAt) })
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	if len(matches) > 1 {
		return nil, ierr.NewError("multiple products found in one group").
			WithHint("The customer has conflicting product bindings in this group").
			WithReportableDetails(map[string]any{
				"customer_id":   customerID,
				"product_group": group,
				"count":         len(matches),
			}).
			Mark(ierr.ErrSystem)
	}
	return matches[0], nil
}

func (s *InMemoryCusProductStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) ([]*cusproduct.CustomerProduct, error) {
	return s.bindings.List(ctx, func(_ context.Context, cp *cusproduct.CustomerProduct) bool {
		return lo.Contains(cp.SubscriptionIDs, subscriptionID)
	}, cusProductSortFn)
}

func (s *InMemoryCusProductStore) GetByScheduleID(ctx context.Context, scheduleID string) ([]*cusproduct.CustomerProduct, error) {
	return s.bindings.List(ctx, func(_ context.Context, cp *cusproduct.CustomerProduct) bool {
		return lo.Contains(cp.ScheduledIDs, scheduleID)
	}, cusProductSortFn)
}

func (s *InMemoryCusProductStore) CreatePrice(ctx context.Context, cp *cusproduct.CustomerPrice) (*cusproduct.CustomerPrice, error) {
	if err := s.prices.Create(ctx, cp.ID, cp); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return cp, nil
}

func (s *InMemoryCusProductStore) ListPrices(ctx context.Context, customerProductID string) ([]*cusproduct.CustomerPrice, error) {
	return s.prices.List(ctx, func(_ context.Context, cp *cusproduct.CustomerPrice) bool {
		return cp.CustomerProductID == customerProductID
	}, func(i, j *cusproduct.CustomerPrice) bool { return i.ID < j.ID })
}

func cusProductSortFn(i, j *cusproduct.CustomerProduct) bool {
	return i.ID < j.ID
}

// Clear removes all bindings and customer prices
func (s *InMemoryCusProductStore) Clear() {
	s.bindings.Clear()
	s.prices.Clear()
}
