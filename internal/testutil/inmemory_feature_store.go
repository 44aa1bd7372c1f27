package testutil

import (
	"context"

	"github.com/meterline/meterline/internal/domain/feature"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
)

// InMemoryFeatureStore implements feature.Repository
type InMemoryFeatureStore struct {
	*InMemoryStore[*feature.Feature]
}

// NewInMemoryFeatureStore creates a new in-memory feature store
func NewInMemoryFeatureStore() *InMemoryFeatureStore {
	return &InMemoryFeatureStore{
		InMemoryStore: NewInMemoryStore(func(f *feature.Feature) *feature.Feature {
			copied := *f
			copied.CreditSchema = append([]types.CreditSchemaItem(nil), f.CreditSchema...)
			return &copied
		}),
	}
}

func (s *InMemoryFeatureStore) Create(ctx context.Context, f *feature.Feature) (*feature.Feature, error) {
	if err := s.InMemoryStore.Create(ctx, f.ID, f); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return f, nil
}

func (s *InMemoryFeatureStore) Get(ctx context.Context, id string) (*feature.Feature, error) {
	f, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, ierr.NewError("feature not found").
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrNotFound)
	}
	return f, nil
}

func (s *InMemoryFeatureStore) GetByIDs(ctx context.Context, ids []string) ([]*feature.Feature, error) {
	return s.InMemoryStore.List(ctx, func(_ context.Context, f *feature.Feature) bool {
		return lo.Contains(ids, f.ID)
	}, featureSortFn)
}

func (s *InMemoryFeatureStore) List(ctx context.Context) ([]*feature.Feature, error) {
	return s.InMemoryStore.List(ctx, nil, featureSortFn)
}

func (s *InMemoryFeatureStore) Update(ctx context.Context, f *feature.Feature) (*feature.Feature, error) {
	if err := s.InMemoryStore.Update(ctx, f.ID, f); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return f, nil
}

func (s *InMemoryFeatureStore) Delete(ctx context.Context, id string) error {
	if err := s.InMemoryStore.Delete(ctx, id); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrNotFound)
	}
	return nil
}

func featureSortFn(i, j *feature.Feature) bool { return i.ID < j.ID }
