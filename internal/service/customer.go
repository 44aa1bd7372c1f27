package service

import (
	"context"
	"sort"
	"time"

	"github.com/meterline/meterline/internal/api/dto"
	"github.com/meterline/meterline/internal/domain/balance"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
)

// CustomerService exposes the read side of a customer: its product bindings
// and aggregated feature balances.
type CustomerService interface {
	GetCustomerState(ctx context.Context, customerID string) (*dto.CustomerStateResponse, error)
}

type customerService struct {
	ServiceParams
}

func NewCustomerService(params ServiceParams) CustomerService {
	return &customerService{ServiceParams: params}
}

func (s *customerService) GetCustomerState(ctx context.Context, customerID string) (*dto.CustomerStateResponse, error) {
	cust, err := s.CustomerRepo.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}

	statuses := make([]types.CusProductStatus, 0, len(types.CurrentCusProductStatuses)+1)
	statuses = append(statuses, types.CurrentCusProductStatuses...)
	statuses = append(statuses, types.CusProductStatusScheduled)
	bindings, err := s.CusProductRepo.ListByCustomer(ctx, cust.ID, statuses)
	if err != nil {
		return nil, err
	}

	products := make([]dto.CustomerProductState, 0, len(bindings))
	currentIDs := make(map[string]bool, len(bindings))
	for _, cp := range bindings {
		prod, err := s.ProductRepo.Get(ctx, cp.ProductID)
		if err != nil {
			return nil, err
		}
		products = append(products, dto.CustomerProductState{
			CustomerProductID: cp.ID,
			ProductID:         cp.ProductID,
			ProductName:       prod.Name,
			Group:             cp.ProductGroup,
			Status:            string(cp.Status),
			Quantity:          cp.Quantity.String(),
			CanceledAt:        cp.CanceledAt,
			TrialEndsAt:       cp.TrialEndsAt,
		})
		if cp.IsCurrent() {
			currentIDs[cp.ID] = true
		}
	}

	rows, err := s.BalanceRepo.ListByCustomer(ctx, cust.ID)
	if err != nil {
		return nil, err
	}
	rows = lo.Filter(rows, func(row *balance.CustomerEntitlement, _ int) bool {
		return currentIDs[row.CustomerProductID]
	})

	return &dto.CustomerStateResponse{
		CustomerID: cust.ID,
		Products:   products,
		Features:   aggregateFeatureBalances(rows, time.Now().UTC()),
	}, nil
}

// aggregateFeatureBalances folds ledger rows into one entry per feature.
// A customer can hold several rows for the same feature (a product plus an
// add-on); balances and usage sum, unlimited and usage_allowed absorb, and
// the earliest reset wins.
func aggregateFeatureBalances(rows []*balance.CustomerEntitlement, now time.Time) []dto.FeatureBalance {
	byFeature := make(map[string]*dto.FeatureBalance)
	for _, row := range rows {
		fb, ok := byFeature[row.FeatureID]
		if !ok {
			fb = &dto.FeatureBalance{FeatureID: row.FeatureID}
			byFeature[row.FeatureID] = fb
		}
		if row.Unlimited {
			fb.Unlimited = true
			continue
		}
		fb.Balance = fb.Balance.Add(row.CurrentBalance(now))
		fb.Usage = fb.Usage.Add(row.Usage(now))
		fb.GrantedBalance = fb.Balance.Add(fb.Usage)
		if row.UsageAllowed {
			fb.UsageAllowed = true
		}
		if row.NextResetAt != nil && (fb.NextResetAt == nil || row.NextResetAt.Before(*fb.NextResetAt)) {
			fb.NextResetAt = row.NextResetAt
		}
	}

	out := lo.MapToSlice(byFeature, func(_ string, fb *dto.FeatureBalance) dto.FeatureBalance {
		return *fb
	})
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}
