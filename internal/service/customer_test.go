package service

import (
	"testing"
	"time"

	"github.com/meterline/meterline/internal/api/dto"
	"github.com/meterline/meterline/internal/domain/balance"
	"github.com/meterline/meterline/internal/domain/customer"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/product"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type CustomerServiceSuite struct {
	testutil.BaseServiceTestSuite
	service CustomerService
}

func TestCustomerService(t *testing.T) {
	suite.Run(t, new(CustomerServiceSuite))
}

func (s *CustomerServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	s.service = NewCustomerService(testServiceParams(&s.BaseServiceTestSuite))
	s.setupTestData()
}

// setupTestData gives the customer a plan plus an add-on granting the same
// feature, an unlimited feature, and an expired binding whose rows must not
// leak into the aggregate.
func (s *CustomerServiceSuite) setupTestData() {
	ctx := s.GetContext()
	stores := s.GetStores()
	base := types.GetDefaultBaseModel(ctx)
	now := time.Now().UTC()

	_, err := stores.CustomerRepo.Create(ctx, &customer.Customer{
		ID:        "cus_state_1",
		Name:      "State Customer",
		BaseModel: base,
	})
	s.NoError(err)

	for _, p := range []*product.Product{
		{ID: "prod_plan", Name: "Plan", Group: "main", BaseModel: base},
		{ID: "prod_addon", Name: "Extra Credits", Group: "addons", IsAddOn: true, BaseModel: base},
		{ID: "prod_old", Name: "Old Plan", Group: "main", BaseModel: base},
	} {
		_, err = stores.ProductRepo.Create(ctx, p)
		s.NoError(err)
	}

	soon := now.AddDate(0, 0, 3)
	later := now.AddDate(0, 0, 25)
	ended := now.AddDate(0, 0, -5)

	bindings := []*cusproduct.CustomerProduct{
		{
			ID: "cusprod_plan", CustomerID: "cus_state_1", ProductID: "prod_plan",
			ProductGroup: "main", Status: types.CusProductStatusActive,
			Quantity: decimal.NewFromInt(1), StartedAt: now.AddDate(0, 0, -10), BaseModel: base,
		},
		{
			ID: "cusprod_addon", CustomerID: "cus_state_1", ProductID: "prod_addon",
			ProductGroup: "addons", IsAddOn: true, Status: types.CusProductStatusActive,
			Quantity: decimal.NewFromInt(1), StartedAt: now.AddDate(0, 0, -2), BaseModel: base,
		},
		{
			ID: "cusprod_old", CustomerID: "cus_state_1", ProductID: "prod_old",
			ProductGroup: "main", Status: types.CusProductStatusExpired,
			Quantity: decimal.NewFromInt(1), StartedAt: now.AddDate(0, -2, 0),
			EndedAt: &ended, BaseModel: base,
		},
	}
	for _, cp := range bindings {
		_, err = stores.CusProductRepo.Create(ctx, cp)
		s.NoError(err)
	}

	rows := []*balance.CustomerEntitlement{
		{
			ID: "cusentl_plan_api", CustomerID: "cus_state_1", CustomerProductID: "cusprod_plan",
			EntitlementID: "entl_plan_api", FeatureID: "feat_api",
			Balance: decimal.NewFromInt(40), StartingBalance: decimal.NewFromInt(100),
			UsageAllowed: true, NextResetAt: &later, BaseModel: base,
		},
		{
			ID: "cusentl_addon_api", CustomerID: "cus_state_1", CustomerProductID: "cusprod_addon",
			EntitlementID: "entl_addon_api", FeatureID: "feat_api",
			Balance: decimal.NewFromInt(5), StartingBalance: decimal.NewFromInt(20),
			NextResetAt: &soon, BaseModel: base,
		},
		{
			ID: "cusentl_plan_sso", CustomerID: "cus_state_1", CustomerProductID: "cusprod_plan",
			EntitlementID: "entl_plan_sso", FeatureID: "feat_sso",
			Unlimited: true, BaseModel: base,
		},
		{
			ID: "cusentl_old_api", CustomerID: "cus_state_1", CustomerProductID: "cusprod_old",
			EntitlementID: "entl_old_api", FeatureID: "feat_api",
			Balance: decimal.NewFromInt(999), StartingBalance: decimal.NewFromInt(999),
			BaseModel: base,
		},
	}
	for _, row := range rows {
		_, err = stores.BalanceRepo.Create(ctx, row)
		s.NoError(err)
	}
}

func (s *CustomerServiceSuite) TestGetCustomerState() {
	resp, err := s.service.GetCustomerState(s.GetContext(), "cus_state_1")
	s.NoError(err)
	s.Equal("cus_state_1", resp.CustomerID)

	// The expired binding is not part of the state.
	s.Len(resp.Products, 2)
	ids := lo.Map(resp.Products, func(p dto.CustomerProductState, _ int) string { return p.CustomerProductID })
	s.Contains(ids, "cusprod_plan")
	s.Contains(ids, "cusprod_addon")

	s.Len(resp.Features, 2)
	byFeature := lo.SliceToMap(resp.Features, func(fb dto.FeatureBalance) (string, dto.FeatureBalance) {
		return fb.FeatureID, fb
	})

	api := byFeature["feat_api"]
	s.True(api.Balance.Equal(decimal.NewFromInt(45)))
	s.True(api.Usage.Equal(decimal.NewFromInt(75)))
	s.True(api.GrantedBalance.Equal(decimal.NewFromInt(120)))
	s.True(api.UsageAllowed)
	s.False(api.Unlimited)

	// The soonest reset across the feature's rows wins.
	s.NotNil(api.NextResetAt)
	s.True(api.NextResetAt.Before(time.Now().UTC().AddDate(0, 0, 4)))

	sso := byFeature["feat_sso"]
	s.True(sso.Unlimited)
	s.True(sso.Balance.IsZero())
}

func (s *CustomerServiceSuite) TestGetCustomerStateIncludesScheduled() {
	ctx := s.GetContext()
	stores := s.GetStores()

	_, err := stores.CusProductRepo.Create(ctx, &cusproduct.CustomerProduct{
		ID: "cusprod_next", CustomerID: "cus_state_1", ProductID: "prod_old",
		ProductGroup: "main", Status: types.CusProductStatusScheduled,
		Quantity: decimal.NewFromInt(1), StartedAt: time.Now().UTC().AddDate(0, 0, 20),
		ScheduledIDs: []string{"sched_next"},
		BaseModel:    types.GetDefaultBaseModel(ctx),
	})
	s.NoError(err)

	resp, err := s.service.GetCustomerState(ctx, "cus_state_1")
	s.NoError(err)
	s.Len(resp.Products, 3)
}

func (s *CustomerServiceSuite) TestGetCustomerStateUnknownCustomer() {
	_, err := s.service.GetCustomerState(s.GetContext(), "cus_missing")
	s.Error(err)
	s.True(ierr.IsNotFound(err))
}
