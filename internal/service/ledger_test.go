package service

import (
	"sync"
	"testing"
	"time"

	"github.com/meterline/meterline/internal/domain/balance"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/customer"
	"github.com/meterline/meterline/internal/domain/entitlement"
	"github.com/meterline/meterline/internal/domain/feature"
	"github.com/meterline/meterline/internal/domain/product"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type LedgerServiceSuite struct {
	testutil.BaseServiceTestSuite
	service LedgerService
	testData struct {
		customer *customer.Customer
		features struct {
			apiCalls *feature.Feature
			credits  *feature.Feature
		}
		product     *product.Product
		entitlement *entitlement.Entitlement
		binding     *cusproduct.CustomerProduct
		row         *balance.CustomerEntitlement
	}
}

func TestLedgerService(t *testing.T) {
	suite.Run(t, new(LedgerServiceSuite))
}

func (s *LedgerServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	s.service = NewLedgerService(testServiceParams(&s.BaseServiceTestSuite))
	s.setupTestData()
}

func (s *LedgerServiceSuite) setupTestData() {
	ctx := s.GetContext()
	stores := s.GetStores()

	s.testData.customer = &customer.Customer{
		ID:        "cus_ledger_1",
		Name:      "Ledger Test Customer",
		BaseModel: types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.CustomerRepo.Create(ctx, s.testData.customer)
	s.NoError(err)

	s.testData.features.apiCalls = &feature.Feature{
		ID:        "feat_api_calls",
		Name:      "API Calls",
		Type:      types.FeatureTypeMetered,
		UsageType: types.FeatureUsageTypeSingle,
		BaseModel: types.GetDefaultBaseModel(ctx),
	}
	_, err = stores.FeatureRepo.Create(ctx, s.testData.features.apiCalls)
	s.NoError(err)

	s.testData.product = &product.Product{
		ID:        "prod_pro",
		Name:      "Pro",
		Group:     "main",
		BaseModel: types.GetDefaultBaseModel(ctx),
	}
	_, err = stores.ProductRepo.Create(ctx, s.testData.product)
	s.NoError(err)

	usageLimit := decimal.NewFromInt(10)
	s.testData.entitlement = &entitlement.Entitlement{
		ID:            "entl_api_calls",
		ProductID:     s.testData.product.ID,
		FeatureID:     s.testData.features.apiCalls.ID,
		AllowanceType: types.AllowanceTypeFixed,
		Allowance:     decimal.NewFromInt(5),
		Interval:      types.BillingIntervalMonth,
		UsageAllowed:  true,
		UsageLimit:    &usageLimit,
		BaseModel:     types.GetDefaultBaseModel(ctx),
	}
	_, err = stores.EntitlementRepo.Create(ctx, s.testData.entitlement)
	s.NoError(err)

	s.testData.binding = &cusproduct.CustomerProduct{
		ID:           "cusprod_ledger_1",
		CustomerID:   s.testData.customer.ID,
		ProductID:    s.testData.product.ID,
		ProductGroup: s.testData.product.Group,
		Status:       types.CusProductStatusActive,
		Quantity:     decimal.NewFromInt(1),
		StartedAt:    time.Now().UTC().Add(-24 * time.Hour),
		BaseModel:    types.GetDefaultBaseModel(ctx),
	}
	_, err = stores.CusProductRepo.Create(ctx, s.testData.binding)
	s.NoError(err)

	nextReset := time.Now().UTC().Add(15 * 24 * time.Hour)
	s.testData.row = &balance.CustomerEntitlement{
		ID:                "cusentl_api_calls",
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: s.testData.binding.ID,
		EntitlementID:     s.testData.entitlement.ID,
		FeatureID:         s.testData.features.apiCalls.ID,
		Balance:           decimal.NewFromInt(5),
		StartingBalance:   decimal.NewFromInt(5),
		UsageAllowed:      true,
		UsageLimit:        &usageLimit,
		NextResetAt:       &nextReset,
		BaseModel:         types.GetDefaultBaseModel(ctx),
	}
	_, err = stores.BalanceRepo.Create(ctx, s.testData.row)
	s.NoError(err)
}

func (s *LedgerServiceSuite) TestDeductWithinAllowance() {
	resp, err := s.service.Deduct(s.GetContext(), DeductRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  s.testData.features.apiCalls.ID,
		Amount:     decimal.NewFromInt(3),
	})
	s.NoError(err)
	s.True(resp.Deducted.Equal(decimal.NewFromInt(3)), "deducted %s", resp.Deducted)
	s.True(resp.Balance.Equal(decimal.NewFromInt(2)), "balance %s", resp.Balance)
	s.Len(resp.Deltas, 1)
	s.True(resp.Deltas[0].Change().Equal(decimal.NewFromInt(-3)))
}

func (s *LedgerServiceSuite) TestDeductIntoOverage() {
	// 5 base + 5 overage headroom; 8 fits, leaving balance at -3.
	resp, err := s.service.Deduct(s.GetContext(), DeductRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  s.testData.features.apiCalls.ID,
		Amount:     decimal.NewFromInt(8),
	})
	s.NoError(err)
	s.True(resp.Deducted.Equal(decimal.NewFromInt(8)))
	s.True(resp.Balance.Equal(decimal.NewFromInt(-3)))
}

func (s *LedgerServiceSuite) TestDeductRejectsBeyondLimit() {
	// Capacity is 10 total (5 allowance + 5 overage); 11 must fail and the
	// partial deductions must be rolled back.
	_, err := s.service.Deduct(s.GetContext(), DeductRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  s.testData.features.apiCalls.ID,
		Amount:     decimal.NewFromInt(11),
	})
	s.Error(err)
	s.True(ierr.IsInsufficientBalance(err))

	balances, err := s.service.GetBalances(s.GetContext(), s.testData.customer.ID)
	s.NoError(err)
	s.Len(balances, 1)
	s.True(balances[0].Balance.Equal(decimal.NewFromInt(5)), "balance %s", balances[0].Balance)
	s.True(balances[0].Usage.IsZero())
}

func (s *LedgerServiceSuite) TestDeductCappedTakesWhatFits() {
	resp, err := s.service.Deduct(s.GetContext(), DeductRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  s.testData.features.apiCalls.ID,
		Amount:     decimal.NewFromInt(11),
		Capped:     true,
	})
	s.NoError(err)
	s.True(resp.Deducted.Equal(decimal.NewFromInt(10)))
	s.True(resp.Balance.Equal(decimal.NewFromInt(-5)))
}

func (s *LedgerServiceSuite) TestDeductRejectsNonPositiveAmount() {
	_, err := s.service.Deduct(s.GetContext(), DeductRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  s.testData.features.apiCalls.ID,
		Amount:     decimal.Zero,
	})
	s.Error(err)
}

func (s *LedgerServiceSuite) TestDeductUnknownFeature() {
	_, err := s.service.Deduct(s.GetContext(), DeductRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  "feat_unknown",
		Amount:     decimal.NewFromInt(1),
	})
	s.Error(err)
	s.True(ierr.IsNotFound(err))
}

func (s *LedgerServiceSuite) TestConcurrentDeductionsRespectLimit() {
	// Five concurrent deductions of 3 against capacity 10: exactly three
	// fit, the other two roll back fully, and the final balance lands on
	// the -4 their nine units imply.
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.service.Deduct(s.GetContext(), DeductRequest{
				CustomerID: s.testData.customer.ID,
				FeatureID:  s.testData.features.apiCalls.ID,
				Amount:     decimal.NewFromInt(3),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			s.True(ierr.IsInsufficientBalance(err))
		}
	}
	s.Equal(3, succeeded)

	balances, err := s.service.GetBalances(s.GetContext(), s.testData.customer.ID)
	s.NoError(err)
	s.Len(balances, 1)
	s.True(balances[0].Balance.Equal(decimal.NewFromInt(-4)), "balance %s", balances[0].Balance)
	s.True(balances[0].Usage.Equal(decimal.NewFromInt(9)))
}

func (s *LedgerServiceSuite) TestDeductViaCreditSystem() {
	ctx := s.GetContext()
	stores := s.GetStores()

	// A credit-system feature covering api calls at 2 credits per unit,
	// granted through a second product binding.
	s.testData.features.credits = &feature.Feature{
		ID:   "feat_credits",
		Name: "Credits",
		Type: types.FeatureTypeCreditSystem,
		CreditSchema: []types.CreditSchemaItem{
			{MeteredFeatureID: s.testData.features.apiCalls.ID, CreditCost: decimal.NewFromInt(2)},
		},
		BaseModel: types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.FeatureRepo.Create(ctx, s.testData.features.credits)
	s.NoError(err)

	creditRow := &balance.CustomerEntitlement{
		ID:                "cusentl_credits",
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: s.testData.binding.ID,
		EntitlementID:     "entl_credits",
		FeatureID:         s.testData.features.credits.ID,
		Balance:           decimal.NewFromInt(20),
		StartingBalance:   decimal.NewFromInt(20),
		BaseModel:         types.GetDefaultBaseModel(ctx),
	}
	_, err = stores.BalanceRepo.Create(ctx, creditRow)
	s.NoError(err)

	// 7 units: 5 from the feature's own allowance, the remaining 2 cost
	// 4 credits.
	resp, err := s.service.Deduct(ctx, DeductRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  s.testData.features.apiCalls.ID,
		Amount:     decimal.NewFromInt(7),
	})
	s.NoError(err)
	s.True(resp.Deducted.Equal(decimal.NewFromInt(7)))

	credits, err := stores.BalanceRepo.Get(ctx, creditRow.ID)
	s.NoError(err)
	s.True(credits.Balance.Equal(decimal.NewFromInt(16)), "credits %s", credits.Balance)
}

func (s *LedgerServiceSuite) TestDeductDrainsRolloversFirst() {
	ctx := s.GetContext()
	stores := s.GetStores()

	row, err := stores.BalanceRepo.Get(ctx, s.testData.row.ID)
	s.NoError(err)
	expiry := time.Now().UTC().Add(10 * 24 * time.Hour)
	row.Rollovers = []*balance.Rollover{
		{ID: "roll_1", Balance: decimal.NewFromInt(2), ExpiresAt: &expiry},
	}
	_, err = stores.BalanceRepo.Update(ctx, row)
	s.NoError(err)

	resp, err := s.service.Deduct(ctx, DeductRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  s.testData.features.apiCalls.ID,
		Amount:     decimal.NewFromInt(3),
	})
	s.NoError(err)
	s.True(resp.Deducted.Equal(decimal.NewFromInt(3)))

	fresh, err := stores.BalanceRepo.Get(ctx, row.ID)
	s.NoError(err)
	s.True(fresh.Rollovers[0].Balance.IsZero(), "rollover %s", fresh.Rollovers[0].Balance)
	s.True(fresh.Balance.Equal(decimal.NewFromInt(4)), "base %s", fresh.Balance)
}

func (s *LedgerServiceSuite) TestSetBalancePreservesUsage() {
	ctx := s.GetContext()

	_, err := s.service.Deduct(ctx, DeductRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  s.testData.features.apiCalls.ID,
		Amount:     decimal.NewFromInt(2),
	})
	s.NoError(err)

	resp, err := s.service.SetBalance(ctx, SetBalanceRequest{
		CustomerEntitlementID: s.testData.row.ID,
		Balance:               decimal.NewFromInt(10),
	})
	s.NoError(err)
	s.True(resp.Balance.Equal(decimal.NewFromInt(10)))
	s.True(resp.Usage.Equal(decimal.NewFromInt(2)), "usage %s", resp.Usage)
	s.True(resp.GrantedBalance.Equal(resp.Balance.Add(resp.Usage)))
}

func (s *LedgerServiceSuite) TestSetBalanceByCustomerAndFeature() {
	ctx := s.GetContext()
	stores := s.GetStores()

	next := time.Now().UTC().AddDate(0, 1, 0)
	resp, err := s.service.SetBalance(ctx, SetBalanceRequest{
		CustomerID:  s.testData.customer.ID,
		FeatureID:   s.testData.features.apiCalls.ID,
		Balance:     decimal.NewFromInt(8),
		NextResetAt: &next,
	})
	s.NoError(err)
	s.Equal(s.testData.row.ID, resp.CustomerEntitlementID)
	s.True(resp.Balance.Equal(decimal.NewFromInt(8)))

	fresh, err := stores.BalanceRepo.Get(ctx, s.testData.row.ID)
	s.NoError(err)
	s.True(fresh.NextResetAt.Equal(next))
}

func (s *LedgerServiceSuite) TestSetBalanceRequiresAddress() {
	_, err := s.service.SetBalance(s.GetContext(), SetBalanceRequest{
		Balance: decimal.NewFromInt(5),
	})
	s.Error(err)
	s.True(ierr.IsValidation(err))

	// Feature alone is not enough either.
	_, err = s.service.SetBalance(s.GetContext(), SetBalanceRequest{
		FeatureID: s.testData.features.apiCalls.ID,
		Balance:   decimal.NewFromInt(5),
	})
	s.Error(err)
	s.True(ierr.IsValidation(err))
}

func (s *LedgerServiceSuite) TestSetBalanceUnknownFeature() {
	_, err := s.service.SetBalance(s.GetContext(), SetBalanceRequest{
		CustomerID: s.testData.customer.ID,
		FeatureID:  "feat_unknown",
		Balance:    decimal.NewFromInt(5),
	})
	s.Error(err)
	s.True(ierr.IsNotFound(err))
}

func (s *LedgerServiceSuite) TestSetBalanceRejectsUnlimited() {
	ctx := s.GetContext()
	stores := s.GetStores()

	unlimited := &balance.CustomerEntitlement{
		ID:                "cusentl_unlimited",
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: s.testData.binding.ID,
		EntitlementID:     "entl_unlimited",
		FeatureID:         "feat_unlimited",
		Unlimited:         true,
		BaseModel:         types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.BalanceRepo.Create(ctx, unlimited)
	s.NoError(err)

	_, err = s.service.SetBalance(ctx, SetBalanceRequest{
		CustomerEntitlementID: unlimited.ID,
		Balance:               decimal.NewFromInt(5),
	})
	s.Error(err)
}

func (s *LedgerServiceSuite) TestInitBalancesPrepaidQuantity() {
	ctx := s.GetContext()
	stores := s.GetStores()

	full, err := stores.ProductRepo.GetFull(ctx, s.testData.product.ID)
	s.NoError(err)

	created, err := s.service.InitBalances(ctx, s.testData.binding, full, decimal.NewFromInt(1), nil)
	s.NoError(err)
	s.Len(created, 1)
	s.True(created[0].Balance.Equal(decimal.NewFromInt(5)))
	s.True(created[0].StartingBalance.Equal(decimal.NewFromInt(5)))
	s.NotNil(created[0].NextResetAt)
}

func (s *LedgerServiceSuite) TestInitBalancesCarriesUsage() {
	ctx := s.GetContext()
	stores := s.GetStores()

	ent, err := stores.EntitlementRepo.Get(ctx, s.testData.entitlement.ID)
	s.NoError(err)
	ent.CarryFromPrevious = true
	_, err = stores.EntitlementRepo.Update(ctx, ent)
	s.NoError(err)

	// Previous row with 3 units of recorded usage.
	prev := &balance.CustomerEntitlement{
		ID:                "cusentl_prev",
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: "cusprod_old",
		EntitlementID:     "entl_old",
		FeatureID:         s.testData.features.apiCalls.ID,
		Balance:           decimal.NewFromInt(2),
		StartingBalance:   decimal.NewFromInt(5),
	}

	full, err := stores.ProductRepo.GetFull(ctx, s.testData.product.ID)
	s.NoError(err)

	created, err := s.service.InitBalances(ctx, s.testData.binding, full, decimal.NewFromInt(1), []*balance.CustomerEntitlement{prev})
	s.NoError(err)
	s.Len(created, 1)
	s.True(created[0].Balance.Equal(decimal.NewFromInt(2)), "balance %s", created[0].Balance)
	s.True(created[0].StartingBalance.Equal(decimal.NewFromInt(5)))
}

func (s *LedgerServiceSuite) TestAdjustForQuantityChange() {
	ctx := s.GetContext()
	stores := s.GetStores()

	err := s.service.AdjustForQuantityChange(ctx, s.testData.row.ID, decimal.NewFromInt(3))
	s.NoError(err)

	row, err := stores.BalanceRepo.Get(ctx, s.testData.row.ID)
	s.NoError(err)
	s.True(row.Balance.Equal(decimal.NewFromInt(8)))
	s.True(row.StartingBalance.Equal(decimal.NewFromInt(8)))
	s.True(row.Usage(time.Now().UTC()).IsZero())
}

func (s *LedgerServiceSuite) TestResetAdvancesAnchorAndRefills() {
	ctx := s.GetContext()
	stores := s.GetStores()

	now := time.Now().UTC()
	past := now.Add(-24 * time.Hour)
	row, err := stores.BalanceRepo.Get(ctx, s.testData.row.ID)
	s.NoError(err)
	row.Balance = decimal.NewFromInt(1)
	row.NextResetAt = &past
	_, err = stores.BalanceRepo.Update(ctx, row)
	s.NoError(err)

	applied, err := s.service.Reset(ctx, row, now)
	s.NoError(err)
	s.True(applied)

	fresh, err := stores.BalanceRepo.Get(ctx, row.ID)
	s.NoError(err)
	s.True(fresh.Balance.Equal(decimal.NewFromInt(5)))
	s.NotNil(fresh.NextResetAt)
	s.True(fresh.NextResetAt.After(now))

	// A worker holding the stale row must see the reset as already done.
	applied, err = s.service.Reset(ctx, row, now)
	s.NoError(err)
	s.False(applied)
}

func (s *LedgerServiceSuite) TestResetCreatesRolloverBucket() {
	ctx := s.GetContext()
	stores := s.GetStores()

	maxRollover := decimal.NewFromInt(2)
	ent, err := stores.EntitlementRepo.Get(ctx, s.testData.entitlement.ID)
	s.NoError(err)
	ent.Rollover = &entitlement.RolloverConfig{Max: &maxRollover, Duration: 1}
	_, err = stores.EntitlementRepo.Update(ctx, ent)
	s.NoError(err)

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	row, err := stores.BalanceRepo.Get(ctx, s.testData.row.ID)
	s.NoError(err)
	row.Balance = decimal.NewFromInt(4)
	row.NextResetAt = &past
	_, err = stores.BalanceRepo.Update(ctx, row)
	s.NoError(err)

	applied, err := s.service.Reset(ctx, row, now)
	s.NoError(err)
	s.True(applied)

	fresh, err := stores.BalanceRepo.Get(ctx, row.ID)
	s.NoError(err)
	s.Len(fresh.Rollovers, 1)
	// Leftover 4 capped at the rollover max of 2.
	s.True(fresh.Rollovers[0].Balance.Equal(maxRollover))
	s.NotNil(fresh.Rollovers[0].ExpiresAt)
	s.True(fresh.Balance.Equal(decimal.NewFromInt(5)))
}

func (s *LedgerServiceSuite) TestResetCatchesUpMissedPeriods() {
	ctx := s.GetContext()
	stores := s.GetStores()

	now := time.Now().UTC()
	// Three months behind; the anchor must land in the future, not one
	// month after the stale anchor.
	stale := now.AddDate(0, -3, 0)
	row, err := stores.BalanceRepo.Get(ctx, s.testData.row.ID)
	s.NoError(err)
	row.NextResetAt = &stale
	_, err = stores.BalanceRepo.Update(ctx, row)
	s.NoError(err)

	applied, err := s.service.Reset(ctx, row, now)
	s.NoError(err)
	s.True(applied)

	fresh, err := stores.BalanceRepo.Get(ctx, row.ID)
	s.NoError(err)
	s.True(fresh.NextResetAt.After(now))
}

func (s *LedgerServiceSuite) TestResetDue() {
	ctx := s.GetContext()
	stores := s.GetStores()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	row, err := stores.BalanceRepo.Get(ctx, s.testData.row.ID)
	s.NoError(err)
	row.NextResetAt = &past
	_, err = stores.BalanceRepo.Update(ctx, row)
	s.NoError(err)

	applied, err := s.service.ResetDue(ctx, now, 100)
	s.NoError(err)
	s.Equal(1, applied)

	// Nothing left due.
	applied, err = s.service.ResetDue(ctx, now, 100)
	s.NoError(err)
	s.Equal(0, applied)
}
