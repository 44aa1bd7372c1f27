package service

import (
	"testing"
	"time"

	"github.com/meterline/meterline/internal/api/dto"
	"github.com/meterline/meterline/internal/domain/balance"
	"github.com/meterline/meterline/internal/domain/customer"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/entitlement"
	"github.com/meterline/meterline/internal/domain/price"
	"github.com/meterline/meterline/internal/domain/product"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/lock"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type CancelServiceSuite struct {
	testutil.BaseServiceTestSuite
	service  AttachService
	testData struct {
		customer    *customer.Customer
		paidProduct *product.Product
		freeProduct *product.Product
		binding     *cusproduct.CustomerProduct
		row         *balance.CustomerEntitlement
	}
}

func TestCancelService(t *testing.T) {
	suite.Run(t, new(CancelServiceSuite))
}

func (s *CancelServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()

	params := testServiceParams(&s.BaseServiceTestSuite)
	planner := NewPlannerService(params)
	ledger := NewLedgerService(params)
	scheduler := NewSchedulerService(params, planner, ledger)
	s.service = NewAttachService(params, planner, ledger, scheduler)

	s.setupTestData()
}

// setupTestData binds a paid product with recorded overage usage, alongside a
// free default product in the same group.
func (s *CancelServiceSuite) setupTestData() {
	ctx := s.GetContext()
	stores := s.GetStores()
	base := types.GetDefaultBaseModel(ctx)
	now := time.Now().UTC()

	s.testData.customer = &customer.Customer{
		ID:                   "cus_cancel_1",
		Name:                 "Cancel Customer",
		ProcessorCustomerRef: "proc_cus_cancel",
		BaseModel:            base,
	}
	_, err := stores.CustomerRepo.Create(ctx, s.testData.customer)
	s.NoError(err)

	s.testData.paidProduct = &product.Product{
		ID:        "prod_paid",
		Name:      "Paid",
		Group:     "main",
		BaseModel: base,
	}
	_, err = stores.ProductRepo.Create(ctx, s.testData.paidProduct)
	s.NoError(err)

	_, err = stores.PriceRepo.Create(ctx, &price.Price{
		ID:                "price_base",
		ProductID:         s.testData.paidProduct.ID,
		Amount:            decimal.NewFromInt(20),
		Currency:          "usd",
		Interval:          types.BillingIntervalMonth,
		PriceType:         types.PriceTypeFixed,
		ProcessorPriceRef: "proc_base",
		BaseModel:         base,
	})
	s.NoError(err)

	_, err = stores.PriceRepo.Create(ctx, &price.Price{
		ID:                "price_calls",
		ProductID:         s.testData.paidProduct.ID,
		Amount:            decimal.NewFromInt(1),
		Currency:          "usd",
		Interval:          types.BillingIntervalMonth,
		PriceType:         types.PriceTypeUsage,
		FeatureID:         "feat_calls",
		BillWhen:          types.BillWhenEndOfPeriod,
		BillingUnits:      decimal.NewFromInt(1),
		ProcessorPriceRef: "proc_calls",
		BaseModel:         base,
	})
	s.NoError(err)

	_, err = stores.EntitlementRepo.Create(ctx, &entitlement.Entitlement{
		ID:            "entl_calls",
		ProductID:     s.testData.paidProduct.ID,
		FeatureID:     "feat_calls",
		AllowanceType: types.AllowanceTypeFixed,
		Allowance:     decimal.NewFromInt(10),
		Interval:      types.BillingIntervalMonth,
		UsageAllowed:  true,
		BaseModel:     base,
	})
	s.NoError(err)

	s.testData.freeProduct = &product.Product{
		ID:        "prod_free",
		Name:      "Free",
		Group:     "main",
		IsDefault: true,
		BaseModel: base,
	}
	_, err = stores.ProductRepo.Create(ctx, s.testData.freeProduct)
	s.NoError(err)

	_, err = stores.EntitlementRepo.Create(ctx, &entitlement.Entitlement{
		ID:            "entl_free_calls",
		ProductID:     s.testData.freeProduct.ID,
		FeatureID:     "feat_calls",
		AllowanceType: types.AllowanceTypeFixed,
		Allowance:     decimal.NewFromInt(3),
		Interval:      types.BillingIntervalMonth,
		BaseModel:     base,
	})
	s.NoError(err)

	s.testData.binding = &cusproduct.CustomerProduct{
		ID:              "cusprod_cancel",
		CustomerID:      s.testData.customer.ID,
		ProductID:       s.testData.paidProduct.ID,
		ProductGroup:    "main",
		Status:          types.CusProductStatusActive,
		Quantity:        decimal.NewFromInt(1),
		StartedAt:       now.AddDate(0, 0, -10),
		SubscriptionIDs: []string{"sub_cancel"},
		BaseModel:       base,
	}
	_, err = stores.CusProductRepo.Create(ctx, s.testData.binding)
	s.NoError(err)

	// 12 units used against an allowance of 10.
	s.testData.row = &balance.CustomerEntitlement{
		ID:                "cusentl_calls",
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: s.testData.binding.ID,
		EntitlementID:     "entl_calls",
		FeatureID:         "feat_calls",
		Balance:           decimal.NewFromInt(-2),
		StartingBalance:   decimal.NewFromInt(10),
		UsageAllowed:      true,
		BaseModel:         base,
	}
	_, err = stores.BalanceRepo.Create(ctx, s.testData.row)
	s.NoError(err)

	s.GetProcessor().SetSubscription(&processor.Subscription{
		ID:          "sub_cancel",
		CustomerRef: s.testData.customer.ProcessorCustomerRef,
		Status:      "active",
		PeriodStart: now.AddDate(0, 0, -10),
		PeriodEnd:   now.AddDate(0, 0, 20),
		Items: []processor.SubscriptionItem{
			{ID: "si_base", PriceRef: "proc_base", Quantity: 1},
		},
	})
}

func (s *CancelServiceSuite) TestCancelAtPeriodEnd() {
	ctx := s.GetContext()
	stores := s.GetStores()

	err := s.service.Cancel(ctx, dto.CancelRequest{
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: s.testData.binding.ID,
	})
	s.NoError(err)

	binding, err := stores.CusProductRepo.Get(ctx, s.testData.binding.ID)
	s.NoError(err)
	s.NotNil(binding.CanceledAt)
	s.Equal(types.CusProductStatusActive, binding.Status)
	s.Nil(binding.EndedAt)

	proc := s.GetProcessor()
	s.Len(proc.Canceled, 1)
	s.Equal("sub_cancel", proc.Canceled[0].SubscriptionRef)
	s.True(proc.Canceled[0].AtPeriodEnd)
	s.Empty(proc.InvoiceItems)
}

func (s *CancelServiceSuite) TestCancelAtPeriodEndDropsSchedule() {
	ctx := s.GetContext()
	stores := s.GetStores()

	scheduled := &cusproduct.CustomerProduct{
		ID:           "cusprod_pending",
		CustomerID:   s.testData.customer.ID,
		ProductID:    "prod_other",
		ProductGroup: "main",
		Status:       types.CusProductStatusScheduled,
		Quantity:     decimal.NewFromInt(1),
		StartedAt:    time.Now().UTC().AddDate(0, 0, 20),
		ScheduledIDs: []string{"sched_pending"},
		BaseModel:    types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.CusProductRepo.Create(ctx, scheduled)
	s.NoError(err)

	s.testData.binding.ScheduledIDs = []string{"sched_pending"}
	_, err = stores.CusProductRepo.Update(ctx, s.testData.binding)
	s.NoError(err)

	err = s.service.Cancel(ctx, dto.CancelRequest{
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: s.testData.binding.ID,
	})
	s.NoError(err)

	_, err = stores.CusProductRepo.Get(ctx, scheduled.ID)
	s.Error(err)

	binding, err := stores.CusProductRepo.Get(ctx, s.testData.binding.ID)
	s.NoError(err)
	s.Empty(binding.ScheduledIDs)
	s.NotNil(binding.CanceledAt)

	s.Contains(s.GetProcessor().Released, "sched_pending")
}

func (s *CancelServiceSuite) TestCancelImmediately() {
	ctx := s.GetContext()
	stores := s.GetStores()

	err := s.service.Cancel(ctx, dto.CancelRequest{
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: s.testData.binding.ID,
		Immediate:         true,
	})
	s.NoError(err)

	binding, err := stores.CusProductRepo.Get(ctx, s.testData.binding.ID)
	s.NoError(err)
	s.Equal(types.CusProductStatusExpired, binding.Status)
	s.NotNil(binding.CanceledAt)
	s.NotNil(binding.EndedAt)

	proc := s.GetProcessor()
	s.Len(proc.Canceled, 1)
	s.Equal("sub_cancel", proc.Canceled[0].SubscriptionRef)
	s.False(proc.Canceled[0].AtPeriodEnd)

	// Two units of overage at $1 plus a credit for the unused two thirds of
	// the period.
	usageItem, found := lo.Find(proc.InvoiceItems, func(it processor.InvoiceItemParams) bool {
		return it.Amount.Equal(decimal.NewFromInt(2))
	})
	s.True(found)
	s.Equal("proc_cus_cancel", usageItem.CustomerRef)

	_, found = lo.Find(proc.InvoiceItems, func(it processor.InvoiceItemParams) bool {
		return it.Amount.IsNegative()
	})
	s.True(found)

	records, err := stores.InvoiceRepo.ListByCustomer(ctx, s.testData.customer.ID)
	s.NoError(err)
	s.Len(records, len(proc.InvoiceItems))

	// The customer falls back to the group's free default product.
	current, err := stores.CusProductRepo.GetCurrentInGroup(ctx, s.testData.customer.ID, "", "main")
	s.NoError(err)
	s.NotNil(current)
	s.Equal(s.testData.freeProduct.ID, current.ProductID)

	rows, err := stores.BalanceRepo.ListByCustomerProductIDs(ctx, []string{current.ID})
	s.NoError(err)
	s.Len(rows, 1)
	s.True(rows[0].Balance.Equal(decimal.NewFromInt(3)))
}

func (s *CancelServiceSuite) TestCancelGuardBusy() {
	ctx := s.GetContext()
	stores := s.GetStores()

	// Another request already holds the customer/group guard; the cancel is
	// skipped without error and the binding stays untouched.
	_, err := s.GetGuard().Acquire(ctx, lock.Key(ctx, s.testData.customer.ID, "main"), time.Minute)
	s.NoError(err)

	err = s.service.Cancel(ctx, dto.CancelRequest{
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: s.testData.binding.ID,
	})
	s.NoError(err)

	binding, err := stores.CusProductRepo.Get(ctx, s.testData.binding.ID)
	s.NoError(err)
	s.Equal(types.CusProductStatusActive, binding.Status)
	s.Nil(binding.CanceledAt)
	s.Empty(s.GetProcessor().Canceled)
}

func (s *CancelServiceSuite) TestCancelWrongCustomer() {
	err := s.service.Cancel(s.GetContext(), dto.CancelRequest{
		CustomerID:        "cus_someone_else",
		CustomerProductID: s.testData.binding.ID,
	})
	s.Error(err)
	s.True(ierr.IsInvalidOperation(err))
}

func (s *CancelServiceSuite) TestCancelExpiredRejected() {
	ctx := s.GetContext()
	stores := s.GetStores()

	now := time.Now().UTC()
	s.testData.binding.Status = types.CusProductStatusExpired
	s.testData.binding.EndedAt = &now
	_, err := stores.CusProductRepo.Update(ctx, s.testData.binding)
	s.NoError(err)

	err = s.service.Cancel(ctx, dto.CancelRequest{
		CustomerID:        s.testData.customer.ID,
		CustomerProductID: s.testData.binding.ID,
	})
	s.Error(err)
	s.True(ierr.IsInvalidOperation(err))
}
