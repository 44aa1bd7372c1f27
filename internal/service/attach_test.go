package service

import (
	"testing"
	"time"

	"github.com/meterline/meterline/internal/api/dto"
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
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type AttachServiceSuite struct {
	testutil.BaseServiceTestSuite
	service  AttachService
	planner  PlannerService
	ledger   LedgerService
	testData struct {
		customer *customer.Customer
		basic    *product.Product
		pro      *product.Product
	}
}

func TestAttachService(t *testing.T) {
	suite.Run(t, new(AttachServiceSuite))
}

func (s *AttachServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()

	params := testServiceParams(&s.BaseServiceTestSuite)
	s.planner = NewPlannerService(params)
	s.ledger = NewLedgerService(params)
	scheduler := NewSchedulerService(params, s.planner, s.ledger)
	s.service = NewAttachService(params, s.planner, s.ledger, scheduler)

	s.setupTestData()
}

func (s *AttachServiceSuite) setupTestData() {
	ctx := s.GetContext()
	stores := s.GetStores()
	base := types.GetDefaultBaseModel(ctx)

	s.testData.customer = &customer.Customer{
		ID:                   "cus_attach_1",
		Name:                 "Attach Test Customer",
		ProcessorCustomerRef: "proc_cus_1",
		BaseModel:            base,
	}
	_, err := stores.CustomerRepo.Create(ctx, s.testData.customer)
	s.NoError(err)

	s.testData.basic = &product.Product{
		ID:        "prod_basic",
		Name:      "Basic",
		Group:     "main",
		BaseModel: base,
	}
	_, err = stores.ProductRepo.Create(ctx, s.testData.basic)
	s.NoError(err)
	_, err = stores.PriceRepo.Create(ctx, &price.Price{
		ID:                "price_basic",
		ProductID:         s.testData.basic.ID,
		Amount:            decimal.NewFromInt(10),
		Currency:          "usd",
		Interval:          types.BillingIntervalMonth,
		PriceType:         types.PriceTypeFixed,
		ProcessorPriceRef: "proc_basic",
		BaseModel:         base,
	})
	s.NoError(err)

	s.testData.pro = &product.Product{
		ID:        "prod_pro",
		Name:      "Pro",
		Group:     "main",
		BaseModel: base,
	}
	_, err = stores.ProductRepo.Create(ctx, s.testData.pro)
	s.NoError(err)
	_, err = stores.PriceRepo.Create(ctx, &price.Price{
		ID:                "price_pro",
		ProductID:         s.testData.pro.ID,
		Amount:            decimal.NewFromInt(50),
		Currency:          "usd",
		Interval:          types.BillingIntervalMonth,
		PriceType:         types.PriceTypeFixed,
		ProcessorPriceRef: "proc_pro",
		BaseModel:         base,
	})
	s.NoError(err)
	_, err = stores.EntitlementRepo.Create(ctx, &entitlement.Entitlement{
		ID:            "entl_pro_api",
		ProductID:     s.testData.pro.ID,
		FeatureID:     "feat_api_calls",
		AllowanceType: types.AllowanceTypeFixed,
		Allowance:     decimal.NewFromInt(100),
		Interval:      types.BillingIntervalMonth,
		BaseModel:     base,
	})
	s.NoError(err)
}

// setupSubscription installs a processor subscription mid-period with the
// basic product's price on it.
func (s *AttachServiceSuite) setupSubscription() *processor.Subscription {
	now := time.Now().UTC()
	sub := &processor.Subscription{
		ID:          "sub_1",
		CustomerRef: s.testData.customer.ProcessorCustomerRef,
		Status:      "active",
		PeriodStart: now.AddDate(0, 0, -15),
		PeriodEnd:   now.AddDate(0, 0, 15),
		Items: []processor.SubscriptionItem{
			{ID: "si_basic", PriceRef: "proc_basic", Quantity: 1},
		},
	}
	s.GetProcessor().SetSubscription(sub)
	return sub
}

// attachBasic binds the basic product directly, simulating an earlier attach.
func (s *AttachServiceSuite) attachBasic(subscriptionIDs []string) *cusproduct.CustomerProduct {
	ctx := s.GetContext()
	cp := &cusproduct.CustomerProduct{
		ID:              "cusprod_basic",
		CustomerID:      s.testData.customer.ID,
		ProductID:       s.testData.basic.ID,
		ProductGroup:    "main",
		Status:          types.CusProductStatusActive,
		Quantity:        decimal.NewFromInt(1),
		StartedAt:       time.Now().UTC().AddDate(0, 0, -15),
		SubscriptionIDs: subscriptionIDs,
		BaseModel:       types.GetDefaultBaseModel(ctx),
	}
	created, err := s.GetStores().CusProductRepo.Create(ctx, cp)
	s.NoError(err)
	return created
}

func (s *AttachServiceSuite) TestAttachNew() {
	ctx := s.GetContext()
	stores := s.GetStores()

	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.pro.ID,
	})
	s.NoError(err)
	s.Equal(types.AttachBranchNew, resp.Branch)
	s.Equal(dto.AttachOutcomeAttached, resp.Outcome)
	s.NotEmpty(resp.CustomerProductID)

	created, err := stores.CusProductRepo.Get(ctx, resp.CustomerProductID)
	s.NoError(err)
	s.Equal(types.CusProductStatusActive, created.Status)

	rows, err := stores.BalanceRepo.ListByCustomerProductIDs(ctx, []string{created.ID})
	s.NoError(err)
	s.Len(rows, 1)
	s.True(rows[0].Balance.Equal(decimal.NewFromInt(100)))

	prices, err := stores.CusProductRepo.ListPrices(ctx, created.ID)
	s.NoError(err)
	s.Len(prices, 1)
}

func (s *AttachServiceSuite) TestAttachStartsTrial() {
	ctx := s.GetContext()
	stores := s.GetStores()

	trial := &product.Product{
		ID:        "prod_trial",
		Name:      "Trial Plan",
		Group:     "trials",
		TrialDays: 14,
		BaseModel: types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.ProductRepo.Create(ctx, trial)
	s.NoError(err)

	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  trial.ID,
	})
	s.NoError(err)

	created, err := stores.CusProductRepo.Get(ctx, resp.CustomerProductID)
	s.NoError(err)
	s.Equal(types.CusProductStatusTrialing, created.Status)
	s.NotNil(created.TrialEndsAt)
	s.True(created.TrialEndsAt.After(time.Now().UTC().AddDate(0, 0, 13)))
}

func (s *AttachServiceSuite) TestAttachUpgrade() {
	ctx := s.GetContext()
	stores := s.GetStores()
	s.setupSubscription()
	old := s.attachBasic([]string{"sub_1"})

	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.pro.ID,
	})
	s.NoError(err)
	s.Equal(types.AttachBranchUpgrade, resp.Branch)
	s.Equal(dto.AttachOutcomeAttached, resp.Outcome)

	expired, err := stores.CusProductRepo.Get(ctx, old.ID)
	s.NoError(err)
	s.Equal(types.CusProductStatusExpired, expired.Status)
	s.NotNil(expired.EndedAt)

	created, err := stores.CusProductRepo.Get(ctx, resp.CustomerProductID)
	s.NoError(err)
	s.Equal(s.testData.pro.ID, created.ProductID)
	s.Equal([]string{"sub_1"}, created.SubscriptionIDs)

	// The processor got the item diff: the pro price added, the basic price
	// removed.
	proc := s.GetProcessor()
	s.Len(proc.ItemUpdates, 1)
	var sawAdd, sawDelete bool
	for _, c := range proc.ItemUpdates[0].Items {
		if c.PriceRef == "proc_pro" && !c.Deleted {
			sawAdd = true
		}
		if c.ItemID == "si_basic" && c.Deleted {
			sawDelete = true
		}
	}
	s.True(sawAdd)
	s.True(sawDelete)

	// Mid-period replacement produces a proration credit and charge.
	s.NotEmpty(proc.InvoiceItems)
}

func (s *AttachServiceSuite) TestAttachDowngrade() {
	ctx := s.GetContext()
	stores := s.GetStores()
	s.setupSubscription()

	// Current product is pro; basic is the cheaper target.
	current := &cusproduct.CustomerProduct{
		ID:              "cusprod_pro",
		CustomerID:      s.testData.customer.ID,
		ProductID:       s.testData.pro.ID,
		ProductGroup:    "main",
		Status:          types.CusProductStatusActive,
		Quantity:        decimal.NewFromInt(1),
		StartedAt:       time.Now().UTC().AddDate(0, 0, -15),
		SubscriptionIDs: []string{"sub_1"},
		BaseModel:       types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.CusProductRepo.Create(ctx, current)
	s.NoError(err)

	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.basic.ID,
	})
	s.NoError(err)
	s.Equal(types.AttachBranchDowngrade, resp.Branch)
	s.Equal(dto.AttachOutcomeScheduled, resp.Outcome)
	s.NotEmpty(resp.ScheduleID)

	scheduled, err := stores.CusProductRepo.Get(ctx, resp.CustomerProductID)
	s.NoError(err)
	s.Equal(types.CusProductStatusScheduled, scheduled.Status)
	s.Equal([]string{resp.ScheduleID}, scheduled.ScheduledIDs)

	s.Len(s.GetProcessor().Schedules, 1)

	// Requesting the same downgrade again is a no-op pointing at the
	// existing schedule.
	again, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.basic.ID,
	})
	s.NoError(err)
	s.Equal(dto.AttachOutcomeNoOp, again.Outcome)
	s.Equal(resp.ScheduleID, again.ScheduleID)
	s.Len(s.GetProcessor().Schedules, 1)
}

func (s *AttachServiceSuite) TestAttachConflictingDowngradeRejected() {
	ctx := s.GetContext()
	stores := s.GetStores()
	s.setupSubscription()

	third := &product.Product{
		ID:        "prod_lite",
		Name:      "Lite",
		Group:     "main",
		BaseModel: types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.ProductRepo.Create(ctx, third)
	s.NoError(err)
	_, err = stores.PriceRepo.Create(ctx, &price.Price{
		ID:                "price_lite",
		ProductID:         third.ID,
		Amount:            decimal.NewFromInt(5),
		Currency:          "usd",
		Interval:          types.BillingIntervalMonth,
		PriceType:         types.PriceTypeFixed,
		ProcessorPriceRef: "proc_lite",
		BaseModel:         types.GetDefaultBaseModel(ctx),
	})
	s.NoError(err)

	current := &cusproduct.CustomerProduct{
		ID:              "cusprod_pro",
		CustomerID:      s.testData.customer.ID,
		ProductID:       s.testData.pro.ID,
		ProductGroup:    "main",
		Status:          types.CusProductStatusActive,
		Quantity:        decimal.NewFromInt(1),
		StartedAt:       time.Now().UTC().AddDate(0, 0, -15),
		SubscriptionIDs: []string{"sub_1"},
		BaseModel:       types.GetDefaultBaseModel(ctx),
	}
	_, err = stores.CusProductRepo.Create(ctx, current)
	s.NoError(err)

	_, err = s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.basic.ID,
	})
	s.NoError(err)

	// A second, different downgrade must be rejected while one is pending.
	_, err = s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  third.ID,
	})
	s.Error(err)
	s.True(ierr.IsAlreadyScheduled(err))
}

func (s *AttachServiceSuite) TestAttachRenewsCanceled() {
	ctx := s.GetContext()
	stores := s.GetStores()
	s.setupSubscription()

	canceled := time.Now().UTC().Add(-time.Hour)
	current := s.attachBasic([]string{"sub_1"})
	current.CanceledAt = &canceled
	_, err := stores.CusProductRepo.Update(ctx, current)
	s.NoError(err)

	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.basic.ID,
	})
	s.NoError(err)
	s.Equal(types.AttachBranchRenew, resp.Branch)
	s.Equal(dto.AttachOutcomeRenewed, resp.Outcome)

	fresh, err := stores.CusProductRepo.Get(ctx, current.ID)
	s.NoError(err)
	s.Nil(fresh.CanceledAt)
	s.Equal([]string{"sub_1"}, s.GetProcessor().Uncanceled)
}

func (s *AttachServiceSuite) TestAttachRenewDropsScheduledChange() {
	ctx := s.GetContext()
	stores := s.GetStores()
	s.setupSubscription()

	current := &cusproduct.CustomerProduct{
		ID:              "cusprod_pro",
		CustomerID:      s.testData.customer.ID,
		ProductID:       s.testData.pro.ID,
		ProductGroup:    "main",
		Status:          types.CusProductStatusActive,
		Quantity:        decimal.NewFromInt(1),
		StartedAt:       time.Now().UTC().AddDate(0, 0, -15),
		SubscriptionIDs: []string{"sub_1"},
		BaseModel:       types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.CusProductRepo.Create(ctx, current)
	s.NoError(err)

	downgrade, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.basic.ID,
	})
	s.NoError(err)
	s.Equal(dto.AttachOutcomeScheduled, downgrade.Outcome)

	// Re-attaching the current product keeps it and drops the pending
	// downgrade.
	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.pro.ID,
	})
	s.NoError(err)
	s.Equal(types.AttachBranchRenew, resp.Branch)
	s.Equal(dto.AttachOutcomeRenewed, resp.Outcome)

	_, err = stores.CusProductRepo.Get(ctx, downgrade.CustomerProductID)
	s.Error(err)
	s.True(ierr.IsNotFound(err))

	fresh, err := stores.CusProductRepo.Get(ctx, current.ID)
	s.NoError(err)
	s.Empty(fresh.ScheduledIDs)
	s.Contains(s.GetProcessor().Released, downgrade.ScheduleID)
}

func (s *AttachServiceSuite) TestAttachEqualCostSchedulesChange() {
	ctx := s.GetContext()
	stores := s.GetStores()
	s.setupSubscription()
	s.attachBasic([]string{"sub_1"})

	// Same standard cost as basic; a sidegrade waits for the period boundary
	// like a downgrade does.
	alt := &product.Product{
		ID:        "prod_alt",
		Name:      "Alt",
		Group:     "main",
		BaseModel: types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.ProductRepo.Create(ctx, alt)
	s.NoError(err)
	_, err = stores.PriceRepo.Create(ctx, &price.Price{
		ID:                "price_alt",
		ProductID:         alt.ID,
		Amount:            decimal.NewFromInt(10),
		Currency:          "usd",
		Interval:          types.BillingIntervalMonth,
		PriceType:         types.PriceTypeFixed,
		ProcessorPriceRef: "proc_alt",
		BaseModel:         types.GetDefaultBaseModel(ctx),
	})
	s.NoError(err)

	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  alt.ID,
	})
	s.NoError(err)
	s.Equal(types.AttachBranchDowngrade, resp.Branch)
	s.Equal(dto.AttachOutcomeScheduled, resp.Outcome)
}

func (s *AttachServiceSuite) TestAttachFractionalQuantityRejected() {
	quantity := decimal.NewFromFloat(2.5)
	_, err := s.service.Attach(s.GetContext(), dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.pro.ID,
		Quantity:   &quantity,
	})
	s.Error(err)
	s.True(ierr.IsValidation(err))
}

func (s *AttachServiceSuite) TestAttachRejectsConflictingCurrentBindings() {
	ctx := s.GetContext()
	stores := s.GetStores()
	s.attachBasic(nil)

	// A second current binding in the same group is corrupted state; the
	// attach must surface it instead of silently picking one.
	dup := &cusproduct.CustomerProduct{
		ID:           "cusprod_dup",
		CustomerID:   s.testData.customer.ID,
		ProductID:    s.testData.pro.ID,
		ProductGroup: "main",
		Status:       types.CusProductStatusActive,
		Quantity:     decimal.NewFromInt(1),
		StartedAt:    time.Now().UTC(),
		BaseModel:    types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.CusProductRepo.Create(ctx, dup)
	s.NoError(err)

	_, err = s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.pro.ID,
	})
	s.Error(err)
	s.ErrorContains(err, "multiple products found in one group")
}

func (s *AttachServiceSuite) TestAttachSameProductIsNoOp() {
	ctx := s.GetContext()
	s.attachBasic(nil)

	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.basic.ID,
	})
	s.NoError(err)
	s.Equal(types.AttachBranchRenew, resp.Branch)
	s.Equal(dto.AttachOutcomeNoOp, resp.Outcome)
}

func (s *AttachServiceSuite) TestAttachGuardBusy() {
	ctx := s.GetContext()

	// Another request already holds the customer/group guard.
	_, err := s.GetGuard().Acquire(ctx, lock.Key(ctx, s.testData.customer.ID, "main"), time.Minute)
	s.NoError(err)

	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.pro.ID,
	})
	s.NoError(err)
	s.Equal(dto.AttachOutcomeBusy, resp.Outcome)
}

func (s *AttachServiceSuite) TestAttachPaymentFailureRollsBack() {
	ctx := s.GetContext()
	stores := s.GetStores()
	s.setupSubscription()
	old := s.attachBasic([]string{"sub_1"})
	s.GetProcessor().PaymentStatus = processor.PaymentStatusFailed

	_, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  s.testData.pro.ID,
	})
	s.Error(err)
	s.True(ierr.IsPaymentRequired(err))

	// Every local mutation rolled back: the old binding is still active and
	// no replacement binding survives.
	fresh, err := stores.CusProductRepo.Get(ctx, old.ID)
	s.NoError(err)
	s.Equal(types.CusProductStatusActive, fresh.Status)
	s.Nil(fresh.EndedAt)

	bindings, err := stores.CusProductRepo.ListByCustomer(ctx, s.testData.customer.ID, nil)
	s.NoError(err)
	s.Len(bindings, 1)
}

func (s *AttachServiceSuite) TestAttachUnknownProduct() {
	_, err := s.service.Attach(s.GetContext(), dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductID:  "prod_missing",
	})
	s.Error(err)
	s.True(ierr.IsNotFound(err))
}

func (s *AttachServiceSuite) TestAttachBatchRejectsGroupClash() {
	_, err := s.service.Attach(s.GetContext(), dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductIDs: []string{s.testData.basic.ID, s.testData.pro.ID},
	})
	s.Error(err)
	s.True(ierr.IsValidation(err))
}

func (s *AttachServiceSuite) TestAttachBatchAcrossGroups() {
	ctx := s.GetContext()
	stores := s.GetStores()

	addon := &product.Product{
		ID:        "prod_addon",
		Name:      "Addon",
		Group:     "addons",
		IsAddOn:   true,
		BaseModel: types.GetDefaultBaseModel(ctx),
	}
	_, err := stores.ProductRepo.Create(ctx, addon)
	s.NoError(err)

	resp, err := s.service.Attach(ctx, dto.AttachRequest{
		CustomerID: s.testData.customer.ID,
		ProductIDs: []string{s.testData.pro.ID, addon.ID},
	})
	s.NoError(err)
	s.Equal(types.AttachBranchMultiProduct, resp.Branch)
	s.Equal(dto.AttachOutcomeAttached, resp.Outcome)

	bindings, err := stores.CusProductRepo.ListByCustomer(ctx, s.testData.customer.ID, nil)
	s.NoError(err)
	s.Len(bindings, 2)
}
