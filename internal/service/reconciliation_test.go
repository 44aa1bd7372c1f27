package service

import (
	"testing"
	"time"

	"github.com/meterline/meterline/internal/domain/customer"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/entitlement"
	"github.com/meterline/meterline/internal/domain/price"
	"github.com/meterline/meterline/internal/domain/product"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type ReconciliationServiceSuite struct {
	testutil.BaseServiceTestSuite
	service  ReconciliationService
	testData struct {
		customer    *customer.Customer
		paidProduct *product.Product
		freeProduct *product.Product
		binding     *cusproduct.CustomerProduct
	}
}

func TestReconciliationService(t *testing.T) {
	suite.Run(t, new(ReconciliationServiceSuite))
}

func (s *ReconciliationServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()

	params := testServiceParams(&s.BaseServiceTestSuite)
	planner := NewPlannerService(params)
	ledger := NewLedgerService(params)
	scheduler := NewSchedulerService(params, planner, ledger)
	s.service = NewReconciliationService(params, scheduler, ledger, planner)

	s.setupTestData()
}

func (s *ReconciliationServiceSuite) setupTestData() {
	ctx := s.GetContext()
	stores := s.GetStores()
	base := types.GetDefaultBaseModel(ctx)
	now := time.Now().UTC()

	s.testData.customer = &customer.Customer{
		ID:                   "cus_rec_1",
		Name:                 "Reconciliation Customer",
		ProcessorCustomerRef: "proc_cus_rec",
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
		ID:                "price_paid",
		ProductID:         s.testData.paidProduct.ID,
		Amount:            decimal.NewFromInt(25),
		Currency:          "usd",
		Interval:          types.BillingIntervalMonth,
		PriceType:         types.PriceTypeFixed,
		ProcessorPriceRef: "proc_paid",
		BaseModel:         base,
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
		ID:            "entl_free",
		ProductID:     s.testData.freeProduct.ID,
		FeatureID:     "feat_basic",
		AllowanceType: types.AllowanceTypeFixed,
		Allowance:     decimal.NewFromInt(5),
		Interval:      types.BillingIntervalMonth,
		BaseModel:     base,
	})
	s.NoError(err)

	s.testData.binding = &cusproduct.CustomerProduct{
		ID:              "cusprod_rec",
		CustomerID:      s.testData.customer.ID,
		ProductID:       s.testData.paidProduct.ID,
		ProductGroup:    "main",
		Status:          types.CusProductStatusActive,
		Quantity:        decimal.NewFromInt(1),
		StartedAt:       now.AddDate(0, 0, -10),
		SubscriptionIDs: []string{"sub_rec"},
		BaseModel:       base,
	}
	_, err = stores.CusProductRepo.Create(ctx, s.testData.binding)
	s.NoError(err)

	s.GetProcessor().SetSubscription(&processor.Subscription{
		ID:          "sub_rec",
		CustomerRef: s.testData.customer.ProcessorCustomerRef,
		Status:      "active",
		PeriodStart: now.AddDate(0, 0, -10),
		PeriodEnd:   now.AddDate(0, 0, 20),
		Items: []processor.SubscriptionItem{
			{ID: "si_paid", PriceRef: "proc_paid", Quantity: 1},
		},
	})
}

func (s *ReconciliationServiceSuite) bindingStatus() types.CusProductStatus {
	binding, err := s.GetStores().CusProductRepo.Get(s.GetContext(), s.testData.binding.ID)
	s.NoError(err)
	return binding.Status
}

func (s *ReconciliationServiceSuite) TestHandleRejectsInvalidEvent() {
	err := s.service.Handle(s.GetContext(), types.ProcessorEvent{Type: types.ProcessorEventSubscriptionUpdated})
	s.Error(err)
	s.True(ierr.IsValidation(err))
}

func (s *ReconciliationServiceSuite) TestUnknownEventTypeIgnored() {
	err := s.service.Handle(s.GetContext(), types.ProcessorEvent{
		ID:   "evt_unknown",
		Type: "customer.created",
	})
	s.NoError(err)
	s.Equal(types.CusProductStatusActive, s.bindingStatus())
}

func (s *ReconciliationServiceSuite) TestPaymentFailedAndRecovery() {
	ctx := s.GetContext()

	err := s.service.Handle(ctx, types.ProcessorEvent{
		ID:             "evt_fail_1",
		Type:           types.ProcessorEventInvoicePaymentFailed,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)
	s.Equal(types.CusProductStatusPastDue, s.bindingStatus())

	err = s.service.Handle(ctx, types.ProcessorEvent{
		ID:             "evt_ok_1",
		Type:           types.ProcessorEventInvoicePaymentSucceeded,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)
	s.Equal(types.CusProductStatusActive, s.bindingStatus())
}

func (s *ReconciliationServiceSuite) TestPaymentSucceededLeavesActiveAlone() {
	err := s.service.Handle(s.GetContext(), types.ProcessorEvent{
		ID:             "evt_ok_2",
		Type:           types.ProcessorEventInvoicePaymentSucceeded,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)
	s.Equal(types.CusProductStatusActive, s.bindingStatus())
}

func (s *ReconciliationServiceSuite) TestDuplicateEventSkipped() {
	ctx := s.GetContext()
	stores := s.GetStores()

	event := types.ProcessorEvent{
		ID:             "evt_dup",
		Type:           types.ProcessorEventInvoicePaymentFailed,
		SubscriptionID: "sub_rec",
	}
	s.NoError(s.service.Handle(ctx, event))
	s.Equal(types.CusProductStatusPastDue, s.bindingStatus())

	binding, err := stores.CusProductRepo.Get(ctx, s.testData.binding.ID)
	s.NoError(err)
	binding.Status = types.CusProductStatusActive
	_, err = stores.CusProductRepo.Update(ctx, binding)
	s.NoError(err)

	// The redelivered event is remembered and does nothing.
	s.NoError(s.service.Handle(ctx, event))
	s.Equal(types.CusProductStatusActive, s.bindingStatus())
}

func (s *ReconciliationServiceSuite) TestSubscriptionUpdatedSyncsCancelFlag() {
	ctx := s.GetContext()
	stores := s.GetStores()
	proc := s.GetProcessor()

	sub, err := proc.RetrieveSubscription(ctx, "sub_rec")
	s.NoError(err)
	sub.CancelAtPeriodEnd = true
	proc.SetSubscription(sub)

	err = s.service.Handle(ctx, types.ProcessorEvent{
		ID:             "evt_upd_1",
		Type:           types.ProcessorEventSubscriptionUpdated,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)

	binding, err := stores.CusProductRepo.Get(ctx, s.testData.binding.ID)
	s.NoError(err)
	s.NotNil(binding.CanceledAt)

	// The customer resumed on the processor side.
	sub.CancelAtPeriodEnd = false
	proc.SetSubscription(sub)

	err = s.service.Handle(ctx, types.ProcessorEvent{
		ID:             "evt_upd_2",
		Type:           types.ProcessorEventSubscriptionUpdated,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)

	binding, err = stores.CusProductRepo.Get(ctx, s.testData.binding.ID)
	s.NoError(err)
	s.Nil(binding.CanceledAt)
}

func (s *ReconciliationServiceSuite) TestSubscriptionUpdatedMapsStatus() {
	ctx := s.GetContext()
	proc := s.GetProcessor()

	sub, err := proc.RetrieveSubscription(ctx, "sub_rec")
	s.NoError(err)
	sub.Status = "past_due"
	proc.SetSubscription(sub)

	err = s.service.Handle(ctx, types.ProcessorEvent{
		ID:             "evt_upd_3",
		Type:           types.ProcessorEventSubscriptionUpdated,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)
	s.Equal(types.CusProductStatusPastDue, s.bindingStatus())
}

func (s *ReconciliationServiceSuite) TestTrialingBindingKeepsTrialing() {
	ctx := s.GetContext()
	stores := s.GetStores()
	proc := s.GetProcessor()

	s.testData.binding.Status = types.CusProductStatusTrialing
	_, err := stores.CusProductRepo.Update(ctx, s.testData.binding)
	s.NoError(err)

	sub, err := proc.RetrieveSubscription(ctx, "sub_rec")
	s.NoError(err)
	sub.Status = "past_due"
	proc.SetSubscription(sub)

	err = s.service.Handle(ctx, types.ProcessorEvent{
		ID:             "evt_upd_4",
		Type:           types.ProcessorEventSubscriptionUpdated,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)
	s.Equal(types.CusProductStatusTrialing, s.bindingStatus())

	// A processor-side activation ends the trial.
	sub.Status = "active"
	proc.SetSubscription(sub)

	err = s.service.Handle(ctx, types.ProcessorEvent{
		ID:             "evt_upd_5",
		Type:           types.ProcessorEventSubscriptionUpdated,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)
	s.Equal(types.CusProductStatusActive, s.bindingStatus())
}

func (s *ReconciliationServiceSuite) TestSubscriptionGoneExpiresBinding() {
	ctx := s.GetContext()
	stores := s.GetStores()

	s.GetProcessor().RemoveSubscription("sub_rec")

	err := s.service.Handle(ctx, types.ProcessorEvent{
		ID:             "evt_gone",
		Type:           types.ProcessorEventSubscriptionUpdated,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)

	binding, err := stores.CusProductRepo.Get(ctx, s.testData.binding.ID)
	s.NoError(err)
	s.Equal(types.CusProductStatusExpired, binding.Status)
	s.NotNil(binding.EndedAt)
	s.NotNil(binding.CanceledAt)

	// The customer lands on the group's default product.
	current, err := stores.CusProductRepo.GetCurrentInGroup(ctx, s.testData.customer.ID, "", "main")
	s.NoError(err)
	s.NotNil(current)
	s.Equal(s.testData.freeProduct.ID, current.ProductID)
}

func (s *ReconciliationServiceSuite) TestCanceledSubscriptionExpiresBinding() {
	ctx := s.GetContext()
	proc := s.GetProcessor()

	sub, err := proc.RetrieveSubscription(ctx, "sub_rec")
	s.NoError(err)
	sub.Status = "canceled"
	proc.SetSubscription(sub)

	err = s.service.Handle(ctx, types.ProcessorEvent{
		ID:             "evt_canceled",
		Type:           types.ProcessorEventSubscriptionUpdated,
		SubscriptionID: "sub_rec",
	})
	s.NoError(err)
	s.Equal(types.CusProductStatusExpired, s.bindingStatus())
}

func (s *ReconciliationServiceSuite) TestSchedulePhaseCompletedPromotes() {
	ctx := s.GetContext()
	stores := s.GetStores()
	base := types.GetDefaultBaseModel(ctx)

	scheduled := &cusproduct.CustomerProduct{
		ID:           "cusprod_rec_next",
		CustomerID:   s.testData.customer.ID,
		ProductID:    s.testData.freeProduct.ID,
		ProductGroup: "main",
		Status:       types.CusProductStatusScheduled,
		Quantity:     decimal.NewFromInt(1),
		StartedAt:    time.Now().UTC().AddDate(0, 0, 20),
		ScheduledIDs: []string{"sched_rec"},
		BaseModel:    base,
	}
	_, err := stores.CusProductRepo.Create(ctx, scheduled)
	s.NoError(err)

	s.testData.binding.ScheduledIDs = []string{"sched_rec"}
	_, err = stores.CusProductRepo.Update(ctx, s.testData.binding)
	s.NoError(err)

	err = s.service.Handle(ctx, types.ProcessorEvent{
		ID:         "evt_phase",
		Type:       types.ProcessorEventSchedulePhaseCompleted,
		ScheduleID: "sched_rec",
	})
	s.NoError(err)

	s.Equal(types.CusProductStatusExpired, s.bindingStatus())

	promoted, err := stores.CusProductRepo.Get(ctx, scheduled.ID)
	s.NoError(err)
	s.Equal(types.CusProductStatusActive, promoted.Status)
	s.Equal([]string{"sub_rec"}, promoted.SubscriptionIDs)

	rows, err := stores.BalanceRepo.ListByCustomerProductIDs(ctx, []string{promoted.ID})
	s.NoError(err)
	s.Len(rows, 1)
	s.True(rows[0].Balance.Equal(decimal.NewFromInt(5)))
}

func (s *ReconciliationServiceSuite) TestEventForUnknownSubscription() {
	err := s.service.Handle(s.GetContext(), types.ProcessorEvent{
		ID:             "evt_orphan",
		Type:           types.ProcessorEventSubscriptionUpdated,
		SubscriptionID: "sub_unknown",
	})
	s.NoError(err)
}
