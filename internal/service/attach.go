package service

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/api/dto"
	"github.com/meterline/meterline/internal/domain/balance"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/product"
	"github.com/meterline/meterline/internal/domain/proration"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/idempotency"
	"github.com/meterline/meterline/internal/lock"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// AttachService orchestrates product attachment: it classifies the request
// against the customer's current products and dispatches to the branch
// handlers. All mutations for one attach happen under a per-customer-group
// guard and a single transaction.
type AttachService interface {
	Attach(ctx context.Context, req dto.AttachRequest) (*dto.AttachResponse, error)
	UpdateQuantity(ctx context.Context, req dto.QuantityUpdateRequest) (*dto.AttachResponse, error)
	Cancel(ctx context.Context, req dto.CancelRequest) error
}

type attachService struct {
	ServiceParams
	planner   PlannerService
	ledger    LedgerService
	scheduler SchedulerService
}

func NewAttachService(params ServiceParams, planner PlannerService, ledger LedgerService, scheduler SchedulerService) AttachService {
	return &attachService{
		ServiceParams: params,
		planner:       planner,
		ledger:        ledger,
		scheduler:     scheduler,
	}
}

func (s *attachService) Attach(ctx context.Context, req dto.AttachRequest) (*dto.AttachResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	products, err := s.ProductRepo.ListFull(ctx, req.AllProductIDs())
	if err != nil {
		return nil, err
	}
	if len(products) != len(req.AllProductIDs()) {
		return nil, ierr.NewError("product not found").
			WithHint("One or more products do not exist").
			WithReportableDetails(map[string]any{"product_ids": req.AllProductIDs()}).
			Mark(ierr.ErrNotFound)
	}

	if len(products) > 1 {
		if err := validateBatch(products); err != nil {
			return nil, err
		}
		total := decimal.Zero
		for _, prod := range products {
			resp, err := s.attachOne(ctx, req, prod)
			if err != nil {
				return nil, err
			}
			total = total.Add(resp.InvoicedAmount)
		}
		return &dto.AttachResponse{
			Branch:         types.AttachBranchMultiProduct,
			Outcome:        dto.AttachOutcomeAttached,
			InvoicedAmount: total,
		}, nil
	}

	return s.attachOne(ctx, req, products[0])
}

// validateBatch enforces the batch attach rules: no duplicate products, at
// most one trial, and no two main products sharing a group.
func validateBatch(products []*product.FullProduct) error {
	seen := map[string]struct{}{}
	groups := map[string]string{}
	trials := 0

	for _, prod := range products {
		if _, dup := seen[prod.ID]; dup {
			return ierr.NewError("duplicate product in batch").
				WithHint("Each product may appear only once").
				WithReportableDetails(map[string]any{"product_id": prod.ID}).
				Mark(ierr.ErrValidation)
		}
		seen[prod.ID] = struct{}{}

		if prod.TrialDays > 0 {
			trials++
			if trials > 1 {
				return ierr.NewError("multiple trials in batch").
					WithHint("A batch may start at most one trial").
					Mark(ierr.ErrValidation)
			}
		}

		if prod.IsAddOn {
			continue
		}
		if other, clash := groups[prod.Group]; clash {
			return ierr.NewError("conflicting main products in batch").
				WithHint("Two main products cannot share a product group").
				WithReportableDetails(map[string]any{
					"group":       prod.Group,
					"product_ids": []string{other, prod.ID},
				}).
				Mark(ierr.ErrValidation)
		}
		groups[prod.Group] = prod.ID
	}
	return nil
}

func (s *attachService) attachOne(ctx context.Context, req dto.AttachRequest, target *product.FullProduct) (*dto.AttachResponse, error) {
	quantity := decimal.NewFromInt(1)
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	// Add-ons coexist freely, so their guard is per product rather than
	// per group.
	guardScope := target.Group
	if target.IsAddOn {
		guardScope = target.ID
	}
	lease, err := s.Guard.Acquire(ctx, lock.Key(ctx, req.CustomerID, guardScope), s.Config.Guard.TTL)
	if err != nil {
		if ierr.IsBusy(err) {
			s.Logger.Infow("attach skipped, guard busy",
				"customer_id", req.CustomerID,
				"product_id", target.ID)
			return &dto.AttachResponse{Outcome: dto.AttachOutcomeBusy}, nil
		}
		return nil, err
	}
	defer func() {
		if releaseErr := s.Guard.Release(ctx, lease); releaseErr != nil {
			s.Logger.Warnw("failed to release guard", "key", lease.Key, "error", releaseErr)
		}
	}()

	current, currentProd, err := s.findCurrent(ctx, req.CustomerID, req.EntityID, target)
	if err != nil {
		return nil, err
	}

	branch := classify(current, currentProd, target, quantity)
	s.Logger.Infow("classified attach",
		"customer_id", req.CustomerID,
		"product_id", target.ID,
		"branch", branch)

	switch branch {
	case types.AttachBranchNew:
		return s.handleNew(ctx, req, target, quantity, current)
	case types.AttachBranchUpgrade:
		return s.handleUpgrade(ctx, req, current, currentProd, target, quantity)
	case types.AttachBranchDowngrade:
		return s.handleDowngrade(ctx, req, current, target, quantity)
	case types.AttachBranchRenew:
		return s.handleRenew(ctx, current)
	case types.AttachBranchQuantityUpdate:
		return s.handleQuantityUpdate(ctx, current, currentProd, quantity)
	default:
		return nil, ierr.NewError("unhandled attach branch").
			WithReportableDetails(map[string]any{"branch": branch}).
			Mark(ierr.ErrSystem)
	}
}

// findCurrent locates the binding the attach competes with: the same product
// for add-ons, the group's current main product otherwise.
func (s *attachService) findCurrent(ctx context.Context, customerID, entityID string, target *product.FullProduct) (*cusproduct.CustomerProduct, *product.FullProduct, error) {
	var current *cusproduct.CustomerProduct
	var err error

	if target.IsAddOn {
		bindings, listErr := s.CusProductRepo.ListByCustomer(ctx, customerID, types.CurrentCusProductStatuses)
		if listErr != nil {
			return nil, nil, listErr
		}
		current, _ = lo.Find(bindings, func(cp *cusproduct.CustomerProduct) bool {
			return cp.ProductID == target.ID && cp.InternalEntityID == entityID
		})
	} else {
		current, err = s.CusProductRepo.GetCurrentInGroup(ctx, customerID, entityID, target.Group)
		if err != nil && !ierr.IsNotFound(err) {
			return nil, nil, err
		}
	}

	if current == nil {
		return nil, nil, nil
	}

	currentProd, err := s.ProductRepo.GetFull(ctx, current.ProductID)
	if err != nil {
		return nil, nil, err
	}
	return current, currentProd, nil
}

// classify decides the attach branch. A free current product does not block
// a paid attach; it is replaced as if nothing was there.
func classify(current *cusproduct.CustomerProduct, currentProd, target *product.FullProduct, quantity decimal.Decimal) types.AttachBranch {
	if current == nil {
		return types.AttachBranchNew
	}
	if current.ProductID == target.ID {
		if current.IsCanceled() {
			return types.AttachBranchRenew
		}
		if !quantity.Equal(current.Quantity) {
			return types.AttachBranchQuantityUpdate
		}
		return types.AttachBranchRenew
	}
	if currentProd.IsFree() {
		return types.AttachBranchNew
	}
	if target.StandardCost().GreaterThan(currentProd.StandardCost()) {
		return types.AttachBranchUpgrade
	}
	return types.AttachBranchDowngrade
}

func (s *attachService) handleNew(ctx context.Context, req dto.AttachRequest, target *product.FullProduct, quantity decimal.Decimal, replacing *cusproduct.CustomerProduct) (*dto.AttachResponse, error) {
	now := time.Now().UTC()
	invoiced := decimal.Zero
	var created *cusproduct.CustomerProduct

	err := s.DB.WithTx(ctx, func(txCtx context.Context) error {
		var replacedRows []*balance.CustomerEntitlement
		if replacing != nil {
			var txErr error
			replacedRows, txErr = s.BalanceRepo.ListByCustomerProductIDs(txCtx, []string{replacing.ID})
			if txErr != nil {
				return txErr
			}
			ended := now
			replacing.Status = types.CusProductStatusExpired
			replacing.EndedAt = &ended
			if _, txErr = s.CusProductRepo.Update(txCtx, replacing); txErr != nil {
				return txErr
			}
		}

		cp := &cusproduct.CustomerProduct{
			ID:               types.GenerateUUIDWithPrefix(types.UUIDPrefixCustomerProduct),
			CustomerID:       req.CustomerID,
			ProductID:        target.ID,
			ProductGroup:     target.Group,
			IsAddOn:          target.IsAddOn,
			InternalEntityID: req.EntityID,
			Status:           types.CusProductStatusActive,
			Quantity:         quantity,
			StartedAt:        now,
			EnvironmentID:    target.EnvironmentID,
			BaseModel:        types.GetDefaultBaseModel(txCtx),
		}
		if req.SubscriptionRef != "" {
			cp.SubscriptionIDs = []string{req.SubscriptionRef}
		}
		if target.TrialDays > 0 {
			cp.Status = types.CusProductStatusTrialing
			trialEnd := now.AddDate(0, 0, target.TrialDays)
			cp.TrialEndsAt = &trialEnd
		}

		var txErr error
		created, txErr = s.CusProductRepo.Create(txCtx, cp)
		if txErr != nil {
			return txErr
		}
		if txErr = createCustomerPrices(txCtx, s.ServiceParams, created, target); txErr != nil {
			return txErr
		}
		if _, txErr = s.ledger.InitBalances(txCtx, created, target, quantity, replacedRows); txErr != nil {
			return txErr
		}

		if req.SubscriptionRef == "" {
			return nil
		}

		sub, txErr := s.Processor.RetrieveSubscription(txCtx, req.SubscriptionRef)
		if txErr != nil {
			return txErr
		}
		plan, txErr := s.planner.Plan(txCtx, PlanParams{
			CustomerRef:  sub.CustomerRef,
			CurrentItems: sub.Items,
			Target:       target,
			Quantity:     quantity,
			Now:          now,
		})
		if txErr != nil {
			return txErr
		}

		invoiced, txErr = s.applyPlan(txCtx, created, req.SubscriptionRef, plan)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	return &dto.AttachResponse{
		Branch:            types.AttachBranchNew,
		Outcome:           dto.AttachOutcomeAttached,
		CustomerProductID: created.ID,
		InvoicedAmount:    invoiced,
	}, nil
}

func (s *attachService) handleUpgrade(ctx context.Context, req dto.AttachRequest, current *cusproduct.CustomerProduct, currentProd, target *product.FullProduct, quantity decimal.Decimal) (*dto.AttachResponse, error) {
	now := time.Now().UTC()
	subscriptionRef := current.PrimarySubscriptionID()
	if subscriptionRef == "" {
		subscriptionRef = req.SubscriptionRef
	}

	cust, err := s.CustomerRepo.Get(ctx, current.CustomerID)
	if err != nil {
		return nil, err
	}

	var sub *processor.Subscription
	if subscriptionRef != "" {
		sub, err = s.Processor.RetrieveSubscription(ctx, subscriptionRef)
		if err != nil {
			return nil, err
		}
	}

	invoiced := decimal.Zero
	var created *cusproduct.CustomerProduct

	err = s.DB.WithTx(ctx, func(txCtx context.Context) error {
		// A pending downgrade is dropped; the upgrade wins.
		if current.PrimaryScheduleID() != "" {
			if txErr := s.scheduler.CancelScheduled(txCtx, current); txErr != nil {
				return txErr
			}
		}

		oldRows, txErr := s.BalanceRepo.ListByCustomerProductIDs(txCtx, []string{current.ID})
		if txErr != nil {
			return txErr
		}

		ended := now
		current.Status = types.CusProductStatusExpired
		current.EndedAt = &ended
		if _, txErr = s.CusProductRepo.Update(txCtx, current); txErr != nil {
			return txErr
		}

		cp := &cusproduct.CustomerProduct{
			ID:               types.GenerateUUIDWithPrefix(types.UUIDPrefixCustomerProduct),
			CustomerID:       current.CustomerID,
			ProductID:        target.ID,
			ProductGroup:     target.Group,
			InternalEntityID: current.InternalEntityID,
			Status:           types.CusProductStatusActive,
			Quantity:         quantity,
			StartedAt:        now,
			SubscriptionIDs:  current.SubscriptionIDs,
			EnvironmentID:    target.EnvironmentID,
			BaseModel:        types.GetDefaultBaseModel(txCtx),
		}
		if len(cp.SubscriptionIDs) == 0 && subscriptionRef != "" {
			cp.SubscriptionIDs = []string{subscriptionRef}
		}
		created, txErr = s.CusProductRepo.Create(txCtx, cp)
		if txErr != nil {
			return txErr
		}
		if txErr = createCustomerPrices(txCtx, s.ServiceParams, created, target); txErr != nil {
			return txErr
		}
		if _, txErr = s.ledger.InitBalances(txCtx, created, target, quantity, oldRows); txErr != nil {
			return txErr
		}

		if sub == nil {
			return nil
		}

		plan, txErr := s.planner.Plan(txCtx, PlanParams{
			CustomerRef:  sub.CustomerRef,
			CurrentItems: sub.Items,
			OwnedRefs:    processorRefs(currentProd),
			Target:       target,
			Quantity:     quantity,
			Now:          now,
		})
		if txErr != nil {
			return txErr
		}

		// Proration for the in-advance portion: credit unused time on the
		// old product, charge the remaining time on the new one.
		prorationItems, txErr := s.prorationInvoiceItems(txCtx, req.Behavior, cust.TimezoneOrUTC(), sub, current, currentProd, target, quantity, now)
		if txErr != nil {
			return txErr
		}
		plan.InvoiceItems = append(plan.InvoiceItems, prorationItems...)

		// Metered usage accrued on the old product is billed now; its
		// ledger rows are gone after this transaction.
		finalUsage, txErr := s.planner.FinalUsageCharges(txCtx, cust.ProcessorCustomerRef, currentProd, oldRows, sub.PeriodStart, now)
		if txErr != nil {
			return txErr
		}
		plan.InvoiceItems = append(plan.InvoiceItems, finalUsage...)

		invoiced, txErr = s.applyPlan(txCtx, created, subscriptionRef, plan)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	return &dto.AttachResponse{
		Branch:            types.AttachBranchUpgrade,
		Outcome:           dto.AttachOutcomeAttached,
		CustomerProductID: created.ID,
		InvoicedAmount:    invoiced,
	}, nil
}

func (s *attachService) handleDowngrade(ctx context.Context, req dto.AttachRequest, current *cusproduct.CustomerProduct, target *product.FullProduct, quantity decimal.Decimal) (*dto.AttachResponse, error) {
	scheduled, err := s.CusProductRepo.GetScheduledInGroup(ctx, current.CustomerID, current.InternalEntityID, current.ProductGroup)
	if err != nil && !ierr.IsNotFound(err) {
		return nil, err
	}
	if scheduled != nil {
		if scheduled.ProductID == target.ID {
			return &dto.AttachResponse{
				Branch:            types.AttachBranchDowngrade,
				Outcome:           dto.AttachOutcomeNoOp,
				CustomerProductID: scheduled.ID,
				ScheduleID:        scheduled.PrimaryScheduleID(),
			}, nil
		}
		return nil, ierr.NewError("a different product change is already scheduled").
			WithHint("Cancel the pending change before scheduling another").
			WithReportableDetails(map[string]any{
				"scheduled_product_id": scheduled.ProductID,
				"requested_product_id": target.ID,
			}).
			Mark(ierr.ErrAlreadyScheduled)
	}

	sub, err := s.Processor.RetrieveSubscription(ctx, current.PrimarySubscriptionID())
	if err != nil {
		return nil, err
	}

	created, scheduleID, err := s.scheduler.ScheduleChange(ctx, current, target, quantity, sub.PeriodEnd)
	if err != nil {
		return nil, err
	}

	return &dto.AttachResponse{
		Branch:            types.AttachBranchDowngrade,
		Outcome:           dto.AttachOutcomeScheduled,
		CustomerProductID: created.ID,
		ScheduleID:        scheduleID,
	}, nil
}

func (s *attachService) handleRenew(ctx context.Context, current *cusproduct.CustomerProduct) (*dto.AttachResponse, error) {
	if !current.IsCanceled() {
		// Re-attaching the current product while a different change is
		// pending keeps the product and drops the pending change.
		if current.PrimaryScheduleID() != "" {
			if err := s.scheduler.CancelScheduled(ctx, current); err != nil {
				return nil, err
			}
			s.Logger.Infow("dropped scheduled change on renew",
				"customer_id", current.CustomerID,
				"customer_product_id", current.ID)
			return &dto.AttachResponse{
				Branch:            types.AttachBranchRenew,
				Outcome:           dto.AttachOutcomeRenewed,
				CustomerProductID: current.ID,
			}, nil
		}
		return &dto.AttachResponse{
			Branch:            types.AttachBranchRenew,
			Outcome:           dto.AttachOutcomeNoOp,
			CustomerProductID: current.ID,
		}, nil
	}

	err := s.DB.WithTx(ctx, func(txCtx context.Context) error {
		if current.PrimaryScheduleID() != "" {
			if txErr := s.scheduler.CancelScheduled(txCtx, current); txErr != nil {
				return txErr
			}
		}
		current.Uncancel()
		_, txErr := s.CusProductRepo.Update(txCtx, current)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	if ref := current.PrimarySubscriptionID(); ref != "" {
		if err := s.Processor.UncancelSubscription(ctx, ref); err != nil {
			return nil, err
		}
	}

	s.Logger.Infow("renewed canceled product",
		"customer_id", current.CustomerID,
		"customer_product_id", current.ID)

	return &dto.AttachResponse{
		Branch:            types.AttachBranchRenew,
		Outcome:           dto.AttachOutcomeRenewed,
		CustomerProductID: current.ID,
	}, nil
}

// createCustomerPrices links the binding to every price of the product.
func createCustomerPrices(ctx context.Context, deps ServiceParams, cp *cusproduct.CustomerProduct, prod *product.FullProduct) error {
	for _, pr := range prod.Prices {
		if _, err := deps.CusProductRepo.CreatePrice(ctx, &cusproduct.CustomerPrice{
			ID:                types.GenerateUUIDWithPrefix(types.UUIDPrefixCustomerPrice),
			CustomerProductID: cp.ID,
			PriceID:           pr.ID,
			EnvironmentID:     cp.EnvironmentID,
			BaseModel:         types.GetDefaultBaseModel(ctx),
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyPlan pushes a plan to the processor. A failed or action-required
// payment aborts with ErrPaymentRequired so the surrounding transaction
// rolls every local change back.
func (s *attachService) applyPlan(ctx context.Context, cp *cusproduct.CustomerProduct, subscriptionRef string, plan *Plan) (decimal.Decimal, error) {
	invoiced := decimal.Zero

	if len(plan.Changes) > 0 {
		result, err := s.Processor.CreateOrUpdateSubscriptionItems(ctx, processor.UpdateItemsParams{
			SubscriptionRef: subscriptionRef,
			Items:           plan.Changes,
			IdempotencyKey: s.Idempotency.GenerateKey(idempotency.ScopeSubscriptionUpdate, map[string]interface{}{
				"customer_product_id": cp.ID,
			}),
		})
		if err != nil {
			return invoiced, err
		}
		if result.PaymentStatus != processor.PaymentStatusSucceeded {
			return invoiced, ierr.NewError("payment did not succeed").
				WithHint("The processor could not collect payment for this change").
				WithReportableDetails(map[string]any{
					"payment_status":      result.PaymentStatus,
					"required_action_url": result.RequiredActionURL,
				}).
				Mark(ierr.ErrPaymentRequired)
		}
	}

	for _, item := range plan.InvoiceItems {
		amount, err := pushInvoiceItem(ctx, s.ServiceParams, cp, item)
		if err != nil {
			return invoiced, err
		}
		invoiced = invoiced.Add(amount)
	}

	return invoiced, nil
}

// prorationInvoiceItems computes the credit/charge pair for replacing the
// in-advance portion of the current product mid-period.
func (s *attachService) prorationInvoiceItems(ctx context.Context, behavior types.ProrationBehavior, timezone string, sub *processor.Subscription, current *cusproduct.CustomerProduct, currentProd, target *product.FullProduct, quantity decimal.Decimal, now time.Time) ([]processor.InvoiceItemParams, error) {
	if behavior == "" {
		behavior = types.ProrationBehaviorCreateInvoiceItems
	}

	oldAmount, oldPriceID := inAdvanceTotal(currentProd, current.Quantity)
	newAmount, newPriceID := inAdvanceTotal(target, quantity)
	if oldAmount.IsZero() && newAmount.IsZero() {
		return nil, nil
	}

	result, err := s.Proration.Calculate(ctx, proration.Params{
		CustomerProductID:  current.ID,
		PlanPayInAdvance:   true,
		CurrentPeriodStart: sub.PeriodStart,
		CurrentPeriodEnd:   sub.PeriodEnd,
		Action:             types.ProrationActionUpgrade,
		OldPriceID:         oldPriceID,
		NewPriceID:         newPriceID,
		OldQuantity:        decimal.NewFromInt(1),
		NewQuantity:        decimal.NewFromInt(1),
		OldPricePerUnit:    oldAmount,
		NewPricePerUnit:    newAmount,
		ProrationDate:      now,
		Behavior:           behavior,
		Strategy:           types.StrategyDayBased,
		CustomerTimezone:   timezone,
		OriginalAmountPaid: oldAmount,
	})
	if err != nil || result == nil {
		return nil, err
	}

	currency := currencyOf(currentProd, target)
	var items []processor.InvoiceItemParams
	for _, line := range append(result.CreditItems, result.ChargeItems...) {
		items = append(items, processor.InvoiceItemParams{
			CustomerRef: sub.CustomerRef,
			Amount:      line.Amount,
			Currency:    currency,
			Description: line.Description,
			PeriodStart: line.StartDate,
			PeriodEnd:   line.EndDate,
			Metadata:    types.Metadata{"price_id": line.PriceID},
			IdempotencyKey: s.Idempotency.GenerateKey(idempotency.ScopeInvoiceItem, map[string]interface{}{
				"customer_product_id": current.ID,
				"price_id":            line.PriceID,
				"is_credit":           line.IsCredit,
				"proration_date":      now.Unix(),
			}),
		})
	}
	return items, nil
}

// inAdvanceTotal sums a product's up-front recurring amounts at a quantity
// and returns a representative price id for proration line items.
func inAdvanceTotal(prod *product.FullProduct, quantity decimal.Decimal) (decimal.Decimal, string) {
	total := decimal.Zero
	priceID := ""
	for _, pr := range prod.Prices {
		if !pr.Interval.IsRecurring() {
			continue
		}
		switch pr.BillingType() {
		case types.BillingTypeFixed:
			total = total.Add(pr.Amount)
		case types.BillingTypePrepaid:
			total = total.Add(pr.AmountForQuantity(quantity))
		default:
			continue
		}
		if priceID == "" {
			priceID = pr.ID
		}
	}
	return total, priceID
}

func currencyOf(products ...*product.FullProduct) string {
	for _, prod := range products {
		for _, pr := range prod.Prices {
			if pr.Currency != "" {
				return pr.Currency
			}
		}
	}
	return "usd"
}

// processorRefs collects the external price refs a product owns.
func processorRefs(prod *product.FullProduct) []string {
	refs := make([]string, 0, len(prod.Prices))
	for _, pr := range prod.Prices {
		if pr.ProcessorPriceRef != "" {
			refs = append(refs, pr.ProcessorPriceRef)
		}
	}
	return refs
}
