package service

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/api/dto"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/proration"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/idempotency"
	"github.com/meterline/meterline/internal/lock"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

func (s *attachService) Cancel(ctx context.Context, req dto.CancelRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	current, err := s.CusProductRepo.Get(ctx, req.CustomerProductID)
	if err != nil {
		return err
	}
	if current.CustomerID != req.CustomerID {
		return ierr.NewError("product does not belong to customer").
			WithHint("The customer product id does not match the customer").
			Mark(ierr.ErrInvalidOperation)
	}
	if !current.IsCurrent() {
		return ierr.NewError("product is not active").
			WithHint("Only current products can be cancelled").
			WithReportableDetails(map[string]any{"status": current.Status}).
			Mark(ierr.ErrInvalidOperation)
	}

	lease, err := s.Guard.Acquire(ctx, lock.Key(ctx, current.CustomerID, current.ProductGroup), s.Config.Guard.TTL)
	if err != nil {
		if ierr.IsBusy(err) {
			// Another request already holds the customer/group guard; skip
			// instead of failing.
			s.Logger.Infow("cancel skipped, guard busy",
				"customer_id", current.CustomerID,
				"customer_product_id", current.ID)
			return nil
		}
		return err
	}
	defer func() {
		if releaseErr := s.Guard.Release(ctx, lease); releaseErr != nil {
			s.Logger.Warnw("failed to release guard", "key", lease.Key, "error", releaseErr)
		}
	}()

	if req.Immediate {
		return s.cancelImmediately(ctx, current)
	}
	return s.cancelAtPeriodEnd(ctx, current)
}

// cancelAtPeriodEnd marks the binding and lets the processor run the period
// out; reconciliation expires it when the subscription actually ends.
func (s *attachService) cancelAtPeriodEnd(ctx context.Context, current *cusproduct.CustomerProduct) error {
	now := time.Now().UTC()

	err := s.DB.WithTx(ctx, func(txCtx context.Context) error {
		if current.PrimaryScheduleID() != "" {
			if txErr := s.scheduler.CancelScheduled(txCtx, current); txErr != nil {
				return txErr
			}
		}
		current.CanceledAt = &now
		_, txErr := s.CusProductRepo.Update(txCtx, current)
		return txErr
	})
	if err != nil {
		return err
	}

	if ref := current.PrimarySubscriptionID(); ref != "" {
		if err := s.Processor.CancelSubscription(ctx, ref, true); err != nil {
			return err
		}
	}

	s.Logger.Infow("cancelled product at period end",
		"customer_id", current.CustomerID,
		"customer_product_id", current.ID)
	return nil
}

// cancelImmediately expires the binding now: final usage is invoiced, unused
// in-advance time is credited, and the group's default free product (if any)
// takes its place.
func (s *attachService) cancelImmediately(ctx context.Context, current *cusproduct.CustomerProduct) error {
	now := time.Now().UTC()

	currentProd, err := s.ProductRepo.GetFull(ctx, current.ProductID)
	if err != nil {
		return err
	}
	cust, err := s.CustomerRepo.Get(ctx, current.CustomerID)
	if err != nil {
		return err
	}

	var sub *processor.Subscription
	if ref := current.PrimarySubscriptionID(); ref != "" {
		sub, err = s.Processor.RetrieveSubscription(ctx, ref)
		if err != nil {
			return err
		}
	}

	err = s.DB.WithTx(ctx, func(txCtx context.Context) error {
		if current.PrimaryScheduleID() != "" {
			if txErr := s.scheduler.CancelScheduled(txCtx, current); txErr != nil {
				return txErr
			}
		}

		rows, txErr := s.BalanceRepo.ListByCustomerProductIDs(txCtx, []string{current.ID})
		if txErr != nil {
			return txErr
		}

		if sub != nil {
			charges, txErr := s.planner.FinalUsageCharges(txCtx, cust.ProcessorCustomerRef, currentProd, rows, sub.PeriodStart, now)
			if txErr != nil {
				return txErr
			}

			// Credit the unused in-advance time back.
			if oldAmount, oldPriceID := inAdvanceTotal(currentProd, current.Quantity); oldAmount.GreaterThan(decimal.Zero) {
				result, calcErr := s.Proration.Calculate(txCtx, proration.Params{
					CustomerProductID:  current.ID,
					PlanPayInAdvance:   true,
					CurrentPeriodStart: sub.PeriodStart,
					CurrentPeriodEnd:   sub.PeriodEnd,
					Action:             types.ProrationActionCancellation,
					OldPriceID:         oldPriceID,
					OldQuantity:        decimal.NewFromInt(1),
					OldPricePerUnit:    oldAmount,
					ProrationDate:      now,
					Behavior:           types.ProrationBehaviorCreateInvoiceItems,
					Strategy:           types.StrategyDayBased,
					CustomerTimezone:   cust.TimezoneOrUTC(),
					OriginalAmountPaid: oldAmount,
				})
				if calcErr != nil {
					return calcErr
				}
				if result != nil {
					for _, line := range result.CreditItems {
						charges = append(charges, processor.InvoiceItemParams{
							CustomerRef: sub.CustomerRef,
							Amount:      line.Amount,
							Currency:    currencyOf(currentProd),
							Description: line.Description,
							PeriodStart: line.StartDate,
							PeriodEnd:   line.EndDate,
							Metadata:    types.Metadata{"price_id": line.PriceID},
							IdempotencyKey: s.Idempotency.GenerateKey(idempotency.ScopeInvoiceItem, map[string]interface{}{
								"customer_product_id": current.ID,
								"cancellation_at":     now.Unix(),
								"price_id":            line.PriceID,
							}),
						})
					}
				}
			}

			for _, item := range charges {
				if _, txErr := pushInvoiceItem(txCtx, s.ServiceParams, current, item); txErr != nil {
					return txErr
				}
			}
		}

		ended := now
		current.Status = types.CusProductStatusExpired
		current.CanceledAt = &now
		current.EndedAt = &ended
		if _, txErr = s.CusProductRepo.Update(txCtx, current); txErr != nil {
			return txErr
		}

		return attachDefaultProduct(txCtx, s.ServiceParams, s.ledger, current)
	})
	if err != nil {
		return err
	}

	if sub != nil {
		if err := s.Processor.CancelSubscription(ctx, sub.ID, false); err != nil {
			return err
		}
	}

	s.Logger.Infow("cancelled product immediately",
		"customer_id", current.CustomerID,
		"customer_product_id", current.ID)
	return nil
}

// attachDefaultProduct falls the customer back to the group's free default
// product, if the group has one. Shared by immediate cancellation and the
// reconciliation listener's handling of externally cancelled subscriptions.
func attachDefaultProduct(ctx context.Context, deps ServiceParams, ledger LedgerService, expired *cusproduct.CustomerProduct) error {
	if expired.IsAddOn {
		return nil
	}

	def, err := deps.ProductRepo.GetDefaultInGroup(ctx, expired.ProductGroup)
	if err != nil {
		if ierr.IsNotFound(err) {
			return nil
		}
		return err
	}
	if def == nil || def.ID == expired.ProductID {
		return nil
	}

	cp := &cusproduct.CustomerProduct{
		ID:               types.GenerateUUIDWithPrefix(types.UUIDPrefixCustomerProduct),
		CustomerID:       expired.CustomerID,
		ProductID:        def.ID,
		ProductGroup:     def.Group,
		InternalEntityID: expired.InternalEntityID,
		Status:           types.CusProductStatusActive,
		Quantity:         decimal.NewFromInt(1),
		StartedAt:        time.Now().UTC(),
		EnvironmentID:    def.EnvironmentID,
		BaseModel:        types.GetDefaultBaseModel(ctx),
	}
	created, err := deps.CusProductRepo.Create(ctx, cp)
	if err != nil {
		return err
	}
	if err := createCustomerPrices(ctx, deps, created, def); err != nil {
		return err
	}
	_, err = ledger.InitBalances(ctx, created, def, decimal.NewFromInt(1), nil)

	deps.Logger.Infow("attached default product after expiry",
		"customer_id", expired.CustomerID,
		"product_id", def.ID)
	return err
}
