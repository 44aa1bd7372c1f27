package service

import (
	"context"
	"fmt"
	"time"

	"github.com/meterline/meterline/internal/api/dto"
	"github.com/meterline/meterline/internal/domain/balance"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/price"
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

func (s *attachService) UpdateQuantity(ctx context.Context, req dto.QuantityUpdateRequest) (*dto.AttachResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	target, err := s.ProductRepo.GetFull(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	guardScope := target.Group
	if target.IsAddOn {
		guardScope = target.ID
	}
	lease, err := s.Guard.Acquire(ctx, lock.Key(ctx, req.CustomerID, guardScope), s.Config.Guard.TTL)
	if err != nil {
		if ierr.IsBusy(err) {
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
	if current == nil || current.ProductID != req.ProductID {
		return nil, ierr.NewError("customer does not have this product").
			WithHint("Quantity can only be updated on an attached product").
			WithReportableDetails(map[string]any{
				"customer_id": req.CustomerID,
				"product_id":  req.ProductID,
			}).
			Mark(ierr.ErrNotFound)
	}

	return s.handleQuantityUpdate(ctx, current, currentProd, req.Quantity)
}

func (s *attachService) handleQuantityUpdate(ctx context.Context, current *cusproduct.CustomerProduct, currentProd *product.FullProduct, newQuantity decimal.Decimal) (*dto.AttachResponse, error) {
	delta := newQuantity.Sub(current.Quantity)
	if delta.IsZero() {
		return &dto.AttachResponse{
			Branch:            types.AttachBranchQuantityUpdate,
			Outcome:           dto.AttachOutcomeNoOp,
			CustomerProductID: current.ID,
		}, nil
	}

	now := time.Now().UTC()
	cust, err := s.CustomerRepo.Get(ctx, current.CustomerID)
	if err != nil {
		return nil, err
	}

	var sub *processor.Subscription
	if ref := current.PrimarySubscriptionID(); ref != "" {
		sub, err = s.Processor.RetrieveSubscription(ctx, ref)
		if err != nil {
			return nil, err
		}
	}

	invoiced := decimal.Zero
	err = s.DB.WithTx(ctx, func(txCtx context.Context) error {
		rows, txErr := s.BalanceRepo.ListByCustomerProductIDs(txCtx, []string{current.ID})
		if txErr != nil {
			return txErr
		}
		rowsByFeature := lo.SliceToMap(rows, func(r *balance.CustomerEntitlement) (string, *balance.CustomerEntitlement) {
			return r.FeatureID, r
		})

		var changes []processor.ItemChange
		var invoiceItems []processor.InvoiceItemParams

		for _, pr := range currentProd.Prices {
			bt := pr.BillingType()
			if bt != types.BillingTypePrepaid && bt != types.BillingTypeArrearProrated {
				continue
			}
			if !pr.Interval.IsRecurring() {
				continue
			}

			row := rowsByFeature[pr.FeatureID]
			currentBilled := current.Quantity.IntPart()
			var subItem *processor.SubscriptionItem
			if sub != nil {
				if it, ok := lo.Find(sub.Items, func(it processor.SubscriptionItem) bool {
					return it.PriceRef == pr.ProcessorPriceRef
				}); ok {
					subItem = &it
					currentBilled = it.Quantity
				}
			}

			if delta.IsPositive() {
				items, change, txErr := s.applyQuantityIncrease(txCtx, current, cust.TimezoneOrUTC(), sub, pr, row, subItem, currentBilled, delta, now)
				if txErr != nil {
					return txErr
				}
				invoiceItems = append(invoiceItems, items...)
				if change != nil {
					changes = append(changes, *change)
				}
			} else {
				items, change, txErr := s.applyQuantityDecrease(txCtx, current, cust.TimezoneOrUTC(), sub, pr, row, subItem, currentBilled, delta.Neg(), now)
				if txErr != nil {
					return txErr
				}
				invoiceItems = append(invoiceItems, items...)
				if change != nil {
					changes = append(changes, *change)
				}
			}

			// The grant tracks the actual quantity either way; replaceables
			// only keep the billed quantity from flapping.
			if row != nil && !row.Unlimited {
				if txErr := s.ledger.AdjustForQuantityChange(txCtx, row.ID, delta.Mul(pr.BillingUnits)); txErr != nil {
					return txErr
				}
			}
		}

		if sub != nil && (len(changes) > 0 || len(invoiceItems) > 0) {
			var txErr error
			invoiced, txErr = s.applyPlan(txCtx, current, sub.ID, &Plan{Changes: changes, InvoiceItems: invoiceItems})
			if txErr != nil {
				return txErr
			}
		}

		current.Quantity = newQuantity
		_, txErr = s.CusProductRepo.Update(txCtx, current)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	return &dto.AttachResponse{
		Branch:            types.AttachBranchQuantityUpdate,
		Outcome:           dto.AttachOutcomeUpdated,
		CustomerProductID: current.ID,
		InvoicedAmount:    invoiced,
	}, nil
}

// applyQuantityIncrease resumes paid-but-unused units first; only units
// beyond those are billed, per the price's on_increase policy.
func (s *attachService) applyQuantityIncrease(ctx context.Context, current *cusproduct.CustomerProduct, timezone string, sub *processor.Subscription, pr *price.Price, row *balance.CustomerEntitlement, subItem *processor.SubscriptionItem, currentBilled int64, increase decimal.Decimal, now time.Time) ([]processor.InvoiceItemParams, *processor.ItemChange, error) {
	billable := increase
	if row != nil && len(row.Replaceables) > 0 {
		consumed := int64(len(row.Replaceables))
		if c := increase.IntPart(); c < consumed {
			consumed = c
		}
		row.Replaceables = row.Replaceables[consumed:]
		if _, err := s.BalanceRepo.Update(ctx, row); err != nil {
			return nil, nil, err
		}
		billable = increase.Sub(decimal.NewFromInt(consumed))
	}

	if billable.LessThanOrEqual(decimal.Zero) || sub == nil {
		return nil, nil, nil
	}

	var items []processor.InvoiceItemParams
	switch pr.OnIncrease {
	case types.OnIncreaseNoCharge:
		// Units start free until the next renewal.
	case types.OnIncreaseBillImmediately:
		items = append(items, s.quantityInvoiceItem(current, sub, pr, pr.AmountForQuantity(billable),
			fmt.Sprintf("Charge for %s additional units", billable), now))
	default: // prorate_immediately
		result, err := s.Proration.Calculate(ctx, proration.Params{
			CustomerProductID:  current.ID,
			PlanPayInAdvance:   pr.BillingType() == types.BillingTypePrepaid,
			CurrentPeriodStart: sub.PeriodStart,
			CurrentPeriodEnd:   sub.PeriodEnd,
			Action:             types.ProrationActionAddItem,
			NewPriceID:         pr.ID,
			NewQuantity:        billable,
			NewPricePerUnit:    pr.PerUnitAmount(),
			ProrationDate:      now,
			Behavior:           types.ProrationBehaviorCreateInvoiceItems,
			Strategy:           types.StrategyDayBased,
			CustomerTimezone:   timezone,
		})
		if err != nil {
			return nil, nil, err
		}
		if result != nil {
			for _, line := range result.ChargeItems {
				items = append(items, s.quantityInvoiceItem(current, sub, pr, line.Amount, line.Description, now))
			}
		}
	}

	change := &processor.ItemChange{
		PriceRef: pr.ProcessorPriceRef,
		Quantity: currentBilled + billable.IntPart(),
	}
	if subItem != nil {
		change.ItemID = subItem.ID
	}
	return items, change, nil
}

// applyQuantityDecrease either credits the unused time immediately or parks
// the freed units as replaceables, keeping the billed quantity until the
// period boundary.
func (s *attachService) applyQuantityDecrease(ctx context.Context, current *cusproduct.CustomerProduct, timezone string, sub *processor.Subscription, pr *price.Price, row *balance.CustomerEntitlement, subItem *processor.SubscriptionItem, currentBilled int64, decrease decimal.Decimal, now time.Time) ([]processor.InvoiceItemParams, *processor.ItemChange, error) {
	if pr.OnDecrease == types.OnDecreaseNone {
		if row != nil {
			for i := int64(0); i < decrease.IntPart(); i++ {
				row.Replaceables = append(row.Replaceables, &balance.Replaceable{
					ID:        types.GenerateUUIDWithPrefix(types.UUIDPrefixReplaceable),
					CreatedAt: now,
				})
			}
			if _, err := s.BalanceRepo.Update(ctx, row); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	}

	// prorate_immediately
	var items []processor.InvoiceItemParams
	if sub != nil {
		newBilled := currentBilled - decrease.IntPart()
		if newBilled < 0 {
			newBilled = 0
		}
		params := proration.Params{
			CustomerProductID:  current.ID,
			PlanPayInAdvance:   pr.BillingType() == types.BillingTypePrepaid,
			CurrentPeriodStart: sub.PeriodStart,
			CurrentPeriodEnd:   sub.PeriodEnd,
			Action:             types.ProrationActionQuantityChange,
			OldPriceID:         pr.ID,
			NewPriceID:         pr.ID,
			OldQuantity:        decimal.NewFromInt(currentBilled),
			NewQuantity:        decimal.NewFromInt(newBilled),
			OldPricePerUnit:    pr.PerUnitAmount(),
			NewPricePerUnit:    pr.PerUnitAmount(),
			ProrationDate:      now,
			Behavior:           types.ProrationBehaviorCreateInvoiceItems,
			Strategy:           types.StrategyDayBased,
			CustomerTimezone:   timezone,
			OriginalAmountPaid: pr.PerUnitAmount().Mul(decimal.NewFromInt(currentBilled)),
		}
		if newBilled == 0 {
			// Dropping to zero is a removal, not a quantity change.
			params.Action = types.ProrationActionRemoveItem
			params.NewPriceID = ""
			params.NewQuantity = decimal.Zero
		}
		result, err := s.Proration.Calculate(ctx, params)
		if err != nil {
			return nil, nil, err
		}
		if result != nil {
			// Net the pair into a single adjustment line.
			if !result.NetAmount.IsZero() {
				items = append(items, s.quantityInvoiceItem(current, sub, pr, result.NetAmount,
					"Adjustment for reduced quantity", now))
			}
		}

		change := &processor.ItemChange{
			PriceRef: pr.ProcessorPriceRef,
			Quantity: newBilled,
		}
		if subItem != nil {
			change.ItemID = subItem.ID
		}
		return items, change, nil
	}

	return items, nil, nil
}

func (s *attachService) quantityInvoiceItem(current *cusproduct.CustomerProduct, sub *processor.Subscription, pr *price.Price, amount decimal.Decimal, description string, now time.Time) processor.InvoiceItemParams {
	item := processor.InvoiceItemParams{
		Amount:      amount,
		Currency:    pr.Currency,
		Description: description,
		Metadata:    types.Metadata{"price_id": pr.ID},
		IdempotencyKey: s.Idempotency.GenerateKey(idempotency.ScopeInvoiceItem, map[string]interface{}{
			"customer_product_id": current.ID,
			"price_id":            pr.ID,
			"change_at":           now.Unix(),
		}),
	}
	if sub != nil {
		item.CustomerRef = sub.CustomerRef
		item.PeriodStart = sub.PeriodStart
		item.PeriodEnd = sub.PeriodEnd
	}
	return item
}
