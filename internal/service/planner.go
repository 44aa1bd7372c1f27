package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/meterline/meterline/internal/domain/balance"
	"github.com/meterline/meterline/internal/domain/product"
	"github.com/meterline/meterline/internal/idempotency"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// TargetLine is one desired subscription line, derived from a product's
// prices at a given quantity.
type TargetLine struct {
	PriceID     string
	PriceRef    string
	Quantity    int64
	Interval    types.BillingInterval
	BillingType types.BillingType
}

// Plan is the full set of processor mutations an attach needs: an item diff
// for the subscription plus one-off invoice items. Planning is pure; the
// same inputs always produce the same plan, and applying a plan twice is a
// no-op because the diff is computed against the processor's current items.
type Plan struct {
	Changes      []processor.ItemChange
	InvoiceItems []processor.InvoiceItemParams
}

// IsEmpty reports whether the plan mutates anything.
func (p *Plan) IsEmpty() bool {
	return len(p.Changes) == 0 && len(p.InvoiceItems) == 0
}

// PlanParams are the inputs to a planning pass.
type PlanParams struct {
	CustomerRef string
	// CurrentItems is the processor subscription's current item list.
	CurrentItems []processor.SubscriptionItem
	// OwnedRefs are the processor price refs of the product being replaced;
	// only items with these refs may be deleted.
	OwnedRefs []string
	Target    *product.FullProduct
	Quantity  decimal.Decimal
	Now       time.Time
}

// PlannerService turns a target product into subscription line items and
// one-off charges, and diffs them against the processor's current state.
type PlannerService interface {
	Plan(ctx context.Context, params PlanParams) (*Plan, error)

	// DesiredLines computes the recurring lines and up-front one-off
	// charges for a product at a quantity.
	DesiredLines(prod *product.FullProduct, quantity decimal.Decimal) ([]TargetLine, []processor.InvoiceItemParams)

	// FinalUsageCharges prices the recorded usage of metered in-arrear
	// features when their binding is replaced or cancelled mid-period.
	FinalUsageCharges(ctx context.Context, customerRef string, prod *product.FullProduct, rows []*balance.CustomerEntitlement, periodStart, periodEnd time.Time) ([]processor.InvoiceItemParams, error)
}

type plannerService struct {
	ServiceParams
}

func NewPlannerService(params ServiceParams) PlannerService {
	return &plannerService{ServiceParams: params}
}

func (s *plannerService) Plan(ctx context.Context, params PlanParams) (*Plan, error) {
	desired, oneOffs := s.DesiredLines(params.Target, params.Quantity)
	for i := range oneOffs {
		oneOffs[i].CustomerRef = params.CustomerRef
	}

	return &Plan{
		Changes:      diffItems(params.CurrentItems, desired, params.OwnedRefs),
		InvoiceItems: oneOffs,
	}, nil
}

func (s *plannerService) DesiredLines(prod *product.FullProduct, quantity decimal.Decimal) ([]TargetLine, []processor.InvoiceItemParams) {
	var lines []TargetLine
	var oneOffs []processor.InvoiceItemParams

	for _, pr := range prod.Prices {
		billingType := pr.BillingType()

		// One-off prices never become recurring lines; they are folded
		// into invoice items charged once up front.
		if !pr.Interval.IsRecurring() {
			amount := pr.Amount
			if billingType != types.BillingTypeFixed {
				amount = pr.AmountForQuantity(quantity)
			}
			if amount.GreaterThan(decimal.Zero) {
				oneOffs = append(oneOffs, processor.InvoiceItemParams{
					Amount:      amount,
					Currency:    pr.Currency,
					Description: fmt.Sprintf("%s (one-off)", prod.Name),
					Metadata:    types.Metadata{"price_id": pr.ID},
					IdempotencyKey: s.Idempotency.GenerateKey(idempotency.ScopeInvoiceItem, map[string]interface{}{
						"price_id": pr.ID,
						"quantity": quantity.String(),
					}),
				})
			}
			continue
		}

		line := TargetLine{
			PriceID:     pr.ID,
			PriceRef:    pr.ProcessorPriceRef,
			Interval:    pr.Interval,
			BillingType: billingType,
		}

		switch billingType {
		case types.BillingTypeFixed:
			line.Quantity = 1
		case types.BillingTypePrepaid, types.BillingTypeArrearProrated:
			line.Quantity = quantity.IntPart()
		case types.BillingTypeMeteredArrear:
			// Metered usage is billed locally from the ledger at the
			// period boundary, never as a subscription line.
			continue
		}

		lines = append(lines, line)
	}

	// Interval groups ascending, stable within a group, so repeated plans
	// for the same product come out identical.
	sort.SliceStable(lines, func(i, j int) bool {
		if cmp := types.CompareBillingIntervals(lines[i].Interval, lines[j].Interval); cmp != 0 {
			return cmp < 0
		}
		return lines[i].PriceID < lines[j].PriceID
	})

	return lines, oneOffs
}

// diffItems computes the minimal item changes taking current to desired.
// Items whose price refs are not owned by the replaced product are left
// alone; they belong to other products on the same subscription.
func diffItems(current []processor.SubscriptionItem, desired []TargetLine, ownedRefs []string) []processor.ItemChange {
	currentByRef := lo.SliceToMap(current, func(it processor.SubscriptionItem) (string, processor.SubscriptionItem) {
		return it.PriceRef, it
	})
	desiredRefs := lo.SliceToMap(desired, func(l TargetLine) (string, struct{}) {
		return l.PriceRef, struct{}{}
	})

	var changes []processor.ItemChange
	for _, line := range desired {
		existing, ok := currentByRef[line.PriceRef]
		if !ok {
			changes = append(changes, processor.ItemChange{
				PriceRef: line.PriceRef,
				Quantity: line.Quantity,
			})
			continue
		}
		if existing.Quantity != line.Quantity {
			changes = append(changes, processor.ItemChange{
				ItemID:   existing.ID,
				PriceRef: line.PriceRef,
				Quantity: line.Quantity,
			})
		}
	}

	for _, ref := range ownedRefs {
		existing, ok := currentByRef[ref]
		if !ok {
			continue
		}
		if _, wanted := desiredRefs[ref]; wanted {
			continue
		}
		changes = append(changes, processor.ItemChange{
			ItemID:  existing.ID,
			Deleted: true,
		})
	}

	return changes
}

func (s *plannerService) FinalUsageCharges(ctx context.Context, customerRef string, prod *product.FullProduct, rows []*balance.CustomerEntitlement, periodStart, periodEnd time.Time) ([]processor.InvoiceItemParams, error) {
	now := time.Now().UTC()
	rowsByFeature := lo.SliceToMap(rows, func(r *balance.CustomerEntitlement) (string, *balance.CustomerEntitlement) {
		return r.FeatureID, r
	})

	var items []processor.InvoiceItemParams
	for _, pr := range prod.Prices {
		if pr.BillingType() != types.BillingTypeMeteredArrear {
			continue
		}
		row, ok := rowsByFeature[pr.FeatureID]
		if !ok || row.Unlimited {
			continue
		}

		usage := row.Usage(now)
		if usage.LessThanOrEqual(decimal.Zero) {
			continue
		}

		// Only usage past the free allowance is billable.
		ent, err := s.EntitlementRepo.Get(ctx, row.EntitlementID)
		if err != nil {
			return nil, err
		}
		billable := usage.Sub(ent.Allowance)
		if billable.LessThanOrEqual(decimal.Zero) {
			continue
		}

		steps := billable.Div(pr.BillingUnits).Ceil()
		amount := pr.AmountForQuantity(steps)
		if amount.LessThanOrEqual(decimal.Zero) {
			continue
		}

		items = append(items, processor.InvoiceItemParams{
			CustomerRef: customerRef,
			Amount:      amount,
			Currency:    pr.Currency,
			Description: fmt.Sprintf("Usage for %s", pr.FeatureID),
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			Metadata: types.Metadata{
				"price_id":                pr.ID,
				"customer_entitlement_id": row.ID,
			},
			IdempotencyKey: s.Idempotency.GenerateKey(idempotency.ScopeInvoiceItem, map[string]interface{}{
				"customer_entitlement_id": row.ID,
				"period_end":              periodEnd.Unix(),
				"price_id":                pr.ID,
			}),
		})
	}

	return items, nil
}
