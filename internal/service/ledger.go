package service

import (
	"context"
	"sort"
	"time"

	"github.com/meterline/meterline/internal/domain/balance"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/product"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/idempotency"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// DeductRequest asks the ledger to consume feature units for a customer.
type DeductRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	FeatureID  string          `json:"feature_id" validate:"required"`
	EntityID   string          `json:"entity_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	// Capped deducts down to the overage limit instead of rejecting when
	// the full amount does not fit.
	Capped bool `json:"capped,omitempty"`
}

// DeductResponse reports what was consumed and the resulting balances.
type DeductResponse struct {
	Deducted decimal.Decimal `json:"deducted"`
	Balance  decimal.Decimal `json:"balance"`
	Deltas   []balance.Delta `json:"deltas,omitempty"`
}

// SetBalanceRequest sets the current balance of one ledger row. The granted
// balance moves with it so recorded usage stays untouched. The row is
// addressed either directly by its id or by customer and feature.
type SetBalanceRequest struct {
	CustomerEntitlementID string `json:"customer_entitlement_id,omitempty"`
	CustomerID            string `json:"customer_id,omitempty"`
	FeatureID             string `json:"feature_id,omitempty"`
	// EntityID targets a per-entity sub-balance when set.
	EntityID    string          `json:"entity_id,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
	NextResetAt *time.Time      `json:"next_reset_at,omitempty"`
}

func (r *SetBalanceRequest) Validate() error {
	if r.CustomerEntitlementID == "" && (r.CustomerID == "" || r.FeatureID == "") {
		return ierr.NewError("customer_entitlement_id or customer_id and feature_id are required").
			WithHint("Address the ledger row by its id or by customer and feature").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// BalanceResponse is the canonical view of one ledger row; granted and usage
// are derived, never read from storage.
type BalanceResponse struct {
	CustomerEntitlementID string          `json:"customer_entitlement_id"`
	FeatureID             string          `json:"feature_id"`
	Balance               decimal.Decimal `json:"balance"`
	GrantedBalance        decimal.Decimal `json:"granted_balance"`
	Usage                 decimal.Decimal `json:"usage"`
	Unlimited             bool            `json:"unlimited"`
	NextResetAt           *time.Time      `json:"next_reset_at,omitempty"`
}

// LedgerService owns all balance movements: deduction, manual sets,
// quantity adjustments and periodic resets.
type LedgerService interface {
	Deduct(ctx context.Context, req DeductRequest) (*DeductResponse, error)
	SetBalance(ctx context.Context, req SetBalanceRequest) (*BalanceResponse, error)
	GetBalances(ctx context.Context, customerID string) ([]*BalanceResponse, error)

	// InitBalances creates the ledger rows for a newly attached product,
	// optionally carrying usage over from the rows it replaces.
	InitBalances(ctx context.Context, cp *cusproduct.CustomerProduct, prod *product.FullProduct, quantity decimal.Decimal, replaced []*balance.CustomerEntitlement) ([]*balance.CustomerEntitlement, error)

	// AdjustForQuantityChange shifts a row's balance and grant together by
	// deltaUnits, preserving recorded usage.
	AdjustForQuantityChange(ctx context.Context, customerEntitlementID string, deltaUnits decimal.Decimal) error

	// Reset rolls one due row into its next period. Returns false when a
	// concurrent reset already advanced the anchor.
	Reset(ctx context.Context, row *balance.CustomerEntitlement, now time.Time) (bool, error)

	// ResetDue resets all rows whose anchor has passed, returning how many
	// were advanced.
	ResetDue(ctx context.Context, now time.Time, limit int) (int, error)
}

type ledgerService struct {
	ServiceParams
}

func NewLedgerService(params ServiceParams) LedgerService {
	return &ledgerService{ServiceParams: params}
}

// deductTarget is one ledger row eligible for a deduction, with the credit
// multiplier converting feature units into row units.
type deductTarget struct {
	row        *balance.CustomerEntitlement
	multiplier decimal.Decimal
}

func (s *ledgerService) Deduct(ctx context.Context, req DeductRequest) (*DeductResponse, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ierr.NewError("amount must be positive").
			WithHint("Deduction amounts must be greater than zero").
			WithReportableDetails(map[string]any{"amount": req.Amount}).
			Mark(ierr.ErrValidation)
	}

	now := time.Now().UTC()

	targets, err := s.resolveTargets(ctx, req.CustomerID, req.FeatureID)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ierr.NewError("no balance for feature").
			WithHint("The customer has no entitlement covering this feature").
			WithReportableDetails(map[string]any{
				"customer_id": req.CustomerID,
				"feature_id":  req.FeatureID,
			}).
			Mark(ierr.ErrNotFound)
	}

	rows := lo.Map(targets, func(t deductTarget, _ int) *balance.CustomerEntitlement { return t.row })
	before := balance.Take(now, rows)

	remaining := req.Amount
	err = s.DB.WithTx(ctx, func(txCtx context.Context) error {
		var txErr error
		remaining, txErr = s.runDeduction(txCtx, targets, req, remaining, now)
		if txErr != nil {
			return txErr
		}
		if remaining.GreaterThan(decimal.Zero) && !req.Capped {
			// Rolling back restores every partial deduction made above.
			return ierr.NewError("insufficient balance").
				WithHint("The customer does not have enough balance for this deduction").
				WithReportableDetails(map[string]any{
					"feature_id": req.FeatureID,
					"requested":  req.Amount,
					"short_by":   remaining,
				}).
				Mark(ierr.ErrInsufficientBalance)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fresh, err := s.refetch(ctx, rows)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, row := range fresh {
		total = total.Add(row.CurrentBalance(now))
	}

	return &DeductResponse{
		Deducted: req.Amount.Sub(remaining),
		Balance:  total,
		Deltas:   before.Diff(now, fresh),
	}, nil
}

// resolveTargets finds the ledger rows a deduction may draw from: the
// feature's own rows plus any credit-system rows whose schema covers it,
// restricted to current product bindings and ordered so soonest-expiring
// grants are consumed first.
func (s *ledgerService) resolveTargets(ctx context.Context, customerID, featureID string) ([]deductTarget, error) {
	features, err := s.FeatureRepo.List(ctx)
	if err != nil {
		return nil, err
	}

	multipliers := map[string]decimal.Decimal{featureID: decimal.NewFromInt(1)}
	for _, f := range features {
		if f.IsCreditSystemFor(featureID) {
			multipliers[f.ID] = f.CreditCost(featureID)
		}
	}

	bindings, err := s.CusProductRepo.ListByCustomer(ctx, customerID, types.CurrentCusProductStatuses)
	if err != nil {
		return nil, err
	}
	currentByID := lo.SliceToMap(bindings, func(cp *cusproduct.CustomerProduct) (string, *cusproduct.CustomerProduct) {
		return cp.ID, cp
	})

	rows, err := s.BalanceRepo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	targets := make([]deductTarget, 0, len(rows))
	for _, row := range rows {
		mult, ok := multipliers[row.FeatureID]
		if !ok {
			continue
		}
		if _, current := currentByID[row.CustomerProductID]; !current {
			continue
		}
		targets = append(targets, deductTarget{row: row, multiplier: mult})
	}

	// Soonest-expiring grants first; stable tie-break by id so concurrent
	// deductions lock rows in the same order.
	sort.Slice(targets, func(i, j int) bool {
		a, b := targets[i].row, targets[j].row
		switch {
		case a.NextResetAt == nil && b.NextResetAt == nil:
			return a.ID < b.ID
		case a.NextResetAt == nil:
			return false
		case b.NextResetAt == nil:
			return true
		case a.NextResetAt.Equal(*b.NextResetAt):
			return a.ID < b.ID
		default:
			return a.NextResetAt.Before(*b.NextResetAt)
		}
	})

	return targets, nil
}

// runDeduction walks the targets twice: first consuming rollovers and base
// balances down to zero, then drawing overage from rows that allow it.
// Every storage call is a single atomic statement.
func (s *ledgerService) runDeduction(ctx context.Context, targets []deductTarget, req DeductRequest, remaining decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	zero := decimal.Zero

	for _, t := range targets {
		if remaining.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, nil
		}
		if t.row.Unlimited {
			return decimal.Zero, nil
		}

		// Rollover buckets drain before the base allowance, oldest
		// expiry first so soon-to-expire units are not wasted.
		rollovers := append([]*balance.Rollover{}, t.row.Rollovers...)
		sort.Slice(rollovers, func(i, j int) bool {
			a, b := rollovers[i], rollovers[j]
			switch {
			case a.ExpiresAt == nil && b.ExpiresAt == nil:
				return a.ID < b.ID
			case a.ExpiresAt == nil:
				return false
			case b.ExpiresAt == nil:
				return true
			default:
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
		})

		for _, ro := range rollovers {
			if remaining.LessThanOrEqual(decimal.Zero) {
				return decimal.Zero, nil
			}
			if ro.ExpiresAt != nil && !now.Before(*ro.ExpiresAt) {
				continue
			}
			want := remaining.Mul(t.multiplier)
			taken, err := s.BalanceRepo.DeductRollover(ctx, t.row.ID, ro.ID, want)
			if err != nil {
				return remaining, err
			}
			remaining = remaining.Sub(taken.Div(t.multiplier))
		}

		if remaining.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, nil
		}

		result, err := s.BalanceRepo.Deduct(ctx, balance.DeductParams{
			CustomerEntitlementID: t.row.ID,
			EntityID:              req.EntityID,
			Amount:                remaining.Mul(t.multiplier),
			MinBalance:            &zero,
			Capped:                true,
		})
		if err != nil {
			return remaining, err
		}
		remaining = remaining.Sub(result.Deducted.Div(t.multiplier))
	}

	// Overage pass: only rows that allow usage beyond the grant, down to
	// their usage-limit floor.
	for _, t := range targets {
		if remaining.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, nil
		}
		if !t.row.UsageAllowed || t.row.Unlimited {
			continue
		}
		result, err := s.BalanceRepo.Deduct(ctx, balance.DeductParams{
			CustomerEntitlementID: t.row.ID,
			EntityID:              req.EntityID,
			Amount:                remaining.Mul(t.multiplier),
			MinBalance:            t.row.MinBalance(),
			Capped:                true,
		})
		if err != nil {
			return remaining, err
		}
		remaining = remaining.Sub(result.Deducted.Div(t.multiplier))
	}

	return remaining, nil
}

func (s *ledgerService) refetch(ctx context.Context, rows []*balance.CustomerEntitlement) ([]*balance.CustomerEntitlement, error) {
	fresh := make([]*balance.CustomerEntitlement, 0, len(rows))
	for _, row := range rows {
		updated, err := s.BalanceRepo.Get(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		fresh = append(fresh, updated)
	}
	return fresh, nil
}

func (s *ledgerService) SetBalance(ctx context.Context, req SetBalanceRequest) (*BalanceResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	row, err := s.resolveRow(ctx, req)
	if err != nil {
		return nil, err
	}
	if row.Unlimited {
		return nil, ierr.NewError("cannot set balance on unlimited entitlement").
			WithHint("Unlimited entitlements have no balance to set").
			Mark(ierr.ErrInvalidOperation)
	}

	now := time.Now().UTC()

	// Shift the grant with the balance so recorded usage is unchanged and
	// granted == current + usage keeps holding.
	if req.EntityID != "" && row.IsEntityScoped() {
		eb := row.Entities[req.EntityID]
		if eb == nil {
			eb = &balance.EntityBalance{}
			row.Entities[req.EntityID] = eb
		}
		delta := req.Balance.Sub(eb.Balance)
		eb.Balance = eb.Balance.Add(delta)
		eb.Adjustment = eb.Adjustment.Add(delta)
		row.Adjustment = row.Adjustment.Add(delta)
	} else {
		delta := req.Balance.Sub(row.CurrentBalance(now))
		row.Balance = row.Balance.Add(delta)
		row.Adjustment = row.Adjustment.Add(delta)
	}

	if req.NextResetAt != nil {
		at := req.NextResetAt.UTC()
		row.NextResetAt = &at
	}

	updated, err := s.BalanceRepo.Update(ctx, row)
	if err != nil {
		return nil, err
	}

	s.Logger.Infow("balance set",
		"customer_entitlement_id", row.ID,
		"balance", req.Balance)

	return toBalanceResponse(updated, now), nil
}

// resolveRow addresses the ledger row either by id or by customer and
// feature, restricted to current product bindings.
func (s *ledgerService) resolveRow(ctx context.Context, req SetBalanceRequest) (*balance.CustomerEntitlement, error) {
	if req.CustomerEntitlementID != "" {
		return s.BalanceRepo.Get(ctx, req.CustomerEntitlementID)
	}

	bindings, err := s.CusProductRepo.ListByCustomer(ctx, req.CustomerID, types.CurrentCusProductStatuses)
	if err != nil {
		return nil, err
	}
	currentIDs := lo.Map(bindings, func(cp *cusproduct.CustomerProduct, _ int) string { return cp.ID })

	rows, err := s.BalanceRepo.ListByCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	matches := lo.Filter(rows, func(row *balance.CustomerEntitlement, _ int) bool {
		return row.FeatureID == req.FeatureID && lo.Contains(currentIDs, row.CustomerProductID)
	})

	switch len(matches) {
	case 0:
		return nil, ierr.NewError("no balance for feature").
			WithHint("The customer has no entitlement covering this feature").
			WithReportableDetails(map[string]any{
				"customer_id": req.CustomerID,
				"feature_id":  req.FeatureID,
			}).
			Mark(ierr.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, ierr.NewError("feature is covered by multiple ledger rows").
			WithHint("Address the row by customer_entitlement_id").
			WithReportableDetails(map[string]any{
				"customer_id": req.CustomerID,
				"feature_id":  req.FeatureID,
			}).
			Mark(ierr.ErrValidation)
	}
}

func (s *ledgerService) GetBalances(ctx context.Context, customerID string) ([]*BalanceResponse, error) {
	rows, err := s.BalanceRepo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return lo.Map(rows, func(row *balance.CustomerEntitlement, _ int) *BalanceResponse {
		return toBalanceResponse(row, now)
	}), nil
}

func toBalanceResponse(row *balance.CustomerEntitlement, now time.Time) *BalanceResponse {
	return &BalanceResponse{
		CustomerEntitlementID: row.ID,
		FeatureID:             row.FeatureID,
		Balance:               row.CurrentBalance(now),
		GrantedBalance:        row.GrantedBalance(now),
		Usage:                 row.Usage(now),
		Unlimited:             row.Unlimited,
		NextResetAt:           row.NextResetAt,
	}
}

func (s *ledgerService) InitBalances(ctx context.Context, cp *cusproduct.CustomerProduct, prod *product.FullProduct, quantity decimal.Decimal, replaced []*balance.CustomerEntitlement) ([]*balance.CustomerEntitlement, error) {
	now := time.Now().UTC()
	replacedByFeature := lo.SliceToMap(replaced, func(r *balance.CustomerEntitlement) (string, *balance.CustomerEntitlement) {
		return r.FeatureID, r
	})

	rows := make([]*balance.CustomerEntitlement, 0, len(prod.Entitlements))
	for _, ent := range prod.Entitlements {
		row := &balance.CustomerEntitlement{
			ID:                types.GenerateUUIDWithPrefix(types.UUIDPrefixCustomerEntitlement),
			CustomerID:        cp.CustomerID,
			CustomerProductID: cp.ID,
			EntitlementID:     ent.ID,
			FeatureID:         ent.FeatureID,
			UsageAllowed:      ent.UsageAllowed,
			UsageLimit:        ent.UsageLimit,
			EnvironmentID:     cp.EnvironmentID,
			BaseModel:         types.GetDefaultBaseModel(ctx),
		}

		if ent.IsUnlimited() {
			row.Unlimited = true
			rows = append(rows, row)
			continue
		}

		starting := ent.Allowance
		if pr := prod.PriceForFeature(ent.FeatureID); pr != nil && pr.BillingType() == types.BillingTypePrepaid {
			starting = starting.Add(quantity.Mul(pr.BillingUnits))
		}
		row.StartingBalance = starting
		row.Balance = starting

		// Carry recorded usage from the rows this product replaces so an
		// upgrade does not restart the meter mid-period.
		if ent.CarryFromPrevious {
			if prev, ok := replacedByFeature[ent.FeatureID]; ok && !prev.Unlimited {
				row.Balance = starting.Sub(prev.Usage(now))
			}
		}

		if ent.Interval.IsRecurring() {
			next := ent.NextResetAt(now)
			row.NextResetAt = &next
		}

		if ent.EntityFeatureID != "" {
			row.Entities = map[string]*balance.EntityBalance{}
		}

		rows = append(rows, row)
	}

	return s.BalanceRepo.CreateBulk(ctx, rows)
}

func (s *ledgerService) AdjustForQuantityChange(ctx context.Context, customerEntitlementID string, deltaUnits decimal.Decimal) error {
	row, err := s.BalanceRepo.Get(ctx, customerEntitlementID)
	if err != nil {
		return err
	}
	row.Balance = row.Balance.Add(deltaUnits)
	row.StartingBalance = row.StartingBalance.Add(deltaUnits)
	_, err = s.BalanceRepo.Update(ctx, row)
	return err
}

func (s *ledgerService) Reset(ctx context.Context, row *balance.CustomerEntitlement, now time.Time) (bool, error) {
	if row.NextResetAt == nil || now.Before(*row.NextResetAt) {
		return false, nil
	}

	ent, err := s.EntitlementRepo.Get(ctx, row.EntitlementID)
	if err != nil {
		return false, err
	}

	// Surviving buckets keep their original expiry; a new bucket may be
	// added from the period's leftover balance.
	rollovers := lo.Filter(row.Rollovers, func(r *balance.Rollover, _ int) bool {
		return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
	})

	if ent.Rollover != nil && row.Balance.GreaterThan(decimal.Zero) {
		carried := row.Balance
		if ent.Rollover.Max != nil {
			live := decimal.Zero
			for _, r := range rollovers {
				live = live.Add(r.Balance)
			}
			headroom := ent.Rollover.Max.Sub(live)
			carried = decimal.Min(carried, decimal.Max(headroom, decimal.Zero))
		}
		if carried.GreaterThan(decimal.Zero) {
			expiry := *row.NextResetAt
			for i := 0; i < ent.Rollover.Duration; i++ {
				expiry = ent.NextResetAt(expiry)
			}
			rollovers = append(rollovers, &balance.Rollover{
				ID:        types.GenerateUUIDWithPrefix(types.UUIDPrefixRollover),
				Balance:   carried,
				ExpiresAt: &expiry,
			})
		}
	}

	// Advance from the stored anchor, not from now, so late workers do not
	// drift the reset boundary. Catch up if several periods were missed.
	next := ent.NextResetAt(*row.NextResetAt)
	for !next.After(now) {
		next = ent.NextResetAt(next)
	}

	newBalance := row.StartingBalance.Add(row.Adjustment)

	applied, err := s.BalanceRepo.AdvanceReset(ctx, row.ID, *row.NextResetAt, newBalance, next, rollovers)
	if err != nil {
		return false, err
	}
	if applied {
		if len(row.Replaceables) > 0 {
			// The parked units lapsed with the period; the subscription item
			// drops back to the quantity actually held.
			if syncErr := s.syncBilledQuantity(ctx, row); syncErr != nil {
				s.Logger.Warnw("failed to sync billed quantity after reset",
					"customer_entitlement_id", row.ID,
					"error", syncErr)
			}
		}
		s.Logger.Infow("balance reset",
			"customer_entitlement_id", row.ID,
			"new_balance", newBalance,
			"next_reset_at", next)
	}
	return applied, nil
}

// syncBilledQuantity pushes the binding's real quantity to the processor item
// that was kept inflated by replaceables during the period.
func (s *ledgerService) syncBilledQuantity(ctx context.Context, row *balance.CustomerEntitlement) error {
	cp, err := s.CusProductRepo.Get(ctx, row.CustomerProductID)
	if err != nil {
		return err
	}
	ref := cp.PrimarySubscriptionID()
	if ref == "" {
		return nil
	}

	prod, err := s.ProductRepo.GetFull(ctx, cp.ProductID)
	if err != nil {
		return err
	}
	pr := prod.PriceForFeature(row.FeatureID)
	if pr == nil || pr.ProcessorPriceRef == "" || !pr.Interval.IsRecurring() {
		return nil
	}

	sub, err := s.Processor.RetrieveSubscription(ctx, ref)
	if err != nil {
		return err
	}
	item, ok := lo.Find(sub.Items, func(it processor.SubscriptionItem) bool {
		return it.PriceRef == pr.ProcessorPriceRef
	})
	if !ok {
		return nil
	}

	want := cp.Quantity.IntPart()
	if item.Quantity == want {
		return nil
	}

	_, err = s.Processor.CreateOrUpdateSubscriptionItems(ctx, processor.UpdateItemsParams{
		SubscriptionRef: ref,
		Items: []processor.ItemChange{{
			ItemID:   item.ID,
			PriceRef: pr.ProcessorPriceRef,
			Quantity: want,
		}},
		IdempotencyKey: s.Idempotency.GenerateKey(idempotency.ScopeSubscriptionUpdate, map[string]interface{}{
			"customer_product_id": cp.ID,
			"feature_id":          row.FeatureID,
			"reset_at":            row.NextResetAt.Unix(),
		}),
	})
	return err
}

func (s *ledgerService) ResetDue(ctx context.Context, now time.Time, limit int) (int, error) {
	rows, err := s.BalanceRepo.ListDueForReset(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, row := range rows {
		ok, err := s.Reset(ctx, row, now)
		if err != nil {
			s.Logger.Errorw("failed to reset balance",
				"customer_entitlement_id", row.ID,
				"error", err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}
