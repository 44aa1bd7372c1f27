package service

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/product"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/idempotency"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// SchedulerService stages product changes at the period boundary and
// promotes them when the processor reports the phase transition.
type SchedulerService interface {
	// ScheduleChange creates a Scheduled binding for the target product and
	// a processor schedule switching the subscription to it at effectiveAt.
	ScheduleChange(ctx context.Context, current *cusproduct.CustomerProduct, target *product.FullProduct, quantity decimal.Decimal, effectiveAt time.Time) (*cusproduct.CustomerProduct, string, error)

	// PromoteScheduled makes the Scheduled binding behind a schedule
	// current: the old binding expires, balances are re-initialized, and
	// the schedule is released. Calling it again for the same schedule is
	// a no-op.
	PromoteScheduled(ctx context.Context, scheduleID string) error

	// CancelScheduled drops a pending scheduled change, releasing the
	// processor schedule.
	CancelScheduled(ctx context.Context, current *cusproduct.CustomerProduct) error
}

type schedulerService struct {
	ServiceParams
	planner PlannerService
	ledger  LedgerService
}

func NewSchedulerService(params ServiceParams, planner PlannerService, ledger LedgerService) SchedulerService {
	return &schedulerService{ServiceParams: params, planner: planner, ledger: ledger}
}

func (s *schedulerService) ScheduleChange(ctx context.Context, current *cusproduct.CustomerProduct, target *product.FullProduct, quantity decimal.Decimal, effectiveAt time.Time) (*cusproduct.CustomerProduct, string, error) {
	subscriptionRef := current.PrimarySubscriptionID()
	if subscriptionRef == "" {
		return nil, "", ierr.NewError("current product has no subscription").
			WithHint("Scheduled changes require an active processor subscription").
			WithReportableDetails(map[string]any{
				"customer_product_id": current.ID,
			}).
			Mark(ierr.ErrInvalidOperation)
	}

	lines, _ := s.planner.DesiredLines(target, quantity)
	phase := processor.SchedulePhase{
		StartDate: effectiveAt,
		Items: lo.Map(lines, func(l TargetLine, _ int) processor.PhaseItem {
			return processor.PhaseItem{PriceRef: l.PriceRef, Quantity: l.Quantity}
		}),
	}

	scheduleID, err := s.Processor.CreateSchedule(ctx, processor.ScheduleParams{
		SubscriptionRef: subscriptionRef,
		Phases:          []processor.SchedulePhase{phase},
		IdempotencyKey: s.Idempotency.GenerateKey(idempotency.ScopeSchedule, map[string]interface{}{
			"customer_product_id": current.ID,
			"target_product_id":   target.ID,
			"effective_at":        effectiveAt.Unix(),
		}),
	})
	if err != nil {
		return nil, "", err
	}

	var scheduled *cusproduct.CustomerProduct
	err = s.DB.WithTx(ctx, func(txCtx context.Context) error {
		scheduled = &cusproduct.CustomerProduct{
			ID:               types.GenerateUUIDWithPrefix(types.UUIDPrefixCustomerProduct),
			CustomerID:       current.CustomerID,
			ProductID:        target.ID,
			ProductGroup:     target.Group,
			InternalEntityID: current.InternalEntityID,
			Status:           types.CusProductStatusScheduled,
			Quantity:         quantity,
			StartedAt:        effectiveAt,
			ScheduledIDs:     []string{scheduleID},
			EnvironmentID:    current.EnvironmentID,
			BaseModel:        types.GetDefaultBaseModel(txCtx),
		}
		var txErr error
		scheduled, txErr = s.CusProductRepo.Create(txCtx, scheduled)
		if txErr != nil {
			return txErr
		}

		for _, pr := range target.Prices {
			if _, txErr = s.CusProductRepo.CreatePrice(txCtx, &cusproduct.CustomerPrice{
				ID:                types.GenerateUUIDWithPrefix(types.UUIDPrefixCustomerPrice),
				CustomerProductID: scheduled.ID,
				PriceID:           pr.ID,
				EnvironmentID:     scheduled.EnvironmentID,
				BaseModel:         types.GetDefaultBaseModel(txCtx),
			}); txErr != nil {
				return txErr
			}
		}

		current.ScheduledIDs = append(current.ScheduledIDs, scheduleID)
		_, txErr = s.CusProductRepo.Update(txCtx, current)
		return txErr
	})
	if err != nil {
		return nil, "", err
	}

	s.Logger.Infow("scheduled product change",
		"customer_id", current.CustomerID,
		"from_product", current.ProductID,
		"to_product", target.ID,
		"schedule_id", scheduleID,
		"effective_at", effectiveAt)

	return scheduled, scheduleID, nil
}

func (s *schedulerService) PromoteScheduled(ctx context.Context, scheduleID string) error {
	bindings, err := s.CusProductRepo.GetByScheduleID(ctx, scheduleID)
	if err != nil {
		return err
	}

	var current, scheduled *cusproduct.CustomerProduct
	for _, cp := range bindings {
		switch {
		case cp.Status == types.CusProductStatusScheduled:
			scheduled = cp
		case cp.IsCurrent():
			current = cp
		}
	}
	if scheduled == nil {
		// Already promoted by an earlier delivery of the same event.
		s.Logger.Debugw("no scheduled binding for schedule, skipping", "schedule_id", scheduleID)
		return nil
	}

	targetProd, err := s.ProductRepo.GetFull(ctx, scheduled.ProductID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	err = s.DB.WithTx(ctx, func(txCtx context.Context) error {
		if current != nil {
			rows, txErr := s.BalanceRepo.ListByCustomerProductIDs(txCtx, []string{current.ID})
			if txErr != nil {
				return txErr
			}

			// Final usage for the outgoing product is invoiced before its
			// ledger rows are replaced.
			oldProd, txErr := s.ProductRepo.GetFull(txCtx, current.ProductID)
			if txErr != nil {
				return txErr
			}
			cust, txErr := s.CustomerRepo.Get(txCtx, current.CustomerID)
			if txErr != nil {
				return txErr
			}
			charges, txErr := s.planner.FinalUsageCharges(txCtx, cust.ProcessorCustomerRef, oldProd, rows, current.StartedAt, now)
			if txErr != nil {
				return txErr
			}
			for _, item := range charges {
				if _, txErr = pushInvoiceItem(txCtx, s.ServiceParams, current, item); txErr != nil {
					return txErr
				}
			}

			ended := now
			current.Status = types.CusProductStatusExpired
			current.EndedAt = &ended
			current.ScheduledIDs = nil
			if _, txErr = s.CusProductRepo.Update(txCtx, current); txErr != nil {
				return txErr
			}

			scheduled.SubscriptionIDs = current.SubscriptionIDs

			if _, txErr = s.ledger.InitBalances(txCtx, scheduled, targetProd, scheduled.Quantity, rows); txErr != nil {
				return txErr
			}
		} else {
			if _, txErr := s.ledger.InitBalances(txCtx, scheduled, targetProd, scheduled.Quantity, nil); txErr != nil {
				return txErr
			}
		}

		scheduled.Status = types.CusProductStatusActive
		scheduled.StartedAt = now
		scheduled.ScheduledIDs = nil
		_, txErr := s.CusProductRepo.Update(txCtx, scheduled)
		return txErr
	})
	if err != nil {
		return err
	}

	if err := s.Processor.ReleaseSchedule(ctx, scheduleID); err != nil {
		// The phase already completed; a failed release leaves a spent
		// schedule behind, which is harmless.
		s.Logger.Warnw("failed to release completed schedule",
			"schedule_id", scheduleID,
			"error", err)
	}

	s.Logger.Infow("promoted scheduled product",
		"schedule_id", scheduleID,
		"customer_product_id", scheduled.ID,
		"product_id", scheduled.ProductID)

	return nil
}

func (s *schedulerService) CancelScheduled(ctx context.Context, current *cusproduct.CustomerProduct) error {
	scheduleID := current.PrimaryScheduleID()
	if scheduleID == "" {
		return nil
	}

	scheduled, err := s.CusProductRepo.GetScheduledInGroup(ctx, current.CustomerID, current.InternalEntityID, current.ProductGroup)
	if err != nil && !ierr.IsNotFound(err) {
		return err
	}

	err = s.DB.WithTx(ctx, func(txCtx context.Context) error {
		if scheduled != nil {
			if txErr := s.CusProductRepo.Delete(txCtx, scheduled.ID); txErr != nil {
				return txErr
			}
		}
		current.ScheduledIDs = nil
		_, txErr := s.CusProductRepo.Update(txCtx, current)
		return txErr
	})
	if err != nil {
		return err
	}

	return s.Processor.ReleaseSchedule(ctx, scheduleID)
}
