package service

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/domain/cusproduct"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/idempotency"
	"github.com/meterline/meterline/internal/types"
)

// processedEventTTL bounds how long an event id is remembered for
// deduplication. Processors retry webhooks for at most a few days.
const processedEventTTL = 72 * time.Hour

// ReconciliationService converges local state with the processor's view of
// a subscription. Every handler is idempotent: events can be redelivered,
// reordered or duplicated, and each handler re-derives state from a fresh
// processor read instead of trusting the event payload.
type ReconciliationService interface {
	Handle(ctx context.Context, event types.ProcessorEvent) error
}

type reconciliationService struct {
	ServiceParams
	scheduler SchedulerService
	ledger    LedgerService
	planner   PlannerService
}

func NewReconciliationService(params ServiceParams, scheduler SchedulerService, ledger LedgerService, planner PlannerService) ReconciliationService {
	return &reconciliationService{
		ServiceParams: params,
		scheduler:     scheduler,
		ledger:        ledger,
		planner:       planner,
	}
}

func (s *reconciliationService) Handle(ctx context.Context, event types.ProcessorEvent) error {
	if event.ID == "" || event.Type == "" {
		return ierr.NewError("invalid processor event").
			WithHint("Processor events require an id and a type").
			Mark(ierr.ErrValidation)
	}

	dedupKey := s.Idempotency.GenerateKey(idempotency.ScopeProcessorEvent, map[string]interface{}{
		"event_id": event.ID,
	})
	if _, seen := s.Cache.Get(ctx, dedupKey); seen {
		s.Logger.Debugw("skipping already processed event", "event_id", event.ID, "type", event.Type)
		return nil
	}

	var err error
	switch event.Type {
	case types.ProcessorEventSubscriptionUpdated:
		err = s.handleSubscriptionUpdated(ctx, event)
	case types.ProcessorEventInvoicePaymentFailed:
		err = s.handlePaymentFailed(ctx, event)
	case types.ProcessorEventInvoicePaymentSucceeded:
		err = s.handlePaymentSucceeded(ctx, event)
	case types.ProcessorEventSchedulePhaseCompleted:
		err = s.scheduler.PromoteScheduled(ctx, event.ScheduleID)
	default:
		s.Logger.Debugw("ignoring unhandled event type", "event_id", event.ID, "type", event.Type)
		return nil
	}
	if err != nil {
		return err
	}

	s.Cache.Set(ctx, dedupKey, true, processedEventTTL)
	return nil
}

// handleSubscriptionUpdated re-reads the subscription and converges every
// binding that references it: lifecycle status, the cancel-at-period-end
// marker, and full expiry when the subscription no longer exists or has
// been cancelled on the processor side.
func (s *reconciliationService) handleSubscriptionUpdated(ctx context.Context, event types.ProcessorEvent) error {
	bindings, err := s.CusProductRepo.GetBySubscriptionID(ctx, event.SubscriptionID)
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		s.Logger.Debugw("no bindings for subscription, ignoring", "subscription_id", event.SubscriptionID)
		return nil
	}

	sub, err := s.Processor.RetrieveSubscription(ctx, event.SubscriptionID)
	if err != nil {
		if ierr.IsNotFound(err) {
			return s.expireBindings(ctx, bindings)
		}
		return err
	}

	switch sub.Status {
	case "canceled", "incomplete_expired":
		return s.expireBindings(ctx, bindings)
	}

	for _, cp := range bindings {
		if !cp.IsCurrent() {
			continue
		}
		changed := false

		if sub.CancelAtPeriodEnd && cp.CanceledAt == nil {
			now := time.Now().UTC()
			cp.CanceledAt = &now
			changed = true
		}
		if !sub.CancelAtPeriodEnd && cp.CanceledAt != nil {
			cp.CanceledAt = nil
			changed = true
		}

		if target := statusForSubscription(sub.Status); target != "" && cp.Status != target {
			// Trial expiry on the processor side activates the binding;
			// local trialing state otherwise wins until its own clock runs
			// out.
			if cp.Status == types.CusProductStatusTrialing && target != types.CusProductStatusActive {
				target = cp.Status
			}
			if cp.Status != target {
				cp.Status = target
				changed = true
			}
		}

		if changed {
			if _, err := s.CusProductRepo.Update(ctx, cp); err != nil {
				return err
			}
			s.Logger.Infow("reconciled binding from subscription",
				"customer_product_id", cp.ID,
				"subscription_id", sub.ID,
				"status", cp.Status)
		}
	}
	return nil
}

// handlePaymentFailed moves bindings on the subscription to past_due.
// Entitlement access is left intact; only the lifecycle status changes.
func (s *reconciliationService) handlePaymentFailed(ctx context.Context, event types.ProcessorEvent) error {
	return s.transitionBySubscription(ctx, event.SubscriptionID, func(cp *cusproduct.CustomerProduct) bool {
		if cp.Status != types.CusProductStatusActive && cp.Status != types.CusProductStatusTrialing {
			return false
		}
		cp.Status = types.CusProductStatusPastDue
		return true
	})
}

// handlePaymentSucceeded recovers past_due bindings back to active.
func (s *reconciliationService) handlePaymentSucceeded(ctx context.Context, event types.ProcessorEvent) error {
	return s.transitionBySubscription(ctx, event.SubscriptionID, func(cp *cusproduct.CustomerProduct) bool {
		if cp.Status != types.CusProductStatusPastDue {
			return false
		}
		cp.Status = types.CusProductStatusActive
		return true
	})
}

func (s *reconciliationService) transitionBySubscription(ctx context.Context, subscriptionID string, transition func(*cusproduct.CustomerProduct) bool) error {
	if subscriptionID == "" {
		return nil
	}
	bindings, err := s.CusProductRepo.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	for _, cp := range bindings {
		if !transition(cp) {
			continue
		}
		if _, err := s.CusProductRepo.Update(ctx, cp); err != nil {
			return err
		}
		s.Logger.Infow("transitioned binding",
			"customer_product_id", cp.ID,
			"subscription_id", subscriptionID,
			"status", cp.Status)
	}
	return nil
}

// expireBindings ends every current binding on a dead subscription and falls
// each one back to its group's default product.
func (s *reconciliationService) expireBindings(ctx context.Context, bindings []*cusproduct.CustomerProduct) error {
	now := time.Now().UTC()
	for _, cp := range bindings {
		if !cp.IsCurrent() {
			continue
		}
		current := cp
		err := s.DB.WithTx(ctx, func(txCtx context.Context) error {
			if current.PrimaryScheduleID() != "" {
				if txErr := s.scheduler.CancelScheduled(txCtx, current); txErr != nil {
					return txErr
				}
			}
			current.Status = types.CusProductStatusExpired
			current.EndedAt = &now
			if current.CanceledAt == nil {
				current.CanceledAt = &now
			}
			if _, txErr := s.CusProductRepo.Update(txCtx, current); txErr != nil {
				return txErr
			}
			return attachDefaultProduct(txCtx, s.ServiceParams, s.ledger, current)
		})
		if err != nil {
			return err
		}
		s.Logger.Infow("expired binding for cancelled subscription",
			"customer_product_id", current.ID,
			"customer_id", current.CustomerID)
	}
	return nil
}

// statusForSubscription maps a processor subscription status onto the local
// lifecycle; empty means no opinion.
func statusForSubscription(status string) types.CusProductStatus {
	switch status {
	case "active":
		return types.CusProductStatusActive
	case "trialing":
		return types.CusProductStatusTrialing
	case "past_due", "unpaid", "incomplete":
		return types.CusProductStatusPastDue
	default:
		return ""
	}
}
