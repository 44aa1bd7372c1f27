package processor

import (
	"context"
	"strings"
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
)

// StripeAdapter implements Adapter on top of the Stripe API.
type StripeAdapter struct {
	client *stripe.Client
	logger *logger.Logger
}

func NewStripeAdapter(secretKey string, log *logger.Logger) *StripeAdapter {
	return &StripeAdapter{
		client: stripe.NewClient(secretKey, nil),
		logger: log,
	}
}

func (a *StripeAdapter) RetrieveSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error) {
	params := &stripe.SubscriptionRetrieveParams{
		Expand: []*string{
			stripe.String("schedule"),
			stripe.String("latest_invoice"),
		},
	}

	sub, err := a.client.V1Subscriptions.Retrieve(ctx, subscriptionRef, params)
	if err != nil {
		return nil, a.wrapStripeError(err, "failed to retrieve subscription", map[string]any{
			"subscription_ref": subscriptionRef,
		})
	}

	return fromStripeSubscription(sub), nil
}

func (a *StripeAdapter) CreateOrUpdateSubscriptionItems(ctx context.Context, params UpdateItemsParams) (*UpdateItemsResult, error) {
	updateParams := &stripe.SubscriptionUpdateParams{
		// Proration is computed locally; the processor must not double-bill.
		ProrationBehavior: stripe.String("none"),
		Expand: []*string{
			stripe.String("latest_invoice"),
		},
	}
	if params.IdempotencyKey != "" {
		updateParams.IdempotencyKey = stripe.String(params.IdempotencyKey)
	}

	for _, change := range params.Items {
		item := &stripe.SubscriptionUpdateItemParams{}
		if change.ItemID != "" {
			item.ID = stripe.String(change.ItemID)
		}
		if change.Deleted {
			item.Deleted = stripe.Bool(true)
		} else {
			item.Price = stripe.String(change.PriceRef)
			item.Quantity = stripe.Int64(change.Quantity)
		}
		updateParams.Items = append(updateParams.Items, item)
	}

	sub, err := a.client.V1Subscriptions.Update(ctx, params.SubscriptionRef, updateParams)
	if err != nil {
		if isPaymentError(err) {
			return &UpdateItemsResult{PaymentStatus: PaymentStatusFailed}, nil
		}
		return nil, a.wrapStripeError(err, "failed to update subscription items", map[string]any{
			"subscription_ref": params.SubscriptionRef,
		})
	}

	result := &UpdateItemsResult{
		Subscription:  fromStripeSubscription(sub),
		PaymentStatus: paymentStatusFor(sub),
	}
	if result.PaymentStatus == PaymentStatusRequiresAction && sub.LatestInvoice != nil {
		result.RequiredActionURL = sub.LatestInvoice.HostedInvoiceURL
	}

	a.logger.Debugw("updated subscription items",
		"subscription_ref", params.SubscriptionRef,
		"payment_status", result.PaymentStatus)

	return result, nil
}

func (a *StripeAdapter) CreateInvoiceItem(ctx context.Context, params InvoiceItemParams) (string, error) {
	createParams := &stripe.InvoiceItemCreateParams{
		Customer:    stripe.String(params.CustomerRef),
		Currency:    stripe.String(strings.ToLower(params.Currency)),
		Description: stripe.String(params.Description),
		Amount:      stripe.Int64(toCents(params.Amount)),
		Metadata:    params.Metadata,
	}
	if !params.PeriodStart.IsZero() && !params.PeriodEnd.IsZero() {
		createParams.Period = &stripe.InvoiceItemCreatePeriodParams{
			Start: stripe.Int64(params.PeriodStart.Unix()),
			End:   stripe.Int64(params.PeriodEnd.Unix()),
		}
	}
	if params.IdempotencyKey != "" {
		createParams.IdempotencyKey = stripe.String(params.IdempotencyKey)
	}

	item, err := a.client.V1InvoiceItems.Create(ctx, createParams)
	if err != nil {
		return "", a.wrapStripeError(err, "failed to create invoice item", map[string]any{
			"customer_ref": params.CustomerRef,
		})
	}

	a.logger.Debugw("created processor invoice item",
		"customer_ref", params.CustomerRef,
		"invoice_item_id", item.ID,
		"amount", params.Amount)

	return item.ID, nil
}

func (a *StripeAdapter) CreateSchedule(ctx context.Context, params ScheduleParams) (string, error) {
	createParams := &stripe.SubscriptionScheduleCreateParams{
		FromSubscription: stripe.String(params.SubscriptionRef),
	}
	if params.IdempotencyKey != "" {
		createParams.IdempotencyKey = stripe.String(params.IdempotencyKey)
	}

	sched, err := a.client.V1SubscriptionSchedules.Create(ctx, createParams)
	if err != nil {
		return "", a.wrapStripeError(err, "failed to create subscription schedule", map[string]any{
			"subscription_ref": params.SubscriptionRef,
		})
	}

	// A schedule created from a subscription starts with a single phase
	// mirroring the current items; the staged phases replace it.
	updateParams := &stripe.SubscriptionScheduleUpdateParams{
		EndBehavior: stripe.String("release"),
	}
	for _, phase := range params.Phases {
		phaseParams := &stripe.SubscriptionScheduleUpdatePhaseParams{
			StartDate: stripe.Int64(phase.StartDate.Unix()),
		}
		if !phase.EndDate.IsZero() {
			phaseParams.EndDate = stripe.Int64(phase.EndDate.Unix())
		}
		for _, item := range phase.Items {
			phaseParams.Items = append(phaseParams.Items, &stripe.SubscriptionScheduleUpdatePhaseItemParams{
				Price:    stripe.String(item.PriceRef),
				Quantity: stripe.Int64(item.Quantity),
			})
		}
		updateParams.Phases = append(updateParams.Phases, phaseParams)
	}

	if _, err := a.client.V1SubscriptionSchedules.Update(ctx, sched.ID, updateParams); err != nil {
		return "", a.wrapStripeError(err, "failed to set schedule phases", map[string]any{
			"schedule_ref": sched.ID,
		})
	}

	return sched.ID, nil
}

func (a *StripeAdapter) ReleaseSchedule(ctx context.Context, scheduleRef string) error {
	_, err := a.client.V1SubscriptionSchedules.Release(ctx, scheduleRef, &stripe.SubscriptionScheduleReleaseParams{})
	if err != nil {
		return a.wrapStripeError(err, "failed to release subscription schedule", map[string]any{
			"schedule_ref": scheduleRef,
		})
	}
	return nil
}

func (a *StripeAdapter) CancelSubscription(ctx context.Context, subscriptionRef string, atPeriodEnd bool) error {
	var err error
	if atPeriodEnd {
		_, err = a.client.V1Subscriptions.Update(ctx, subscriptionRef, &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		_, err = a.client.V1Subscriptions.Cancel(ctx, subscriptionRef, &stripe.SubscriptionCancelParams{})
	}
	if err != nil {
		return a.wrapStripeError(err, "failed to cancel subscription", map[string]any{
			"subscription_ref": subscriptionRef,
			"at_period_end":    atPeriodEnd,
		})
	}
	return nil
}

func (a *StripeAdapter) UncancelSubscription(ctx context.Context, subscriptionRef string) error {
	_, err := a.client.V1Subscriptions.Update(ctx, subscriptionRef, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return a.wrapStripeError(err, "failed to uncancel subscription", map[string]any{
			"subscription_ref": subscriptionRef,
		})
	}
	return nil
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	result := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		result.CustomerRef = sub.Customer.ID
	}
	if sub.Schedule != nil {
		result.ScheduleID = sub.Schedule.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			converted := SubscriptionItem{
				ID:       item.ID,
				Quantity: item.Quantity,
			}
			if item.Price != nil {
				converted.PriceRef = item.Price.ID
			}
			result.Items = append(result.Items, converted)

			// Billing periods live on the items; all items on a
			// subscription share the same anchor.
			if result.PeriodStart.IsZero() && item.CurrentPeriodStart > 0 {
				result.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
				result.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
			}
		}
	}
	return result
}

func paymentStatusFor(sub *stripe.Subscription) PaymentStatus {
	switch sub.Status {
	case stripe.SubscriptionStatusIncomplete:
		return PaymentStatusRequiresAction
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return PaymentStatusFailed
	default:
		return PaymentStatusSucceeded
	}
}

// isPaymentError reports whether the error is a card failure rather than an
// API or integration problem.
func isPaymentError(err error) bool {
	stripeErr, ok := err.(*stripe.Error)
	if !ok {
		return false
	}
	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined,
		stripe.ErrorCodeExpiredCard,
		stripe.ErrorCodeAuthenticationRequired:
		return true
	}
	return false
}

func (a *StripeAdapter) wrapStripeError(err error, msg string, details map[string]any) error {
	a.logger.Errorw(msg, "error", err)

	mark := ierr.ErrProcessor
	if isPaymentError(err) {
		mark = ierr.ErrPaymentRequired
	}
	if stripeErr, ok := err.(*stripe.Error); ok {
		details["stripe_error_code"] = stripeErr.Code
	}

	return ierr.WithError(err).
		WithHint(strings.ToUpper(msg[:1]) + msg[1:]).
		WithReportableDetails(details).
		Mark(mark)
}

// toCents converts a decimal currency amount to the minor-unit integer the
// processor expects, rounding half up.
func toCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
