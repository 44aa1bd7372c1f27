package processor

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the outcome of a billing operation on the processor.
type PaymentStatus string

const (
	PaymentStatusSucceeded      PaymentStatus = "succeeded"
	PaymentStatusRequiresAction PaymentStatus = "requires_action"
	PaymentStatusFailed         PaymentStatus = "failed"
)

// Subscription is the processor's view of a customer's subscription. It is
// treated as the source of truth during reconciliation.
type Subscription struct {
	ID                string
	CustomerRef       string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Items             []SubscriptionItem
	ScheduleID        string
}

// SubscriptionItem is a single price line on a processor subscription.
type SubscriptionItem struct {
	ID       string
	PriceRef string
	Quantity int64
}

// ItemChange describes one desired mutation to a subscription's items.
// ItemID is set when modifying or deleting an existing line; PriceRef and
// Quantity describe the target state.
type ItemChange struct {
	ItemID   string
	PriceRef string
	Quantity int64
	Deleted  bool
}

// UpdateItemsParams carries a full item diff for a subscription. Proration is
// computed locally, so the processor's own proration is always disabled.
type UpdateItemsParams struct {
	SubscriptionRef string
	Items           []ItemChange
	IdempotencyKey  string
}

// UpdateItemsResult reports the payment outcome of an item update.
type UpdateItemsResult struct {
	Subscription      *Subscription
	PaymentStatus     PaymentStatus
	RequiredActionURL string
}

// InvoiceItemParams describes a one-off line item to append to the
// customer's next invoice.
type InvoiceItemParams struct {
	CustomerRef    string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Metadata       types.Metadata
	IdempotencyKey string
}

// PhaseItem is a price line within a schedule phase.
type PhaseItem struct {
	PriceRef string
	Quantity int64
}

// SchedulePhase describes one phase of a subscription schedule.
type SchedulePhase struct {
	StartDate time.Time
	EndDate   time.Time
	Items     []PhaseItem
}

// ScheduleParams creates a schedule from an existing subscription and
// replaces its phases, typically to stage a downgrade at the period boundary.
type ScheduleParams struct {
	SubscriptionRef string
	Phases          []SchedulePhase
	IdempotencyKey  string
}

// Adapter abstracts the external billing processor. All mutating operations
// accept an idempotency key so retries after partial failure are safe.
type Adapter interface {
	// RetrieveSubscription fetches the current subscription state, the
	// anchor for all reconciliation.
	RetrieveSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error)

	// CreateOrUpdateSubscriptionItems applies an item diff to a
	// subscription. Failed or action-required payments are reported via
	// the result, not as an error.
	CreateOrUpdateSubscriptionItems(ctx context.Context, params UpdateItemsParams) (*UpdateItemsResult, error)

	// CreateInvoiceItem appends a pending one-off line to the customer's
	// next invoice and returns the processor's item ID.
	CreateInvoiceItem(ctx context.Context, params InvoiceItemParams) (string, error)

	// CreateSchedule stages future phases against a subscription and
	// returns the schedule ID.
	CreateSchedule(ctx context.Context, params ScheduleParams) (string, error)

	// ReleaseSchedule detaches a schedule from its subscription, dropping
	// any not-yet-started phases.
	ReleaseSchedule(ctx context.Context, scheduleRef string) error

	// CancelSubscription cancels a subscription, either immediately or at
	// the period boundary.
	CancelSubscription(ctx context.Context, subscriptionRef string, atPeriodEnd bool) error

	// UncancelSubscription clears a pending at-period-end cancellation.
	UncancelSubscription(ctx context.Context, subscriptionRef string) error
}
